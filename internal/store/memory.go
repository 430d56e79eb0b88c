package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps every record in process memory. Used by the local
// server when no DynamoDB table is configured, and by tests.
type MemoryStore struct {
	mu sync.RWMutex

	users      map[int64]User
	rooms      map[int64]Room
	patients   map[int64]Patient
	accidents  map[int64]Accident
	messages   map[int64]Message
	monitoring map[int64]MonitoringSettings

	seq map[string]int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[int64]User),
		rooms:      make(map[int64]Room),
		patients:   make(map[int64]Patient),
		accidents:  make(map[int64]Accident),
		messages:   make(map[int64]Message),
		monitoring: make(map[int64]MonitoringSettings),
		seq:        make(map[string]int64),
	}
}

// next must be called with mu held.
func (m *MemoryStore) next(entity string) int64 {
	m.seq[entity]++
	return m.seq[entity]
}

func sortedValues[T any](src map[int64]T, keep func(*T) bool) []T {
	ids := slices.Sorted(maps.Keys(src))
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		v := src[id]
		if keep == nil || keep(&v) {
			out = append(out, v)
		}
	}
	return out
}

func stamp(t *time.Time) {
	if t.IsZero() {
		*t = time.Now().UTC()
	}
}

// --- Users ---

func (m *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return fmt.Errorf("username %q: %w", u.Username, ErrConflict)
		}
	}
	u.ID = m.next(entityUser)
	stamp(&u.CreatedAt)
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListUsers(ctx context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.users, nil), nil
}

func (m *MemoryStore) UpdateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range m.users {
		if existing.ID != u.ID && existing.Username == u.Username {
			return fmt.Errorf("username %q: %w", u.Username, ErrConflict)
		}
	}
	u.CreatedAt = prev.CreatedAt
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryStore) DeleteUser(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	return nil
}

// --- Rooms ---

func (m *MemoryStore) CreateRoom(ctx context.Context, r *Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.next(entityRoom)
	stamp(&r.CreatedAt)
	m.rooms[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRoom(ctx context.Context, id int64) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) ListRooms(ctx context.Context) ([]Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.rooms, nil), nil
}

func (m *MemoryStore) UpdateRoom(ctx context.Context, r *Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.rooms[r.ID]
	if !ok {
		return ErrNotFound
	}
	r.CreatedAt = prev.CreatedAt
	m.rooms[r.ID] = *r
	return nil
}

func (m *MemoryStore) DeleteRoom(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[id]; !ok {
		return ErrNotFound
	}
	for _, p := range m.patients {
		if p.RoomID == id {
			return fmt.Errorf("room %d has patients: %w", id, ErrConflict)
		}
	}
	delete(m.rooms, id)
	delete(m.monitoring, id)
	return nil
}

// --- Patients ---

func (m *MemoryStore) CreatePatient(ctx context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.next(entityPatient)
	stamp(&p.CreatedAt)
	m.patients[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) ListPatients(ctx context.Context) ([]Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.patients, nil), nil
}

func (m *MemoryStore) ListPatientsByRoom(ctx context.Context, roomID int64) ([]Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.patients, func(p *Patient) bool { return p.RoomID == roomID }), nil
}

func (m *MemoryStore) UpdatePatient(ctx context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.patients[p.ID]
	if !ok {
		return ErrNotFound
	}
	p.CreatedAt = prev.CreatedAt
	m.patients[p.ID] = *p
	return nil
}

func (m *MemoryStore) DeletePatient(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[id]; !ok {
		return ErrNotFound
	}
	delete(m.patients, id)
	return nil
}

// --- Accidents ---

func (m *MemoryStore) CreateAccident(ctx context.Context, a *Accident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.next(entityAccident)
	stamp(&a.Date)
	m.accidents[a.ID] = *a
	return nil
}

func (m *MemoryStore) GetAccident(ctx context.Context, id int64) (*Accident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *MemoryStore) ListAccidents(ctx context.Context, f AccidentFilter) ([]Accident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.accidents, f.match), nil
}

func (m *MemoryStore) ResolveAccident(ctx context.Context, id, resolvedBy int64, at time.Time) (*Accident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Resolved {
		return nil, fmt.Errorf("accident %d already resolved: %w", id, ErrConflict)
	}
	a.Resolved = true
	a.ResolvedBy = &resolvedBy
	a.ResolvedAt = &at
	m.accidents[id] = a
	return &a, nil
}

func (m *MemoryStore) MarkAccidentNotified(ctx context.Context, id int64) (*Accident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.Notified = true
	m.accidents[id] = a
	return &a, nil
}

func (m *MemoryStore) SetAccidentEvidence(ctx context.Context, id int64, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accidents[id]
	if !ok {
		return ErrNotFound
	}
	a.EvidenceKey = key
	m.accidents[id] = a
	return nil
}

// --- Messages ---

func (m *MemoryStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = m.next(entityMessage)
	stamp(&msg.SentAt)
	m.messages[msg.ID] = *msg
	return nil
}

func (m *MemoryStore) ListMessagesForUser(ctx context.Context, userID int64) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.messages, func(msg *Message) bool {
		return msg.SenderID == userID || msg.RecipientID == userID
	}), nil
}

func (m *MemoryStore) MarkMessageRead(ctx context.Context, id, userID int64) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.RecipientID != userID {
		return nil, ErrNotFound
	}
	msg.Read = true
	m.messages[id] = msg
	return &msg, nil
}

// --- Monitoring settings ---

func (m *MemoryStore) GetMonitoringSettings(ctx context.Context, roomID int64) (*MonitoringSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.monitoring[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) PutMonitoringSettings(ctx context.Context, s *MonitoringSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[s.RoomID]; !ok {
		return ErrNotFound
	}
	stamp(&s.UpdatedAt)
	m.monitoring[s.RoomID] = *s
	return nil
}
