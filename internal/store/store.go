// Package store persists the ward's rooms, patients, staff users,
// accident records, staff messages and per-room monitoring settings.
//
// Two implementations share the Store interface: MemoryStore for local
// runs and tests, and DynamoStore, a single-table DynamoDB design where
// the partition key is the entity type and the sort key is the
// zero-padded numeric ID.
//
// Get methods return ErrNotFound when the record does not exist.
// Accident records are never deleted; they are closed by ResolveAccident.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a write violates a uniqueness or
	// state constraint (duplicate username, room still occupied,
	// accident already resolved).
	ErrConflict = errors.New("conflicting record state")
)

// Role is a staff member's authorization role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleDoctor Role = "doctor"
	RoleNurse  Role = "nurse"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDoctor, RoleNurse:
		return true
	}
	return false
}

// AccidentSource records how an accident was reported.
type AccidentSource string

const (
	SourceStaff AccidentSource = "staff"
	SourceAI    AccidentSource = "ai"
)

// --- Domain types ---

// User is a staff account. PasswordHash is never serialized to clients.
type User struct {
	ID           int64     `json:"id" dynamodbav:"id"`
	Username     string    `json:"username" dynamodbav:"username"`
	PasswordHash string    `json:"-" dynamodbav:"passwordHash"`
	Name         string    `json:"name" dynamodbav:"name"`
	Role         Role      `json:"role" dynamodbav:"role"`
	CreatedAt    time.Time `json:"createdAt" dynamodbav:"createdAt"`
}

// Room is a ward room.
type Room struct {
	ID        int64     `json:"id" dynamodbav:"id"`
	Name      string    `json:"name" dynamodbav:"name"`
	Floor     int       `json:"floor" dynamodbav:"floor"`
	Capacity  int       `json:"capacity" dynamodbav:"capacity"`
	CreatedAt time.Time `json:"createdAt" dynamodbav:"createdAt"`
}

// Patient is a person admitted to a room.
type Patient struct {
	ID          int64     `json:"id" dynamodbav:"id"`
	Name        string    `json:"name" dynamodbav:"name"`
	RoomID      int64     `json:"roomId" dynamodbav:"roomId"`
	DateOfBirth string    `json:"dateOfBirth,omitempty" dynamodbav:"dateOfBirth,omitempty"`
	Notes       string    `json:"notes,omitempty" dynamodbav:"notes,omitempty"`
	CreatedAt   time.Time `json:"createdAt" dynamodbav:"createdAt"`
}

// Accident is one reported fall.
type Accident struct {
	ID          int64          `json:"id" dynamodbav:"id"`
	PatientID   int64          `json:"patientId" dynamodbav:"patientId"`
	RoomID      int64          `json:"roomId" dynamodbav:"roomId"`
	Date        time.Time      `json:"date" dynamodbav:"date"`
	Resolved    bool           `json:"resolved" dynamodbav:"resolved"`
	ResolvedBy  *int64         `json:"resolvedBy" dynamodbav:"resolvedBy,omitempty"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty" dynamodbav:"resolvedAt,omitempty"`
	Notified    bool           `json:"notified" dynamodbav:"notified"`
	Source      AccidentSource `json:"source" dynamodbav:"source"`
	Confidence  *float64       `json:"confidence,omitempty" dynamodbav:"confidence,omitempty"`
	EvidenceKey string         `json:"evidenceKey,omitempty" dynamodbav:"evidenceKey,omitempty"`
}

// Message is a direct message between staff members.
type Message struct {
	ID          int64     `json:"id" dynamodbav:"id"`
	SenderID    int64     `json:"senderId" dynamodbav:"senderId"`
	RecipientID int64     `json:"recipientId" dynamodbav:"recipientId"`
	Content     string    `json:"content" dynamodbav:"content"`
	SentAt      time.Time `json:"sentAt" dynamodbav:"sentAt"`
	Read        bool      `json:"read" dynamodbav:"read"`
}

// MonitoringSettings holds a room's detection toggle and environment limits.
type MonitoringSettings struct {
	RoomID         int64     `json:"roomId" dynamodbav:"roomId"`
	FallDetection  bool      `json:"fallDetection" dynamodbav:"fallDetection"`
	TemperatureMin float64   `json:"temperatureMin" dynamodbav:"temperatureMin"`
	TemperatureMax float64   `json:"temperatureMax" dynamodbav:"temperatureMax"`
	HumidityMin    float64   `json:"humidityMin" dynamodbav:"humidityMin"`
	HumidityMax    float64   `json:"humidityMax" dynamodbav:"humidityMax"`
	CO2Max         float64   `json:"co2Max" dynamodbav:"co2Max"`
	NoiseMax       float64   `json:"noiseMax" dynamodbav:"noiseMax"`
	UpdatedAt      time.Time `json:"updatedAt" dynamodbav:"updatedAt"`
	UpdatedBy      int64     `json:"updatedBy,omitempty" dynamodbav:"updatedBy,omitempty"`
}

// AccidentFilter narrows ListAccidents. Zero values match everything.
type AccidentFilter struct {
	Resolved  *bool
	RoomID    int64
	PatientID int64
}

func (f AccidentFilter) match(a *Accident) bool {
	if f.Resolved != nil && a.Resolved != *f.Resolved {
		return false
	}
	if f.RoomID != 0 && a.RoomID != f.RoomID {
		return false
	}
	if f.PatientID != 0 && a.PatientID != f.PatientID {
		return false
	}
	return true
}

// Store is the persistence interface used by the API. Each method is safe
// for concurrent use. Create methods assign ID (and timestamps left zero)
// on the passed record. List methods return records in ascending ID order.
type Store interface {
	// --- Users ---

	// CreateUser returns ErrConflict if the username is taken.
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, id int64) error

	// --- Rooms ---

	CreateRoom(ctx context.Context, r *Room) error
	GetRoom(ctx context.Context, id int64) (*Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	UpdateRoom(ctx context.Context, r *Room) error
	// DeleteRoom returns ErrConflict while patients are assigned to it.
	DeleteRoom(ctx context.Context, id int64) error

	// --- Patients ---

	CreatePatient(ctx context.Context, p *Patient) error
	GetPatient(ctx context.Context, id int64) (*Patient, error)
	ListPatients(ctx context.Context) ([]Patient, error)
	// ListPatientsByRoom returns the room's patients, lowest ID first.
	ListPatientsByRoom(ctx context.Context, roomID int64) ([]Patient, error)
	UpdatePatient(ctx context.Context, p *Patient) error
	DeletePatient(ctx context.Context, id int64) error

	// --- Accidents ---

	CreateAccident(ctx context.Context, a *Accident) error
	GetAccident(ctx context.Context, id int64) (*Accident, error)
	ListAccidents(ctx context.Context, f AccidentFilter) ([]Accident, error)
	// ResolveAccident closes an open accident. Returns ErrConflict if it
	// is already resolved.
	ResolveAccident(ctx context.Context, id, resolvedBy int64, at time.Time) (*Accident, error)
	MarkAccidentNotified(ctx context.Context, id int64) (*Accident, error)
	SetAccidentEvidence(ctx context.Context, id int64, key string) error

	// --- Messages ---

	CreateMessage(ctx context.Context, m *Message) error
	// ListMessagesForUser returns messages sent to or by the user.
	ListMessagesForUser(ctx context.Context, userID int64) ([]Message, error)
	// MarkMessageRead marks a message read. Only its recipient may do so;
	// any other user gets ErrNotFound.
	MarkMessageRead(ctx context.Context, id, userID int64) (*Message, error)

	// --- Monitoring settings ---

	GetMonitoringSettings(ctx context.Context, roomID int64) (*MonitoringSettings, error)
	PutMonitoringSettings(ctx context.Context, s *MonitoringSettings) error
}

// FirstPatient returns the patient an unattributed room report is filed
// against: the room's lowest-ID patient. ErrNotFound if the room is empty.
func FirstPatient(ctx context.Context, s Store, roomID int64) (*Patient, error) {
	patients, err := s.ListPatientsByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(patients) == 0 {
		return nil, ErrNotFound
	}
	p := patients[0]
	return &p, nil
}
