package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fpang/ward-safety/internal/auth"
	"github.com/fpang/ward-safety/internal/environment"
	"github.com/fpang/ward-safety/internal/fanout"
	"github.com/fpang/ward-safety/internal/metrics"
	"github.com/fpang/ward-safety/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type recordingHub struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (h *recordingHub) Broadcast(ev fanout.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *recordingHub) kinds() []fanout.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []fanout.Kind
	for _, ev := range h.events {
		out = append(out, ev.Kind())
	}
	return out
}

func (h *recordingHub) last() fanout.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events[len(h.events)-1]
}

type fakeEvidence struct {
	calls int
	err   error
}

func (f *fakeEvidence) Upload(ctx context.Context, accidentID int64, data json.RawMessage) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "accidents/1/evidence.json.zst", nil
}

type fakeEvents struct {
	reported, resolved []int64
}

func (f *fakeEvents) AccidentReported(ctx context.Context, a store.Accident) error {
	f.reported = append(f.reported, a.ID)
	return nil
}

func (f *fakeEvents) AccidentResolved(ctx context.Context, a store.Accident) error {
	f.resolved = append(f.resolved, a.ID)
	return nil
}

type fixture struct {
	t        *testing.T
	store    *store.MemoryStore
	hub      *recordingHub
	evidence *fakeEvidence
	events   *fakeEvents
	counters *metrics.Collector
	handler  http.Handler
	tokens   map[store.Role]string
	users    map[store.Role]store.User
}

func newFixture(t *testing.T, deviceSecret string) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		store:    store.NewMemoryStore(),
		hub:      &recordingHub{},
		evidence: &fakeEvidence{},
		events:   &fakeEvents{},
		counters: metrics.NewCollector(),
		tokens:   make(map[store.Role]string),
		users:    make(map[store.Role]store.User),
	}
	issuer := auth.NewIssuer(testSecret, time.Hour)
	srv := NewServer(Deps{
		Store:       f.store,
		Hub:         f.hub,
		Issuer:      issuer,
		Devices:     auth.NewDeviceVerifier(deviceSecret),
		Evidence:    f.evidence,
		Events:      f.events,
		Observer:    f.counters,
		Counters:    f.counters,
		EnvDefaults: environment.StandardDefaults,
	})
	f.handler = srv.Handler()

	hash, err := auth.HashPassword("correct-horse")
	if err != nil {
		t.Fatal(err)
	}
	for _, role := range []store.Role{store.RoleAdmin, store.RoleDoctor, store.RoleNurse} {
		u := &store.User{Username: string(role), Name: "Test " + string(role), Role: role, PasswordHash: hash}
		if err := f.store.CreateUser(context.Background(), u); err != nil {
			t.Fatal(err)
		}
		tok, _, err := issuer.Issue(*u)
		if err != nil {
			t.Fatal(err)
		}
		f.tokens[role] = tok
		f.users[role] = *u
	}
	return f
}

// do sends a request as role ("" for anonymous) and decodes a JSON reply
// into out when out is non-nil.
func (f *fixture) do(role store.Role, method, path string, body any, out any) *httptest.ResponseRecorder {
	f.t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			f.t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+f.tokens[role])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			f.t.Fatalf("%s %s: decode response: %v (body %s)", method, path, err, rec.Body.String())
		}
	}
	return rec
}

func (f *fixture) room(name string) store.Room {
	f.t.Helper()
	r := &store.Room{Name: name, Floor: 1, Capacity: 2}
	if err := f.store.CreateRoom(context.Background(), r); err != nil {
		f.t.Fatal(err)
	}
	return *r
}

func (f *fixture) patient(name string, roomID int64) store.Patient {
	f.t.Helper()
	p := &store.Patient{Name: name, RoomID: roomID}
	if err := f.store.CreatePatient(context.Background(), p); err != nil {
		f.t.Fatal(err)
	}
	return *p
}

func errorBody(rec *httptest.ResponseRecorder) string {
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return body["error"]
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.do("", "GET", "/api/health", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t, "")

	var resp loginResponse
	rec := f.do("", "POST", "/api/auth/login", map[string]string{"username": "nurse", "password": "correct-horse"}, &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp.Token == "" || resp.User.Role != store.RoleNurse {
		t.Errorf("unexpected login response: %+v", resp)
	}
	if strings.Contains(rec.Body.String(), "passwordHash") || strings.Contains(rec.Body.String(), "$2a$") {
		t.Error("password hash leaked in login response")
	}

	tests := []struct {
		name     string
		username string
		password string
		want     int
	}{
		{"wrong password", "nurse", "wrong-password", http.StatusUnauthorized},
		{"unknown user", "ghost", "correct-horse", http.StatusUnauthorized},
		{"missing fields", "", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do("", "POST", "/api/auth/login", map[string]string{"username": tt.username, "password": tt.password}, nil)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestMe(t *testing.T) {
	f := newFixture(t, "")
	var u store.User
	if rec := f.do(store.RoleDoctor, "GET", "/api/auth/me", nil, &u); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if u.ID != f.users[store.RoleDoctor].ID {
		t.Errorf("expected user %d, got %d", f.users[store.RoleDoctor].ID, u.ID)
	}
	if rec := f.do("", "GET", "/api/auth/me", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: expected 401, got %d", rec.Code)
	}
}

func TestRoleChecks(t *testing.T) {
	f := newFixture(t, "")
	room := f.room("A")

	tests := []struct {
		name   string
		role   store.Role
		method string
		path   string
		body   any
		want   int
	}{
		{"nurse cannot list users", store.RoleNurse, "GET", "/api/users", nil, http.StatusForbidden},
		{"admin lists users", store.RoleAdmin, "GET", "/api/users", nil, http.StatusOK},
		{"doctor cannot create room", store.RoleDoctor, "POST", "/api/rooms", map[string]any{"name": "B"}, http.StatusForbidden},
		{"nurse cannot create patient", store.RoleNurse, "POST", "/api/patients", map[string]any{"name": "P", "roomId": room.ID}, http.StatusForbidden},
		{"doctor creates patient", store.RoleDoctor, "POST", "/api/patients", map[string]any{"name": "P", "roomId": room.ID}, http.StatusCreated},
		{"nurse cannot change monitoring", store.RoleNurse, "PUT", "/api/rooms/1/monitoring", map[string]any{"fallDetection": true}, http.StatusForbidden},
		{"nurse reads rooms", store.RoleNurse, "GET", "/api/rooms", nil, http.StatusOK},
		{"anonymous rejected", "", "GET", "/api/rooms", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(tt.role, tt.method, tt.path, tt.body, nil); rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestUserCRUD(t *testing.T) {
	f := newFixture(t, "")

	var created store.User
	rec := f.do(store.RoleAdmin, "POST", "/api/users", map[string]any{
		"username": "nurse2", "password": "long-enough", "name": "Second Nurse", "role": "nurse",
	}, &created)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(store.RoleAdmin, "POST", "/api/users", map[string]any{
		"username": "nurse2", "password": "long-enough", "role": "nurse",
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate username: expected 409, got %d", rec.Code)
	}

	rec = f.do(store.RoleAdmin, "POST", "/api/users", map[string]any{
		"username": "x", "password": "long-enough", "role": "janitor",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad role: expected 400, got %d", rec.Code)
	}

	var updated store.User
	rec = f.do(store.RoleAdmin, "PUT", "/api/users/"+itoa(created.ID), map[string]any{"role": "doctor"}, &updated)
	if rec.Code != http.StatusOK || updated.Role != store.RoleDoctor {
		t.Errorf("update: got %d %+v", rec.Code, updated)
	}

	self := f.users[store.RoleAdmin].ID
	if rec := f.do(store.RoleAdmin, "DELETE", "/api/users/"+itoa(self), nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("self delete: expected 400, got %d", rec.Code)
	}
	if rec := f.do(store.RoleAdmin, "DELETE", "/api/users/"+itoa(created.ID), nil, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", rec.Code)
	}
	if rec := f.do(store.RoleAdmin, "GET", "/api/users/"+itoa(created.ID), nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("deleted user: expected 404, got %d", rec.Code)
	}
}

func TestRoomAndPatientCRUD(t *testing.T) {
	f := newFixture(t, "")

	var room store.Room
	if rec := f.do(store.RoleAdmin, "POST", "/api/rooms", map[string]any{"name": "101", "floor": 1, "capacity": 2}, &room); rec.Code != http.StatusCreated {
		t.Fatalf("create room: %d", rec.Code)
	}
	if rec := f.do(store.RoleAdmin, "POST", "/api/rooms", map[string]any{"name": " "}, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("blank room name: expected 400, got %d", rec.Code)
	}

	var p store.Patient
	if rec := f.do(store.RoleDoctor, "POST", "/api/patients", map[string]any{"name": "Ann", "roomId": room.ID}, &p); rec.Code != http.StatusCreated {
		t.Fatalf("create patient: %d", rec.Code)
	}
	if rec := f.do(store.RoleDoctor, "POST", "/api/patients", map[string]any{"name": "Bob", "roomId": 999}, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown room: expected 400, got %d", rec.Code)
	}

	var inRoom []store.Patient
	f.do(store.RoleNurse, "GET", "/api/rooms/"+itoa(room.ID)+"/patients", nil, &inRoom)
	if len(inRoom) != 1 || inRoom[0].ID != p.ID {
		t.Errorf("room patients: %+v", inRoom)
	}
	var filtered []store.Patient
	f.do(store.RoleNurse, "GET", "/api/patients?roomId="+itoa(room.ID), nil, &filtered)
	if len(filtered) != 1 {
		t.Errorf("filtered patients: %+v", filtered)
	}
	if rec := f.do(store.RoleNurse, "GET", "/api/rooms/999/patients", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing room patients: expected 404, got %d", rec.Code)
	}

	if rec := f.do(store.RoleAdmin, "DELETE", "/api/rooms/"+itoa(room.ID), nil, nil); rec.Code != http.StatusConflict {
		t.Errorf("delete occupied room: expected 409, got %d", rec.Code)
	}
	if rec := f.do(store.RoleDoctor, "DELETE", "/api/patients/"+itoa(p.ID), nil, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete patient: expected 204, got %d", rec.Code)
	}
	if rec := f.do(store.RoleAdmin, "DELETE", "/api/rooms/"+itoa(room.ID), nil, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete empty room: expected 204, got %d", rec.Code)
	}
	if rec := f.do(store.RoleNurse, "GET", "/api/rooms/abc", nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", rec.Code)
	}
}

func TestAccidentLifecycle(t *testing.T) {
	f := newFixture(t, "")
	room := f.room("ICU-1")
	p := f.patient("Carol", room.ID)

	var a store.Accident
	rec := f.do(store.RoleNurse, "POST", "/api/accidents", map[string]any{"patientId": p.ID}, &a)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create accident: %d %s", rec.Code, rec.Body.String())
	}
	if a.RoomID != room.ID || a.Source != store.SourceStaff || a.Resolved {
		t.Errorf("unexpected accident: %+v", a)
	}
	ev := f.hub.last()
	if ev.Kind() != fanout.KindAccident {
		t.Fatalf("expected ACCIDENT broadcast, got %s", ev.Kind())
	}
	if payload := ev.Data().(fanout.AccidentPayload); payload.PatientName != "Carol" || payload.RoomName != "ICU-1" {
		t.Errorf("payload names: %+v", payload)
	}

	var open []store.Accident
	f.do(store.RoleNurse, "GET", "/api/accidents?resolved=false", nil, &open)
	if len(open) != 1 {
		t.Fatalf("expected 1 open accident, got %d", len(open))
	}

	var resolved store.Accident
	rec = f.do(store.RoleDoctor, "POST", "/api/accidents/"+itoa(a.ID)+"/resolve", nil, &resolved)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: %d", rec.Code)
	}
	if !resolved.Resolved || resolved.ResolvedBy == nil || *resolved.ResolvedBy != f.users[store.RoleDoctor].ID {
		t.Errorf("unexpected resolved accident: %+v", resolved)
	}
	if f.hub.last().Kind() != fanout.KindAccidentResolved {
		t.Errorf("expected ACCIDENT_RESOLVED broadcast, got %s", f.hub.last().Kind())
	}

	if rec := f.do(store.RoleDoctor, "POST", "/api/accidents/"+itoa(a.ID)+"/resolve", nil, nil); rec.Code != http.StatusConflict {
		t.Errorf("second resolve: expected 409, got %d", rec.Code)
	}
	if rec := f.do(store.RoleNurse, "POST", "/api/accidents/999/resolve", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing accident: expected 404, got %d", rec.Code)
	}

	var notified store.Accident
	f.do(store.RoleNurse, "POST", "/api/accidents/"+itoa(a.ID)+"/notified", nil, &notified)
	if !notified.Notified {
		t.Error("expected accident marked notified")
	}

	if len(f.events.reported) != 1 || len(f.events.resolved) != 1 {
		t.Errorf("events: reported %v resolved %v", f.events.reported, f.events.resolved)
	}
}

func TestMessages(t *testing.T) {
	f := newFixture(t, "")
	nurse := f.users[store.RoleNurse]

	var m store.Message
	rec := f.do(store.RoleDoctor, "POST", "/api/messages", map[string]any{"recipientId": nurse.ID, "content": "Check room 4"}, &m)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create message: %d %s", rec.Code, rec.Body.String())
	}
	if f.hub.last().Kind() != fanout.KindNewMessage {
		t.Errorf("expected NEW_MESSAGE broadcast, got %s", f.hub.last().Kind())
	}
	if rec := f.do(store.RoleDoctor, "POST", "/api/messages", map[string]any{"recipientId": nurse.ID, "content": "  "}, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("empty content: expected 400, got %d", rec.Code)
	}
	if rec := f.do(store.RoleDoctor, "POST", "/api/messages", map[string]any{"recipientId": 999, "content": "hi"}, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown recipient: expected 400, got %d", rec.Code)
	}

	var inbox []store.Message
	f.do(store.RoleNurse, "GET", "/api/messages", nil, &inbox)
	if len(inbox) != 1 {
		t.Fatalf("expected 1 message, got %d", len(inbox))
	}

	if rec := f.do(store.RoleDoctor, "POST", "/api/messages/"+itoa(m.ID)+"/read", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("sender marking read: expected 404, got %d", rec.Code)
	}
	var read store.Message
	f.do(store.RoleNurse, "POST", "/api/messages/"+itoa(m.ID)+"/read", nil, &read)
	if !read.Read {
		t.Error("expected message marked read")
	}
}

func TestMonitoringSettings(t *testing.T) {
	f := newFixture(t, "")
	room := f.room("B2")

	var defaults store.MonitoringSettings
	f.do(store.RoleNurse, "GET", "/api/rooms/"+itoa(room.ID)+"/monitoring", nil, &defaults)
	if defaults.TemperatureMax != environment.StandardDefaults.TemperatureMax || !defaults.FallDetection {
		t.Errorf("expected default settings, got %+v", defaults)
	}

	body := map[string]any{
		"fallDetection": false, "temperatureMin": 20, "temperatureMax": 24,
		"humidityMin": 30, "humidityMax": 50, "co2Max": 800, "noiseMax": 45,
	}
	var saved store.MonitoringSettings
	rec := f.do(store.RoleDoctor, "PUT", "/api/rooms/"+itoa(room.ID)+"/monitoring", body, &saved)
	if rec.Code != http.StatusOK {
		t.Fatalf("put monitoring: %d %s", rec.Code, rec.Body.String())
	}
	if saved.RoomID != room.ID || saved.UpdatedBy != f.users[store.RoleDoctor].ID || saved.UpdatedAt.IsZero() {
		t.Errorf("unexpected saved settings: %+v", saved)
	}
	if f.hub.last().Kind() != fanout.KindMonitoringSettings {
		t.Errorf("expected MONITORING_SETTINGS_CHANGED, got %s", f.hub.last().Kind())
	}

	body["temperatureMin"] = 30
	if rec := f.do(store.RoleDoctor, "PUT", "/api/rooms/"+itoa(room.ID)+"/monitoring", body, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("min above max: expected 400, got %d", rec.Code)
	}
}

func TestFallDetection(t *testing.T) {
	f := newFixture(t, "")
	room := f.room("301")
	first := f.patient("Dana", room.ID)
	f.patient("Eve", room.ID)
	empty := f.room("302")

	var resp struct {
		Success  bool           `json:"success"`
		Accident store.Accident `json:"accident"`
		Message  string         `json:"message"`
	}
	body := map[string]any{"roomId": room.ID, "confidence": 0.91, "poseData": map[string]any{"keypoints": []int{1, 2}}}
	rec := f.do("", "POST", "/api/fall-detection", body, &resp)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !resp.Success || resp.Message == "" {
		t.Errorf("unexpected response: %+v", resp)
	}
	a := resp.Accident
	if a.PatientID != first.ID || a.Source != store.SourceAI || a.Resolved || a.Notified {
		t.Errorf("unexpected accident: %+v", a)
	}
	if a.Confidence == nil || *a.Confidence != 0.91 {
		t.Errorf("confidence not stored: %v", a.Confidence)
	}
	if a.EvidenceKey == "" || f.evidence.calls != 1 {
		t.Errorf("evidence not attached: key %q calls %d", a.EvidenceKey, f.evidence.calls)
	}

	ev := f.hub.last()
	if ev.Kind() != fanout.KindAIFallDetection {
		t.Fatalf("expected AI_FALL_DETECTION, got %s", ev.Kind())
	}
	if p := ev.Data().(fanout.FallDetectionPayload); p.PatientName != "Dana" || p.RoomName != "301" {
		t.Errorf("unexpected payload: %+v", p)
	}
	if f.counters.FallReports.Load() != 1 {
		t.Errorf("expected 1 fall report counted, got %d", f.counters.FallReports.Load())
	}

	open := false
	all, _ := f.store.ListAccidents(context.Background(), store.AccidentFilter{Resolved: &open})
	if len(all) != 1 {
		t.Errorf("expected exactly one unresolved accident, got %d", len(all))
	}

	tests := []struct {
		name    string
		body    any
		want    int
		wantErr string
	}{
		{"invalid json", "{not json", http.StatusBadRequest, "invalid request body"},
		{"missing room", map[string]any{"confidence": 0.5}, http.StatusBadRequest, "roomId is required"},
		{"unknown room", map[string]any{"roomId": 999}, http.StatusNotFound, "room not found"},
		{"empty room", map[string]any{"roomId": empty.ID}, http.StatusNotFound, "no patients in room"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do("", "POST", "/api/fall-detection", tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
			if got := errorBody(rec); got != tt.wantErr {
				t.Errorf("expected error %q, got %q", tt.wantErr, got)
			}
		})
	}
}

func TestFallDetectionTimestampAndEvidenceFailure(t *testing.T) {
	f := newFixture(t, "")
	f.evidence.err = errors.New("s3 unavailable")
	room := f.room("401")
	f.patient("Finn", room.ID)

	ts := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	var resp struct {
		Accident store.Accident `json:"accident"`
	}
	rec := f.do("", "POST", "/api/fall-detection", map[string]any{
		"roomId": room.ID, "timestamp": ts.Format(time.RFC3339), "poseData": []int{1},
	}, &resp)
	if rec.Code != http.StatusCreated {
		t.Fatalf("evidence failure must not fail the request, got %d", rec.Code)
	}
	if !resp.Accident.Date.Equal(ts) {
		t.Errorf("expected date %v, got %v", ts, resp.Accident.Date)
	}
	if resp.Accident.EvidenceKey != "" {
		t.Errorf("expected no evidence key, got %q", resp.Accident.EvidenceKey)
	}
}

func TestDeviceSignature(t *testing.T) {
	const deviceSecret = "device-secret"
	f := newFixture(t, deviceSecret)
	room := f.room("501")
	f.patient("Gus", room.ID)

	body := []byte(`{"roomId":` + itoa(room.ID) + `}`)

	send := func(sig string) int {
		req := httptest.NewRequest("POST", "/api/fall-detection", bytes.NewReader(body))
		if sig != "" {
			req.Header.Set(auth.SignatureHeader, sig)
		}
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(""); code != http.StatusForbidden {
		t.Errorf("unsigned: expected 403, got %d", code)
	}
	if code := send(auth.Sign("other", body)); code != http.StatusForbidden {
		t.Errorf("wrong secret: expected 403, got %d", code)
	}
	if code := send(auth.Sign(deviceSecret, body)); code != http.StatusCreated {
		t.Errorf("signed: expected 201, got %d", code)
	}
}

func TestEnvReadings(t *testing.T) {
	f := newFixture(t, "")
	room := f.room("601")

	var resp envReadingResponse
	rec := f.do("", "POST", "/api/env-readings", map[string]any{"roomId": room.ID, "metric": "temperature", "value": 22}, &resp)
	if rec.Code != http.StatusAccepted || resp.Alert != nil {
		t.Errorf("in range: got %d alert %+v", rec.Code, resp.Alert)
	}
	if len(f.hub.kinds()) != 0 {
		t.Errorf("expected no broadcast, got %v", f.hub.kinds())
	}

	resp = envReadingResponse{}
	rec = f.do("", "POST", "/api/env-readings", map[string]any{"roomId": room.ID, "metric": "co2", "value": 1500}, &resp)
	if rec.Code != http.StatusAccepted || resp.Alert == nil {
		t.Fatalf("out of range: got %d alert %+v", rec.Code, resp.Alert)
	}
	if resp.Alert.Severity != string(environment.SeverityCritical) || resp.Alert.RoomName != "601" {
		t.Errorf("unexpected alert: %+v", resp.Alert)
	}
	if f.hub.last().Kind() != fanout.KindEnvAlert {
		t.Errorf("expected ENV_ALERT, got %s", f.hub.last().Kind())
	}
	if f.counters.EnvReadings.Load() != 2 || f.counters.EnvAlerts.Load() != 1 {
		t.Errorf("counters: readings %d alerts %d", f.counters.EnvReadings.Load(), f.counters.EnvAlerts.Load())
	}

	if rec := f.do("", "POST", "/api/env-readings", map[string]any{"roomId": room.ID, "metric": "radon", "value": 1}, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown metric: expected 400, got %d", rec.Code)
	}
	if rec := f.do("", "POST", "/api/env-readings", map[string]any{"roomId": 999, "metric": "noise", "value": 1}, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown room: expected 404, got %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, "")
	req := httptest.NewRequest("OPTIONS", "/api/rooms", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight: expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Errorf("missing allow-origin header")
	}

	req = httptest.NewRequest("OPTIONS", "/api/rooms", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("unexpected allow-origin for foreign origin")
	}
}

func TestMetricsObserveRoutePattern(t *testing.T) {
	f := newFixture(t, "")
	f.room("701")
	f.do(store.RoleNurse, "GET", "/api/rooms/1", nil, nil)

	rec := httptest.NewRecorder()
	f.counters.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `route="GET /api/rooms/{id}"`) {
		t.Errorf("expected route pattern label in metrics output")
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
