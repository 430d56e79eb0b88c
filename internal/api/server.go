// Package api serves the ward-safety REST API: staff authentication, CRUD
// for users, rooms, patients, accidents and messages, room monitoring
// settings, and the device endpoints that report falls and environment
// readings. State changes are broadcast through the fanout hub.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ward-safety/internal/auth"
	"github.com/fpang/ward-safety/internal/environment"
	"github.com/fpang/ward-safety/internal/fanout"
	"github.com/fpang/ward-safety/internal/metrics"
	"github.com/fpang/ward-safety/internal/store"
)

// sideEffectTimeout bounds best-effort calls made while handling a request.
const sideEffectTimeout = 5 * time.Second

// Broadcaster publishes events to connected clients.
type Broadcaster interface {
	Broadcast(ev fanout.Event) error
}

// EvidenceUploader stores pose evidence for an accident.
type EvidenceUploader interface {
	Upload(ctx context.Context, accidentID int64, data json.RawMessage) (string, error)
}

// AccidentEvents publishes accident lifecycle events.
type AccidentEvents interface {
	AccidentReported(ctx context.Context, a store.Accident) error
	AccidentResolved(ctx context.Context, a store.Accident) error
}

// RequestObserver records per-request metrics.
type RequestObserver interface {
	ObserveRequest(route string, status int, d time.Duration)
}

// Deps are the server's collaborators. Store, Hub and Issuer are required.
type Deps struct {
	Store   store.Store
	Hub     Broadcaster
	Issuer  *auth.Issuer
	Devices *auth.DeviceVerifier

	Evidence EvidenceUploader
	Events   AccidentEvents
	Observer RequestObserver
	Counters *metrics.Collector

	EnvDefaults    environment.Defaults
	AllowedOrigins []string
}

// Server holds the API handlers.
type Server struct {
	store    store.Store
	hub      Broadcaster
	issuer   *auth.Issuer
	devices  *auth.DeviceVerifier
	evidence EvidenceUploader
	events   AccidentEvents
	observer RequestObserver
	counters *metrics.Collector
	defaults environment.Defaults
	origins  []string

	now func() time.Time
}

// NewServer creates a server from deps.
func NewServer(deps Deps) *Server {
	devices := deps.Devices
	if devices == nil {
		devices = auth.NewDeviceVerifier("")
	}
	return &Server{
		store:    deps.Store,
		hub:      deps.Hub,
		issuer:   deps.Issuer,
		devices:  devices,
		evidence: deps.Evidence,
		events:   deps.Events,
		observer: deps.Observer,
		counters: deps.Counters,
		defaults: deps.EnvDefaults,
		origins:  deps.AllowedOrigins,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handler returns the API handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.authed(mux, "GET /api/auth/me", s.handleMe)

	admin := []store.Role{store.RoleAdmin}
	clinical := []store.Role{store.RoleAdmin, store.RoleDoctor}
	staff := []store.Role{store.RoleAdmin, store.RoleDoctor, store.RoleNurse}

	s.authed(mux, "GET /api/users", s.handleListUsers, admin...)
	s.authed(mux, "POST /api/users", s.handleCreateUser, admin...)
	s.authed(mux, "GET /api/users/{id}", s.handleGetUser, admin...)
	s.authed(mux, "PUT /api/users/{id}", s.handleUpdateUser, admin...)
	s.authed(mux, "DELETE /api/users/{id}", s.handleDeleteUser, admin...)

	s.authed(mux, "GET /api/rooms", s.handleListRooms)
	s.authed(mux, "POST /api/rooms", s.handleCreateRoom, admin...)
	s.authed(mux, "GET /api/rooms/{id}", s.handleGetRoom)
	s.authed(mux, "PUT /api/rooms/{id}", s.handleUpdateRoom, admin...)
	s.authed(mux, "DELETE /api/rooms/{id}", s.handleDeleteRoom, admin...)
	s.authed(mux, "GET /api/rooms/{id}/patients", s.handleRoomPatients)
	s.authed(mux, "GET /api/rooms/{id}/monitoring", s.handleGetMonitoring)
	s.authed(mux, "PUT /api/rooms/{id}/monitoring", s.handlePutMonitoring, clinical...)

	s.authed(mux, "GET /api/patients", s.handleListPatients)
	s.authed(mux, "POST /api/patients", s.handleCreatePatient, clinical...)
	s.authed(mux, "GET /api/patients/{id}", s.handleGetPatient)
	s.authed(mux, "PUT /api/patients/{id}", s.handleUpdatePatient, clinical...)
	s.authed(mux, "DELETE /api/patients/{id}", s.handleDeletePatient, clinical...)

	s.authed(mux, "GET /api/accidents", s.handleListAccidents)
	s.authed(mux, "POST /api/accidents", s.handleCreateAccident, staff...)
	s.authed(mux, "GET /api/accidents/{id}", s.handleGetAccident)
	s.authed(mux, "POST /api/accidents/{id}/resolve", s.handleResolveAccident, staff...)
	s.authed(mux, "POST /api/accidents/{id}/notified", s.handleAccidentNotified, staff...)

	s.authed(mux, "GET /api/messages", s.handleListMessages)
	s.authed(mux, "POST /api/messages", s.handleCreateMessage)
	s.authed(mux, "POST /api/messages/{id}/read", s.handleReadMessage)

	// Device endpoints authenticate by body signature, not bearer token.
	mux.HandleFunc("POST /api/fall-detection", s.devices.Middleware(s.handleFallDetection))
	mux.HandleFunc("POST /api/env-readings", s.devices.Middleware(s.handleEnvReading))

	return withLogging(withCORS(s.origins)(withMetrics(s.observer, mux)))
}

// authed registers h behind bearer authentication and, when roles are
// given, a role check.
func (s *Server) authed(mux *http.ServeMux, pattern string, h http.HandlerFunc, roles ...store.Role) {
	if len(roles) > 0 {
		h = auth.RequireRole(roles...)(h)
	}
	mux.Handle(pattern, s.issuer.RequireAuth(h))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// broadcast sends ev to connected clients. Failures are logged only.
func (s *Server) broadcast(ev fanout.Event) {
	if s.hub == nil {
		return
	}
	if err := s.hub.Broadcast(ev); err != nil {
		log.Error().Err(err).Str("type", string(ev.Kind())).Msg("Broadcast failed")
	}
}

// caller returns the authenticated user's ID.
func caller(r *http.Request) int64 {
	c, _ := auth.ClaimsFrom(r.Context())
	if c == nil {
		return 0
	}
	return c.UserID()
}

// sideEffectContext detaches from the request so a client disconnect does
// not cancel best-effort work.
func sideEffectContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), sideEffectTimeout)
}
