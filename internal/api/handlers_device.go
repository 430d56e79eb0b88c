package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ward-safety/internal/environment"
	"github.com/fpang/ward-safety/internal/fanout"
	"github.com/fpang/ward-safety/internal/report"
	"github.com/fpang/ward-safety/internal/store"
)

// --- Fall reports ---

func (s *Server) handleFallDetection(w http.ResponseWriter, r *http.Request) {
	var req report.FallReport
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RoomID <= 0 {
		httpError(w, http.StatusBadRequest, "roomId is required")
		return
	}

	room, err := s.store.GetRoom(r.Context(), req.RoomID)
	if err != nil {
		storeError(w, err, "room")
		return
	}
	patient, err := store.FirstPatient(r.Context(), s.store, room.ID)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "no patients in room")
		return
	}
	if err != nil {
		storeError(w, err, "patient")
		return
	}

	date := s.now()
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		date = req.Timestamp.UTC()
	}
	a := &store.Accident{
		PatientID:  patient.ID,
		RoomID:     room.ID,
		Date:       date,
		Source:     store.SourceAI,
		Confidence: req.Confidence,
	}
	if err := s.store.CreateAccident(r.Context(), a); err != nil {
		storeError(w, err, "accident")
		return
	}

	evt := log.Warn().
		Int64("accidentId", a.ID).
		Int64("roomId", room.ID).
		Int64("patientId", patient.ID)
	if a.Confidence != nil {
		evt = evt.Float64("confidence", *a.Confidence)
	}
	evt.Msg("Fall reported by detector")

	ctx, cancel := sideEffectContext(r)
	defer cancel()
	s.attachEvidence(ctx, a, req)
	s.publishAccident(ctx, *a)

	s.broadcast(fanout.NewFallDetectionEvent(fanout.FallDetectionPayload{
		Accident:    *a,
		RoomID:      room.ID,
		RoomName:    room.Name,
		PatientID:   patient.ID,
		PatientName: patient.Name,
		Confidence:  a.Confidence,
		DetectedAt:  a.Date,
	}))
	if s.counters != nil {
		s.counters.FallReports.Add(1)
	}

	respondJSON(w, http.StatusCreated, report.Response{
		Success:  true,
		Accident: *a,
		Message:  fmt.Sprintf("Fall recorded for %s in %s", patient.Name, room.Name),
	})
}

// attachEvidence uploads the report's pose data and links it to a. Any
// failure leaves the accident without evidence.
func (s *Server) attachEvidence(ctx context.Context, a *store.Accident, req report.FallReport) {
	if s.evidence == nil || len(req.PoseData) == 0 {
		return
	}
	key, err := s.evidence.Upload(ctx, a.ID, req.PoseData)
	if err != nil {
		log.Error().Err(err).Int64("accidentId", a.ID).Msg("Failed to upload fall evidence")
		return
	}
	if err := s.store.SetAccidentEvidence(ctx, a.ID, key); err != nil {
		log.Error().Err(err).Int64("accidentId", a.ID).Str("key", key).Msg("Failed to link fall evidence")
		return
	}
	a.EvidenceKey = key
}

// --- Environment readings ---

type envReadingResponse struct {
	Accepted bool                    `json:"accepted"`
	Alert    *fanout.EnvAlertPayload `json:"alert,omitempty"`
}

func (s *Server) handleEnvReading(w http.ResponseWriter, r *http.Request) {
	var reading environment.Reading
	if !decodeJSON(w, r, &reading) {
		return
	}
	if err := reading.Validate(); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = s.now()
	}
	if _, err := s.store.GetRoom(r.Context(), reading.RoomID); err != nil {
		storeError(w, err, "room")
		return
	}
	if s.counters != nil {
		s.counters.EnvReadings.Add(1)
	}

	settings, err := environment.SettingsFor(r.Context(), s.store, reading.RoomID, s.defaults)
	if err != nil {
		storeError(w, err, "monitoring settings")
		return
	}
	resp := envReadingResponse{Accepted: true}
	if alert, ok := environment.Evaluate(settings, reading); ok {
		payload := s.PublishEnvAlert(r.Context(), alert)
		resp.Alert = &payload
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// PublishEnvAlert broadcasts an out-of-range reading as ENV_ALERT and
// returns the payload sent.
func (s *Server) PublishEnvAlert(ctx context.Context, a environment.Alert) fanout.EnvAlertPayload {
	p := fanout.EnvAlertPayload{
		RoomID:   a.RoomID,
		Metric:   string(a.Metric),
		Value:    a.Value,
		Limit:    a.Limit,
		Bound:    a.Bound,
		Severity: string(a.Severity),
		At:       a.At,
	}
	if room, err := s.store.GetRoom(ctx, a.RoomID); err == nil {
		p.RoomName = room.Name
	}
	if s.counters != nil {
		s.counters.EnvAlerts.Add(1)
	}
	s.broadcast(fanout.NewEnvAlertEvent(p))
	return p
}
