package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ward-safety/internal/fanout"
	"github.com/fpang/ward-safety/internal/store"
)

type accidentRequest struct {
	PatientID int64 `json:"patientId"`
	RoomID    int64 `json:"roomId"`
}

func (s *Server) handleListAccidents(w http.ResponseWriter, r *http.Request) {
	var f store.AccidentFilter
	if v := r.URL.Query().Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid resolved")
			return
		}
		f.Resolved = &b
	}
	var err error
	if f.RoomID, err = queryID(r, "roomId"); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.PatientID, err = queryID(r, "patientId"); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	accidents, err := s.store.ListAccidents(r.Context(), f)
	if err != nil {
		storeError(w, err, "accident")
		return
	}
	respondJSON(w, http.StatusOK, accidents)
}

func (s *Server) handleCreateAccident(w http.ResponseWriter, r *http.Request) {
	var req accidentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PatientID <= 0 {
		httpError(w, http.StatusBadRequest, "patientId is required")
		return
	}
	patient, err := s.store.GetPatient(r.Context(), req.PatientID)
	if err != nil {
		storeError(w, err, "patient")
		return
	}
	roomID := req.RoomID
	if roomID == 0 {
		roomID = patient.RoomID
	}

	a := &store.Accident{
		PatientID: patient.ID,
		RoomID:    roomID,
		Date:      s.now(),
		Source:    store.SourceStaff,
	}
	if err := s.store.CreateAccident(r.Context(), a); err != nil {
		storeError(w, err, "accident")
		return
	}
	log.Info().
		Int64("accidentId", a.ID).
		Int64("patientId", a.PatientID).
		Int64("roomId", a.RoomID).
		Int64("by", caller(r)).
		Msg("Accident reported by staff")

	ctx, cancel := sideEffectContext(r)
	defer cancel()
	s.publishAccident(ctx, *a)
	s.broadcast(fanout.NewAccidentEvent(s.accidentPayload(ctx, *a)))
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAccident(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.store.GetAccident(r.Context(), id)
	if err != nil {
		storeError(w, err, "accident")
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleResolveAccident(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.store.ResolveAccident(r.Context(), id, caller(r), s.now())
	if err != nil {
		storeError(w, err, "accident")
		return
	}
	log.Info().Int64("accidentId", a.ID).Int64("by", caller(r)).Msg("Accident resolved")

	ctx, cancel := sideEffectContext(r)
	defer cancel()
	if s.events != nil {
		if err := s.events.AccidentResolved(ctx, *a); err != nil {
			log.Error().Err(err).Int64("accidentId", a.ID).Msg("Failed to publish accident resolved event")
		}
	}
	s.broadcast(fanout.NewAccidentResolvedEvent(s.accidentPayload(ctx, *a)))
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleAccidentNotified(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.store.MarkAccidentNotified(r.Context(), id)
	if err != nil {
		storeError(w, err, "accident")
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// accidentPayload attaches patient and room names for display. Lookup
// failures leave the names empty.
func (s *Server) accidentPayload(ctx context.Context, a store.Accident) fanout.AccidentPayload {
	p := fanout.AccidentPayload{Accident: a}
	if patient, err := s.store.GetPatient(ctx, a.PatientID); err == nil {
		p.PatientName = patient.Name
	}
	if room, err := s.store.GetRoom(ctx, a.RoomID); err == nil {
		p.RoomName = room.Name
	}
	return p
}

func (s *Server) publishAccident(ctx context.Context, a store.Accident) {
	if s.events == nil {
		return
	}
	if err := s.events.AccidentReported(ctx, a); err != nil {
		log.Error().Err(err).Int64("accidentId", a.ID).Msg("Failed to publish accident event")
	}
}
