package api

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ward-safety/internal/environment"
	"github.com/fpang/ward-safety/internal/fanout"
	"github.com/fpang/ward-safety/internal/store"
)

type roomRequest struct {
	Name     string `json:"name"`
	Floor    int    `json:"floor"`
	Capacity int    `json:"capacity"`
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		storeError(w, err, "room")
		return
	}
	respondJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		httpError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Capacity < 0 {
		httpError(w, http.StatusBadRequest, "capacity must not be negative")
		return
	}
	room := &store.Room{Name: req.Name, Floor: req.Floor, Capacity: req.Capacity}
	if err := s.store.CreateRoom(r.Context(), room); err != nil {
		storeError(w, err, "room")
		return
	}
	respondJSON(w, http.StatusCreated, room)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	room, err := s.store.GetRoom(r.Context(), id)
	if err != nil {
		storeError(w, err, "room")
		return
	}
	respondJSON(w, http.StatusOK, room)
}

func (s *Server) handleUpdateRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req roomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	room, err := s.store.GetRoom(r.Context(), id)
	if err != nil {
		storeError(w, err, "room")
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		room.Name = name
	}
	room.Floor = req.Floor
	if req.Capacity > 0 {
		room.Capacity = req.Capacity
	}
	if err := s.store.UpdateRoom(r.Context(), room); err != nil {
		storeError(w, err, "room")
		return
	}
	respondJSON(w, http.StatusOK, room)
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteRoom(r.Context(), id); err != nil {
		storeError(w, err, "room")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRoomPatients(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetRoom(r.Context(), id); err != nil {
		storeError(w, err, "room")
		return
	}
	patients, err := s.store.ListPatientsByRoom(r.Context(), id)
	if err != nil {
		storeError(w, err, "patient")
		return
	}
	respondJSON(w, http.StatusOK, patients)
}

// --- Monitoring settings ---

func (s *Server) handleGetMonitoring(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetRoom(r.Context(), id); err != nil {
		storeError(w, err, "room")
		return
	}
	settings, err := environment.SettingsFor(r.Context(), s.store, id, s.defaults)
	if err != nil {
		storeError(w, err, "monitoring settings")
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutMonitoring(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var settings store.MonitoringSettings
	if !decodeJSON(w, r, &settings) {
		return
	}
	if msg := validateSettings(settings); msg != "" {
		httpError(w, http.StatusBadRequest, msg)
		return
	}
	settings.RoomID = id
	settings.UpdatedAt = s.now()
	settings.UpdatedBy = caller(r)

	if err := s.store.PutMonitoringSettings(r.Context(), &settings); err != nil {
		storeError(w, err, "room")
		return
	}
	log.Info().
		Int64("roomId", id).
		Bool("fallDetection", settings.FallDetection).
		Int64("by", settings.UpdatedBy).
		Msg("Monitoring settings updated")
	s.broadcast(fanout.NewMonitoringSettingsEvent(settings))
	respondJSON(w, http.StatusOK, settings)
}

func validateSettings(m store.MonitoringSettings) string {
	if m.TemperatureMax != 0 && m.TemperatureMin >= m.TemperatureMax {
		return "temperatureMin must be below temperatureMax"
	}
	if m.HumidityMax != 0 && m.HumidityMin >= m.HumidityMax {
		return "humidityMin must be below humidityMax"
	}
	if m.HumidityMin < 0 || m.HumidityMax > 100 {
		return "humidity limits must be between 0 and 100"
	}
	if m.CO2Max < 0 || m.NoiseMax < 0 {
		return "limits must not be negative"
	}
	return ""
}
