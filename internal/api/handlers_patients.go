package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/fpang/ward-safety/internal/store"
)

type patientRequest struct {
	Name        string `json:"name"`
	RoomID      int64  `json:"roomId"`
	DateOfBirth string `json:"dateOfBirth"`
	Notes       string `json:"notes"`
}

func (s *Server) handleListPatients(w http.ResponseWriter, r *http.Request) {
	roomID, err := queryID(r, "roomId")
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	var patients []store.Patient
	if roomID != 0 {
		patients, err = s.store.ListPatientsByRoom(r.Context(), roomID)
	} else {
		patients, err = s.store.ListPatients(r.Context())
	}
	if err != nil {
		storeError(w, err, "patient")
		return
	}
	respondJSON(w, http.StatusOK, patients)
}

// checkRoom reports whether roomID names an existing room, writing a 400
// when it does not.
func (s *Server) checkRoom(w http.ResponseWriter, r *http.Request, roomID int64) bool {
	if roomID <= 0 {
		httpError(w, http.StatusBadRequest, "roomId is required")
		return false
	}
	_, err := s.store.GetRoom(r.Context(), roomID)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusBadRequest, "room does not exist")
		return false
	}
	if err != nil {
		storeError(w, err, "room")
		return false
	}
	return true
}

func (s *Server) handleCreatePatient(w http.ResponseWriter, r *http.Request) {
	var req patientRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		httpError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !s.checkRoom(w, r, req.RoomID) {
		return
	}

	p := &store.Patient{Name: req.Name, RoomID: req.RoomID, DateOfBirth: req.DateOfBirth, Notes: req.Notes}
	if err := s.store.CreatePatient(r.Context(), p); err != nil {
		storeError(w, err, "patient")
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := s.store.GetPatient(r.Context(), id)
	if err != nil {
		storeError(w, err, "patient")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePatient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req patientRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.store.GetPatient(r.Context(), id)
	if err != nil {
		storeError(w, err, "patient")
		return
	}

	if name := strings.TrimSpace(req.Name); name != "" {
		p.Name = name
	}
	if req.RoomID != 0 && req.RoomID != p.RoomID {
		if !s.checkRoom(w, r, req.RoomID) {
			return
		}
		p.RoomID = req.RoomID
	}
	if req.DateOfBirth != "" {
		p.DateOfBirth = req.DateOfBirth
	}
	p.Notes = req.Notes

	if err := s.store.UpdatePatient(r.Context(), p); err != nil {
		storeError(w, err, "patient")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePatient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeletePatient(r.Context(), id); err != nil {
		storeError(w, err, "patient")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
