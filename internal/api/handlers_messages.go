package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/fpang/ward-safety/internal/fanout"
	"github.com/fpang/ward-safety/internal/store"
)

// maxMessageLength bounds a staff message in bytes.
const maxMessageLength = 4000

type messageRequest struct {
	RecipientID int64  `json:"recipientId"`
	Content     string `json:"content"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListMessagesForUser(r.Context(), caller(r))
	if err != nil {
		storeError(w, err, "message")
		return
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		httpError(w, http.StatusBadRequest, "content is required")
		return
	}
	if len(req.Content) > maxMessageLength {
		httpError(w, http.StatusBadRequest, "content is too long")
		return
	}
	_, err := s.store.GetUser(r.Context(), req.RecipientID)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusBadRequest, "recipient does not exist")
		return
	}
	if err != nil {
		storeError(w, err, "user")
		return
	}

	m := &store.Message{SenderID: caller(r), RecipientID: req.RecipientID, Content: req.Content}
	if err := s.store.CreateMessage(r.Context(), m); err != nil {
		storeError(w, err, "message")
		return
	}
	s.broadcast(fanout.NewMessageEvent(*m))
	respondJSON(w, http.StatusCreated, m)
}

func (s *Server) handleReadMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	m, err := s.store.MarkMessageRead(r.Context(), id, caller(r))
	if err != nil {
		storeError(w, err, "message")
		return
	}
	respondJSON(w, http.StatusOK, m)
}
