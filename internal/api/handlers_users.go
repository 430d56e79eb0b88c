package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ward-safety/internal/auth"
	"github.com/fpang/ward-safety/internal/store"
)

// --- Authentication ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
	User      store.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		httpError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	u, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("username", req.Username).Msg("Login failed: unknown user")
		httpError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}
	if err != nil {
		storeError(w, err, "user")
		return
	}
	if err := auth.CheckPassword(u.PasswordHash, req.Password); err != nil {
		log.Warn().Str("username", req.Username).Msg("Login failed: wrong password")
		httpError(w, http.StatusUnauthorized, err.Error())
		return
	}

	token, exp, err := s.issuer.Issue(*u)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to issue token", err.Error())
		return
	}
	log.Info().Int64("userId", u.ID).Str("role", string(u.Role)).Msg("User logged in")
	respondJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: exp, User: *u})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.GetUser(r.Context(), caller(r))
	if err != nil {
		storeError(w, err, "user")
		return
	}
	respondJSON(w, http.StatusOK, u)
}

// --- Users ---

type userRequest struct {
	Username string     `json:"username"`
	Password string     `json:"password"`
	Name     string     `json:"name"`
	Role     store.Role `json:"role"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		storeError(w, err, "user")
		return
	}
	respondJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		httpError(w, http.StatusBadRequest, "username is required")
		return
	}
	if !req.Role.Valid() {
		httpError(w, http.StatusBadRequest, "role must be admin, doctor or nurse")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	u := &store.User{Username: req.Username, PasswordHash: hash, Name: req.Name, Role: req.Role}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		storeError(w, err, "user")
		return
	}
	log.Info().Int64("userId", u.ID).Str("role", string(u.Role)).Int64("by", caller(r)).Msg("User created")
	respondJSON(w, http.StatusCreated, u)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	u, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		storeError(w, err, "user")
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req userRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		storeError(w, err, "user")
		return
	}

	if req.Name != "" {
		u.Name = req.Name
	}
	if req.Role != "" {
		if !req.Role.Valid() {
			httpError(w, http.StatusBadRequest, "role must be admin, doctor or nurse")
			return
		}
		u.Role = req.Role
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		u.PasswordHash = hash
	}

	if err := s.store.UpdateUser(r.Context(), u); err != nil {
		storeError(w, err, "user")
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if id == caller(r) {
		httpError(w, http.StatusBadRequest, "cannot delete your own account")
		return
	}
	if err := s.store.DeleteUser(r.Context(), id); err != nil {
		storeError(w, err, "user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
