package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tbranner/sessiond/internal/session"
	"github.com/tbranner/sessiond/internal/task"
)

type taskView struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
}

type sessionSnapshot struct {
	SessionID      string     `json:"sessionId"`
	UserID         string     `json:"userId,omitempty"`
	State          string     `json:"state"`
	TokenPresent   bool       `json:"tokenPresent"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`
	ActiveTasks    []taskView `json:"activeTasks"`
}

func (s *Server) snapshot() sessionSnapshot {
	tok, expiry := s.coord.Token()
	snap := sessionSnapshot{
		SessionID:    s.coord.SessionID(),
		UserID:       s.coord.UserID(),
		State:        string(s.coord.State()),
		TokenPresent: tok != "",
		ActiveTasks:  []taskView{},
	}
	if !expiry.IsZero() {
		snap.TokenExpiresAt = &expiry
	}
	for _, t := range s.coord.ActiveTasks() {
		snap.ActiveTasks = append(snap.ActiveTasks, taskView{
			ID:          t.ID,
			Type:        t.Type,
			Description: t.Description,
			StartedAt:   t.StartedAt,
		})
	}
	return snap
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	s.coord.RecordActivity()
	writeJSON(w, http.StatusOK, map[string]any{"state": s.coord.State()})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if err := s.coord.ExtendSession(r.Context()); err != nil {
		writeAPIError(w, http.StatusBadGateway, "REFRESH_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.coord.State()})
}

type tokenRequest struct {
	Token  string `json:"token"`
	UserID string `json:"userId,omitempty"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	var body tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "token is required")
		return
	}
	s.coord.SetToken(body.Token, body.UserID)
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	s.coord.ClearToken()
	writeJSON(w, http.StatusOK, map[string]any{"state": session.StateExpired})
}

type registerTaskRequest struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.snapshot().ActiveTasks)

	case http.MethodPost:
		var body registerTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" || body.Type == "" {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "task id and type are required")
			return
		}
		if err := s.coord.RegisterBackgroundTask(body.ID, body.Type, body.Description); err != nil {
			if errors.Is(err, task.ErrDuplicateTask) {
				writeAPIError(w, http.StatusConflict, "DUPLICATE_TASK", "task id is already tracked")
				return
			}
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"state": s.coord.State()})

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	const prefix = "/api/tasks/"
	id := strings.TrimPrefix(r.URL.Path, prefix)
	if id == "" || strings.Contains(id, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "task id is required")
		return
	}

	if err := s.coord.UnregisterBackgroundTask(id); err != nil {
		if errors.Is(err, task.ErrUnknownTask) {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "task not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.coord.State()})
}
