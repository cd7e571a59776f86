// Package web exposes the session over a local HTTP surface: a JSON API for
// snapshots and commands, plus a websocket feed of lifecycle events.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tbranner/sessiond/internal/logging"
	"github.com/tbranner/sessiond/internal/session"
	"github.com/tbranner/sessiond/internal/task"
)

var webLog = logging.ForComponent(logging.CompWeb)

// SessionController is the slice of the coordinator the web surface drives.
type SessionController interface {
	State() session.State
	SessionID() string
	UserID() string
	Token() (string, time.Time)
	ActiveTasks() []task.Task
	RecordActivity()
	ExtendSession(ctx context.Context) error
	SetToken(raw, userID string)
	ClearToken()
	RegisterBackgroundTask(id, taskType, description string) error
	UnregisterBackgroundTask(id string) error
	Subscribe(fn func(session.Event)) (remove func())
}

// Config defines runtime options for the web server.
type Config struct {
	// ListenAddr defaults to localhost only.
	ListenAddr string

	// Token, when set, is required on every request (query or bearer).
	Token string
}

// Server wraps the HTTP server for the local session API.
type Server struct {
	cfg        Config
	coord      SessionController
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a server with all routes registered.
func NewServer(cfg Config, coord SessionController) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:7833"
	}

	s := &Server{cfg: cfg, coord: coord}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/session/activity", s.handleActivity)
	mux.HandleFunc("/api/session/extend", s.handleExtend)
	mux.HandleFunc("/api/session/token", s.handleToken)
	mux.HandleFunc("/api/session/logout", s.handleLogout)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/ws/events", s.handleEventsWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the server and blocks until shutdown or error. Returns nil on
// graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("web_server_started", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. Long-lived websocket connections are
// signalled through the base context; a timed-out graceful shutdown falls
// back to a force close.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{Code: code, Message: message},
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"state": s.coord.State(),
		"time":  time.Now().UTC().Format(time.RFC3339),
	})
}
