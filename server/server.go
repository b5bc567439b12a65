// Package server implements the Valet HTTP API: auth, status, and
// read/cancel access to tasks, trigger subscriptions, and delegations.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/valetbot/valet/config"
	"github.com/valetbot/valet/delegate"
	"github.com/valetbot/valet/session"
	"github.com/valetbot/valet/task"
	"github.com/valetbot/valet/transport"
	"github.com/valetbot/valet/trigger"
)

// Submitter delivers an inbound event into the session layer.
type Submitter func(ctx context.Context, in transport.Incoming) (*session.Result, error)

// Server is the Valet HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	tasks       task.Store
	triggers    *trigger.Manager
	delegations *delegate.Store
	submit      Submitter

	routesOnce sync.Once
	startTime  time.Time
	version    string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		startTime: time.Now(),
		version:   ver,
	}
}

// SetTaskStore attaches a task store to the server.
func (s *Server) SetTaskStore(store task.Store) {
	s.tasks = store
}

// SetTriggerManager attaches a trigger manager to the server.
func (s *Server) SetTriggerManager(mgr *trigger.Manager) {
	s.triggers = mgr
}

// SetDelegationStore attaches a delegation store to the server.
func (s *Server) SetDelegationStore(store *delegate.Store) {
	s.delegations = store
}

// SetSubmitter attaches the inbound-message entry point.
func (s *Server) SetSubmitter(submit Submitter) {
	s.submit = submit
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the route handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	s.registerRoutes()
	return s.mux
}

func (s *Server) registerRoutes() {
	s.routesOnce.Do(s.registerRoutesOnce)
}

func (s *Server) registerRoutesOnce() {
	// Public routes
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	// Protected API
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/tasks", s.handleListTasks)
	apiMux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	apiMux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	apiMux.HandleFunc("GET /api/triggers", s.handleListTriggers)
	apiMux.HandleFunc("GET /api/delegations", s.handleListDelegations)
	apiMux.HandleFunc("POST /api/message", s.handleMessage)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := task.Filter{
		Assignee:        r.URL.Query().Get("assignee"),
		IncludeTerminal: r.URL.Query().Get("all") == "true",
	}
	if st := r.URL.Query().Get("status"); st != "" {
		status := task.Status(st)
		filter.Status = &status
	}
	tasks, err := s.tasks.List(filter)
	if err != nil {
		s.logger.Error("list tasks", slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "could not list tasks")
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.PathValue("id"))
	if errors.Is(err, task.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "could not load task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.tasks.Cancel(id)
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrStatusConflict):
		writeJSONError(w, http.StatusConflict, "task already completed")
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, "could not cancel task")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelled"})
	}
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	subs, err := s.triggers.Subscriptions()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "could not list subscriptions")
		return
	}
	if subs == nil {
		subs = []*trigger.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// messageRequest is an inbound event posted by a transport client.
type messageRequest struct {
	Channel  string `json:"channel"`
	Identity string `json:"identity"`
	Role     string `json:"role,omitempty"`
	Text     string `json:"text"`
}

type messageResponse struct {
	Buffered bool   `json:"buffered"`
	Text     string `json:"text,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.submit == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "message intake not configured")
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Identity == "" || req.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "identity and text are required")
		return
	}

	res, err := s.submit(r.Context(), transport.Incoming{
		Channel:  req.Channel,
		Identity: req.Identity,
		RoleHint: req.Role,
		Text:     req.Text,
		Received: time.Now(),
	})
	if errors.Is(err, session.ErrTimeout) {
		writeJSONError(w, http.StatusGatewayTimeout, "turn timed out")
		return
	}
	if err != nil {
		s.logger.Error("message submit", slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Buffered: res.Buffered, Text: res.Text})
}

func (s *Server) handleListDelegations(w http.ResponseWriter, r *http.Request) {
	all, err := s.delegations.ListAll()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "could not list delegations")
		return
	}
	if all == nil {
		all = []*delegate.Delegation{}
	}
	writeJSON(w, http.StatusOK, all)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}
