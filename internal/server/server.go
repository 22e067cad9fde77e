// Package server exposes the pipeline's control surface over HTTP: starting
// and stopping sessions, reading session and connection state, and reactive
// reads of the message store for the dashboard.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/foundrly/agentstream/internal/domain"
	"github.com/foundrly/agentstream/internal/session"
	"github.com/foundrly/agentstream/internal/store"
	"github.com/foundrly/agentstream/internal/tokens"
)

// requestTimeout bounds control-surface requests. Streams themselves are not
// served through this surface, so a short timeout is safe.
const requestTimeout = 30 * time.Second

// Server is the control-surface HTTP server.
type Server struct {
	manager   *session.Manager
	store     *store.Store
	estimator *tokens.Estimator
	log       *slog.Logger
	httpSrv   *http.Server
}

// New creates the server. The estimator may be nil; stats then omit token
// footprints.
func New(port int, mgr *session.Manager, st *store.Store, est *tokens.Estimator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		manager:   mgr,
		store:     st,
		estimator: est,
		log:       log,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(TimeoutMiddleware(requestTimeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "agentstream")
	})

	r.Get("/healthz", s.handleHealth)
	r.Post("/v1/sessions", s.handleStartSession)
	r.Get("/v1/sessions/{id}", s.handleSessionState)
	r.Delete("/v1/sessions/{id}", s.handleStopSession)
	r.Get("/v1/threads/{threadID}/messages", s.handleThreadMessages)
	r.Get("/v1/stats", s.handleStats)

	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     r,
		ReadTimeout: requestTimeout,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info("HTTP server listening", slog.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", slog.String("error", err.Error()))
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

type startSessionRequest struct {
	Query    string         `json:"query"`
	ThreadID string         `json:"thread_id,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type sessionStateResponse struct {
	SessionID  string                 `json:"session_id"`
	State      session.State          `json:"state"`
	Error      string                 `json:"error,omitempty"`
	Connection domain.ConnectionState `json:"connection"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}

	sess, err := s.manager.Open(req.Query, session.Options{
		ThreadID: req.ThreadID,
		Extra:    req.Options,
	})
	if err != nil {
		AddError(r.Context(), err)
		status := http.StatusBadRequest
		var serr *domain.StreamError
		if errors.As(err, &serr) {
			status = serr.HTTPStatusCode()
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	AddLogField(r.Context(), "session_id", sess.ID())
	state, _ := sess.State()
	writeJSON(w, http.StatusCreated, sessionStateResponse{
		SessionID:  sess.ID(),
		State:      state,
		Connection: sess.Connection(),
	})
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	sess := s.manager.Get(chi.URLParam(r, "id"))
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	state, errMsg := sess.State()
	writeJSON(w, http.StatusOK, sessionStateResponse{
		SessionID:  sess.ID(),
		State:      state,
		Error:      errMsg,
		Connection: sess.Connection(),
	})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Stop(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": id,
		"state":      string(session.StateIdle),
	})
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	msgs := s.store.MessagesByThread(threadID)
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"messages":  msgs,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats()
	resp := map[string]any{
		"threads":            stats.Threads,
		"total_messages":     stats.TotalMessages,
		"streaming_messages": stats.StreamingMessages,
	}

	if s.estimator != nil {
		footprints := make(map[string]int)
		for _, threadID := range s.store.ThreadIDs() {
			footprints[threadID] = s.estimator.CountThread(s.store.MessagesByThread(threadID))
		}
		resp["thread_token_estimates"] = footprints
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
