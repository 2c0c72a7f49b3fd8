// Copyright 2025 Atelier Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the generation workflow over HTTP: a streaming
// generate endpoint plus session management, health and metrics routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/atelierlabs/atelier/pkg/config"
	"github.com/atelierlabs/atelier/pkg/observability"
	"github.com/atelierlabs/atelier/pkg/runner"
	"github.com/atelierlabs/atelier/pkg/session"
	"github.com/atelierlabs/atelier/pkg/wire"
	"github.com/atelierlabs/atelier/pkg/workflow"
)

// defaultUserID stands in when a request carries no user identity.
const defaultUserID = "anonymous"

// HTTPServer serves the generation API.
type HTTPServer struct {
	cfg      *config.Config
	runner   *runner.Runner
	sessions session.Service
	metrics  *observability.Metrics
	server   *http.Server
}

// NewHTTPServer wires the API around an already-constructed runner and
// session service. metrics may be nil when the endpoint is disabled.
func NewHTTPServer(cfg *config.Config, r *runner.Runner, sessions session.Service, metrics *observability.Metrics) *HTTPServer {
	return &HTTPServer{
		cfg:      cfg,
		runner:   r,
		sessions: sessions,
		metrics:  metrics,
	}
}

// Start runs the server until the context is canceled, then shuts down
// gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.cfg.Server.Address(),
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the generate stream outlives any fixed write
		// deadline; the run budget bounds it instead.
		IdleTimeout: 120 * time.Second,
	}

	slog.Info("HTTP server starting", "address", s.cfg.Server.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	slog.Info("HTTP server shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Address returns the configured listen address.
func (s *HTTPServer) Address() string {
	return s.cfg.Server.Address()
}

func (s *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		r.Handle(s.cfg.Metrics.Path, observability.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/generate", s.handleGenerate)
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions/clear", s.handleClearSession)
	})

	return r
}

// generateRequest is the POST /api/generate body.
type generateRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Framework string `json:"framework,omitempty"`
}

// handleGenerate runs one generation and streams its events as SSE.
// Admission errors (unknown session, busy session) fail before any
// stream bytes are written so the client gets a proper status code.
func (s *HTTPServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Prompt == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.UserID == "" {
		req.UserID = defaultUserID
	}

	runReq := &runner.Request{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		Framework: req.Framework,
	}

	run, err := s.runner.Start(r.Context(), runReq)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			writeJSONError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, runner.ErrSessionBusy):
			writeJSONError(w, http.StatusConflict, err.Error())
		default:
			slog.Error("Failed to start run", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "failed to start generation")
		}
		return
	}

	transport, err := NewSSETransport(w)
	if err != nil {
		run.Abort()
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.metrics != nil {
		s.metrics.ActiveRuns.Inc()
		defer s.metrics.ActiveRuns.Dec()
	}

	writer := NewStreamWriter(transport, s.cfg.Server.KeepaliveInterval(), s.cfg.Server.RunBudget(), s.metrics)

	start := time.Now()
	outcome := writer.Pump(r.Context(), func(ctx context.Context) iter.Seq2[wire.Event, error] {
		return run.Events(ctx, runReq)
	})
	if s.metrics != nil {
		s.metrics.RecordRun(outcome, time.Since(start))
	}
	slog.Info("Generation run finished",
		"session", run.SessionID(),
		"user", req.UserID,
		"outcome", outcome,
		"duration", time.Since(start))
}

// sessionSummary is the JSON shape of one session in list responses.
type sessionSummary struct {
	SessionID    string    `json:"session_id"`
	Phase        string    `json:"phase"`
	Iterations   int       `json:"iterations"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// handleListSessions returns one page of the user's sessions, most
// recently active first.
func (s *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		userID = defaultUserID
	}
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	resp, err := s.sessions.List(r.Context(), &session.ListRequest{
		UserID:   userID,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		slog.Error("Failed to list sessions", "user", userID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	summaries := make([]sessionSummary, 0, len(resp.Sessions))
	for _, sess := range resp.Sessions {
		summaries = append(summaries, sessionSummary{
			SessionID:    sess.ID(),
			Phase:        string(sess.Phase()),
			Iterations:   iterationCount(sess),
			CreatedAt:    sess.CreatedAt(),
			LastActiveAt: sess.LastActiveAt(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":  summaries,
		"total":     resp.Total,
		"page":      resp.Page,
		"page_size": resp.PageSize,
	})
}

func iterationCount(sess session.Session) int {
	if v, ok := sess.State()[workflow.StateKeyIterationCount]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return 0
}

// clearRequest is the POST /api/sessions/clear body.
type clearRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// handleClearSession removes a session and all its state. Clearing an
// absent session succeeds; the outcome is the same.
func (s *HTTPServer) handleClearSession(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.UserID == "" {
		req.UserID = defaultUserID
	}

	if err := s.sessions.Clear(r.Context(), &session.ClearRequest{
		UserID:    req.UserID,
		SessionID: req.SessionID,
	}); err != nil {
		slog.Error("Failed to clear session", "session", req.SessionID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to clear session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "cleared",
		"message": fmt.Sprintf("Session %s cleared", req.SessionID),
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "atelier",
		"features": []string{
			"multi_agent_workflow",
			"session_persistence",
			"code_validation",
			"auto_fix",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// corsMiddleware applies permissive CORS for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
