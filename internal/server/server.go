package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"booksync/internal/logger"
	syncsvc "booksync/internal/sync"
)

// Server is the HTTP surface of the sync service: health check, sync
// trigger, and status polling. No auth or UI lives here.
type Server struct {
	server       *http.Server
	orchestrator *syncsvc.Orchestrator
	logger       *logger.Logger
}

// New creates a new HTTP server around the given orchestrator
func New(addr string, orchestrator *syncsvc.Orchestrator, log *logger.Logger) *Server {
	s := &Server{
		server: &http.Server{
			Addr: addr,
		},
		orchestrator: orchestrator,
		logger:       log,
	}

	handler := http.NewServeMux()
	handler.HandleFunc("/healthz", s.handleHealthCheck)
	handler.HandleFunc("/sync", s.handleSync)
	handler.HandleFunc("/status", s.handleStatus)

	s.server.Handler = logger.HTTPMiddleware(handler)
	s.server.ReadTimeout = 10 * time.Second
	s.server.WriteTimeout = 30 * time.Second
	s.server.IdleTimeout = 120 * time.Second

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", map[string]interface{}{
		"addr": s.server.Addr,
	})

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server", nil)
	return s.server.Shutdown(ctx)
}

// handleHealthCheck handles health check requests
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleSync triggers a sync session. The session runs in the
// background; callers poll /status for progress. A 409 means a session
// is already active.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mode := syncsvc.ModeQuick
	if r.URL.Query().Get("mode") == string(syncsvc.ModeFull) {
		mode = syncsvc.ModeFull
	}
	forceRefresh := r.URL.Query().Get("force") == "true"

	// Probe for an active session synchronously so the caller gets an
	// immediate busy signal instead of a silently dropped request.
	status := s.orchestrator.GetStatus()
	switch status.Phase {
	case syncsvc.PhaseFetching, syncsvc.PhaseProcessing, syncsvc.PhaseSaving:
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": syncsvc.ErrSyncInProgress.Error(),
		})
		return
	}

	go func() {
		_, err := s.orchestrator.StartSync(context.Background(), mode, forceRefresh)
		if err != nil && !errors.Is(err, syncsvc.ErrSyncInProgress) {
			s.logger.Error("Background sync failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "sync started",
		"mode":   string(mode),
	})
}

// handleStatus returns the current session snapshot
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, s.orchestrator.GetStatus())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Get().Error("Failed to write response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
