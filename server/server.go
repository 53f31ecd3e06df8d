// Package server exposes health, run trigger and progress endpoints over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"meetup-messager/pkg/outreach"
)

// Runner performs one outreach run.
type Runner interface {
	Run(ctx context.Context) (*outreach.RunSummary, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) (*outreach.RunSummary, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) (*outreach.RunSummary, error) {
	return f(ctx)
}

// SeenStore reads persisted seen ids.
type SeenStore interface {
	LoadSeen(ctx context.Context, ownGroup string) (outreach.IDSet, error)
}

// Server handles HTTP requests.
type Server struct {
	runner   Runner
	store    SeenStore
	ownGroup string
	logger   *slog.Logger

	// Runs outlive the request that started them.
	runCtx context.Context

	mu      sync.Mutex
	running bool
	last    *outreach.RunSummary
	wg      sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	Runner   Runner
	Store    SeenStore
	OwnGroup string
	Logger   *slog.Logger
	// RunContext bounds background runs. Defaults to context.Background.
	RunContext context.Context
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	runCtx := cfg.RunContext
	if runCtx == nil {
		runCtx = context.Background()
	}
	return &Server{
		runner:   cfg.Runner,
		store:    cfg.Store,
		ownGroup: cfg.OwnGroup,
		logger:   cfg.Logger,
		runCtx:   runCtx,
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/runz", s.handleRun)
	mux.HandleFunc("/seenz", s.handleSeen)
	return mux
}

// ListenAndServe serves until ctx is done, then waits for an in-flight run to finish.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := server.Shutdown(shutdownCtx)
	s.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Wait blocks until no run is in progress.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type runStatus struct {
	Running bool                 `json:"running"`
	Last    *outreach.RunSummary `json:"last,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		status := runStatus{Running: s.running, Last: s.last}
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, status)
	case http.MethodPost:
		if !s.startRun() {
			s.logger.Info("Run requested while another is in progress")
			s.writeJSON(w, http.StatusConflict, map[string]string{"status": "already running"})
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// startRun launches a background run unless one is already in progress.
func (s *Server) startRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.wg.Add(1)

	s.logger.Info("Run endpoint triggered")

	go func() {
		defer s.wg.Done()
		summary, err := s.runner.Run(s.runCtx)
		if err != nil {
			s.logger.Error("Run failed", "error", err)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.running = false
		if summary != nil {
			s.last = summary
		}
	}()
	return true
}

func (s *Server) handleSeen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ids, err := s.store.LoadSeen(r.Context(), s.ownGroup)
	if err != nil {
		s.logger.Error("Failed to load seen users", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"own_group": s.ownGroup,
		"seen":      ids.Len(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
