// Package web is the HTTP surface: attach/detach, session listing, the SSE
// event stream, health, and the inbound bot webhooks.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joestump/claude-watch/internal/config"
	"github.com/joestump/claude-watch/internal/orchestrator"
)

// Server is the HTTP server for the watcher API.
type Server struct {
	cfg    *config.Config
	orch   *orchestrator.Orchestrator
	mux    *http.ServeMux
	server *http.Server
	logger *slog.Logger
}

// New creates a Server bound to host:port.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, host string, port int) *Server {
	s := &Server{
		cfg:    cfg,
		orch:   orch,
		mux:    http.NewServeMux(),
		logger: slog.Default().With("component", "web"),
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE needs no write timeout
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /attach", s.handleAttach)
	s.mux.HandleFunc("POST /detach", s.handleDetach)
	s.mux.HandleFunc("GET /sessions", s.handleSessions)
	s.mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /webhook/telegram", s.handleTelegramWebhook)
	s.mux.HandleFunc("POST /webhook/slack", s.handleSlackWebhook)
}

// Start begins serving HTTP requests. It blocks until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
