// Package server exposes the HTTP surface: agent runs and preview startup
// over SSE, plus the workspace management routes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/drape-ai/drape/internal/agent"
	"github.com/drape-ai/drape/internal/config"
	"github.com/drape-ai/drape/internal/logging"
	"github.com/drape-ai/drape/internal/workspace"
)

// Server is the HTTP server.
type Server struct {
	cfg       *config.Config
	router    *chi.Mux
	httpSrv   *http.Server
	loop      *agent.Loop
	workspace *workspace.Orchestrator
}

// New builds the server.
func New(cfg *config.Config, loop *agent.Loop, orch *workspace.Orchestrator) *Server {
	s := &Server{
		cfg:       cfg,
		router:    chi.NewRouter(),
		loop:      loop,
		workspace: orch,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-User-Id"},
	}))

	s.setupRoutes()
	return s
}

// Start serves until the context is cancelled or ListenAndServe fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.cfg.Port),
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE streams stay open indefinitely.
		WriteTimeout: 0,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Int("port", s.cfg.Port).Msg("server listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown drains connections with a deadline.
func (s *Server) Shutdown() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// userID extracts the authenticated user from the request. Authentication
// glue lives upstream; here only presence is enforced.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}
