package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/agent/{projectID}", func(r chi.Router) {
		r.Post("/run", s.runAgent)     // SSE
		r.Post("/tool", s.executeTool) // single tool, JSON
	})

	r.Route("/preview/{projectID}", func(r chi.Router) {
		r.Get("/start", s.startPreview) // SSE progress
		r.Post("/stop", s.stopPreview)
	})

	r.Route("/projects/{projectID}", func(r chi.Router) {
		r.Post("/warm", s.warmProject)
		r.Delete("/", s.releaseProject)
		r.Post("/exec", s.execCommand)
		r.Get("/files", s.listFiles)
		r.Get("/logs", s.devServerLogs)
	})
}
