package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drape-ai/drape/internal/agent"
	"github.com/drape-ai/drape/internal/tool"
	"github.com/drape-ai/drape/pkg/types"
)

type runRequest struct {
	Prompt string             `json:"prompt"`
	Mode   string             `json:"mode,omitempty"`
	Model  string             `json:"model,omitempty"`
	Plan   string             `json:"plan,omitempty"`
	Images []agent.ImageInput `json:"images,omitempty"`
}

// runAgent streams one agent run over SSE.
func (s *Server) runAgent(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "X-User-Id required")
		return
	}
	projectID := chi.URLParam(r, "projectID")

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "prompt required")
		return
	}
	if req.Model == "" {
		req.Model = "claude-sonnet-4"
	}
	if req.Plan == "" {
		req.Plan = "free"
	}

	sse, err := newSSEWriter(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	defer sse.close()

	events := s.loop.Run(r.Context(), agent.RunOptions{
		UserID:    user,
		ProjectID: projectID,
		Prompt:    req.Prompt,
		Images:    req.Images,
		Mode:      req.Mode,
		Model:     req.Model,
		Plan:      req.Plan,
	})

	var last types.AgentEventType
	for ev := range events {
		if !sse.writeEvent(string(ev.Type), ev.Data) {
			// Client gone: drain so the producer unblocks, then stop.
			go func() {
				for range events {
				}
			}()
			return
		}
		last = ev.Type
	}

	// Exactly one terminal event per stream: append done only when the run
	// did not already end on one.
	switch last {
	case types.EventComplete, types.EventError, types.EventBudgetExceeded, types.EventFatalError:
	default:
		sse.writeEvent(string(types.EventDone), map[string]any{})
	}
}

type toolRequest struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// executeTool runs a single tool outside any loop.
func (s *Server) executeTool(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "X-User-Id required")
		return
	}
	projectID := chi.URLParam(r, "projectID")

	var req toolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "tool required")
		return
	}

	outcome, err := s.loop.ExecuteTool(r.Context(), user, projectID, req.Tool, req.Input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	status := http.StatusOK
	if outcome.Kind == tool.OutcomeError {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, outcome)
}
