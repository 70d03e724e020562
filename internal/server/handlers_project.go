package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drape-ai/drape/internal/devserver"
	"github.com/drape-ai/drape/pkg/types"
)

// startPreview brings the project preview up, streaming progress over SSE.
// Classified dev-server failures surface as a named error event; the HTTP
// response frame itself never fails once streaming starts.
func (s *Server) startPreview(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "X-User-Id required")
		return
	}
	projectID := chi.URLParam(r, "projectID")
	repoURL := r.URL.Query().Get("repoUrl")
	authToken := r.URL.Query().Get("authToken")

	sse, err := newSSEWriter(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	defer sse.close()

	onProgress := func(step, message string) {
		sse.writeEvent("progress", map[string]string{"step": step, "message": message})
	}

	result, err := s.workspace.StartPreview(r.Context(), user, projectID, onProgress, repoURL, authToken)
	if err != nil {
		var failure *devserver.Failure
		if errors.As(err, &failure) {
			sse.writeEvent(string(types.EventError), map[string]any{
				"kind":      failure.Kind,
				"error":     failure.Message,
				"variables": failure.Variables,
			})
		} else {
			sse.writeEvent(string(types.EventError), types.ErrorData{Error: err.Error()})
		}
		return
	}

	sse.writeEvent("ready", result)
	sse.writeEvent(string(types.EventDone), map[string]any{})
}

func (s *Server) stopPreview(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "X-User-Id required")
		return
	}
	projectID := chi.URLParam(r, "projectID")

	if err := s.workspace.StopPreview(r.Context(), user, projectID); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type warmRequest struct {
	RepoURL   string `json:"repoUrl,omitempty"`
	AuthToken string `json:"authToken,omitempty"`
}

// warmProject prepares the workspace in the background and returns the
// session immediately.
func (s *Server) warmProject(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "X-User-Id required")
		return
	}
	projectID := chi.URLParam(r, "projectID")

	var req warmRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	session, err := s.workspace.WarmProject(r.Context(), user, projectID, req.RepoURL, req.AuthToken)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) releaseProject(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "X-User-Id required")
		return
	}
	projectID := chi.URLParam(r, "projectID")

	if err := s.workspace.Release(r.Context(), user, projectID); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

type execRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
}

func (s *Server) execCommand(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "X-User-Id required")
		return
	}
	projectID := chi.URLParam(r, "projectID")

	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "command required")
		return
	}

	result, err := s.workspace.Exec(r.Context(), user, projectID, req.Command, req.Cwd)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	files := s.workspace.ListFiles(projectID, 0)
	writeJSON(w, http.StatusOK, map[string]any{"files": files, "count": len(files)})
}

// devServerLogs returns the tail of the in-container server log.
func (s *Server) devServerLogs(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	session := s.workspace.Registry().GetByProject(projectID)
	if session == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no session for project")
		return
	}

	tail, err := s.workspace.Supervisor().TailLog(r.Context(), session)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"log": tail})
}
