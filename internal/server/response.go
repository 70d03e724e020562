package server

import (
	"encoding/json"
	"net/http"
)

// Error codes in 4xx/5xx payloads.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeForbidden      = "forbidden"
	ErrCodeNotFound       = "not_found"
	ErrCodeInternal       = "internal_error"
)

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error payload.
func writeError(w http.ResponseWriter, status int, code, message string) {
	var payload errorPayload
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}
