// Package api implements the HTTP surface of the ingest pipeline: the
// per-source webhook receiver, the health endpoint, and the Prometheus
// metrics endpoint. It uses chi as the router.
package api

import (
	"encoding/json"
	"net/http"
)

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error writes a JSON error response with the given status, machine-readable
// code, and human-readable message:
//
//	{"error": {"message": "...", "code": "..."}}
//
// code is included so a webhook sender can branch on it without parsing
// message text.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, map[string]any{
		"error": errorResponse{Message: message, Code: code},
	})
}
