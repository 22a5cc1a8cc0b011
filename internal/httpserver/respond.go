// Package httpserver holds the small set of chi-based HTTP transport
// helpers shared by the chat bridge server (C13): JSON response helpers and
// a middleware chain (request ID, structured logging, Prometheus metrics).
//
// This was split out of the teacher repo's vendored github.com/wisbric/core
// module; that module is a private internal dependency of the teacher and
// is not resolvable outside it, so its two small helper files are inlined
// here as ordinary package code instead of an unresolvable import.
package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{
		Error:   err,
		Message: message,
	})
}
