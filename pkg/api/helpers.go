// Package api defines the wire types of the coordination service's HTTP
// surface and the helpers that write them.
package api

import (
	"encoding/json"
	"net/http"
)

// Success sends a JSON response with the given status. A nil body writes the
// status line only.
func Success(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Error sends a bare error message in the standard envelope.
func Error(w http.ResponseWriter, statusCode int, message string) {
	Fail(w, statusCode, ErrorResponse{Error: message})
}

// Fail sends a structured error envelope, including classification and any
// itemized validation findings.
func Fail(w http.ResponseWriter, statusCode int, body ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
