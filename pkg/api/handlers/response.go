// Package handlers implements the HTTP handlers for the gateway's REST
// surface: upload lifecycle, asset reads and health.
package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/floelabs/floe/internal/logger"
)

// writeJSON writes a JSON response with the given status code.
//
// Encoding goes through a buffer first so an encoding failure can still
// produce a well-formed 500 before any headers are sent.
func writeJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", logger.Err(err))
		http.Error(w, `{"error":{"code":"INTERNAL_ERROR","message":"failed to encode response","retryable":true}}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
