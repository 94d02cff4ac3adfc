// Package web implements the HTTP API server exposing the stored
// load-balancer inventory, refresh and action endpoints, search, and
// point-in-time reads.
package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/qcss/qcss3/internal/collector"
	"github.com/qcss/qcss3/internal/store"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standard error response.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeStatusError maps domain errors to HTTP response codes: malformed
// identifiers and dates to 400, unknown entities and devices to 404,
// everything else to 500.
func writeStatusError(w http.ResponseWriter, err error) {
	var parseErr *collector.ParseError
	var dateErr *store.DateError
	var cfgErr *collector.ConfigError
	switch {
	case errors.As(err, &parseErr), errors.As(err, &dateErr):
		WriteError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
	case errors.Is(err, store.ErrNotFound), errors.As(err, &cfgErr):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
