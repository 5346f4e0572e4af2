package api

import (
	"encoding/json"
	"net/http"

	"github.com/openjobspec/ojs-racejob/internal/core"
)

// Error codes returned in ErrorBody.Code.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeInvalidJob     = "invalid_job"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnavailable    = "store_unavailable"
	ErrCodeInternal       = "internal_error"
)

// ErrorResponse is the JSON envelope of every error reply.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes one failure.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      code,
		Message:   message,
		RequestID: w.Header().Get(requestIDHeader),
	}})
}

// writeServiceError maps a scheduler error to a reply: bad definitions are
// the caller's fault, store failures are transient.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case core.IsDefinitionError(err):
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidJob, err.Error())
	case core.IsStoreError(err):
		WriteError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
