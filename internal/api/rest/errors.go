package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sahyog/sahyog-backend/internal/models"
	"github.com/sahyog/sahyog-backend/internal/pkg/logger"
)

// APIError represents a structured API error response
type APIError struct {
	Error     string            `json:"error"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Error codes for common scenarios
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeStoreUnavailable  = "STORE_UNAVAILABLE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
)

// respondStructuredError sends a structured error response with error code and details
func respondStructuredError(w http.ResponseWriter, status int, code, message string, requestID string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := APIError{
		Error:     message,
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Details:   details,
	}
	json.NewEncoder(w).Encode(err)
}

// respondErrorWithCode is a convenience wrapper for structured errors
func respondErrorWithCode(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondStructuredError(w, status, code, message, logger.FromContext(r.Context()), nil)
}

// respondDomainError maps errors from the ingest and allocation layers onto
// status codes. Validation errors carry one detail entry per field.
func (h *Handler) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := logger.FromContext(r.Context())
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		details := make(map[string]string, len(ve.Fields))
		for _, f := range ve.Fields {
			details[f.Field] = f.Reason
		}
		respondStructuredError(w, http.StatusBadRequest, ErrCodeValidationFailed, "event failed validation", reqID, details)
	case errors.Is(err, models.ErrStoreUnavailable):
		h.logger.Warn("Store unavailable", zap.String("request_id", reqID), zap.Error(err))
		w.Header().Set("Retry-After", "1")
		respondStructuredError(w, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "event store unavailable; retry with the same idempotency key", reqID, nil)
	case errors.Is(err, models.ErrNotFound):
		respondStructuredError(w, http.StatusNotFound, ErrCodeNotFound, err.Error(), reqID, nil)
	case errors.Is(err, models.ErrInvalidTransition):
		respondStructuredError(w, http.StatusConflict, ErrCodeInvalidTransition, err.Error(), reqID, nil)
	default:
		h.logger.Error("Request failed", zap.String("request_id", reqID), zap.Error(err))
		respondStructuredError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error", reqID, nil)
	}
}
