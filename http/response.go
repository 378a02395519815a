package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sagarc03/ucs"
)

// ErrorResponse represents a JSON error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, code int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
	}); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// HandleError writes appropriate error response based on error type
func HandleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ucs.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not_found", "File or upload not found")
	case errors.Is(err, ucs.ErrUnauthorized):
		WriteError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, ucs.ErrInvalidInput), errors.Is(err, ucs.ErrUnknownEventKind):
		WriteError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, ucs.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, ucs.ErrMetadataConflict):
		WriteError(w, http.StatusConflict, "metadata_conflict", err.Error())
	case errors.Is(err, ucs.ErrCorrelationMismatch):
		WriteError(w, http.StatusConflict, "correlation_mismatch", err.Error())
	case errors.Is(err, ucs.ErrTerminalState):
		WriteError(w, http.StatusConflict, "terminal_state", err.Error())
	case errors.Is(err, ucs.ErrOrdering), errors.Is(err, ucs.ErrOrderingExhausted):
		WriteError(w, http.StatusConflict, "out_of_order", err.Error())
	case errors.Is(err, ucs.ErrStorageDenied):
		slog.Error("request error", "error", err)
		WriteError(w, http.StatusBadGateway, "storage_denied", "Inbox storage rejected the request")
	case ucs.IsTransient(err):
		slog.Warn("request error", "error", err)
		w.Header().Set("Retry-After", "1")
		WriteError(w, http.StatusServiceUnavailable, "unavailable", "Service temporarily unavailable")
	default:
		slog.Error("request error", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, code int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(data)
}
