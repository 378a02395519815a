package http_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sagarc03/ucs"
	ucshttp "github.com/sagarc03/ucs/http"
	"github.com/stretchr/testify/assert"
)

func TestHandleError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{name: "not found", err: ucs.ErrNotFound, wantCode: http.StatusNotFound, wantBody: "not_found"},
		{name: "wrapped not found", err: fmt.Errorf("status: %w", ucs.ErrNotFound), wantCode: http.StatusNotFound, wantBody: "not_found"},
		{name: "unauthorized", err: fmt.Errorf("signature mismatch: %w", ucs.ErrUnauthorized), wantCode: http.StatusUnauthorized, wantBody: "unauthorized"},
		{name: "invalid input", err: ucs.ErrInvalidInput, wantCode: http.StatusBadRequest, wantBody: "invalid_input"},
		{name: "unknown event kind", err: ucs.ErrUnknownEventKind, wantCode: http.StatusBadRequest, wantBody: "invalid_input"},
		{name: "invalid transition", err: ucs.ErrInvalidTransition, wantCode: http.StatusConflict, wantBody: "invalid_transition"},
		{name: "metadata conflict", err: ucs.ErrMetadataConflict, wantCode: http.StatusConflict, wantBody: "metadata_conflict"},
		{name: "correlation mismatch", err: ucs.ErrCorrelationMismatch, wantCode: http.StatusConflict, wantBody: "correlation_mismatch"},
		{name: "terminal state", err: ucs.ErrTerminalState, wantCode: http.StatusConflict, wantBody: "terminal_state"},
		{name: "ordering", err: ucs.ErrOrdering, wantCode: http.StatusConflict, wantBody: "out_of_order"},
		{name: "ordering exhausted", err: fmt.Errorf("%w: %w", ucs.ErrOrderingExhausted, ucs.ErrOrdering), wantCode: http.StatusConflict, wantBody: "out_of_order"},
		{name: "storage denied", err: ucs.ErrStorageDenied, wantCode: http.StatusBadGateway, wantBody: "storage_denied"},
		{name: "storage unavailable", err: ucs.ErrStorageUnavailable, wantCode: http.StatusServiceUnavailable, wantBody: "unavailable"},
		{name: "store unavailable", err: ucs.ErrStoreUnavailable, wantCode: http.StatusServiceUnavailable, wantBody: "unavailable"},
		{name: "deadline", err: context.DeadlineExceeded, wantCode: http.StatusServiceUnavailable, wantBody: "unavailable"},
		{name: "unexpected", err: errors.New("some unexpected error"), wantCode: http.StatusInternalServerError, wantBody: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()

			ucshttp.HandleError(rec, tt.err)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestHandleError_TransientSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()

	ucshttp.HandleError(rec, ucs.ErrPublishFailed)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestHandleError_InternalDetailsHidden(t *testing.T) {
	rec := httptest.NewRecorder()

	ucshttp.HandleError(rec, errors.New("password=hunter2"))

	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()

	err := ucshttp.WriteJSON(rec, http.StatusCreated, map[string]string{"key": "value"})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"key":"value"}`, rec.Body.String())
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()

	ucshttp.WriteError(rec, http.StatusTeapot, "teapot", "I'm a teapot")

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.JSONEq(t, `{"error":"teapot","message":"I'm a teapot"}`, rec.Body.String())
}
