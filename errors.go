package ucs

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record or object is not found
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthorized is returned when authentication fails
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMetadataConflict is returned when a duplicate registration carries
	// metadata that differs from the stored record.
	ErrMetadataConflict = errors.New("metadata conflict")
	// ErrInvalidTransition is returned when an operation is not allowed in the
	// record's current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrCorrelationMismatch is returned when a downstream decision refers to
	// a different workflow instance than the stored one.
	ErrCorrelationMismatch = errors.New("correlation mismatch")
	// ErrUnknownEventKind is returned when an inbound event type is not one of
	// the five supported kinds.
	ErrUnknownEventKind = errors.New("unknown event kind")
	// ErrTerminalState is returned when an event tries to move a record out of
	// a terminal state into a conflicting one.
	ErrTerminalState = errors.New("terminal state")

	// ErrOrdering is returned when an event arrived before the event it
	// depends on. The event should be retried later.
	ErrOrdering = errors.New("ordering violation")
	// ErrOrderingExhausted is returned when an ordering violation persisted
	// past the retry budget.
	ErrOrderingExhausted = errors.New("ordering retries exhausted")

	// ErrVersionConflict is returned by compare-and-update when the stored
	// version differs from the expected one.
	ErrVersionConflict = errors.New("version conflict")

	// ErrStorageUnavailable marks transient object storage failures
	// (timeouts, connection errors, 5xx responses).
	ErrStorageUnavailable = errors.New("object storage unavailable")
	// ErrStorageDenied marks permanent object storage failures such as
	// rejected credentials.
	ErrStorageDenied = errors.New("object storage access denied")

	// ErrStoreUnavailable marks transient record store failures.
	ErrStoreUnavailable = errors.New("record store unavailable")
	// ErrPublishFailed marks transient event bus failures.
	ErrPublishFailed = errors.New("event publish failed")
)

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrPublishFailed) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsOrdering reports whether err should be deferred and retried later.
func IsOrdering(err error) bool {
	return errors.Is(err, ErrOrdering)
}
