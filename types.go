package ucs

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// State is the lifecycle state of an upload record.
type State string

const (
	StatePending           State = "PENDING"
	StateUploaded          State = "UPLOADED"
	StateAccepted          State = "ACCEPTED"
	StateRejected          State = "REJECTED"
	StateDeletionRequested State = "DELETION_REQUESTED"
)

func (s State) IsValid() bool {
	switch s {
	case StatePending, StateUploaded, StateAccepted, StateRejected, StateDeletionRequested:
		return true
	default:
		return false
	}
}

func ParseState(s string) (State, error) {
	state := State(s)
	if !state.IsValid() {
		return "", fmt.Errorf("invalid state: %s (valid states: PENDING, UPLOADED, ACCEPTED, REJECTED, DELETION_REQUESTED)", s)
	}
	return state, nil
}

// AttemptOutcome is the terminal outcome of an upload attempt. An attempt
// that is still in flight has OutcomeNone.
type AttemptOutcome string

const (
	OutcomeNone       AttemptOutcome = ""
	OutcomeSucceeded  AttemptOutcome = "succeeded"
	OutcomeSuperseded AttemptOutcome = "superseded"
	OutcomeUnknown    AttemptOutcome = "unknown"
	OutcomeCancelled  AttemptOutcome = "cancelled"
)

// UploadAttempt is one client credential + write for a file.
type UploadAttempt struct {
	UploadID    string         `json:"upload_id"`
	ObjectKey   string         `json:"object_key"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Outcome     AttemptOutcome `json:"outcome,omitempty"`
	PartSize    int64          `json:"part_size"`
	Parts       int            `json:"parts,omitempty"` // Highest part number issued; 0 for a single-object upload
}

// Keys returns every storage key the attempt may have written: its object
// and each part issued for it.
func (a UploadAttempt) Keys() []string {
	return append([]string{a.ObjectKey}, PartKeys(a.ObjectKey, a.Parts)...)
}

// Registration is the metadata supplied by a metadata-registered event.
type Registration struct {
	FileID        string `json:"file_id"`
	FileName      string `json:"file_name,omitempty"`
	ExpectedSize  int64  `json:"expected_size,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
	CorrelationID string `json:"correlation_id"`
	Sequence      int64  `json:"sequence"`
}

// UploadRecord is the durable lifecycle state of one file.
type UploadRecord struct {
	FileID            string          `json:"file_id"`
	State             State           `json:"state"`
	FileName          string          `json:"file_name,omitempty"`
	ExpectedSize      int64           `json:"expected_size,omitempty"`
	Checksum          string          `json:"checksum,omitempty"`
	CorrelationID     string          `json:"correlation_id"`
	CurrentUploadID   string          `json:"current_upload_id,omitempty"`
	Attempts          []UploadAttempt `json:"upload_attempts"`
	LastEventSequence int64           `json:"last_event_sequence"`
	DeletionConfirmed bool            `json:"deletion_confirmed"`
	Outbox            []OutboundEvent `json:"-"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewUploadRecord builds the initial PENDING record for a registration.
func NewUploadRecord(reg Registration, now time.Time) UploadRecord {
	return UploadRecord{
		FileID:            reg.FileID,
		State:             StatePending,
		FileName:          reg.FileName,
		ExpectedSize:      reg.ExpectedSize,
		Checksum:          reg.Checksum,
		CorrelationID:     reg.CorrelationID,
		Attempts:          []UploadAttempt{},
		LastEventSequence: reg.Sequence,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// MatchesRegistration reports whether the stored metadata is identical to reg.
// The sequence indicator is not part of the metadata.
func (r UploadRecord) MatchesRegistration(reg Registration) bool {
	return r.FileID == reg.FileID &&
		r.FileName == reg.FileName &&
		r.ExpectedSize == reg.ExpectedSize &&
		r.Checksum == reg.Checksum &&
		r.CorrelationID == reg.CorrelationID
}

// IsTerminal reports whether the record accepts no further transitions
// other than a deletion request.
func (r UploadRecord) IsTerminal() bool {
	return r.State == StateAccepted || (r.State == StateDeletionRequested && r.DeletionConfirmed)
}

// Attempt returns the attempt with the given id.
func (r UploadRecord) Attempt(uploadID string) (UploadAttempt, bool) {
	for _, a := range r.Attempts {
		if a.UploadID == uploadID {
			return a, true
		}
	}
	return UploadAttempt{}, false
}

// CurrentAttempt returns the in-flight attempt, if any.
func (r UploadRecord) CurrentAttempt() (UploadAttempt, bool) {
	if r.CurrentUploadID == "" {
		return UploadAttempt{}, false
	}
	return r.Attempt(r.CurrentUploadID)
}

// SucceededAttempt returns the latest attempt whose outcome is succeeded.
func (r UploadRecord) SucceededAttempt() (UploadAttempt, bool) {
	for i := len(r.Attempts) - 1; i >= 0; i-- {
		if r.Attempts[i].Outcome == OutcomeSucceeded {
			return r.Attempts[i], true
		}
	}
	return UploadAttempt{}, false
}

func (r *UploadRecord) setOutcome(uploadID string, outcome AttemptOutcome, at time.Time) {
	for i := range r.Attempts {
		if r.Attempts[i].UploadID == uploadID && r.Attempts[i].Outcome == OutcomeNone {
			r.Attempts[i].Outcome = outcome
			if outcome == OutcomeSucceeded {
				completed := at
				r.Attempts[i].CompletedAt = &completed
			}
			return
		}
	}
}

// Clone returns a deep copy so that mutations never leak into a caller's value.
func (r UploadRecord) Clone() UploadRecord {
	c := r
	c.Attempts = make([]UploadAttempt, len(r.Attempts))
	copy(c.Attempts, r.Attempts)
	for i := range c.Attempts {
		if c.Attempts[i].CompletedAt != nil {
			t := *c.Attempts[i].CompletedAt
			c.Attempts[i].CompletedAt = &t
		}
	}
	if r.Outbox != nil {
		c.Outbox = make([]OutboundEvent, len(r.Outbox))
		copy(c.Outbox, r.Outbox)
	}
	return c
}

// Credential is a presigned, time-limited URL for a single storage key.
type Credential struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AttemptGrant is returned when a client starts a new upload attempt.
type AttemptGrant struct {
	FileID     string     `json:"file_id"`
	UploadID   string     `json:"upload_id"`
	Superseded string     `json:"superseded_upload_id,omitempty"`
	PartSize   int64      `json:"part_size"`
	Credential Credential `json:"credential"`
}

type ListQuery struct {
	State  State
	Limit  int
	Cursor string
}

type ListResult struct {
	Items      []UploadRecord `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Tables holds configurable table names for record storage.
// This allows multi-tenant deployments to use different table names.
type Tables struct {
	Records string `mapstructure:"records" yaml:"records"`
}

var validTableNameRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// IsValidTableName checks if a table name is valid (lowercase, alphanumeric with underscores, max 63 chars).
func IsValidTableName(name string) bool {
	return validTableNameRegex.MatchString(name) && len(name) <= 63
}

// Validate checks that all required table names are set and valid.
func (t Tables) Validate() error {
	if t.Records == "" {
		return errors.New("validate tables: records table name cannot be empty")
	}

	if !IsValidTableName(t.Records) {
		return fmt.Errorf("validate tables: invalid records table name: %s (must match ^[a-z_][a-z0-9_]*$ and be <= 63 chars)", t.Records)
	}

	return nil
}

// ObjectInfo describes an object found in inbox storage.
type ObjectInfo struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// WriteResult is returned after an object has been stored.
type WriteResult struct {
	BytesWritten int64  `json:"bytes_written"`
	ETag         string `json:"etag"`
}
