package ucs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RecordStore defines the interface for durable upload record persistence.
// It is the single source of truth for lifecycle state; all coordination
// between concurrent handlers goes through CompareAndUpdate.
//
// All methods accept a context for cancellation and timeout control.
type RecordStore interface {
	// Get retrieves the record for a file.
	//
	// Returns:
	//   - UploadRecord: The stored record
	//   - error: ErrNotFound if the file is unknown, or other store errors
	Get(ctx context.Context, fileID string) (UploadRecord, error)

	// CreateIfAbsent creates a PENDING record from a registration unless one
	// already exists for the file id.
	//
	// Returns:
	//   - UploadRecord: The created record, or the existing one unchanged
	//   - bool: true if a new record was created
	//   - error: Any store error
	CreateIfAbsent(ctx context.Context, reg Registration) (UploadRecord, bool, error)

	// CompareAndUpdate applies mutate to a copy of the stored record and
	// persists it, provided the stored version still equals expectedVersion.
	// The version is incremented on success. If mutate returns an error,
	// nothing is written and that error is returned.
	//
	// Returns:
	//   - UploadRecord: The persisted record
	//   - error: ErrNotFound, ErrVersionConflict, the mutate error, or other store errors
	CompareAndUpdate(ctx context.Context, fileID string, expectedVersion int64, mutate func(*UploadRecord) error) (UploadRecord, error)

	// List retrieves a page of records ordered by creation time.
	List(ctx context.Context, q ListQuery) (ListResult, error)
}

// ObjectStorage defines the operations the Coordinator needs on inbox storage.
// Implementations must distinguish transient failures (ErrStorageUnavailable)
// from permanent ones (ErrStorageDenied).
type ObjectStorage interface {
	// IssueUploadCredential returns a presigned write URL for key, valid for ttl.
	IssueUploadCredential(ctx context.Context, bucket, key string, ttl time.Duration) (Credential, error)

	// IssueDownloadCredential returns a presigned read URL for key, valid for ttl.
	IssueDownloadCredential(ctx context.Context, bucket, key string, ttl time.Duration) (Credential, error)

	// ObjectExists reports whether an object is stored under key.
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	// DeleteObject removes the object stored under key. Deleting an absent
	// object succeeds.
	DeleteObject(ctx context.Context, bucket, key string) error

	// ComposeObject joins parts, in order, into key and removes the parts.
	// It succeeds without change when the parts are gone and key exists,
	// and returns ErrNotFound when a part is missing.
	ComposeObject(ctx context.Context, bucket, key string, parts []string) error
}

// EventPublisher publishes outbound events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event OutboundEvent) error
}

// Observer receives coordinator activity, typically to export metrics.
type Observer interface {
	Transition(kind EventKind, from, to State)
	Discarded(kind EventKind, reason string)
	ConflictRetry()
	Published(kind EventKind)
}

type noopObserver struct{}

func (noopObserver) Transition(EventKind, State, State) {}
func (noopObserver) Discarded(EventKind, string)        {}
func (noopObserver) ConflictRetry()                     {}
func (noopObserver) Published(EventKind)                {}

// KindAttemptRequested labels attempt creation in observer callbacks. It is
// an API operation, not an inbound event.
const KindAttemptRequested EventKind = "attempt_requested"

// CoordinatorConfig holds configuration options for Coordinator.
type CoordinatorConfig struct {
	Bucket             string
	UploadTTL          time.Duration // Lifetime of upload credentials (default: 15m)
	DownloadTTL        time.Duration // Lifetime of download credentials (default: 5m)
	OperationTimeout   time.Duration // Bound for each store, storage and publish call (default: 10s)
	MaxConflictRetries int           // Re-reads on version conflict before giving up (default: 5)
	Logger             *slog.Logger
	Observer           Observer
	Now                func() time.Time
	NewUploadID        func() string
}

// Coordinator is the upload lifecycle state machine. It is safe for
// concurrent use; handlers racing on one file id are serialized through the
// store's compare-and-update.
type Coordinator struct {
	store     RecordStore
	storage   ObjectStorage
	publisher EventPublisher
	cfg       CoordinatorConfig
	log       *slog.Logger
	observer  Observer
}

func NewCoordinator(store RecordStore, storage ObjectStorage, publisher EventPublisher, cfg CoordinatorConfig) (*Coordinator, error) {
	if store == nil || storage == nil || publisher == nil {
		return nil, errors.New("new coordinator: store, storage and publisher are required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("new coordinator: %w: bucket cannot be empty", ErrInvalidInput)
	}
	if cfg.UploadTTL <= 0 {
		cfg.UploadTTL = 15 * time.Minute
	}
	if cfg.DownloadTTL <= 0 {
		cfg.DownloadTTL = 5 * time.Minute
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 5
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewUploadID == nil {
		cfg.NewUploadID = func() string { return uuid.NewString() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	return &Coordinator{
		store:     store,
		storage:   storage,
		publisher: publisher,
		cfg:       cfg,
		log:       logger,
		observer:  observer,
	}, nil
}

// Handle applies one inbound event. Each kind maps to exactly one transition
// function. A nil error means the event may be acknowledged, including when
// it was discarded as stale or duplicate.
func (c *Coordinator) Handle(ctx context.Context, ev InboundEvent) error {
	switch e := ev.(type) {
	case MetadataRegistered:
		return c.RegisterMetadata(ctx, e)
	case UploadCompleted:
		return c.CompleteUpload(ctx, e)
	case UploadAccepted:
		return c.AcceptUpload(ctx, e)
	case UploadRejected:
		return c.RejectUpload(ctx, e)
	case DeletionRequested:
		return c.RequestDeletion(ctx, e)
	default:
		return fmt.Errorf("handle event: %w: %T", ErrUnknownEventKind, ev)
	}
}

// RegisterMetadata creates the record for a newly expected file. A duplicate
// registration with identical metadata is a no-op in any state; one with
// different metadata is rejected with ErrMetadataConflict.
func (c *Coordinator) RegisterMetadata(ctx context.Context, e MetadataRegistered) error {
	if err := validateHeader(e.EventHeader); err != nil {
		return fmt.Errorf("register metadata: %w", err)
	}
	if e.ExpectedSize < 0 {
		return fmt.Errorf("register metadata: %w: expected size cannot be negative", ErrInvalidInput)
	}

	reg := e.Registration()

	opCtx, cancel := c.opContext(ctx)
	rec, created, err := c.store.CreateIfAbsent(opCtx, reg)
	cancel()
	if err != nil {
		return fmt.Errorf("register metadata %s: %w", e.FileID, err)
	}

	if created {
		c.observer.Transition(e.Kind(), "", StatePending)
		c.log.Info("file registered", "file_id", e.FileID, "correlation_id", e.CorrelationID, "sequence", e.Sequence)
		return nil
	}

	if !rec.MatchesRegistration(reg) {
		c.log.Error("conflicting metadata registration", "file_id", e.FileID, "state", rec.State, "sequence", e.Sequence)
		return fmt.Errorf("register metadata %s: %w", e.FileID, ErrMetadataConflict)
	}

	c.discard(e, rec, "duplicate registration")
	return c.resume(ctx, rec)
}

// CompleteUpload moves a PENDING record to UPLOADED when the current attempt
// reports completion and its object is present in the inbox.
func (c *Coordinator) CompleteUpload(ctx context.Context, e UploadCompleted) error {
	if err := validateHeader(e.EventHeader); err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}
	if e.UploadID == "" {
		return fmt.Errorf("complete upload: %w: upload attempt id cannot be empty", ErrInvalidInput)
	}

	rec, err := c.getForEvent(ctx, e)
	if err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}

	if e.Sequence <= rec.LastEventSequence {
		c.discard(e, rec, "stale sequence")
		return c.resume(ctx, rec)
	}

	attempt, ok := rec.Attempt(e.UploadID)
	if !ok {
		return fmt.Errorf("complete upload %s: %w: unknown upload attempt %s", e.FileID, ErrOrdering, e.UploadID)
	}

	if rec.State == StateAccepted || rec.State == StateDeletionRequested {
		c.discard(e, rec, "record is "+string(rec.State))
		return nil
	}

	if attempt.UploadID != rec.CurrentUploadID {
		c.discard(e, rec, "superseded attempt")
		return nil
	}

	if rec.State == StateUploaded && attempt.Outcome == OutcomeSucceeded {
		c.discard(e, rec, "attempt already completed")
		return nil
	}

	if rec.State != StatePending {
		return fmt.Errorf("complete upload %s: %w: state is %s", e.FileID, ErrInvalidTransition, rec.State)
	}

	if attempt.Parts > 0 {
		opCtx, cancel := c.opContext(ctx)
		err := c.storage.ComposeObject(opCtx, c.cfg.Bucket, attempt.ObjectKey, PartKeys(attempt.ObjectKey, attempt.Parts))
		cancel()
		switch {
		case errors.Is(err, ErrNotFound):
			return fmt.Errorf("complete upload %s: %w: parts of %s not in inbox", e.FileID, ErrOrdering, attempt.ObjectKey)
		case err != nil:
			return fmt.Errorf("complete upload %s: compose parts: %w", e.FileID, err)
		}
	}

	opCtx, cancel := c.opContext(ctx)
	exists, err := c.storage.ObjectExists(opCtx, c.cfg.Bucket, attempt.ObjectKey)
	cancel()
	if err != nil {
		return fmt.Errorf("complete upload %s: %w", e.FileID, err)
	}
	if !exists {
		return fmt.Errorf("complete upload %s: %w: object %s not in inbox", e.FileID, ErrOrdering, attempt.ObjectKey)
	}

	now := c.cfg.Now()
	updated, changed, err := c.mutate(ctx, e.FileID, func(r *UploadRecord) error {
		if e.Sequence <= r.LastEventSequence || r.State != StatePending || r.CurrentUploadID != e.UploadID {
			return errUnchanged
		}
		r.setOutcome(e.UploadID, OutcomeSucceeded, now)
		r.State = StateUploaded
		r.LastEventSequence = e.Sequence
		a, _ := r.Attempt(e.UploadID)
		r.Outbox = append(r.Outbox, newUploadReceived(*r, a, c.cfg.Bucket, now))
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete upload %s: %w", e.FileID, err)
	}
	if !changed {
		c.discard(e, updated, "concurrently applied")
		return c.resume(ctx, updated)
	}

	c.transitioned(e, rec.State, updated)
	return c.flush(ctx, updated)
}

// AcceptUpload finalizes an UPLOADED record after downstream validation.
func (c *Coordinator) AcceptUpload(ctx context.Context, e UploadAccepted) error {
	return c.decide(ctx, e, StateAccepted)
}

// RejectUpload marks an UPLOADED record as rejected by downstream validation.
// The client may start a new attempt afterwards.
func (c *Coordinator) RejectUpload(ctx context.Context, e UploadRejected) error {
	if err := c.decide(ctx, e, StateRejected); err != nil {
		return err
	}
	if e.Reason != "" {
		c.log.Debug("upload rejection reason", "file_id", e.FileID, "reason", e.Reason)
	}
	return nil
}

func (c *Coordinator) decide(ctx context.Context, e InboundEvent, target State) error {
	h := e.Header()
	op := "accept upload"
	opposite := StateRejected
	if target == StateRejected {
		op = "reject upload"
		opposite = StateAccepted
	}

	if err := validateHeader(h); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	rec, err := c.getForEvent(ctx, e)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if h.Sequence <= rec.LastEventSequence {
		c.discard(e, rec, "stale sequence")
		return c.resume(ctx, rec)
	}

	if h.CorrelationID != rec.CorrelationID {
		return fmt.Errorf("%s %s: %w: got %q", op, h.FileID, ErrCorrelationMismatch, h.CorrelationID)
	}

	switch rec.State {
	case StateUploaded:
	case target:
		c.discard(e, rec, "already "+string(target))
		return nil
	case StateDeletionRequested:
		c.discard(e, rec, "deletion requested")
		return nil
	case opposite:
		c.log.Error("conflicting downstream decision", "file_id", h.FileID, "state", rec.State, "decision", target)
		return fmt.Errorf("%s %s: %w: record is %s", op, h.FileID, ErrTerminalState, rec.State)
	case StatePending:
		if rec.CurrentUploadID != "" {
			return fmt.Errorf("%s %s: %w: upload not completed yet", op, h.FileID, ErrOrdering)
		}
		return fmt.Errorf("%s %s: %w: no upload attempt", op, h.FileID, ErrInvalidTransition)
	default:
		return fmt.Errorf("%s %s: %w: state is %s", op, h.FileID, ErrInvalidTransition, rec.State)
	}

	updated, changed, err := c.mutate(ctx, h.FileID, func(r *UploadRecord) error {
		if h.Sequence <= r.LastEventSequence || r.State != StateUploaded {
			return errUnchanged
		}
		r.State = target
		r.LastEventSequence = h.Sequence
		if target == StateRejected {
			r.CurrentUploadID = ""
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, h.FileID, err)
	}
	if !changed {
		c.discard(e, updated, "concurrently applied")
		return c.resume(ctx, updated)
	}

	c.transitioned(e, StateUploaded, updated)
	return nil
}

// RequestDeletion moves any record that is not already being deleted to
// DELETION_REQUESTED, removes every attempt's object from the inbox and
// publishes deletion-confirmed. Requesting deletion again is a no-op.
func (c *Coordinator) RequestDeletion(ctx context.Context, e DeletionRequested) error {
	if err := validateHeader(e.EventHeader); err != nil {
		return fmt.Errorf("request deletion: %w", err)
	}

	rec, err := c.getForEvent(ctx, e)
	if err != nil {
		return fmt.Errorf("request deletion: %w", err)
	}

	if e.Sequence <= rec.LastEventSequence {
		c.discard(e, rec, "stale sequence")
		return c.resume(ctx, rec)
	}

	if rec.State == StateDeletionRequested {
		c.discard(e, rec, "deletion already requested")
		return c.resume(ctx, rec)
	}

	now := c.cfg.Now()
	updated, changed, err := c.mutate(ctx, e.FileID, func(r *UploadRecord) error {
		if e.Sequence <= r.LastEventSequence || r.State == StateDeletionRequested {
			return errUnchanged
		}
		if r.CurrentUploadID != "" {
			r.setOutcome(r.CurrentUploadID, OutcomeUnknown, now)
			r.CurrentUploadID = ""
		}
		r.State = StateDeletionRequested
		r.LastEventSequence = e.Sequence
		return nil
	})
	if err != nil {
		return fmt.Errorf("request deletion %s: %w", e.FileID, err)
	}
	if !changed {
		c.discard(e, updated, "concurrently applied")
		return c.resume(ctx, updated)
	}

	c.transitioned(e, rec.State, updated)
	return c.resume(ctx, updated)
}

// Resume completes side effects of transitions that were committed but not
// finished, such as an unconfirmed deletion or unpublished outbound events.
func (c *Coordinator) Resume(ctx context.Context, fileID string) error {
	rec, err := c.get(ctx, fileID)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return c.resume(ctx, rec)
}

func (c *Coordinator) resume(ctx context.Context, rec UploadRecord) error {
	if rec.State == StateDeletionRequested && !rec.DeletionConfirmed {
		confirmed, err := c.completeDeletion(ctx, rec)
		if err != nil {
			return err
		}
		rec = confirmed
	}
	return c.flush(ctx, rec)
}

func (c *Coordinator) completeDeletion(ctx context.Context, rec UploadRecord) (UploadRecord, error) {
	for _, a := range rec.Attempts {
		for _, key := range a.Keys() {
			opCtx, cancel := c.opContext(ctx)
			err := c.storage.DeleteObject(opCtx, c.cfg.Bucket, key)
			cancel()
			if err != nil {
				return UploadRecord{}, fmt.Errorf("delete object %s: %w", key, err)
			}
		}
	}

	now := c.cfg.Now()
	updated, _, err := c.mutate(ctx, rec.FileID, func(r *UploadRecord) error {
		if r.State != StateDeletionRequested || r.DeletionConfirmed {
			return errUnchanged
		}
		r.DeletionConfirmed = true
		r.Outbox = append(r.Outbox, newDeletionConfirmed(*r, now))
		return nil
	})
	if err != nil {
		return UploadRecord{}, fmt.Errorf("confirm deletion %s: %w", rec.FileID, err)
	}

	c.log.Info("file deleted from inbox", "file_id", rec.FileID, "attempts", len(rec.Attempts))
	return updated, nil
}

// flush publishes the record's outbox in order and then removes the
// published events from the record.
func (c *Coordinator) flush(ctx context.Context, rec UploadRecord) error {
	if len(rec.Outbox) == 0 {
		return nil
	}

	published := make(map[string]struct{}, len(rec.Outbox))
	for _, ev := range rec.Outbox {
		opCtx, cancel := c.opContext(ctx)
		err := c.publisher.Publish(opCtx, ev)
		cancel()
		if err != nil {
			return fmt.Errorf("publish %s for %s: %w: %w", ev.Kind, ev.FileID, ErrPublishFailed, err)
		}
		published[ev.EventID] = struct{}{}
		c.observer.Published(ev.Kind)
		c.log.Info("event published", "file_id", ev.FileID, "type", ev.Kind, "event_id", ev.EventID)
	}

	_, _, err := c.mutate(ctx, rec.FileID, func(r *UploadRecord) error {
		remaining := r.Outbox[:0:0]
		for _, ev := range r.Outbox {
			if _, ok := published[ev.EventID]; !ok {
				remaining = append(remaining, ev)
			}
		}
		if len(remaining) == len(r.Outbox) {
			return errUnchanged
		}
		r.Outbox = remaining
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear outbox %s: %w", rec.FileID, err)
	}
	return nil
}

// RequestAttempt starts a new upload attempt for a PENDING or REJECTED file,
// supersedes the previous in-flight attempt and returns a presigned upload
// credential for the attempt's own storage key. The credential is issued
// before the attempt is recorded, so a failure leaves the record untouched.
func (c *Coordinator) RequestAttempt(ctx context.Context, fileID string) (AttemptGrant, error) {
	if !IsValidFileID(fileID) {
		return AttemptGrant{}, fmt.Errorf("request attempt: %w: invalid file id", ErrInvalidInput)
	}

	rec, err := c.get(ctx, fileID)
	if err != nil {
		return AttemptGrant{}, fmt.Errorf("request attempt: %w", err)
	}
	if rec.State != StatePending && rec.State != StateRejected {
		return AttemptGrant{}, fmt.Errorf("request attempt %s: %w: state is %s", fileID, ErrInvalidTransition, rec.State)
	}

	uploadID := c.cfg.NewUploadID()
	key := ObjectKey(fileID, uploadID)
	partSize := PartSize(rec.ExpectedSize)

	opCtx, cancel := c.opContext(ctx)
	cred, err := c.storage.IssueUploadCredential(opCtx, c.cfg.Bucket, key, c.cfg.UploadTTL)
	cancel()
	if err != nil {
		return AttemptGrant{}, fmt.Errorf("request attempt %s: issue credential: %w", fileID, err)
	}

	now := c.cfg.Now()
	var superseded string
	updated, _, err := c.mutate(ctx, fileID, func(r *UploadRecord) error {
		if r.State != StatePending && r.State != StateRejected {
			return fmt.Errorf("%w: state is %s", ErrInvalidTransition, r.State)
		}
		superseded = r.CurrentUploadID
		if superseded != "" {
			r.setOutcome(superseded, OutcomeSuperseded, now)
		}
		r.Attempts = append(r.Attempts, UploadAttempt{
			UploadID:  uploadID,
			ObjectKey: key,
			CreatedAt: now,
			PartSize:  partSize,
		})
		r.CurrentUploadID = uploadID
		r.State = StatePending
		return nil
	})
	if err != nil {
		return AttemptGrant{}, fmt.Errorf("request attempt %s: %w", fileID, err)
	}

	c.observer.Transition(KindAttemptRequested, rec.State, updated.State)
	c.log.Info("upload attempt started", "file_id", fileID, "upload_id", uploadID, "superseded", superseded)

	return AttemptGrant{
		FileID:     fileID,
		UploadID:   uploadID,
		Superseded: superseded,
		PartSize:   partSize,
		Credential: cred,
	}, nil
}

// PartCredential returns a presigned upload credential for one part of the
// in-flight attempt. Part numbers start at 1; when the expected size is
// known they cannot exceed the attempt's part count. Parts are joined into
// the attempt object when the upload is reported complete.
func (c *Coordinator) PartCredential(ctx context.Context, fileID, uploadID string, partNo int) (Credential, error) {
	if !IsValidFileID(fileID) || uploadID == "" {
		return Credential{}, fmt.Errorf("part credential: %w: invalid file or upload id", ErrInvalidInput)
	}
	if partNo < 1 || partNo > MaxPartNumber {
		return Credential{}, fmt.Errorf("part credential: %w: part number must be between 1 and %d", ErrInvalidInput, MaxPartNumber)
	}

	rec, err := c.get(ctx, fileID)
	if err != nil {
		return Credential{}, fmt.Errorf("part credential: %w", err)
	}
	attempt, ok := rec.Attempt(uploadID)
	if !ok {
		return Credential{}, fmt.Errorf("part credential %s: upload %s: %w", fileID, uploadID, ErrNotFound)
	}
	if n := PartCount(rec.ExpectedSize, attempt.PartSize); n > 0 && partNo > n {
		return Credential{}, fmt.Errorf("part credential %s: %w: part %d exceeds part count %d", fileID, ErrInvalidInput, partNo, n)
	}

	// The part is recorded first so deletion always covers every key a
	// client could have been handed.
	_, _, err = c.mutate(ctx, fileID, func(r *UploadRecord) error {
		if r.State != StatePending || r.CurrentUploadID != uploadID {
			return fmt.Errorf("%w: upload %s is not in flight", ErrInvalidTransition, uploadID)
		}
		for i := range r.Attempts {
			if r.Attempts[i].UploadID == uploadID {
				if r.Attempts[i].Parts >= partNo {
					return errUnchanged
				}
				r.Attempts[i].Parts = partNo
			}
		}
		return nil
	})
	if err != nil {
		return Credential{}, fmt.Errorf("part credential %s: %w", fileID, err)
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	cred, err := c.storage.IssueUploadCredential(opCtx, c.cfg.Bucket, PartKey(attempt.ObjectKey, partNo), c.cfg.UploadTTL)
	if err != nil {
		return Credential{}, fmt.Errorf("part credential %s: %w", fileID, err)
	}
	return cred, nil
}

// CancelAttempt abandons the in-flight attempt of a PENDING file. The
// partially written object, if any, is removed from the inbox.
func (c *Coordinator) CancelAttempt(ctx context.Context, fileID, uploadID string) error {
	if !IsValidFileID(fileID) || uploadID == "" {
		return fmt.Errorf("cancel attempt: %w: invalid file or upload id", ErrInvalidInput)
	}

	rec, err := c.get(ctx, fileID)
	if err != nil {
		return fmt.Errorf("cancel attempt: %w", err)
	}

	if _, ok := rec.Attempt(uploadID); !ok {
		return fmt.Errorf("cancel attempt %s: upload %s: %w", fileID, uploadID, ErrNotFound)
	}

	now := c.cfg.Now()
	updated, _, err := c.mutate(ctx, fileID, func(r *UploadRecord) error {
		if r.State != StatePending || r.CurrentUploadID != uploadID {
			return fmt.Errorf("%w: upload %s is not in flight", ErrInvalidTransition, uploadID)
		}
		r.setOutcome(uploadID, OutcomeCancelled, now)
		r.CurrentUploadID = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel attempt %s: %w", fileID, err)
	}

	attempt, _ := updated.Attempt(uploadID)
	for _, key := range attempt.Keys() {
		opCtx, cancel := c.opContext(ctx)
		delErr := c.storage.DeleteObject(opCtx, c.cfg.Bucket, key)
		cancel()
		if delErr != nil {
			c.log.Warn("failed to remove cancelled upload object", "file_id", fileID, "upload_id", uploadID, "key", key, "err", delErr)
		}
	}

	c.log.Info("upload attempt cancelled", "file_id", fileID, "upload_id", uploadID)
	return nil
}

// Status returns the current record of a file.
func (c *Coordinator) Status(ctx context.Context, fileID string) (UploadRecord, error) {
	if !IsValidFileID(fileID) {
		return UploadRecord{}, fmt.Errorf("status: %w: invalid file id", ErrInvalidInput)
	}
	rec, err := c.get(ctx, fileID)
	if err != nil {
		return UploadRecord{}, fmt.Errorf("status: %w", err)
	}
	return rec, nil
}

// Attempt returns the details of one upload attempt of a file.
func (c *Coordinator) Attempt(ctx context.Context, fileID, uploadID string) (UploadAttempt, error) {
	rec, err := c.Status(ctx, fileID)
	if err != nil {
		return UploadAttempt{}, err
	}
	a, ok := rec.Attempt(uploadID)
	if !ok {
		return UploadAttempt{}, fmt.Errorf("attempt %s/%s: %w", fileID, uploadID, ErrNotFound)
	}
	return a, nil
}

// DownloadCredential returns a read URL for the object of the succeeded
// attempt, for use by downstream validation.
func (c *Coordinator) DownloadCredential(ctx context.Context, fileID string) (Credential, error) {
	rec, err := c.Status(ctx, fileID)
	if err != nil {
		return Credential{}, err
	}
	if rec.State != StateUploaded && rec.State != StateAccepted {
		return Credential{}, fmt.Errorf("download credential %s: %w: state is %s", fileID, ErrInvalidTransition, rec.State)
	}
	a, ok := rec.SucceededAttempt()
	if !ok {
		return Credential{}, fmt.Errorf("download credential %s: no completed attempt: %w", fileID, ErrNotFound)
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	cred, err := c.storage.IssueDownloadCredential(opCtx, c.cfg.Bucket, a.ObjectKey, c.cfg.DownloadTTL)
	if err != nil {
		return Credential{}, fmt.Errorf("download credential %s: %w", fileID, err)
	}
	return cred, nil
}

var errUnchanged = errors.New("unchanged")

// mutate re-reads the record and applies fn through compare-and-update,
// retrying immediately on version conflicts. fn returns errUnchanged when
// the fresh record no longer needs the change.
func (c *Coordinator) mutate(ctx context.Context, fileID string, fn func(*UploadRecord) error) (UploadRecord, bool, error) {
	for attempt := 0; ; attempt++ {
		cur, err := c.get(ctx, fileID)
		if err != nil {
			return UploadRecord{}, false, err
		}

		opCtx, cancel := c.opContext(ctx)
		updated, err := c.store.CompareAndUpdate(opCtx, fileID, cur.Version, fn)
		cancel()

		switch {
		case err == nil:
			return updated, true, nil
		case errors.Is(err, errUnchanged):
			return cur, false, nil
		case errors.Is(err, ErrVersionConflict) && attempt < c.cfg.MaxConflictRetries:
			c.observer.ConflictRetry()
			c.log.Debug("version conflict, retrying", "file_id", fileID, "attempt", attempt+1)
			continue
		default:
			return UploadRecord{}, false, err
		}
	}
}

func (c *Coordinator) get(ctx context.Context, fileID string) (UploadRecord, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	return c.store.Get(opCtx, fileID)
}

// getForEvent loads the record an event refers to. A missing record means
// the registration has not been seen yet.
func (c *Coordinator) getForEvent(ctx context.Context, e InboundEvent) (UploadRecord, error) {
	h := e.Header()
	rec, err := c.get(ctx, h.FileID)
	if errors.Is(err, ErrNotFound) {
		return UploadRecord{}, fmt.Errorf("%s for %s: %w: file not registered", e.Kind(), h.FileID, ErrOrdering)
	}
	if err != nil {
		return UploadRecord{}, err
	}
	return rec, nil
}

func (c *Coordinator) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.OperationTimeout)
}

func (c *Coordinator) discard(e InboundEvent, rec UploadRecord, reason string) {
	h := e.Header()
	c.observer.Discarded(e.Kind(), reason)
	c.log.Info("event ignored",
		"file_id", h.FileID,
		"type", e.Kind(),
		"sequence", h.Sequence,
		"last_sequence", rec.LastEventSequence,
		"state", rec.State,
		"reason", reason,
	)
}

func (c *Coordinator) transitioned(e InboundEvent, from State, rec UploadRecord) {
	c.observer.Transition(e.Kind(), from, rec.State)
	c.log.Info("state changed",
		"file_id", rec.FileID,
		"type", e.Kind(),
		"from", from,
		"to", rec.State,
		"sequence", rec.LastEventSequence,
		"correlation_id", rec.CorrelationID,
	)
}

func validateHeader(h EventHeader) error {
	if !IsValidFileID(h.FileID) {
		return fmt.Errorf("%w: invalid file id %q", ErrInvalidInput, h.FileID)
	}
	if h.Sequence <= 0 {
		return fmt.Errorf("%w: sequence must be positive", ErrInvalidInput)
	}
	return nil
}
