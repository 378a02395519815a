package ucs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ObjectLister lists inbox objects. The object storage gateway implements it
// for backends that support listing.
type ObjectLister interface {
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}

// Reasons reported for stale objects.
const (
	StaleUnrecognizedKey = "unrecognized_key"
	StaleUnknownFile     = "unknown_file"
	StaleUnknownAttempt  = "unknown_attempt"
	StaleInactiveAttempt = "inactive_attempt"
	StaleRejectedUpload  = "rejected_upload"
	StaleTerminalRecord  = "terminal_record"
)

// StaleObject is an inbox object that no live upload refers to.
type StaleObject struct {
	Object   ObjectInfo `json:"object"`
	FileID   string     `json:"file_id,omitempty"`
	UploadID string     `json:"upload_id,omitempty"`
	State    State      `json:"state,omitempty"`
	Reason   string     `json:"reason"`
}

// Inspector compares inbox contents against upload records. It only
// reports; removing objects stays with the Coordinator.
type Inspector struct {
	store  RecordStore
	lister ObjectLister
	bucket string
	log    *slog.Logger
}

func NewInspector(store RecordStore, lister ObjectLister, bucket string, logger *slog.Logger) (*Inspector, error) {
	if store == nil || lister == nil {
		return nil, errors.New("new inspector: store and lister are required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("new inspector: %w: bucket cannot be empty", ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{store: store, lister: lister, bucket: bucket, log: logger}, nil
}

// Check lists the inbox bucket and returns every stale object. An object is
// stale when its key does not name a known attempt, when the attempt is no
// longer in flight and did not succeed, when its upload was rejected, or
// when the record is terminal.
func (i *Inspector) Check(ctx context.Context) ([]StaleObject, error) {
	objects, err := i.lister.ListObjects(ctx, i.bucket, "")
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", i.bucket, err)
	}

	records := make(map[string]*UploadRecord)
	var stale []StaleObject

	for _, obj := range objects {
		fileID, uploadID, ok := ParseObjectKey(obj.Key)
		if !ok {
			stale = append(stale, i.report(StaleObject{Object: obj, Reason: StaleUnrecognizedKey}))
			continue
		}

		rec, seen := records[fileID]
		if !seen {
			r, err := i.store.Get(ctx, fileID)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				return nil, fmt.Errorf("inspect %s: %w", i.bucket, err)
			default:
				rec = &r
			}
			records[fileID] = rec
		}

		entry := StaleObject{Object: obj, FileID: fileID, UploadID: uploadID}
		if rec == nil {
			entry.Reason = StaleUnknownFile
			stale = append(stale, i.report(entry))
			continue
		}
		entry.State = rec.State

		if reason := staleReason(*rec, uploadID); reason != "" {
			entry.Reason = reason
			stale = append(stale, i.report(entry))
		}
	}

	i.log.Info("inbox inspected", "bucket", i.bucket, "objects", len(objects), "stale", len(stale))
	return stale, nil
}

func staleReason(rec UploadRecord, uploadID string) string {
	if rec.IsTerminal() || rec.State == StateDeletionRequested {
		return StaleTerminalRecord
	}

	attempt, ok := rec.Attempt(uploadID)
	if !ok {
		return StaleUnknownAttempt
	}

	switch attempt.Outcome {
	case OutcomeNone:
		if rec.CurrentUploadID == uploadID {
			return ""
		}
		return StaleInactiveAttempt
	case OutcomeSucceeded:
		if live, ok := rec.SucceededAttempt(); ok && rec.State == StateUploaded && live.UploadID == uploadID {
			return ""
		}
		return StaleRejectedUpload
	default:
		return StaleInactiveAttempt
	}
}

func (i *Inspector) report(s StaleObject) StaleObject {
	i.log.Error("stale inbox object",
		"bucket", i.bucket, "key", s.Object.Key, "file_id", s.FileID,
		"upload_id", s.UploadID, "state", s.State, "reason", s.Reason)
	return s
}
