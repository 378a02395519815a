package ucs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind names an inbound or outbound event type on the wire.
type EventKind string

const (
	KindMetadataRegistered EventKind = "metadata_registered"
	KindUploadCompleted    EventKind = "upload_completed"
	KindUploadAccepted     EventKind = "upload_accepted"
	KindUploadRejected     EventKind = "upload_rejected"
	KindDeletionRequested  EventKind = "deletion_requested"

	KindUploadReceived    EventKind = "upload_received"
	KindDeletionConfirmed EventKind = "deletion_confirmed"
)

// IsInbound reports whether k is one of the five consumed kinds.
func (k EventKind) IsInbound() bool {
	switch k {
	case KindMetadataRegistered, KindUploadCompleted, KindUploadAccepted, KindUploadRejected, KindDeletionRequested:
		return true
	default:
		return false
	}
}

// EventHeader carries the fields shared by every inbound event.
type EventHeader struct {
	EventID       string    `json:"event_id"`
	FileID        string    `json:"file_id"`
	Sequence      int64     `json:"sequence"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (h EventHeader) Header() EventHeader { return h }

// InboundEvent is the closed set of events consumed by the Coordinator.
// Only the types in this file implement it.
type InboundEvent interface {
	Kind() EventKind
	Header() EventHeader
	inbound()
}

type MetadataRegistered struct {
	EventHeader
	FileName     string `json:"file_name,omitempty"`
	ExpectedSize int64  `json:"expected_size,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
}

func (MetadataRegistered) Kind() EventKind { return KindMetadataRegistered }
func (MetadataRegistered) inbound()        {}

// Registration converts the event into store input.
func (e MetadataRegistered) Registration() Registration {
	return Registration{
		FileID:        e.FileID,
		FileName:      e.FileName,
		ExpectedSize:  e.ExpectedSize,
		Checksum:      e.Checksum,
		CorrelationID: e.CorrelationID,
		Sequence:      e.Sequence,
	}
}

type UploadCompleted struct {
	EventHeader
	UploadID string `json:"upload_attempt_id"`
}

func (UploadCompleted) Kind() EventKind { return KindUploadCompleted }
func (UploadCompleted) inbound()        {}

type UploadAccepted struct {
	EventHeader
}

func (UploadAccepted) Kind() EventKind { return KindUploadAccepted }
func (UploadAccepted) inbound()        {}

type UploadRejected struct {
	EventHeader
	Reason string `json:"reason,omitempty"`
}

func (UploadRejected) Kind() EventKind { return KindUploadRejected }
func (UploadRejected) inbound()        {}

type DeletionRequested struct {
	EventHeader
}

func (DeletionRequested) Kind() EventKind { return KindDeletionRequested }
func (DeletionRequested) inbound()        {}

// OutboundEvent is an event derived from a committed transition.
type OutboundEvent struct {
	EventID       string    `json:"event_id"`
	Kind          EventKind `json:"type"`
	FileID        string    `json:"file_id"`
	CorrelationID string    `json:"correlation_id"`
	UploadID      string    `json:"upload_attempt_id,omitempty"`
	Bucket        string    `json:"bucket,omitempty"`
	ObjectKey     string    `json:"object_key,omitempty"`
	ExpectedSize  int64     `json:"expected_size,omitempty"`
	Checksum      string    `json:"checksum,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

var outboundNamespace = uuid.MustParse("6f1c7a52-4a8e-4d7b-9a3e-2f0c1b5d8e61")

// OutboundEventID derives a stable event id so that a republished event
// carries the same id as the original publication.
func OutboundEventID(kind EventKind, fileID, uploadID string) string {
	name := fmt.Sprintf("%s|%s|%s", kind, fileID, uploadID)
	return uuid.NewSHA1(outboundNamespace, []byte(name)).String()
}

func newUploadReceived(r UploadRecord, a UploadAttempt, bucket string, at time.Time) OutboundEvent {
	return OutboundEvent{
		EventID:       OutboundEventID(KindUploadReceived, r.FileID, a.UploadID),
		Kind:          KindUploadReceived,
		FileID:        r.FileID,
		CorrelationID: r.CorrelationID,
		UploadID:      a.UploadID,
		Bucket:        bucket,
		ObjectKey:     a.ObjectKey,
		ExpectedSize:  r.ExpectedSize,
		Checksum:      r.Checksum,
		OccurredAt:    at,
	}
}

func newDeletionConfirmed(r UploadRecord, at time.Time) OutboundEvent {
	return OutboundEvent{
		EventID:       OutboundEventID(KindDeletionConfirmed, r.FileID, ""),
		Kind:          KindDeletionConfirmed,
		FileID:        r.FileID,
		CorrelationID: r.CorrelationID,
		OccurredAt:    at,
	}
}
