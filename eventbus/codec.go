package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sagarc03/ucs"
)

// Envelope is the wire format of every event on the bus.
type Envelope struct {
	EventID       string          `json:"event_id"`
	Type          ucs.EventKind   `json:"type"`
	FileID        string          `json:"file_id"`
	Sequence      int64           `json:"sequence,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type metadataPayload struct {
	FileName     string `json:"file_name,omitempty"`
	ExpectedSize int64  `json:"expected_size,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
}

type completedPayload struct {
	UploadID string `json:"upload_attempt_id"`
}

type rejectedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type receivedPayload struct {
	UploadID     string `json:"upload_attempt_id"`
	Bucket       string `json:"bucket"`
	ObjectKey    string `json:"object_key"`
	ExpectedSize int64  `json:"expected_size,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
}

// Decode parses an inbound envelope. Unknown types fail with
// ucs.ErrUnknownEventKind, malformed input with ucs.ErrInvalidInput.
func Decode(data []byte) (ucs.InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w: %w", ucs.ErrInvalidInput, err)
	}

	h := ucs.EventHeader{
		EventID:       env.EventID,
		FileID:        env.FileID,
		Sequence:      env.Sequence,
		CorrelationID: env.CorrelationID,
		OccurredAt:    env.OccurredAt,
	}

	switch env.Type {
	case ucs.KindMetadataRegistered:
		var p metadataPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		return ucs.MetadataRegistered{EventHeader: h, FileName: p.FileName, ExpectedSize: p.ExpectedSize, Checksum: p.Checksum}, nil
	case ucs.KindUploadCompleted:
		var p completedPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		return ucs.UploadCompleted{EventHeader: h, UploadID: p.UploadID}, nil
	case ucs.KindUploadAccepted:
		return ucs.UploadAccepted{EventHeader: h}, nil
	case ucs.KindUploadRejected:
		var p rejectedPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		return ucs.UploadRejected{EventHeader: h, Reason: p.Reason}, nil
	case ucs.KindDeletionRequested:
		return ucs.DeletionRequested{EventHeader: h}, nil
	default:
		return nil, fmt.Errorf("decode envelope: %w: %q", ucs.ErrUnknownEventKind, env.Type)
	}
}

func decodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w: %w", env.Type, ucs.ErrInvalidInput, err)
	}
	return nil
}

// Encode serializes an inbound event. Producers and tests use it; the
// service itself only decodes inbound events.
func Encode(ev ucs.InboundEvent) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("encode: nil event")
	}

	h := ev.Header()
	env := Envelope{
		EventID:       h.EventID,
		Type:          ev.Kind(),
		FileID:        h.FileID,
		Sequence:      h.Sequence,
		CorrelationID: h.CorrelationID,
		OccurredAt:    h.OccurredAt,
	}

	var payload any
	switch e := ev.(type) {
	case ucs.MetadataRegistered:
		payload = metadataPayload{FileName: e.FileName, ExpectedSize: e.ExpectedSize, Checksum: e.Checksum}
	case ucs.UploadCompleted:
		payload = completedPayload{UploadID: e.UploadID}
	case ucs.UploadRejected:
		payload = rejectedPayload{Reason: e.Reason}
	}

	return marshal(env, payload)
}

// EncodeOutbound serializes an event published by the Coordinator.
func EncodeOutbound(ev ucs.OutboundEvent) ([]byte, error) {
	env := Envelope{
		EventID:       ev.EventID,
		Type:          ev.Kind,
		FileID:        ev.FileID,
		CorrelationID: ev.CorrelationID,
		OccurredAt:    ev.OccurredAt,
	}

	var payload any
	if ev.Kind == ucs.KindUploadReceived {
		payload = receivedPayload{
			UploadID:     ev.UploadID,
			Bucket:       ev.Bucket,
			ObjectKey:    ev.ObjectKey,
			ExpectedSize: ev.ExpectedSize,
			Checksum:     ev.Checksum,
		}
	}

	return marshal(env, payload)
}

// DecodeOutbound parses an envelope written by EncodeOutbound.
func DecodeOutbound(data []byte) (ucs.OutboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ucs.OutboundEvent{}, fmt.Errorf("decode envelope: %w: %w", ucs.ErrInvalidInput, err)
	}

	ev := ucs.OutboundEvent{
		EventID:       env.EventID,
		Kind:          env.Type,
		FileID:        env.FileID,
		CorrelationID: env.CorrelationID,
		OccurredAt:    env.OccurredAt,
	}

	switch env.Type {
	case ucs.KindUploadReceived:
		var p receivedPayload
		if err := decodePayload(env, &p); err != nil {
			return ucs.OutboundEvent{}, err
		}
		ev.UploadID = p.UploadID
		ev.Bucket = p.Bucket
		ev.ObjectKey = p.ObjectKey
		ev.ExpectedSize = p.ExpectedSize
		ev.Checksum = p.Checksum
	case ucs.KindDeletionConfirmed:
	default:
		return ucs.OutboundEvent{}, fmt.Errorf("decode envelope: %w: %q", ucs.ErrUnknownEventKind, env.Type)
	}

	return ev, nil
}

func marshal(env Envelope, payload any) ([]byte, error) {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", env.Type, err)
		}
		env.Payload = raw
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return data, nil
}
