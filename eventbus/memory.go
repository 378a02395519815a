package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sagarc03/ucs"
)

// MemoryPublisher keeps published events in process. It backs the "memory"
// bus driver used for development.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []ucs.OutboundEvent
	log    *slog.Logger
}

func NewMemoryPublisher(logger *slog.Logger) *MemoryPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryPublisher{log: logger}
}

func (p *MemoryPublisher) Publish(ctx context.Context, ev ucs.OutboundEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()

	p.log.Info("event published", "event", ev.Kind, "event_id", ev.EventID, "file_id", ev.FileID, "upload_id", ev.UploadID)
	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []ucs.OutboundEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ucs.OutboundEvent, len(p.events))
	copy(out, p.events)
	return out
}
