package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sagarc03/ucs"
)

// Handler applies a decoded inbound event. *ucs.Coordinator implements it.
type Handler interface {
	Handle(ctx context.Context, ev ucs.InboundEvent) error
}

// Recorder receives the final result of every dispatched message.
type Recorder interface {
	MessageHandled(kind ucs.EventKind, result string, elapsed time.Duration)
}

// Action tells the consumer what to do with a message after dispatch.
type Action int

const (
	// ActionAck acknowledges the message.
	ActionAck Action = iota
	// ActionRetry leaves the message pending so it is redelivered later.
	ActionRetry
	// ActionDeadLetter moves the message to the dead-letter stream and
	// acknowledges it.
	ActionDeadLetter
	// ActionDefer hands the message back after Outcome.RetryAfter. The event
	// arrived before the state it depends on.
	ActionDefer
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	case ActionDefer:
		return "defer"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Result labels passed to Recorder.
const (
	ResultAcked        = "acked"
	ResultDeferred     = "deferred"
	ResultRetry        = "retry"
	ResultDeadLettered = "dead_lettered"
)

// Outcome is the result of dispatching one message.
type Outcome struct {
	Action     Action
	Kind       ucs.EventKind
	FileID     string
	Err        error
	RetryAfter time.Duration // Set with ActionDefer
}

// RetryPolicy bounds one class of retries.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	bo := backoff.WithMaxRetries(b, p.MaxRetries)
	bo.Reset()
	return bo
}

// delay returns the wait before retry number attempt+1, or backoff.Stop once
// the budget is spent.
func (p RetryPolicy) delay(attempt int) time.Duration {
	b := p.backOff()
	wait := b.NextBackOff()
	for i := 0; i < attempt && wait != backoff.Stop; i++ {
		wait = b.NextBackOff()
	}
	return wait
}

type DispatcherConfig struct {
	Ordering  RetryPolicy // Budget for events that arrived too early (default: 5 retries, 200ms..5s)
	Transient RetryPolicy // Budget for storage, store and bus outages (default: 3 retries, 100ms..2s)
	Logger    *slog.Logger
	Recorder  Recorder
}

// Dispatcher decodes messages and applies them to a Handler. Transient
// failures are retried in place; early events are either waited for or
// handed back to the caller for later redelivery.
type Dispatcher struct {
	handler  Handler
	cfg      DispatcherConfig
	log      *slog.Logger
	recorder Recorder
}

func NewDispatcher(handler Handler, cfg DispatcherConfig) *Dispatcher {
	if cfg.Ordering.MaxRetries == 0 {
		cfg.Ordering.MaxRetries = 5
	}
	if cfg.Ordering.InitialInterval <= 0 {
		cfg.Ordering.InitialInterval = 200 * time.Millisecond
	}
	if cfg.Ordering.MaxInterval <= 0 {
		cfg.Ordering.MaxInterval = 5 * time.Second
	}
	if cfg.Transient.MaxRetries == 0 {
		cfg.Transient.MaxRetries = 3
	}
	if cfg.Transient.InitialInterval <= 0 {
		cfg.Transient.InitialInterval = 100 * time.Millisecond
	}
	if cfg.Transient.MaxInterval <= 0 {
		cfg.Transient.MaxInterval = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{handler: handler, cfg: cfg, log: logger, recorder: cfg.Recorder}
}

// Dispatch decodes data and hands the event to the handler. Messages that
// cannot be decoded are dead-lettered. It never returns ActionAck for an
// event the handler did not accept. Early events are waited for in place,
// which suits callers that cannot redeliver, such as the HTTP ingress.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) Outcome {
	return d.dispatch(ctx, data, -1)
}

// DispatchDeferred is Dispatch for consumers that can redeliver a message
// later. An early event is not waited for: the outcome is ActionDefer with
// the delay after which the message should be dispatched again. attempt is
// the number of times the message was deferred before; once it reaches the
// ordering budget the message is dead-lettered.
func (d *Dispatcher) DispatchDeferred(ctx context.Context, data []byte, attempt int) Outcome {
	return d.dispatch(ctx, data, max(attempt, 0))
}

func (d *Dispatcher) dispatch(ctx context.Context, data []byte, deferAttempt int) Outcome {
	start := time.Now()

	ev, err := Decode(data)
	if err != nil {
		d.log.Warn("undecodable message", "err", err)
		out := Outcome{Action: ActionDeadLetter, Err: err}
		d.record(out, ResultDeadLettered, start)
		return out
	}

	out := Outcome{Kind: ev.Kind(), FileID: ev.Header().FileID}
	ordering := d.cfg.Ordering.backOff()
	transient := d.cfg.Transient.backOff()
	deferred := deferAttempt > 0

	for {
		err := d.handler.Handle(ctx, ev)
		if err == nil {
			out.Action = ActionAck
			result := ResultAcked
			if deferred {
				result = ResultDeferred
			}
			d.record(out, result, start)
			return out
		}

		// Work cut short by shutdown is redelivered, whatever the error.
		if ctx.Err() != nil {
			out.Action = ActionRetry
			out.Err = err
			d.log.Debug("dispatch interrupted, leaving message pending", "event", out.Kind, "file_id", out.FileID, "err", err)
			d.record(out, ResultRetry, start)
			return out
		}

		var wait time.Duration
		switch {
		case ucs.IsOrdering(err):
			if deferAttempt >= 0 {
				wait = d.cfg.Ordering.delay(deferAttempt)
			} else {
				wait = ordering.NextBackOff()
			}
			if wait == backoff.Stop {
				out.Action = ActionDeadLetter
				out.Err = fmt.Errorf("%w: %w", ucs.ErrOrderingExhausted, err)
				d.log.Error("ordering retries exhausted", "event", out.Kind, "file_id", out.FileID, "err", err)
				d.record(out, ResultDeadLettered, start)
				return out
			}
			d.log.Debug("deferring early event", "event", out.Kind, "file_id", out.FileID, "wait", wait)
			if deferAttempt >= 0 {
				out.Action = ActionDefer
				out.Err = err
				out.RetryAfter = wait
				return out
			}
			deferred = true
		case ucs.IsTransient(err):
			wait = transient.NextBackOff()
			if wait == backoff.Stop {
				out.Action = ActionRetry
				out.Err = err
				d.log.Warn("transient failure, leaving message pending", "event", out.Kind, "file_id", out.FileID, "err", err)
				d.record(out, ResultRetry, start)
				return out
			}
			d.log.Debug("retrying after transient failure", "event", out.Kind, "file_id", out.FileID, "wait", wait, "err", err)
		default:
			out.Action = ActionDeadLetter
			out.Err = err
			d.log.Error("rejected event", "event", out.Kind, "file_id", out.FileID, "err", err)
			d.record(out, ResultDeadLettered, start)
			return out
		}

		if err := sleep(ctx, wait); err != nil {
			out.Action = ActionRetry
			out.Err = err
			d.record(out, ResultRetry, start)
			return out
		}
	}
}

func (d *Dispatcher) record(out Outcome, result string, start time.Time) {
	if d.recorder != nil {
		d.recorder.MessageHandled(out.Kind, result, time.Since(start))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
