package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sagarc03/ucs"
)

// EventField is the stream entry field holding the JSON envelope.
const EventField = "event"

// ConsumerConfig holds configuration options for Consumer.
type ConsumerConfig struct {
	Stream           string
	Group            string
	Consumer         string
	DeadLetterStream string        // Empty disables dead-lettering; rejected messages are only acknowledged
	Workers          int           // Partitions by file id (default: 4)
	BatchSize        int64         // Messages per read (default: 16)
	Block            time.Duration // XREADGROUP block time (default: 2s)
	ClaimInterval    time.Duration // How often stale pending messages are reclaimed (default: 30s)
	ClaimMinIdle     time.Duration // Idle time before a pending message is reclaimed (default: 1m)
	Logger           *slog.Logger
}

// Consumer reads inbound events from a Redis stream through a consumer
// group. Messages for the same file id are always handled by the same
// worker, in the order they were read. An event that arrives before the
// state it depends on stays pending and is handed back to its worker after
// a delay, so later messages of the partition are not held up behind it.
type Consumer struct {
	client     redis.UniversalClient
	dispatcher *Dispatcher
	cfg        ConsumerConfig
	log        *slog.Logger
}

func NewConsumer(client redis.UniversalClient, dispatcher *Dispatcher, cfg ConsumerConfig) (*Consumer, error) {
	if client == nil || dispatcher == nil {
		return nil, errors.New("new consumer: client and dispatcher are required")
	}
	if cfg.Stream == "" || cfg.Group == "" || cfg.Consumer == "" {
		return nil, fmt.Errorf("new consumer: %w: stream, group and consumer name are required", ucs.ErrInvalidInput)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 30 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:     client,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        logger.With("stream", cfg.Stream, "group", cfg.Group),
	}, nil
}

// Setup creates the consumer group, and the stream if it does not exist.
func (c *Consumer) Setup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w: %w", ucs.ErrPublishFailed, err)
	}
	return nil
}

// Run consumes until ctx is cancelled. Messages in flight when ctx ends are
// left pending and are reclaimed by the next consumer.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Setup(ctx); err != nil {
		return err
	}

	partitions := make([]chan redis.XMessage, c.cfg.Workers)
	for i := range partitions {
		partitions[i] = make(chan redis.XMessage, c.cfg.BatchSize)
	}
	later := newRedelivery(partitions)

	var wg sync.WaitGroup
	for _, ch := range partitions {
		wg.Add(1)
		go func(ch <-chan redis.XMessage) {
			defer wg.Done()
			for msg := range ch {
				c.process(ctx, msg, later)
			}
		}(ch)
	}

	route := func(msgs []redis.XMessage) {
		for _, msg := range msgs {
			partitions[c.partition(msg)] <- msg
		}
	}

	c.log.Info("consumer started", "consumer", c.cfg.Consumer, "workers", c.cfg.Workers)

	claimTicker := time.NewTicker(c.cfg.ClaimInterval)
	defer claimTicker.Stop()

	for ctx.Err() == nil {
		select {
		case <-claimTicker.C:
			route(later.skipWaiting(c.claim(ctx)))
		default:
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, ">"},
			Count:    c.cfg.BatchSize,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			c.log.Error("failed to read stream", "err", err)
			_ = sleep(ctx, time.Second)
			continue
		}

		for _, s := range streams {
			route(s.Messages)
		}
	}

	later.stop()
	for _, ch := range partitions {
		close(ch)
	}
	wg.Wait()
	c.log.Info("consumer stopped", "consumer", c.cfg.Consumer)
	return nil
}

// claim takes over messages another consumer read but never acknowledged.
func (c *Consumer) claim(ctx context.Context) []redis.XMessage {
	var claimed []redis.XMessage
	start := "0-0"
	for {
		msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.ClaimMinIdle,
			Start:    start,
			Count:    c.cfg.BatchSize,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("failed to claim pending messages", "err", err)
			}
			return claimed
		}
		claimed = append(claimed, msgs...)
		if next == "0-0" || len(msgs) == 0 {
			break
		}
		start = next
	}
	if len(claimed) > 0 {
		c.log.Info("claimed pending messages", "count", len(claimed))
	}
	return claimed
}

func (c *Consumer) partition(msg redis.XMessage) int {
	data, _ := msg.Values[EventField].(string)
	var key struct {
		FileID string `json:"file_id"`
	}
	if err := json.Unmarshal([]byte(data), &key); err != nil {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.FileID))
	return int(h.Sum32() % uint32(c.cfg.Workers))
}

func (c *Consumer) process(ctx context.Context, msg redis.XMessage, later *redelivery) {
	data, ok := msg.Values[EventField].(string)

	var out Outcome
	if ok {
		out = c.dispatcher.DispatchDeferred(ctx, []byte(data), later.deferrals(msg.ID))
	} else {
		out = Outcome{Action: ActionDeadLetter, Err: fmt.Errorf("%w: missing %q field", ucs.ErrInvalidInput, EventField)}
	}

	// Acknowledgement must survive shutdown so that finished work is not
	// redelivered.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if out.Action == ActionDefer {
		later.schedule(ctx, msg, c.partition(msg), out.RetryAfter)
		c.log.Debug("message deferred", "id", msg.ID, "file_id", out.FileID, "wait", out.RetryAfter)
		return
	}
	later.forget(msg.ID)

	switch out.Action {
	case ActionAck:
		c.ack(ackCtx, msg.ID)
	case ActionDeadLetter:
		if err := c.deadLetter(ackCtx, msg, data, out); err != nil {
			c.log.Error("failed to dead-letter message", "id", msg.ID, "err", err)
			return
		}
		c.ack(ackCtx, msg.ID)
	case ActionRetry:
		c.log.Debug("message left pending", "id", msg.ID, "file_id", out.FileID, "err", out.Err)
	}
}

// redelivery holds deferred messages until they are due and then hands them
// back to their partition. Deferral counts are kept per message id; a
// message leaves the set once its outcome is final.
type redelivery struct {
	partitions []chan redis.XMessage

	mu      sync.Mutex
	counts  map[string]int
	waiting map[string]*time.Timer

	// sendMu is held for reading while a due message is sent, and for
	// writing while the partitions are being closed.
	sendMu sync.RWMutex
	closed bool
}

func newRedelivery(partitions []chan redis.XMessage) *redelivery {
	return &redelivery{
		partitions: partitions,
		counts:     map[string]int{},
		waiting:    map[string]*time.Timer{},
	}
}

func (r *redelivery) deferrals(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[id]
}

func (r *redelivery) schedule(ctx context.Context, msg redis.XMessage, partition int, wait time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.counts[msg.ID]++
	if t, ok := r.waiting[msg.ID]; ok {
		t.Stop()
	}
	r.waiting[msg.ID] = time.AfterFunc(wait, func() {
		r.mu.Lock()
		delete(r.waiting, msg.ID)
		r.mu.Unlock()

		r.sendMu.RLock()
		defer r.sendMu.RUnlock()
		if r.closed {
			return
		}
		select {
		case r.partitions[partition] <- msg:
		case <-ctx.Done():
		}
	})
}

func (r *redelivery) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counts, id)
	if t, ok := r.waiting[id]; ok {
		t.Stop()
		delete(r.waiting, id)
	}
}

// skipWaiting drops messages that are already scheduled for redelivery.
func (r *redelivery) skipWaiting(msgs []redis.XMessage) []redis.XMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := msgs[:0]
	for _, msg := range msgs {
		if _, ok := r.waiting[msg.ID]; !ok {
			out = append(out, msg)
		}
	}
	return out
}

// stop cancels pending redeliveries. The messages stay pending in the
// stream. It must be called after ctx is done and before the partitions
// are closed.
func (r *redelivery) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.closed = true
	for id, t := range r.waiting {
		t.Stop()
		delete(r.waiting, id)
	}
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.log.Error("failed to acknowledge message", "id", id, "err", err)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg redis.XMessage, data string, out Outcome) error {
	if c.cfg.DeadLetterStream == "" {
		return nil
	}
	reason := ""
	if out.Err != nil {
		reason = out.Err.Error()
	}
	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DeadLetterStream,
		Values: map[string]any{
			EventField:  data,
			"error":     reason,
			"source_id": msg.ID,
			"file_id":   out.FileID,
		},
	}).Err()
}

// RedisPublisher appends outbound events to a Redis stream.
type RedisPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisPublisher creates a publisher. A positive maxLen trims the stream
// approximately to that many entries.
func NewRedisPublisher(client redis.UniversalClient, stream string, maxLen int64) (*RedisPublisher, error) {
	if client == nil {
		return nil, errors.New("new publisher: client is required")
	}
	if stream == "" {
		return nil, fmt.Errorf("new publisher: %w: stream cannot be empty", ucs.ErrInvalidInput)
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, ev ucs.OutboundEvent) error {
	data, err := EncodeOutbound(ev)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			EventField: string(data),
			"event_id": ev.EventID,
			"type":     string(ev.Kind),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish %s: %w: %w", ev.Kind, ucs.ErrPublishFailed, err)
	}
	return nil
}

// Ping verifies connectivity to Redis.
func Ping(ctx context.Context, client redis.UniversalClient) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w: %w", ucs.ErrPublishFailed, err)
	}
	return nil
}
