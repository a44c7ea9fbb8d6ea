package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/asdlc-io/substrate/pkg/events"
	"github.com/asdlc-io/substrate/pkg/stream"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultBatchSize    = 10
	DefaultBlockTimeout = 5 * time.Second
	DefaultStaleIdle    = 60 * time.Second

	// readErrorBackoff is the pause after a failed read before the next
	// attempt.
	readErrorBackoff = time.Second

	// maxPendingFetch bounds how many pending entries a recovery pass
	// inspects.
	maxPendingFetch = 100
)

// Options configures a Consumer.
type Options struct {
	// Stream is the (already tenant-scoped) stream name to read.
	Stream string
	// Group is the consumer-group name.
	Group string
	// Consumer is this instance's name within the group. Must be unique
	// per running instance.
	Consumer string
	// BatchSize bounds entries read per iteration.
	BatchSize int64
	// BlockTimeout is how long a read blocks waiting for new entries.
	BlockTimeout time.Duration
	// StaleIdle is the idle threshold past which pending entries are
	// eligible for reclaim.
	StaleIdle time.Duration
}

// Consumer is the per-group read loop.
type Consumer struct {
	log     stream.Client
	handler Handler
	tracker Tracker
	opts    Options

	wg sync.WaitGroup

	mu sync.Mutex
	// stopCh is recreated on every Start so a stopped consumer can be
	// started again.
	stopCh  chan struct{}
	running bool
}

// New creates a consumer. Zero option values fall back to the package
// defaults.
func New(log stream.Client, handler Handler, tracker Tracker, opts Options) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = DefaultBlockTimeout
	}
	if opts.StaleIdle <= 0 {
		opts.StaleIdle = DefaultStaleIdle
	}
	return &Consumer{
		log:     log,
		handler: handler,
		tracker: tracker,
		opts:    opts,
	}
}

// Start creates the consumer group if needed and begins the read loop in a
// goroutine. Group-creation failures propagate and should fail service
// start. A stopped consumer can be started again.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	if _, err := c.log.CreateGroup(ctx, c.opts.Stream, c.opts.Group, "0"); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	c.wg.Add(1)
	go c.run(ctx, stopCh)
	return nil
}

// Stop signals the loop to exit and waits for it. Safe to call multiple
// times.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()
	c.wg.Wait()
}

// run is the main read loop. When it exits on its own, for example because
// ctx was cancelled, it clears the running flag so a later Start succeeds.
func (c *Consumer) run(ctx context.Context, stopCh <-chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.stopCh == stopCh {
			c.running = false
		}
		c.mu.Unlock()
		c.wg.Done()
	}()

	log := slog.With("group", c.opts.Group, "consumer", c.opts.Consumer, "stream", c.opts.Stream)
	log.Info("Consumer started")

	for {
		select {
		case <-stopCh:
			log.Info("Consumer shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, consumer shutting down")
			return
		default:
			msgs, err := c.log.ReadGroup(ctx, stream.ReadArgs{
				Stream:   c.opts.Stream,
				Group:    c.opts.Group,
				Consumer: c.opts.Consumer,
				Count:    c.opts.BatchSize,
				Block:    c.opts.BlockTimeout,
			})
			if err != nil {
				var serr *stream.StreamError
				if errors.As(err, &serr) {
					log.Error("Stream read failed", "error", err)
				} else {
					log.Error("Unexpected read error", "error", err)
				}
				sleep(readErrorBackoff, stopCh)
				continue
			}
			for _, msg := range msgs {
				c.processMessage(ctx, msg)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func sleep(d time.Duration, stopCh <-chan struct{}) {
	select {
	case <-stopCh:
	case <-time.After(d):
	}
}

// processMessage applies the routing decision table to one delivered entry
// and returns the outcome for recovery accounting.
func (c *Consumer) processMessage(ctx context.Context, msg stream.Message) outcome {
	log := slog.With("group", c.opts.Group, "event_id", msg.ID)

	evt, err := events.FromWire(msg.ID, msg.Values)
	if err != nil {
		// Undecodable entries (including the stream sentinel) are
		// acknowledged so they stop circulating in this group.
		log.Warn("Skipping undecodable stream entry", "error", err)
		c.ack(ctx, msg.ID)
		return outcomeSkipped
	}

	if !c.handler.CanHandle(evt.Type) {
		c.ack(ctx, msg.ID)
		return outcomeSkipped
	}

	processed, err := c.tracker.IsProcessed(ctx, evt)
	if err != nil {
		// Leave pending: without the dedup verdict, handling now could
		// double-process. Redelivery retries once the store recovers.
		log.Error("Idempotency check failed", "error", err)
		return outcomeFailed
	}
	if processed {
		c.ack(ctx, msg.ID)
		return outcomeSkipped
	}

	res, panicked := c.safeHandle(ctx, evt)
	if panicked {
		// Not acknowledged: the entry stays pending and redelivery drives
		// the retry.
		return outcomeFailed
	}

	switch {
	case res.Success:
		if err := c.tracker.MarkProcessed(ctx, evt); err != nil {
			log.Error("Failed to mark event processed", "error", err)
		}
		c.ack(ctx, msg.ID)
		return outcomeProcessed
	case res.ShouldRetry:
		log.Warn("Handler failed, leaving pending for retry",
			"event_type", evt.Type, "error", res.ErrorMessage)
		return outcomeFailed
	default:
		// Permanent failure: ack to stop redelivery, but do not mark
		// processed: failed is not the same as done.
		log.Error("Handler failed permanently",
			"event_type", evt.Type, "error", res.ErrorMessage)
		c.ack(ctx, msg.ID)
		return outcomeFailed
	}
}

// safeHandle invokes the handler, converting a panic into a
// "leave pending" verdict.
func (c *Consumer) safeHandle(ctx context.Context, evt *events.Event) (res HandlerResult, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Handler panicked",
				"group", c.opts.Group, "event_id", evt.EventID, "panic", r)
			panicked = true
		}
	}()
	return c.handler.Handle(ctx, evt), false
}

// ack acknowledges an entry, logging failures. Under at-least-once
// semantics a failed ack means one more redelivery, which the idempotency
// tracker absorbs.
func (c *Consumer) ack(ctx context.Context, id string) {
	if _, err := c.log.Ack(ctx, c.opts.Stream, c.opts.Group, id); err != nil {
		slog.Warn("Failed to acknowledge entry",
			"group", c.opts.Group, "event_id", id, "error", err)
	}
}

// ProcessPending reclaims stale pending entries for this group and
// reprocesses them under this consumer's name. Called once at startup
// before the main loop, it recovers work lost to crashed consumers.
func (c *Consumer) ProcessPending(ctx context.Context) (*RecoveryResult, error) {
	result := &RecoveryResult{}

	pending, err := c.log.Pending(ctx, c.opts.Stream, c.opts.Group, maxPendingFetch, "")
	if err != nil {
		return nil, err
	}

	var stale []string
	for _, p := range pending {
		if p.Idle >= c.opts.StaleIdle {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return result, nil
	}

	claimed, err := c.log.Claim(ctx, c.opts.Stream, c.opts.Group, c.opts.Consumer, c.opts.StaleIdle, stale)
	if err != nil {
		return nil, err
	}
	result.Claimed = len(claimed)

	if result.Claimed > 0 {
		slog.Info("Reclaimed stale pending entries",
			"group", c.opts.Group, "consumer", c.opts.Consumer, "count", result.Claimed)
	}

	for _, msg := range claimed {
		switch c.processMessage(ctx, msg) {
		case outcomeProcessed:
			result.Processed++
		case outcomeSkipped:
			result.Skipped++
		case outcomeFailed:
			result.Failed++
		}
	}
	return result, nil
}

// PendingCount returns the group's pending-entry count as an observability
// value. Backend errors degrade to 0 with a warning rather than failing
// the caller.
func (c *Consumer) PendingCount(ctx context.Context) int {
	pending, err := c.log.Pending(ctx, c.opts.Stream, c.opts.Group, maxPendingFetch, "")
	if err != nil {
		slog.Warn("Pending count unavailable", "group", c.opts.Group, "error", err)
		return 0
	}
	return len(pending)
}
