package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asdlc-io/substrate/pkg/config"
	"github.com/asdlc-io/substrate/pkg/consumer"
	"github.com/asdlc-io/substrate/pkg/dispatch"
	"github.com/asdlc-io/substrate/pkg/events"
	"github.com/asdlc-io/substrate/pkg/stream"
	"github.com/asdlc-io/substrate/pkg/tenant"
)

// readErrorBackoff is the pause after a failed stream read.
const readErrorBackoff = time.Second

// saturationPause is how long the dispatcher waits before rechecking
// capacity when all pool slots are busy. While saturated it issues no
// reads, which keeps pending-entry growth bounded.
const saturationPause = 50 * time.Millisecond

// maxPendingFetch bounds how many pending entries RecoverPending inspects.
const maxPendingFetch = 100

// Pool is the bounded-concurrency executor for agent_started events.
type Pool struct {
	cfg       *config.WorkerConfig
	log       stream.Client
	publisher *events.Publisher
	dedup     Deduper
	registry  *dispatch.Registry
	scope     tenant.Scope
	stream    string

	sem    chan struct{}
	loopWG sync.WaitGroup
	taskWG sync.WaitGroup

	mu sync.Mutex
	// stopCh and cancelTasks are recreated on every Start so the pool can
	// cycle stopped → running → stopped repeatedly.
	stopCh       chan struct{}
	cancelTasks  context.CancelFunc
	state        State
	lastActivity time.Time

	processed int64
	succeeded int64
	failed    int64
}

// NewPool creates a worker pool. The scope determines the stream the pool
// reads; terminal events are published through publisher, which applies
// per-event tenant routing.
func NewPool(cfg *config.WorkerConfig, log stream.Client, publisher *events.Publisher, dedup Deduper, registry *dispatch.Registry, scope tenant.Scope) *Pool {
	return &Pool{
		cfg:       cfg,
		log:       log,
		publisher: publisher,
		dedup:     dedup,
		registry:  registry,
		scope:     scope,
		stream:    scope.Stream(),
		sem:       make(chan struct{}, cfg.PoolSize),
		state:     StateStopped,
	}
}

// Start transitions the pool to running and begins the dispatcher loop.
// Calling Start on a running pool is a no-op with a warning. Stream or
// group creation failures propagate and leave the pool stopped. A stopped
// pool can be started again; each cycle gets a fresh stop channel.
func (p *Pool) Start(ctx context.Context) error {
	taskCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		cancel()
		slog.Warn("Worker pool already started, ignoring duplicate Start call",
			"consumer", p.cfg.ConsumerName)
		return nil
	}
	p.state = StateRunning
	p.stopCh = make(chan struct{})
	p.cancelTasks = cancel
	stopCh := p.stopCh
	p.mu.Unlock()

	if err := p.log.EnsureStream(ctx, p.stream, p.cfg.StreamMaxLen); err != nil {
		cancel()
		p.setState(StateStopped)
		return err
	}
	if _, err := p.log.CreateGroup(ctx, p.stream, p.cfg.ConsumerGroup, "0"); err != nil {
		cancel()
		p.setState(StateStopped)
		return err
	}

	slog.Info("Worker pool starting",
		"stream", p.stream,
		"group", p.cfg.ConsumerGroup,
		"consumer", p.cfg.ConsumerName,
		"pool_size", p.cfg.PoolSize)

	p.loopWG.Add(1)
	go p.run(ctx, taskCtx, stopCh)
	return nil
}

// Stop transitions the pool to shutting down, stops accepting new work,
// and waits up to the configured shutdown timeout for in-flight tasks.
// Tasks still running after the grace window are cancelled; their events
// stay unacknowledged and are reclaimed on the next run. When Stop
// returns, the state is stopped and the pool issues no further stream
// writes.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.state = StateShuttingDown
	stopCh := p.stopCh
	cancel := p.cancelTasks
	p.mu.Unlock()

	slog.Info("Worker pool stopping", "consumer", p.cfg.ConsumerName)

	close(stopCh)
	p.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		p.taskWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout):
		slog.Warn("Shutdown grace period expired, cancelling in-flight tasks",
			"consumer", p.cfg.ConsumerName, "grace", p.cfg.ShutdownTimeout)
		cancel()
		<-done
	}
	cancel()

	p.setState(StateStopped)
	slog.Info("Worker pool stopped", "consumer", p.cfg.ConsumerName)
}

// Stats returns a snapshot of the running counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	state := p.state
	last := p.lastActivity
	p.mu.Unlock()
	return Stats{
		EventsProcessed:  atomic.LoadInt64(&p.processed),
		EventsSucceeded:  atomic.LoadInt64(&p.succeeded),
		EventsFailed:     atomic.LoadInt64(&p.failed),
		ActiveWorkers:    len(p.sem),
		ConcurrencyLimit: cap(p.sem),
		State:            state,
		LastActivity:     last,
	}
}

// PendingCount returns the pool group's pending-entry count, degrading to
// 0 with a warning on backend errors.
func (p *Pool) PendingCount(ctx context.Context) int {
	pending, err := p.log.Pending(ctx, p.stream, p.cfg.ConsumerGroup, maxPendingFetch, "")
	if err != nil {
		slog.Warn("Pending count unavailable", "group", p.cfg.ConsumerGroup, "error", err)
		return 0
	}
	return len(pending)
}

// run is the dispatcher loop: a single goroutine that reads batches and
// hands each entry to a task goroutine under the semaphore. When the loop
// exits on its own, for example because ctx was cancelled, it resets the
// pool to stopped so Stats does not report a dead pool as running. The
// Stop path owns the transition through shutting down and is left alone.
func (p *Pool) run(ctx, taskCtx context.Context, stopCh <-chan struct{}) {
	defer func() {
		p.mu.Lock()
		if p.state == StateRunning && p.stopCh == stopCh {
			p.state = StateStopped
		}
		p.mu.Unlock()
		p.loopWG.Done()
	}()

	log := slog.With("group", p.cfg.ConsumerGroup, "consumer", p.cfg.ConsumerName)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		capacity := cap(p.sem) - len(p.sem)
		if capacity == 0 {
			sleep(saturationPause, stopCh)
			continue
		}
		count := int64(p.cfg.BatchSize)
		if int64(capacity) < count {
			count = int64(capacity)
		}

		msgs, err := p.log.ReadGroup(ctx, stream.ReadArgs{
			Stream:   p.stream,
			Group:    p.cfg.ConsumerGroup,
			Consumer: p.cfg.ConsumerName,
			Count:    count,
			Block:    p.cfg.BlockTimeout,
		})
		if err != nil {
			log.Error("Stream read failed", "error", err)
			sleep(readErrorBackoff, stopCh)
			continue
		}

		for _, msg := range msgs {
			select {
			case <-stopCh:
				// Shutting down: unstarted entries stay pending and are
				// reclaimed later.
				return
			case p.sem <- struct{}{}:
			}
			p.taskWG.Add(1)
			go func(m stream.Message) {
				defer func() {
					<-p.sem
					p.taskWG.Done()
				}()
				p.handleMessage(taskCtx, m)
			}(msg)
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

// handleMessage runs the per-event sequence: decode, deduplicate,
// dispatch, emit the terminal event, acknowledge.
func (p *Pool) handleMessage(ctx context.Context, msg stream.Message) outcome {
	log := slog.With("group", p.cfg.ConsumerGroup, "event_id", msg.ID)
	p.touch()

	evt, err := events.FromWire(msg.ID, msg.Values)
	if err != nil {
		log.Warn("Skipping undecodable stream entry", "error", err)
		p.ack(ctx, msg.ID)
		return outcomeSkipped
	}
	if evt.Type != events.EventAgentStarted {
		// This group only routes agent starts; ack so the entry is not
		// redelivered here.
		p.ack(ctx, msg.ID)
		return outcomeSkipped
	}

	won, err := p.dedup.CheckAndMark(ctx, evt)
	if err != nil {
		// Without the dedup verdict, dispatching risks double execution.
		// Leave pending; redelivery retries once the store recovers.
		log.Error("Idempotency check failed", "error", err)
		return outcomeFailed
	}
	if !won {
		// Duplicate: acknowledged with zero terminal events.
		log.Info("Duplicate event suppressed", "idempotency_key", evt.IdempotencyKey)
		p.ack(ctx, msg.ID)
		return outcomeSkipped
	}

	result := p.dispatchAgent(ctx, evt)

	terminal := p.terminalEvent(evt, result)
	if _, err := p.publisher.Publish(ctx, terminal); err != nil {
		// Not acknowledged: the entry is redelivered and the idempotency
		// marker coalesces the retry into an ack without re-dispatch.
		log.Error("Failed to publish terminal event", "error", err)
		return outcomeFailed
	}

	p.ack(ctx, msg.ID)

	atomic.AddInt64(&p.processed, 1)
	if result.Success {
		atomic.AddInt64(&p.succeeded, 1)
		return outcomeProcessed
	}
	atomic.AddInt64(&p.failed, 1)
	return outcomeFailed
}

// dispatchAgent invokes the registered agent and normalizes every failure
// mode into an AgentResult. Raw errors from agents are treated as
// permanent; retry is signalled only through AgentResult.ShouldRetry.
func (p *Pool) dispatchAgent(ctx context.Context, evt *events.Event) *dispatch.AgentResult {
	actx := p.agentContext(evt)

	result, err := p.registry.Dispatch(ctx, actx, evt.Metadata)
	if err != nil {
		slog.Error("Agent dispatch failed",
			"event_id", evt.EventID,
			"agent_type", evt.MetadataString("agent_type"),
			"error", err)
		return &dispatch.AgentResult{
			AgentType:    evt.MetadataString("agent_type"),
			TaskID:       evt.TaskID,
			Success:      false,
			ErrorMessage: err.Error(),
		}
	}
	if result == nil {
		return &dispatch.AgentResult{
			AgentType:    evt.MetadataString("agent_type"),
			TaskID:       evt.TaskID,
			Success:      false,
			ErrorMessage: "agent returned nil result",
		}
	}
	return result
}

// agentContext builds the per-invocation context from the event.
func (p *Pool) agentContext(evt *events.Event) *dispatch.AgentContext {
	return &dispatch.AgentContext{
		SessionID:     evt.SessionID,
		TaskID:        evt.TaskID,
		EpicID:        evt.EpicID,
		TenantID:      evt.TenantID,
		GitSHA:        evt.GitSHA,
		Mode:          string(evt.Mode),
		WorkspacePath: p.cfg.WorkspacePath,
		Metadata: map[string]any{
			"event_timeout_seconds": int(p.cfg.EventTimeout.Seconds()),
		},
	}
}

// terminalEvent builds the agent_completed / agent_error event for a
// handled agent start. Correlators are inherited from the original event;
// artifact paths merge the original's with the result's; metadata carries
// the execution verdict merged over the result metadata.
func (p *Pool) terminalEvent(evt *events.Event, result *dispatch.AgentResult) events.Event {
	typ := events.EventAgentError
	if result.Success {
		typ = events.EventAgentCompleted
	}

	meta := make(map[string]any, len(result.Metadata)+4)
	for k, v := range result.Metadata {
		meta[k] = v
	}
	meta["agent_type"] = result.AgentType
	meta["success"] = result.Success
	meta["should_retry"] = result.ShouldRetry
	if result.ErrorMessage != "" {
		meta["error_message"] = result.ErrorMessage
	}

	paths := make([]string, 0, len(evt.ArtifactPaths)+len(result.ArtifactPaths))
	paths = append(paths, evt.ArtifactPaths...)
	paths = append(paths, result.ArtifactPaths...)

	return events.Event{
		Type:          typ,
		SessionID:     evt.SessionID,
		TaskID:        evt.TaskID,
		EpicID:        evt.EpicID,
		GitSHA:        evt.GitSHA,
		TenantID:      evt.TenantID,
		Mode:          evt.Mode,
		ArtifactPaths: paths,
		Metadata:      meta,
	}
}

// RecoverPending reclaims stale pending entries for the pool's group and
// reprocesses them under this consumer's name. Run once at startup before
// Start, it drains work abandoned by a crashed instance.
func (p *Pool) RecoverPending(ctx context.Context) (*consumer.RecoveryResult, error) {
	result := &consumer.RecoveryResult{}

	// Materialize stream and group so a first boot has nothing to recover
	// instead of a NOGROUP error.
	if err := p.log.EnsureStream(ctx, p.stream, p.cfg.StreamMaxLen); err != nil {
		return nil, err
	}
	if _, err := p.log.CreateGroup(ctx, p.stream, p.cfg.ConsumerGroup, "0"); err != nil {
		return nil, err
	}

	pending, err := p.log.Pending(ctx, p.stream, p.cfg.ConsumerGroup, maxPendingFetch, "")
	if err != nil {
		return nil, err
	}

	var stale []string
	for _, entry := range pending {
		if entry.Idle >= p.cfg.StaleClaimIdle {
			stale = append(stale, entry.ID)
		}
	}
	if len(stale) == 0 {
		return result, nil
	}

	claimed, err := p.log.Claim(ctx, p.stream, p.cfg.ConsumerGroup, p.cfg.ConsumerName, p.cfg.StaleClaimIdle, stale)
	if err != nil {
		return nil, err
	}
	result.Claimed = len(claimed)

	slog.Info("Recovering stale pending entries",
		"group", p.cfg.ConsumerGroup, "consumer", p.cfg.ConsumerName, "count", result.Claimed)

	for _, msg := range claimed {
		switch p.handleMessage(ctx, msg) {
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

func (p *Pool) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Pool) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

// ack acknowledges an entry, logging failures; redelivery plus the
// idempotency marker absorb a lost ack.
func (p *Pool) ack(ctx context.Context, id string) {
	if _, err := p.log.Ack(ctx, p.stream, p.cfg.ConsumerGroup, id); err != nil {
		slog.Warn("Failed to acknowledge entry",
			"group", p.cfg.ConsumerGroup, "event_id", id, "error", err)
	}
}
