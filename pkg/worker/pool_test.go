package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asdlc-io/substrate/pkg/config"
	"github.com/asdlc-io/substrate/pkg/dispatch"
	"github.com/asdlc-io/substrate/pkg/events"
	"github.com/asdlc-io/substrate/pkg/stream"
	"github.com/asdlc-io/substrate/pkg/stream/streamtest"
	"github.com/asdlc-io/substrate/pkg/tenant"
)

type stubAgent struct {
	typ    string
	result *dispatch.AgentResult
	err    error
	delay  time.Duration

	mu    sync.Mutex
	calls int
}

func (s *stubAgent) AgentType() string { return s.typ }

func (s *stubAgent) Execute(ctx context.Context, actx *dispatch.AgentContext, _ map[string]any) (*dispatch.AgentResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		res := *s.result
		res.TaskID = actx.TaskID
		return &res, nil
	}
	return &dispatch.AgentResult{AgentType: s.typ, TaskID: actx.TaskID, Success: true}, nil
}

func (s *stubAgent) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeDeduper mirrors the tracker's owner semantics: the first delivery of
// a key wins, redeliveries of the owning entry win again, other entries
// with the same key lose.
type fakeDeduper struct {
	mu     sync.Mutex
	owners map[string]string
	err    error
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{owners: make(map[string]string)}
}

func (f *fakeDeduper) CheckAndMark(_ context.Context, evt *events.Event) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if owner, ok := f.owners[evt.IdempotencyKey]; ok {
		return owner == evt.EventID, nil
	}
	f.owners[evt.IdempotencyKey] = evt.EventID
	return true, nil
}

func testConfig() *config.WorkerConfig {
	cfg := config.DefaultWorkerConfig()
	cfg.PoolSize = 2
	cfg.ConsumerGroup = "agent-handlers"
	cfg.ConsumerName = "worker-test"
	cfg.BlockTimeout = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	cfg.StaleClaimIdle = 50 * time.Millisecond
	cfg.StreamMaxLen = 1000
	return cfg
}

type poolFixture struct {
	pool      *Pool
	fake      *streamtest.Fake
	publisher *events.Publisher
	dedup     *fakeDeduper
	registry  *dispatch.Registry
	cfg       *config.WorkerConfig
}

func newFixture(t *testing.T, agents ...dispatch.AgentHandler) *poolFixture {
	t.Helper()
	cfg := testConfig()
	fake := streamtest.NewFake()
	scope := tenant.Scope{}
	publisher := events.NewPublisher(fake, scope, cfg.StreamMaxLen)
	dedup := newFakeDeduper()
	registry := dispatch.NewRegistry()
	for _, a := range agents {
		registry.Register(a)
	}
	return &poolFixture{
		pool:      NewPool(cfg, fake, publisher, dedup, registry, scope),
		fake:      fake,
		publisher: publisher,
		dedup:     dedup,
		registry:  registry,
		cfg:       cfg,
	}
}

// publishStart appends an agent_started event for the given agent type.
func (f *poolFixture) publishStart(t *testing.T, agentType, sessionID, taskID, key string) *events.Event {
	t.Helper()
	evt, err := f.publisher.Publish(context.Background(), events.Event{
		Type:           events.EventAgentStarted,
		SessionID:      sessionID,
		TaskID:         taskID,
		IdempotencyKey: key,
		Metadata:       map[string]any{"agent_type": agentType},
	})
	require.NoError(t, err)
	return evt
}

// terminals returns the terminal events appended to the stream.
func (f *poolFixture) terminals() []stream.Message {
	var out []stream.Message
	for _, msg := range f.fake.Entries(tenant.StreamSuffix) {
		typ, _ := msg.Values["event_type"].(string)
		if typ == string(events.EventAgentCompleted) || typ == string(events.EventAgentError) {
			out = append(out, msg)
		}
	}
	return out
}

func TestPoolLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, StateStopped, f.pool.Stats().State)

	require.NoError(t, f.pool.Start(ctx))
	assert.Equal(t, StateRunning, f.pool.Stats().State)

	// Duplicate Start is a warning, not an error.
	require.NoError(t, f.pool.Start(ctx))

	f.pool.Stop()
	assert.Equal(t, StateStopped, f.pool.Stats().State)

	// Stop on a stopped pool is a no-op.
	f.pool.Stop()
	assert.Equal(t, StateStopped, f.pool.Stats().State)
}

func TestPoolStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, f.pool.Start(ctx))
	assert.Equal(t, StateRunning, f.pool.Stats().State)

	cancel()

	// The dispatcher loop exits and resets the state so health checks do
	// not report a dead pool as running.
	require.Eventually(t, func() bool {
		return f.pool.Stats().State == StateStopped
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolRestartAfterStop(t *testing.T) {
	agent := &stubAgent{typ: "developer", result: &dispatch.AgentResult{
		AgentType: "developer",
		Success:   true,
	}}
	f := newFixture(t, agent)
	ctx := context.Background()

	require.NoError(t, f.pool.Start(ctx))
	f.pool.Stop()
	require.Equal(t, StateStopped, f.pool.Stats().State)

	// A second cycle reads and processes like the first.
	require.NoError(t, f.pool.Start(ctx))
	defer f.pool.Stop()
	assert.Equal(t, StateRunning, f.pool.Stats().State)

	f.publishStart(t, "developer", "s-restart", "t-1", "")
	require.Eventually(t, func() bool {
		return f.pool.Stats().EventsProcessed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, agent.callCount())
}

func TestPoolStats(t *testing.T) {
	f := newFixture(t)
	stats := f.pool.Stats()

	assert.Equal(t, 2, stats.ConcurrencyLimit)
	assert.Zero(t, stats.ActiveWorkers)
	assert.Zero(t, stats.EventsProcessed)
	assert.True(t, stats.LastActivity.IsZero())
}

func TestPoolProcessesAgentStarted(t *testing.T) {
	agent := &stubAgent{typ: "developer", result: &dispatch.AgentResult{
		AgentType:     "developer",
		Success:       true,
		ArtifactPaths: []string{"artifacts/patch.diff"},
	}}
	f := newFixture(t, agent)
	ctx := context.Background()

	f.publishStart(t, "developer", "s-1", "t-1", "")

	require.NoError(t, f.pool.Start(ctx))
	defer f.pool.Stop()

	require.Eventually(t, func() bool {
		return f.pool.Stats().EventsProcessed == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := f.pool.Stats()
	assert.Equal(t, int64(1), stats.EventsSucceeded)
	assert.Zero(t, stats.EventsFailed)
	assert.Equal(t, 1, agent.callCount())
	assert.False(t, stats.LastActivity.IsZero())

	terms := f.terminals()
	require.Len(t, terms, 1)
	assert.Equal(t, string(events.EventAgentCompleted), terms[0].Values["event_type"])

	decoded, err := events.FromWire(terms[0].ID, terms[0].Values)
	require.NoError(t, err)
	assert.Equal(t, "s-1", decoded.SessionID)
	assert.Equal(t, "t-1", decoded.TaskID)
	assert.Equal(t, []string{"artifacts/patch.diff"}, decoded.ArtifactPaths)
	assert.Equal(t, "developer", decoded.Metadata["agent_type"])
	assert.Equal(t, true, decoded.Metadata["success"])

	// Everything the loop read is acknowledged.
	require.Eventually(t, func() bool {
		return len(f.fake.PendingIDs(tenant.StreamSuffix, "agent-handlers")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolSuppressesDuplicates(t *testing.T) {
	agent := &stubAgent{typ: "developer"}
	f := newFixture(t, agent)
	ctx := context.Background()

	// Two distinct stream entries carrying the same logical operation.
	f.publishStart(t, "developer", "s-1", "t-1", "dupkey1234")
	f.publishStart(t, "developer", "s-1", "t-1", "dupkey1234")

	require.NoError(t, f.pool.Start(ctx))
	defer f.pool.Stop()

	require.Eventually(t, func() bool {
		return len(f.fake.PendingIDs(tenant.StreamSuffix, "agent-handlers")) == 0 &&
			len(f.fake.Entries(tenant.StreamSuffix)) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	// One execution, one terminal; the duplicate was acked with nothing
	// emitted and does not count as processed.
	assert.Equal(t, 1, agent.callCount())
	assert.Len(t, f.terminals(), 1)
	assert.Equal(t, int64(1), f.pool.Stats().EventsProcessed)
}

func TestPoolUnknownAgentEmitsAgentError(t *testing.T) {
	f := newFixture(t) // no agents registered
	ctx := context.Background()

	f.publishStart(t, "ghost", "s-1", "t-1", "")

	require.NoError(t, f.pool.Start(ctx))
	defer f.pool.Stop()

	require.Eventually(t, func() bool {
		return f.pool.Stats().EventsProcessed == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), f.pool.Stats().EventsFailed)

	terms := f.terminals()
	require.Len(t, terms, 1)
	assert.Equal(t, string(events.EventAgentError), terms[0].Values["event_type"])

	decoded, err := events.FromWire(terms[0].ID, terms[0].Values)
	require.NoError(t, err)
	assert.Contains(t, decoded.Metadata["error_message"], "ghost")
	assert.Equal(t, false, decoded.Metadata["success"])
}

func TestPoolAgentFailureEmitsAgentError(t *testing.T) {
	agent := &stubAgent{typ: "qa", result: &dispatch.AgentResult{
		AgentType:    "qa",
		Success:      false,
		ShouldRetry:  true,
		ErrorMessage: "tests failed",
	}}
	f := newFixture(t, agent)
	ctx := context.Background()

	f.publishStart(t, "qa", "s-1", "t-1", "")

	require.NoError(t, f.pool.Start(ctx))
	defer f.pool.Stop()

	require.Eventually(t, func() bool {
		return f.pool.Stats().EventsProcessed == 1
	}, 2*time.Second, 10*time.Millisecond)

	terms := f.terminals()
	require.Len(t, terms, 1)

	decoded, err := events.FromWire(terms[0].ID, terms[0].Values)
	require.NoError(t, err)
	assert.Equal(t, events.EventAgentError, decoded.Type)
	assert.Equal(t, true, decoded.Metadata["should_retry"])
	assert.Equal(t, "tests failed", decoded.Metadata["error_message"])
}

func TestPoolIgnoresOtherEventTypes(t *testing.T) {
	agent := &stubAgent{typ: "developer"}
	f := newFixture(t, agent)
	ctx := context.Background()

	_, err := f.publisher.Publish(ctx, events.Event{
		Type:      events.EventTaskCreated,
		SessionID: "s-1",
	})
	require.NoError(t, err)

	require.NoError(t, f.pool.Start(ctx))
	defer f.pool.Stop()

	// Give the loop time to read and ack the entry.
	time.Sleep(300 * time.Millisecond)

	assert.Empty(t, f.fake.PendingIDs(tenant.StreamSuffix, "agent-handlers"))
	assert.Len(t, f.fake.Entries(tenant.StreamSuffix), 1)
	assert.Zero(t, agent.callCount())
	assert.Empty(t, f.terminals())
	assert.Zero(t, f.pool.Stats().EventsProcessed)
}

func TestHandleMessageDedupFailureLeavesPending(t *testing.T) {
	f := newFixture(t, &stubAgent{typ: "developer"})
	ctx := context.Background()
	f.dedup.err = errors.New("redis down")

	_, err := f.fake.CreateGroup(ctx, tenant.StreamSuffix, "agent-handlers", "0")
	require.NoError(t, err)

	f.publishStart(t, "developer", "s-1", "t-1", "")
	msgs, err := f.fake.ReadGroup(ctx, stream.ReadArgs{
		Stream: tenant.StreamSuffix, Group: "agent-handlers", Consumer: "worker-test", Count: 10,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	out := f.pool.handleMessage(ctx, msgs[0])

	assert.Equal(t, outcomeFailed, out)
	assert.Len(t, f.fake.PendingIDs(tenant.StreamSuffix, "agent-handlers"), 1)
	assert.Empty(t, f.terminals())
}

func TestHandleMessageTerminalPublishFailureLeavesPending(t *testing.T) {
	f := newFixture(t, &stubAgent{typ: "developer"})
	ctx := context.Background()

	_, err := f.fake.CreateGroup(ctx, tenant.StreamSuffix, "agent-handlers", "0")
	require.NoError(t, err)

	f.publishStart(t, "developer", "s-1", "t-1", "")
	msgs, err := f.fake.ReadGroup(ctx, stream.ReadArgs{
		Stream: tenant.StreamSuffix, Group: "agent-handlers", Consumer: "worker-test", Count: 10,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	f.fake.PublishErr = errors.New("stream full")
	out := f.pool.handleMessage(ctx, msgs[0])

	assert.Equal(t, outcomeFailed, out)
	assert.Len(t, f.fake.PendingIDs(tenant.StreamSuffix, "agent-handlers"), 1)

	// Redelivery after the store recovers coalesces into completion: the
	// marker is already held by this entry, so the agent runs again under
	// the same ownership and the terminal goes out.
	f.fake.PublishErr = nil
	out = f.pool.handleMessage(ctx, msgs[0])

	assert.Equal(t, outcomeProcessed, out)
	assert.Len(t, f.terminals(), 1)
	assert.Empty(t, f.fake.PendingIDs(tenant.StreamSuffix, "agent-handlers"))
}

func TestPoolRecoverPending(t *testing.T) {
	agent := &stubAgent{typ: "developer"}
	f := newFixture(t, agent)
	ctx := context.Background()

	_, err := f.fake.CreateGroup(ctx, tenant.StreamSuffix, "agent-handlers", "0")
	require.NoError(t, err)

	// Three entries delivered to an instance that died without acking.
	f.publishStart(t, "developer", "s-crash", "t-1", "")
	f.publishStart(t, "developer", "s-crash", "t-2", "")
	f.publishStart(t, "developer", "s-crash", "t-3", "")
	_, err = f.fake.ReadGroup(ctx, stream.ReadArgs{
		Stream: tenant.StreamSuffix, Group: "agent-handlers", Consumer: "worker-dead", Count: 10,
	})
	require.NoError(t, err)

	f.fake.AgePending(tenant.StreamSuffix, "agent-handlers", time.Minute)

	result, err := f.pool.RecoverPending(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Claimed)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 3, agent.callCount())
	assert.Len(t, f.terminals(), 3)
	assert.Empty(t, f.fake.PendingIDs(tenant.StreamSuffix, "agent-handlers"))
}

func TestPoolRecoverPendingFreshEntriesLeftAlone(t *testing.T) {
	f := newFixture(t, &stubAgent{typ: "developer"})
	ctx := context.Background()

	_, err := f.fake.CreateGroup(ctx, tenant.StreamSuffix, "agent-handlers", "0")
	require.NoError(t, err)

	f.publishStart(t, "developer", "s-1", "t-1", "")
	_, err = f.fake.ReadGroup(ctx, stream.ReadArgs{
		Stream: tenant.StreamSuffix, Group: "agent-handlers", Consumer: "worker-busy", Count: 10,
	})
	require.NoError(t, err)

	result, err := f.pool.RecoverPending(ctx)
	require.NoError(t, err)

	assert.Zero(t, result.Claimed)
	assert.Len(t, f.fake.PendingIDs(tenant.StreamSuffix, "agent-handlers"), 1)
}

func TestTerminalEvent(t *testing.T) {
	f := newFixture(t)

	evt := &events.Event{
		Type:          events.EventAgentStarted,
		SessionID:     "s-1",
		TaskID:        "t-1",
		EpicID:        "e-1",
		GitSHA:        "deadbeef",
		TenantID:      "acme",
		Mode:          events.ModeRLM,
		ArtifactPaths: []string{"context/pack.md"},
	}

	t.Run("success yields agent_completed with merged artifacts", func(t *testing.T) {
		terminal := f.pool.terminalEvent(evt, &dispatch.AgentResult{
			AgentType:     "developer",
			Success:       true,
			ArtifactPaths: []string{"artifacts/patch.diff"},
			Metadata:      map[string]any{"attempt": 1},
		})

		assert.Equal(t, events.EventAgentCompleted, terminal.Type)
		assert.Equal(t, "s-1", terminal.SessionID)
		assert.Equal(t, "t-1", terminal.TaskID)
		assert.Equal(t, "e-1", terminal.EpicID)
		assert.Equal(t, "deadbeef", terminal.GitSHA)
		assert.Equal(t, "acme", terminal.TenantID)
		assert.Equal(t, events.ModeRLM, terminal.Mode)
		assert.Equal(t, []string{"context/pack.md", "artifacts/patch.diff"}, terminal.ArtifactPaths)
		assert.Equal(t, 1, terminal.Metadata["attempt"])
		assert.Equal(t, "developer", terminal.Metadata["agent_type"])
	})

	t.Run("failure yields agent_error with the message", func(t *testing.T) {
		terminal := f.pool.terminalEvent(evt, &dispatch.AgentResult{
			AgentType:    "developer",
			Success:      false,
			ShouldRetry:  true,
			ErrorMessage: "sandbox crashed",
		})

		assert.Equal(t, events.EventAgentError, terminal.Type)
		assert.Equal(t, "sandbox crashed", terminal.Metadata["error_message"])
		assert.Equal(t, true, terminal.Metadata["should_retry"])
	})
}
