// Package worker implements the bounded-concurrency pool that executes
// agent jobs. It is the consumer group for agent_started events: each
// accepted event is deduplicated, dispatched to a registered agent, and
// answered with exactly one terminal event (agent_completed or
// agent_error) before the original entry is acknowledged.
package worker

import (
	"context"
	"time"

	"github.com/asdlc-io/substrate/pkg/events"
)

// State is the pool lifecycle state.
type State string

// Pool states. Transitions: stopped → running → shutting_down → stopped.
const (
	StateStopped      State = "stopped"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
)

// Deduper is the atomic set-if-absent capability the pool uses to avoid
// double-dispatch under redelivery or concurrent consumers.
type Deduper interface {
	CheckAndMark(ctx context.Context, evt *events.Event) (bool, error)
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	EventsProcessed  int64     `json:"events_processed"`
	EventsSucceeded  int64     `json:"events_succeeded"`
	EventsFailed     int64     `json:"events_failed"`
	ActiveWorkers    int       `json:"active_workers"`
	ConcurrencyLimit int       `json:"concurrency_limit"`
	State            State     `json:"state"`
	LastActivity     time.Time `json:"last_activity"`
}

// outcome classifies one handled entry for recovery accounting.
type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkipped
	outcomeFailed
)
