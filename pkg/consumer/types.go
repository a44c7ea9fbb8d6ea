// Package consumer implements the per-consumer-group read loop: it reads
// batches from the event stream, routes each event through a Handler, and
// decides between acknowledging and leaving the entry pending based on the
// handler's result. Startup recovery reclaims stale pending entries left
// behind by crashed consumers.
package consumer

import (
	"context"
	"errors"

	"github.com/asdlc-io/substrate/pkg/events"
)

// ErrAlreadyRunning indicates Start was called on a running consumer.
var ErrAlreadyRunning = errors.New("consumer already running")

// Handler processes events for one consumer group.
type Handler interface {
	// Handle processes a single event. A panic is treated as
	// "not acknowledged": the entry stays pending and redelivery drives
	// the retry.
	Handle(ctx context.Context, evt *events.Event) HandlerResult

	// CanHandle reports whether this group routes the event type. Events
	// of other types are acknowledged immediately so they are not
	// redelivered to a group that will never process them.
	CanHandle(t events.EventType) bool
}

// HandlerResult is the handler's verdict on one event. It drives the
// ack-versus-pending decision:
//
//	Success                  → mark processed, ack
//	!Success && ShouldRetry  → leave pending (reclaimed later)
//	!Success && !ShouldRetry → ack without marking (permanent failure)
type HandlerResult struct {
	Success       bool
	ShouldRetry   bool
	ErrorMessage  string
	ArtifactPaths []string
}

// Tracker is the idempotency capability the consumer needs.
type Tracker interface {
	IsProcessed(ctx context.Context, evt *events.Event) (bool, error)
	MarkProcessed(ctx context.Context, evt *events.Event) error
}

// RecoveryResult summarizes one pending-entry recovery pass.
type RecoveryResult struct {
	// Claimed is how many stale entries were transferred to this consumer.
	Claimed int
	// Processed counts entries handled successfully.
	Processed int
	// Skipped counts entries acknowledged without handling (unroutable
	// type, already processed, or undecodable).
	Skipped int
	// Failed counts entries whose handler failed.
	Failed int
}

// outcome classifies one routing decision for recovery accounting.
type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkipped
	outcomeFailed
)
