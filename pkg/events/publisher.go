package events

import (
	"context"
	"fmt"

	"github.com/asdlc-io/substrate/pkg/tenant"
)

// DefaultMaxStreamLen is the approximate cap applied to event streams on
// publish. Older entries are trimmed once the stream grows past it.
const DefaultMaxStreamLen = 10_000

// Appender is the append capability the publisher needs from the stream
// client.
type Appender interface {
	Publish(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error)
}

// Publisher appends events to the tenant-scoped stream. It normalizes
// events (validation, UTC timestamps, idempotency-key derivation) and
// injects the ambient tenant when the event carries none.
type Publisher struct {
	log    Appender
	scope  tenant.Scope
	maxLen int64
}

// NewPublisher creates a publisher for the given scope. A maxLen of zero
// uses DefaultMaxStreamLen.
func NewPublisher(log Appender, scope tenant.Scope, maxLen int64) *Publisher {
	if maxLen <= 0 {
		maxLen = DefaultMaxStreamLen
	}
	return &Publisher{log: log, scope: scope, maxLen: maxLen}
}

// Publish validates, serializes, and appends the event, returning a copy
// with the log-assigned EventID set.
func (p *Publisher) Publish(ctx context.Context, evt Event) (*Event, error) {
	if evt.TenantID == "" {
		evt.TenantID = p.scope.TenantID()
	}

	normalized, err := New(evt)
	if err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	wire, err := normalized.ToWire()
	if err != nil {
		return nil, err
	}

	streamName := p.scope.For(normalized.TenantID).Stream()
	id, err := p.log.Publish(ctx, streamName, wire, p.maxLen)
	if err != nil {
		return nil, err
	}
	normalized.EventID = id
	return normalized, nil
}

// Stream returns the stream name this publisher appends to for its own
// scope (before any per-event tenant override).
func (p *Publisher) Stream() string {
	return p.scope.Stream()
}
