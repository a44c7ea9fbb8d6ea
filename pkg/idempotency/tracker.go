// Package idempotency tracks processed markers for deterministic
// deduplication. Markers live in Redis under tenant-scoped keys with a TTL;
// mutual exclusion between concurrent consumers comes from the atomic
// set-if-absent primitive, not from in-process locks.
package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/asdlc-io/substrate/pkg/events"
	"github.com/asdlc-io/substrate/pkg/tenant"
)

// markerPrefix is the key namespace for processed markers. The idempotency
// key is appended; tenancy is expressed by the outer tenant prefix.
const markerPrefix = "asdlc:worker:processed:"

// DefaultTTL is the default processed-marker lifetime.
const DefaultTTL = 7 * 24 * time.Hour

// Tracker records which logical operations have already been processed.
type Tracker struct {
	rdb   *redis.Client
	scope tenant.Scope
	ttl   time.Duration
}

// New creates a tracker. A ttl of zero uses DefaultTTL.
func New(rdb *redis.Client, scope tenant.Scope, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{rdb: rdb, scope: scope, ttl: ttl}
}

// Key returns the tenant-scoped marker key for the event. An event without
// an idempotency key gets one derived on the fly from its identifying
// tuple, so publisher- and consumer-side keys always agree.
func (t *Tracker) Key(evt *events.Event) string {
	key := evt.IdempotencyKey
	if key == "" {
		key = events.IdempotencyKey(evt.Type, evt.SessionID, evt.TaskID, evt.EpicID, "")
	}
	return t.scope.For(evt.TenantID).Key(markerPrefix + key)
}

// IsProcessed reports whether a marker exists for the event.
func (t *Tracker) IsProcessed(ctx context.Context, evt *events.Event) (bool, error) {
	n, err := t.rdb.Exists(ctx, t.Key(evt)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed unconditionally writes the marker with the configured TTL.
// The marker value is the event ID that processed it.
func (t *Tracker) MarkProcessed(ctx context.Context, evt *events.Event) error {
	return t.rdb.Set(ctx, t.Key(evt), evt.EventID, t.ttl).Err()
}

// CheckAndMark atomically writes the marker if absent and reports whether
// this delivery may proceed. The marker value is the stream entry ID, so a
// redelivery of the same entry (a crashed or incomplete execution being
// reclaimed) finds its own ID and proceeds, while a different entry with
// the same idempotency key is a duplicate and is suppressed. Within a
// group only one consumer owns an entry at a time, so the ownership
// comparison is race-free.
//
// Because a redelivered entry proceeds, an execution whose terminal event
// was published but whose acknowledgement was lost runs the agent again
// and appends a second terminal event. That is within at-least-once
// delivery; consumers of terminal events must tolerate duplicates.
func (t *Tracker) CheckAndMark(ctx context.Context, evt *events.Event) (bool, error) {
	key := t.Key(evt)
	won, err := t.rdb.SetNX(ctx, key, evt.EventID, t.ttl).Result()
	if err != nil {
		return false, err
	}
	if won {
		return true, nil
	}
	holder, err := t.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// Marker expired between SetNX and Get; retry the claim.
		return t.rdb.SetNX(ctx, key, evt.EventID, t.ttl).Result()
	}
	if err != nil {
		return false, err
	}
	return holder == evt.EventID && evt.EventID != "", nil
}

// TTL returns the configured marker lifetime.
func (t *Tracker) TTL() time.Duration { return t.ttl }
