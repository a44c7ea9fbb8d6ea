// Package stream provides a thin client contract over a Redis-Streams-
// compatible event log: append with capped length, consumer-group reads,
// pending inspection, stale-claim transfer, and explicit acknowledgment.
//
// The contract is satisfied by any log offering per-group cursors, explicit
// ack, pending inspection, and claim semantics where a successful claim
// returns the reassigned entry data. The default implementation is backed
// by Redis via go-redis.
package stream

import (
	"context"
	"time"
)

type (
	// Message is one delivered stream entry: the log-assigned ID plus the
	// raw value mapping as stored on the wire.
	Message struct {
		ID     string
		Values map[string]any
	}

	// PendingEntry describes a delivered-but-unacknowledged entry tracked
	// per consumer group.
	PendingEntry struct {
		ID         string
		Consumer   string
		Idle       time.Duration
		Deliveries int64
	}

	// ReadArgs parameterizes an undelivered-entries read (">" cursor).
	ReadArgs struct {
		Stream   string
		Group    string
		Consumer string
		// Count bounds the batch size.
		Count int64
		// Block is how long to wait for new entries. Zero returns
		// immediately.
		Block time.Duration
	}

	// Client is the stream-log contract required by the core.
	Client interface {
		// EnsureStream creates the stream if absent by appending a sentinel
		// entry under the given length cap. Consumers skip the sentinel.
		EnsureStream(ctx context.Context, stream string, maxLen int64) error

		// CreateGroup creates a consumer group at the given start cursor
		// ("0" for the full history, "$" for new entries only). Returns
		// true if the group was newly created, false if it already existed.
		CreateGroup(ctx context.Context, stream, group, start string) (bool, error)

		// Publish appends the wire mapping and returns the assigned event
		// ID. The stream is trimmed approximately to maxLen.
		Publish(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error)

		// ReadGroup fetches undelivered entries for the consumer.
		ReadGroup(ctx context.Context, args ReadArgs) ([]Message, error)

		// Ack acknowledges an entry for the group. Returns true if the
		// entry was pending and is now acknowledged.
		Ack(ctx context.Context, stream, group, id string) (bool, error)

		// Pending lists up to count pending entries for the group,
		// optionally filtered to a single consumer.
		Pending(ctx context.Context, stream, group string, count int64, consumer string) ([]PendingEntry, error)

		// Claim transfers ownership of the given pending entries to the
		// consumer, provided they have been idle at least minIdle. The
		// returned messages carry the reassigned entry data.
		Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Message, error)
	}
)
