package stream

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// sentinelField marks the entry EnsureStream appends to materialize a
// stream. It carries no event fields, so consumers fail to decode it and
// skip it.
const sentinelField = "stream_created"

// RedisClient implements Client over Redis Streams.
type RedisClient struct {
	rdb *redis.Client
}

// NewRedisClient wraps an existing Redis connection. The caller owns the
// connection lifecycle.
func NewRedisClient(rdb *redis.Client) *RedisClient {
	return &RedisClient{rdb: rdb}
}

// EnsureStream creates the stream if absent by appending a sentinel entry
// under the length cap. An existing stream is left untouched.
func (c *RedisClient) EnsureStream(ctx context.Context, stream string, maxLen int64) error {
	exists, err := c.rdb.Exists(ctx, stream).Result()
	if err != nil {
		return &StreamError{Op: "ensure_stream", Stream: stream, Err: err}
	}
	if exists > 0 {
		return nil
	}
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{sentinelField: time.Now().UTC().Format(time.RFC3339Nano)},
	}).Err()
	if err != nil {
		return &StreamError{Op: "ensure_stream", Stream: stream, Err: err}
	}
	return nil
}

// CreateGroup creates a consumer group, tolerating concurrent creation:
// a BUSYGROUP response means the group already exists and is reported as
// (false, nil).
func (c *RedisClient) CreateGroup(ctx context.Context, stream, group, start string) (bool, error) {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return false, nil
		}
		return false, &ConsumerGroupError{Stream: stream, Group: group, Err: err}
	}
	return true, nil
}

// Publish appends the wire mapping with approximate trimming to maxLen and
// returns the assigned entry ID.
func (c *RedisClient) Publish(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error) {
	// XAdd takes map[string]any; widen without copying semantics.
	wide := make(map[string]any, len(values))
	for k, v := range values {
		wide[k] = v
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: wide,
	}).Result()
	if err != nil {
		return "", &StreamError{Op: "publish", Stream: stream, Err: err}
	}
	return id, nil
}

// ReadGroup fetches undelivered entries (">" cursor) for the consumer,
// blocking up to args.Block. A timeout with no entries is not an error.
func (c *RedisClient) ReadGroup(ctx context.Context, args ReadArgs) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, ">"},
		Count:    args.Count,
		Block:    args.Block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &StreamError{Op: "read_group", Stream: args.Stream, Err: err}
	}

	var msgs []Message
	for _, s := range res {
		for _, m := range s.Messages {
			msgs = append(msgs, Message{ID: m.ID, Values: m.Values})
		}
	}
	return msgs, nil
}

// Ack acknowledges one entry for the group.
func (c *RedisClient) Ack(ctx context.Context, stream, group, id string) (bool, error) {
	n, err := c.rdb.XAck(ctx, stream, group, id).Result()
	if err != nil {
		return false, &StreamError{Op: "ack", Stream: stream, Err: err}
	}
	return n > 0, nil
}

// Pending lists pending entries for the group, optionally filtered to one
// consumer.
func (c *RedisClient) Pending(ctx context.Context, stream, group string, count int64, consumer string) ([]PendingEntry, error) {
	args := &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    group,
		Start:    "-",
		End:      "+",
		Count:    count,
		Consumer: consumer,
	}
	res, err := c.rdb.XPendingExt(ctx, args).Result()
	if err != nil {
		return nil, &StreamError{Op: "pending", Stream: stream, Err: err}
	}

	entries := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		entries = append(entries, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return entries, nil
}

// Claim transfers the given pending entries to the consumer if they have
// been idle at least minIdle, returning the reassigned entry data. Entries
// claimed by someone else in the meantime are simply absent from the
// result.
func (c *RedisClient) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	res, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &StreamError{Op: "claim", Stream: stream, Err: err}
	}

	msgs := make([]Message, 0, len(res))
	for _, m := range res {
		msgs = append(msgs, Message{ID: m.ID, Values: m.Values})
	}
	return msgs, nil
}
