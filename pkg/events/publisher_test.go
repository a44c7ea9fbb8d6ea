package events

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asdlc-io/substrate/pkg/tenant"
)

type appendCall struct {
	stream string
	values map[string]string
	maxLen int64
}

type recordingAppender struct {
	calls []appendCall
	err   error
}

func (a *recordingAppender) Publish(_ context.Context, stream string, values map[string]string, maxLen int64) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.calls = append(a.calls, appendCall{stream: stream, values: values, maxLen: maxLen})
	return fmt.Sprintf("%d-0", len(a.calls)), nil
}

func TestPublisherPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns event ID and normalizes", func(t *testing.T) {
		log := &recordingAppender{}
		p := NewPublisher(log, tenant.Scope{}, 0)

		evt, err := p.Publish(ctx, Event{Type: EventTaskCreated, SessionID: "s-1"})
		require.NoError(t, err)

		assert.Equal(t, "1-0", evt.EventID)
		assert.NotEmpty(t, evt.IdempotencyKey)
		require.Len(t, log.calls, 1)
		assert.Equal(t, "asdlc:events", log.calls[0].stream)
		assert.Equal(t, int64(DefaultMaxStreamLen), log.calls[0].maxLen)
	})

	t.Run("rejects invalid events before appending", func(t *testing.T) {
		log := &recordingAppender{}
		p := NewPublisher(log, tenant.Scope{}, 0)

		_, err := p.Publish(ctx, Event{Type: EventTaskCreated})
		assert.ErrorIs(t, err, ErrEmptySessionID)
		assert.Empty(t, log.calls)
	})

	t.Run("propagates append errors", func(t *testing.T) {
		boom := errors.New("connection refused")
		p := NewPublisher(&recordingAppender{err: boom}, tenant.Scope{}, 0)

		_, err := p.Publish(ctx, Event{Type: EventTaskCreated, SessionID: "s-1"})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("injects ambient tenant", func(t *testing.T) {
		log := &recordingAppender{}
		scope := tenant.Scope{Enabled: true, Current: "acme"}
		p := NewPublisher(log, scope, 0)

		evt, err := p.Publish(ctx, Event{Type: EventTaskCreated, SessionID: "s-1"})
		require.NoError(t, err)

		assert.Equal(t, "acme", evt.TenantID)
		require.Len(t, log.calls, 1)
		assert.Equal(t, "tenant:acme:asdlc:events", log.calls[0].stream)
	})

	t.Run("event tenant overrides ambient scope", func(t *testing.T) {
		log := &recordingAppender{}
		scope := tenant.Scope{Enabled: true, Current: "acme"}
		p := NewPublisher(log, scope, 0)

		evt, err := p.Publish(ctx, Event{Type: EventTaskCreated, SessionID: "s-1", TenantID: "widgets"})
		require.NoError(t, err)

		assert.Equal(t, "widgets", evt.TenantID)
		require.Len(t, log.calls, 1)
		assert.Equal(t, "tenant:widgets:asdlc:events", log.calls[0].stream)
	})

	t.Run("custom stream cap is honored", func(t *testing.T) {
		log := &recordingAppender{}
		p := NewPublisher(log, tenant.Scope{}, 500)

		_, err := p.Publish(ctx, Event{Type: EventTaskCreated, SessionID: "s-1"})
		require.NoError(t, err)
		require.Len(t, log.calls, 1)
		assert.Equal(t, int64(500), log.calls[0].maxLen)
	})
}
