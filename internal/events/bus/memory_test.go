package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeloly/sandboxd/internal/common/logger"
)

func newEvent(t *testing.T, typ string) *Event {
	t.Helper()
	e, err := NewEvent(typ, "test", map[string]string{"projectId": "p1"})
	require.NoError(t, err)
	return e
}

func TestMemoryEventBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("sandbox.warm.completed", func(_ context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	event := newEvent(t, "sandbox.warm.completed")
	require.NoError(t, b.Publish(context.Background(), "sandbox.warm.completed", event))

	select {
	case e := <-received:
		assert.Equal(t, event.ID, e.ID)
		var payload map[string]string
		require.NoError(t, e.Decode(&payload))
		assert.Equal(t, "p1", payload["projectId"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	var mu sync.Mutex
	var got []string
	record := func(_ context.Context, e *Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type)
		return nil
	}
	_, err := b.Subscribe("sandbox.>", record)
	require.NoError(t, err)

	for _, subject := range []string{"sandbox.warm.started", "session.completed", "sandbox.warm.failed"} {
		require.NoError(t, b.Publish(context.Background(), subject, newEvent(t, subject)))
	}
	b.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"sandbox.warm.started", "sandbox.warm.failed"}, got)
}

func TestMemoryEventBusQueueGroupDeliversOnce(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	var a, c atomic.Int32
	_, err := b.QueueSubscribe("session.*", "history", func(context.Context, *Event) error { a.Add(1); return nil })
	require.NoError(t, err)
	_, err = b.QueueSubscribe("session.*", "history", func(context.Context, *Event) error { c.Add(1); return nil })
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), "session.started", newEvent(t, "session.started")))
	}
	b.Wait()

	assert.Equal(t, int32(10), a.Load()+c.Load())
	assert.Equal(t, int32(5), a.Load(), "round-robin across members")
}

func TestMemoryEventBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	var n atomic.Int32
	sub, err := b.Subscribe("session.started", func(context.Context, *Event) error { n.Add(1); return nil })
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "session.started", newEvent(t, "session.started")))
	b.Wait()
	assert.Zero(t, n.Load())
}

func TestMemoryEventBusClosed(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	b.Close()

	assert.False(t, b.IsConnected())
	assert.ErrorIs(t, b.Publish(context.Background(), "x", newEvent(t, "x")), ErrClosed)
	_, err := b.Subscribe("x", func(context.Context, *Event) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"a.b", "a.b", true},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{"*.b", "a.b", true},
		{"a.b", "a.c", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchSubject(tt.pattern, tt.subject), "%s vs %s", tt.pattern, tt.subject)
	}
}
