package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeloly/sandboxd/internal/common/logger"
)

type countingLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	acquires int
	releases int
	failWith error
}

func newCountingLocker() *countingLocker {
	return &countingLocker{held: make(map[string]bool)}
}

func (c *countingLocker) Acquire(_ context.Context, key string, d time.Duration) (*Lease, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return nil, false, serviceErr("acquire", c.failWith)
	}
	if c.held[key] {
		return nil, false, nil
	}
	c.held[key] = true
	c.acquires++
	return newLease(key, time.Now(), d), true, nil
}

func (c *countingLocker) Release(ctx context.Context, l *Lease) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	delete(c.held, l.Key)
	c.releases++
	return nil
}

func TestGuardReleasesOnEveryPath(t *testing.T) {
	tests := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"success", func(context.Context) error { return nil }},
		{"failure", func(context.Context) error { return errors.New("stage failed") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCountingLocker()
			acquired, _ := Guard(context.Background(), c, logger.NewNop(), "k", time.Minute, tt.fn)
			assert.True(t, acquired)
			assert.Equal(t, 1, c.acquires)
			assert.Equal(t, c.acquires, c.releases)
		})
	}
}

func TestGuardReleasesOnPanic(t *testing.T) {
	c := newCountingLocker()

	assert.Panics(t, func() {
		_, _ = Guard(context.Background(), c, logger.NewNop(), "k", time.Minute, func(context.Context) error {
			panic("boom")
		})
	})
	assert.Equal(t, 1, c.releases)
}

func TestGuardReleasesAfterCallerCancel(t *testing.T) {
	c := newCountingLocker()
	ctx, cancel := context.WithCancel(context.Background())

	_, err := Guard(ctx, c, logger.NewNop(), "k", time.Minute, func(context.Context) error {
		cancel()
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, c.releases)
	assert.False(t, c.held["k"])
}

func TestGuardStopsBeforeLeaseExpires(t *testing.T) {
	c := newCountingLocker()
	lease := time.Second
	start := time.Now()

	_, err := Guard(context.Background(), c, logger.NewNop(), "k", lease, func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.True(t, deadline.Before(start.Add(lease)))
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), lease)
	assert.Equal(t, 1, c.releases)
}

func TestGuardContention(t *testing.T) {
	c := newCountingLocker()
	c.held["k"] = true
	called := false

	acquired, err := Guard(context.Background(), c, logger.NewNop(), "k", time.Minute, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.False(t, called)
	assert.Equal(t, 0, c.releases)
}

func TestGuardServiceError(t *testing.T) {
	c := newCountingLocker()
	c.failWith = errors.New("connection refused")

	acquired, err := Guard(context.Background(), c, logger.NewNop(), "k", time.Minute, func(context.Context) error {
		return nil
	})
	assert.False(t, acquired)
	assert.ErrorIs(t, err, ErrServiceUnavailable)

	var se *ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "acquire", se.Op)
}

func TestLeaseExpired(t *testing.T) {
	now := time.Now()
	l := newLease("k", now, time.Minute)
	assert.False(t, l.Expired(now))
	assert.True(t, l.Expired(now.Add(time.Minute)))
}
