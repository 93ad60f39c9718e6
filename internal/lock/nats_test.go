package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeloly/sandboxd/internal/common/logger"
)

type fakeEntry struct {
	key   string
	value []byte
	rev   uint64
}

func (e *fakeEntry) Bucket() string { return "test" }
func (e *fakeEntry) Key() string { return e.key }
func (e *fakeEntry) Value() []byte { return e.value }
func (e *fakeEntry) Revision() uint64 { return e.rev }
func (e *fakeEntry) Created() time.Time { return time.Time{} }
func (e *fakeEntry) Delta() uint64 { return 0 }
func (e *fakeEntry) Operation() nats.KeyValueOp { return nats.KeyValuePut }

type fakeBucket struct {
	mu      sync.Mutex
	entries map[string]*fakeEntry
	seq     uint64
	err     error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{entries: make(map[string]*fakeEntry)}
}

func (b *fakeBucket) Create(key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	if _, ok := b.entries[key]; ok {
		return 0, nats.ErrKeyExists
	}
	b.seq++
	b.entries[key] = &fakeEntry{key: key, value: value, rev: b.seq}
	return b.seq, nil
}

func (b *fakeBucket) Get(key string) (nats.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, nats.ErrKeyNotFound
	}
	return e, nil
}

func (b *fakeBucket) Update(key string, value []byte, last uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok || e.rev != last {
		return 0, nats.ErrKeyExists
	}
	b.seq++
	b.entries[key] = &fakeEntry{key: key, value: value, rev: b.seq}
	return b.seq, nil
}

func (b *fakeBucket) Delete(key string, _ ...nats.DeleteOpt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func TestNATSLockerAcquireRelease(t *testing.T) {
	ctx := context.Background()
	n := newNATSLocker(newFakeBucket(), logger.NewNop())

	lease, ok, err := n.Acquire(ctx, "sandbox-init.u1.p1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = n.Acquire(ctx, "sandbox-init.u1.p1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, n.Release(ctx, lease))

	_, ok, err = n.Acquire(ctx, "sandbox-init.u1.p1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNATSLockerTakesOverExpiredLease(t *testing.T) {
	ctx := context.Background()
	n := newNATSLocker(newFakeBucket(), logger.NewNop())

	base := time.Now()
	n.now = func() time.Time { return base }
	_, ok, err := n.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n.now = func() time.Time { return base.Add(30 * time.Second) }
	_, ok, err = n.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	n.now = func() time.Time { return base.Add(61 * time.Second) }
	lease, ok, err := n.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), lease.revision)
}

func TestNATSLockerServiceError(t *testing.T) {
	b := newFakeBucket()
	b.err = nats.ErrConnectionClosed
	n := newNATSLocker(b, logger.NewNop())

	_, ok, err := n.Acquire(context.Background(), "k", time.Minute)
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServiceUnavailable))
	assert.True(t, errors.Is(err, nats.ErrConnectionClosed))
}
