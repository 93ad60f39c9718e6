package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/common/logger"
)

// kvBucket is the subset of nats.KeyValue the locker needs.
type kvBucket interface {
	Create(key string, value []byte) (uint64, error)
	Get(key string) (nats.KeyValueEntry, error)
	Update(key string, value []byte, last uint64) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
}

// NATSLocker keeps leases in a JetStream key-value bucket. Creation and takeover
// are compare-and-set on the key revision, so exactly one contender wins.
type NATSLocker struct {
	kv     kvBucket
	logger *logger.Logger
	now    func() time.Time
}

// NewNATSLocker binds to bucket, creating it when missing. The bucket TTL is set to
// the maximum lease so abandoned keys also age out server-side.
func NewNATSLocker(nc *nats.Conn, bucket string, maxLease time.Duration, log *logger.Logger) (*NATSLocker, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, serviceErr("connect", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "sandbox initialization leases",
			History:     1,
			TTL:         maxLease,
		})
	}
	if err != nil {
		return nil, serviceErr("bind bucket", fmt.Errorf("%s: %w", bucket, err))
	}

	return newNATSLocker(kv, log), nil
}

func newNATSLocker(kv kvBucket, log *logger.Logger) *NATSLocker {
	return &NATSLocker{
		kv:     kv,
		logger: log.WithFields(zap.String("component", "nats-locker")),
		now:    time.Now,
	}
}

type natsLeaseValue struct {
	OwnerToken string `json:"ownerToken"`
	ExpiresAt  int64  `json:"expiresAt"` // unix millis
}

func encodeLease(l *Lease) []byte {
	b, _ := json.Marshal(natsLeaseValue{OwnerToken: l.OwnerToken, ExpiresAt: l.ExpiresAt.UnixMilli()})
	return b
}

// Acquire implements Locker.
func (n *NATSLocker) Acquire(ctx context.Context, key string, d time.Duration) (*Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	now := n.now()
	lease := newLease(key, now, d)

	rev, err := n.kv.Create(key, encodeLease(lease))
	if err == nil {
		lease.revision = rev
		return lease, true, nil
	}
	if !isConflict(err) {
		return nil, false, serviceErr("acquire", err)
	}

	// Held: take over only if the holder's lease has expired.
	entry, err := n.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		// Released between Create and Get; let the caller retry later.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, serviceErr("acquire", err)
	}

	var held natsLeaseValue
	if err := json.Unmarshal(entry.Value(), &held); err == nil && now.Before(time.UnixMilli(held.ExpiresAt)) {
		return nil, false, nil
	}

	rev, err = n.kv.Update(key, encodeLease(lease), entry.Revision())
	if err != nil {
		if isConflict(err) {
			return nil, false, nil
		}
		return nil, false, serviceErr("acquire", err)
	}
	n.logger.Info("took over expired lease", zap.String("lock_key", key))
	lease.revision = rev
	return lease, true, nil
}

// Release implements Locker. A lease that was taken over after expiring is left alone.
func (n *NATSLocker) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := n.kv.Delete(l.Key, nats.LastRevision(l.revision))
	if err == nil {
		return nil
	}
	if isConflict(err) || errors.Is(err, nats.ErrKeyNotFound) {
		n.logger.Warn("lease no longer owned at release", zap.String("lock_key", l.Key))
		return nil
	}
	return serviceErr("release", err)
}

func isConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}
