// Package lock provides the distributed initialization lock: a short, non-blocking
// lease keyed by project identity and shared across every sandboxd instance.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/common/appctx"
	"github.com/reeloly/sandboxd/internal/common/constants"
	"github.com/reeloly/sandboxd/internal/common/logger"
)

// ErrServiceUnavailable matches any failure of the backing coordination service.
// It is distinct from contention, which is reported as acquired=false.
var ErrServiceUnavailable = errors.New("lock service unavailable")

// ServiceError wraps a coordination backend failure.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("lock %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrServiceUnavailable) hold for every ServiceError.
func (e *ServiceError) Is(target error) bool {
	return target == ErrServiceUnavailable
}

func serviceErr(op string, err error) error {
	return &ServiceError{Op: op, Err: err}
}

// Lease is a live, time-bounded claim on a key.
type Lease struct {
	Key        string    `json:"key"`
	OwnerToken string    `json:"ownerToken"`
	ExpiresAt  time.Time `json:"expiresAt"`

	revision uint64
}

// Expired reports whether the lease has passed its expiry at now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Locker is a lease-based mutual-exclusion service.
//
// Acquire never blocks or queues: if a live lease exists it returns (nil, false, nil).
// Release is best-effort and only removes a lease still owned by the caller.
type Locker interface {
	Acquire(ctx context.Context, key string, lease time.Duration) (*Lease, bool, error)
	Release(ctx context.Context, l *Lease) error
}

func newLease(key string, now time.Time, d time.Duration) *Lease {
	return &Lease{
		Key:        key,
		OwnerToken: uuid.NewString(),
		ExpiresAt:  now.Add(d),
	}
}

// Guard runs fn while holding the lease for key.
//
// It returns acquired=false without calling fn when the key is held elsewhere.
// Release runs on every exit path of fn, including panics, on a context detached
// from ctx so a cancelled request still frees the key. fn's context ends at
// constants.GuardCeiling(d) after the acquire began, before the lease can lapse.
func Guard(ctx context.Context, l Locker, log *logger.Logger, key string, d time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	start := time.Now()
	lease, ok, err := l.Acquire(ctx, key, d)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	defer func() {
		relCtx, cancel := appctx.Detached(ctx, constants.LockReleaseTimeout)
		defer cancel()
		if relErr := l.Release(relCtx, lease); relErr != nil {
			log.Warn("failed to release lock",
				zap.String("lock_key", key),
				zap.Error(relErr))
		}
	}()

	fnCtx, cancel := context.WithDeadline(ctx, start.Add(constants.GuardCeiling(d)))
	defer cancel()
	return true, fn(fnCtx)
}
