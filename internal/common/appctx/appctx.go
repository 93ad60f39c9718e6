// Package appctx provides context utilities for cleanup work that must
// run after the request that triggered it has gone away.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that keeps the parent's values but not its
// cancellation, bounded by timeout. Use it for lease release and
// post-session capture, which must still run after a client disconnects.
func Detached(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}

// DetachedUntil is like Detached but is also cancelled when stopCh closes,
// so shutdown can interrupt cleanup that would otherwise run to its timeout.
func DetachedUntil(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := Detached(parent, timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
