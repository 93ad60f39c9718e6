// Package probe polls an environment's dev server until it answers.
package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/reeloly/sandboxd/internal/common/constants"
	"github.com/reeloly/sandboxd/internal/sandbox"
	"github.com/reeloly/sandboxd/internal/tracing"
)

// Sentinel is the probe output meaning nothing is listening yet.
const Sentinel = "999"

// Outcome is the result of AwaitReady.
type Outcome int

const (
	TimedOut Outcome = iota
	Ready
)

func (o Outcome) String() string {
	if o == Ready {
		return "ready"
	}
	return "timed_out"
}

// Func performs one probe. It returns true when the target answered with anything
// distinguishable from "connection failed".
type Func func(ctx context.Context) (bool, error)

// AwaitReady sleeps interval, probes, and repeats up to maxAttempts times,
// returning Ready on the first positive probe. Probe errors count as a failed
// attempt. Exhausting the budget is reported as TimedOut, not an error; only
// context cancellation returns an error.
func AwaitReady(ctx context.Context, fn Func, maxAttempts int, interval time.Duration) (Outcome, int, error) {
	ctx, span := tracing.TraceProbe(ctx, maxAttempts)
	defer span.End()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			tracing.TraceResult(span, "cancelled", ctx.Err())
			return TimedOut, attempt - 1, ctx.Err()
		case <-timer.C:
		}

		if ok, err := fn(ctx); err == nil && ok {
			tracing.TraceResult(span, Ready.String(), nil)
			return Ready, attempt, nil
		}
		timer.Reset(interval)
	}
	tracing.TraceResult(span, TimedOut.String(), nil)
	return TimedOut, maxAttempts, nil
}

// HTTPProbe returns a Func that curls localhost:port inside the environment.
// Any HTTP status counts as ready; curl failing maps to Sentinel.
func HTTPProbe(h sandbox.Handle, port int) Func {
	script := fmt.Sprintf("curl -s -o /dev/null -w '%%{http_code}' http://localhost:%d || echo '%s'", port, Sentinel)
	return func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, constants.ProbeCommandTimeout)
		defer cancel()

		res, err := h.Run(ctx, sandbox.Command{Script: script})
		if err != nil {
			return false, err
		}
		return isListening(res.Stdout), nil
	}
}

// isListening interprets curl output. curl prints 000 before failing, so the
// sentinel may follow it.
func isListening(out string) bool {
	out = strings.TrimSpace(out)
	if out == "" || strings.HasSuffix(out, Sentinel) {
		return false
	}
	return !strings.HasPrefix(out, "000")
}
