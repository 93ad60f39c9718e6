// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for warm-up and session operations.
const (
	// LockLease is how long an initialization lease lives before it expires on
	// its own. It is not renewed. The guarded warm-up is cancelled at
	// GuardCeiling(LockLease) so a live holder never loses its lease mid-run.
	LockLease = 3 * time.Minute

	// LeaseMargin is the tail of a lease the guarded section may not use.
	LeaseMargin = 10 * time.Second

	// SandboxCreateTimeout bounds finding or creating an environment.
	SandboxCreateTimeout = 45 * time.Second

	// ReconcileTimeout bounds all reconciliation stages of one warm-up.
	ReconcileTimeout = 120 * time.Second

	// ProbeAttempts and ProbeInterval bound the readiness poll after reconciliation.
	ProbeAttempts = 30
	ProbeInterval = 1 * time.Second

	// ProbeCommandTimeout bounds a single in-sandbox readiness request.
	ProbeCommandTimeout = 5 * time.Second

	// KeepaliveInterval is the period between keepalive events on a session stream.
	KeepaliveInterval = 15 * time.Second

	// ShortSessionTimeout is the optional hard ceiling for short-request relay paths.
	ShortSessionTimeout = 5 * time.Minute

	// CaptureTimeout bounds the post-session state capture.
	CaptureTimeout = 2 * time.Minute

	// AgentStopTimeout bounds stopping an agent process whose consumer is gone.
	AgentStopTimeout = 10 * time.Second

	// LockReleaseTimeout bounds the best-effort lease release.
	LockReleaseTimeout = 5 * time.Second
)

// GuardCeiling is how long a section guarded by a lease of length lease may run.
// Short leases keep a proportional margin instead of the full LeaseMargin.
func GuardCeiling(lease time.Duration) time.Duration {
	return lease - min(LeaseMargin, lease/10)
}

// ProbeWorstCase is the longest a readiness poll of attempts tries can take
// when every probe command runs to its own timeout.
func ProbeWorstCase(attempts int, interval time.Duration) time.Duration {
	return time.Duration(attempts) * (interval + ProbeCommandTimeout)
}

// ServePort is the port the project's dev server listens on inside a sandbox.
const ServePort = 8080
