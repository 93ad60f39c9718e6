// Package orchestrator composes the initialization lock, the reconciler, the
// readiness prober and the session relay into the user-facing operations.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/common/constants"
	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/events"
	"github.com/reeloly/sandboxd/internal/history"
	"github.com/reeloly/sandboxd/internal/lock"
	"github.com/reeloly/sandboxd/internal/reconcile"
	"github.com/reeloly/sandboxd/internal/relay"
	"github.com/reeloly/sandboxd/internal/sandbox"
)

// Config tunes the orchestrator.
type Config struct {
	// LeaseDuration is the initialization lease. The warm-up it guards is
	// cancelled at constants.GuardCeiling(LeaseDuration).
	LeaseDuration time.Duration
	// CreateTimeout bounds finding or creating the environment.
	CreateTimeout time.Duration
	ProbeAttempts int
	ProbeInterval time.Duration
	// RequireReady reports a probe timeout as not_ready instead of returning
	// the preview URL optimistically.
	RequireReady bool
	Port         int
	// AgentEnv is passed to newly created environments.
	AgentEnv     map[string]string
	ShortTimeout time.Duration
}

// RunStore lists recorded runs.
type RunStore interface {
	ListRuns(ctx context.Context, userID, projectID string, limit int) ([]history.Run, error)
}

// Metrics receives orchestrator outcomes.
type Metrics interface {
	ObserveWarm(status string)
	ObserveLock(outcome string)
	ObserveProbe(outcome string, attempts int)
	SessionStarted() func(status string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveWarm(string)                  {}
func (nopMetrics) ObserveLock(string)                  {}
func (nopMetrics) ObserveProbe(string, int)            {}
func (nopMetrics) SessionStarted() func(status string) { return func(string) {} }

// Dependencies are the collaborators of a Service. Runs, Publisher and Metrics
// are optional.
type Dependencies struct {
	Backend    sandbox.Backend
	Locker     lock.Locker
	Reconciler *reconcile.Reconciler
	Relay      *relay.Relay
	Runs       RunStore
	Publisher  *events.Publisher
	Metrics    Metrics
}

// Service implements EnsureWarm, SendMessage and SubmitAnswers. It keeps no
// per-project state; environments are looked up on every call.
type Service struct {
	cfg        Config
	backend    sandbox.Backend
	locker     lock.Locker
	reconciler *reconcile.Reconciler
	relay      *relay.Relay
	runs       RunStore
	publisher  *events.Publisher
	metrics    Metrics
	logger     *logger.Logger
}

// New creates a Service.
func New(cfg Config, deps Dependencies, log *logger.Logger) *Service {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = constants.LockLease
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = constants.SandboxCreateTimeout
	}
	if cfg.ProbeAttempts <= 0 {
		cfg.ProbeAttempts = constants.ProbeAttempts
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = constants.ProbeInterval
	}
	if cfg.Port == 0 {
		cfg.Port = constants.ServePort
	}
	if cfg.ShortTimeout <= 0 {
		cfg.ShortTimeout = constants.ShortSessionTimeout
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Service{
		cfg:        cfg,
		backend:    deps.Backend,
		locker:     deps.Locker,
		reconciler: deps.Reconciler,
		relay:      deps.Relay,
		runs:       deps.Runs,
		publisher:  deps.Publisher,
		metrics:    metrics,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
	}
}
