// Package reconcile brings an environment from an unknown state to serving
// traffic. Every stage checks current state first and acts only when needed, so
// reconciliation is safe to run on every warm-up.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reeloly/sandboxd/internal/common/constants"
	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/project"
	"github.com/reeloly/sandboxd/internal/sandbox"
	"github.com/reeloly/sandboxd/internal/storage"
	"github.com/reeloly/sandboxd/internal/tracing"
)

// Stage names one reconciliation step.
type Stage string

const (
	StageAttach      Stage = "attach"
	StageSync        Stage = "sync"
	StageMaterialize Stage = "materialize"
	StageInstall     Stage = "install"
	StageStart       Stage = "start"
)

// StageError reports the stage at which reconciliation failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("reconcile stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// MountConfig holds what the environment needs to mount durable storage.
type MountConfig struct {
	Endpoint        string
	UseSSL          bool
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// URL is the endpoint URL handed to s3fs.
func (m MountConfig) URL() string {
	if m.UseSSL {
		return "https://" + m.Endpoint
	}
	return "http://" + m.Endpoint
}

// Config configures a Reconciler.
type Config struct {
	Layout         project.Layout
	Mount          MountConfig
	InstallCommand string
	ServeCommand   string
	Port           int
	Timeout        time.Duration
}

// Observer receives per-stage outcomes, e.g. for metrics.
type Observer interface {
	ObserveStage(stage string, skipped bool, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(string, bool, time.Duration, error) {}

// Result describes what reconciliation changed.
type Result struct {
	Mounted        bool // storage was mounted by this run
	ConfigSynced   bool
	SnapshotSeeded bool
	Cloned         bool // working tree was created rather than updated
	Started        bool // serving process was launched by this run
}

// Reconciler runs the five reconciliation stages against one environment.
type Reconciler struct {
	cfg       Config
	snapshots *storage.Snapshots
	observer  Observer
	logger    *logger.Logger
}

// New creates a Reconciler. A nil observer is allowed.
func New(cfg Config, snapshots *storage.Snapshots, observer Observer, log *logger.Logger) *Reconciler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.ReconcileTimeout
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Reconciler{
		cfg:       cfg,
		snapshots: snapshots,
		observer:  observer,
		logger:    log.WithFields(zap.String("component", "reconciler")),
	}
}

// Reconcile runs attach and sync concurrently with materialize, install and start,
// which run in that order. The first failure cancels the rest and is returned as
// a *StageError.
func (r *Reconciler) Reconcile(ctx context.Context, h sandbox.Handle, k project.Key) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	log := r.logger.WithProject(k.UserID, k.ProjectID).WithFields(zap.String("sandbox_id", h.ID()))
	res := &Result{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.run(gctx, log, StageAttach, func(ctx context.Context) (bool, error) {
			mounted, err := r.attach(ctx, h)
			res.Mounted = mounted
			return !mounted, err
		})
	})
	g.Go(func() error {
		return r.run(gctx, log, StageSync, func(ctx context.Context) (bool, error) {
			synced, err := r.syncConfig(ctx, h, k)
			res.ConfigSynced = synced
			return !synced, err
		})
	})
	g.Go(func() error {
		err := r.run(gctx, log, StageMaterialize, func(ctx context.Context) (bool, error) {
			seeded, cloned, err := r.materialize(ctx, h, k)
			res.SnapshotSeeded, res.Cloned = seeded, cloned
			return false, err
		})
		if err != nil {
			return err
		}
		err = r.run(gctx, log, StageInstall, func(ctx context.Context) (bool, error) {
			return false, r.install(ctx, h, k)
		})
		if err != nil {
			return err
		}
		return r.run(gctx, log, StageStart, func(ctx context.Context) (bool, error) {
			started, err := r.startServer(ctx, h, k)
			res.Started = started
			return !started, err
		})
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Info("environment reconciled",
		zap.Bool("mounted", res.Mounted),
		zap.Bool("config_synced", res.ConfigSynced),
		zap.Bool("snapshot_seeded", res.SnapshotSeeded),
		zap.Bool("cloned", res.Cloned),
		zap.Bool("started", res.Started))
	return res, nil
}

func (r *Reconciler) run(ctx context.Context, log *logger.Logger, stage Stage, fn func(ctx context.Context) (skipped bool, err error)) error {
	ctx, span := tracing.TraceReconcileStage(ctx, string(stage))
	defer span.End()

	start := time.Now()
	skipped, err := fn(ctx)
	elapsed := time.Since(start)
	r.observer.ObserveStage(string(stage), skipped, elapsed, err)

	if err != nil {
		tracing.TraceResult(span, "failed", err)
		fields := []zap.Field{zap.String("stage", string(stage)), zap.Duration("duration", elapsed), zap.Error(err)}
		if ce, ok := asCommandError(err); ok {
			fields = append(fields, zap.Int("exit_code", ce.ExitCode), zap.String("stderr", ce.Stderr))
		}
		log.Error("reconcile stage failed", fields...)
		return &StageError{Stage: stage, Err: err}
	}

	status := "done"
	if skipped {
		status = "skipped"
	}
	tracing.TraceResult(span, status, nil)
	log.Debug("reconcile stage finished",
		zap.String("stage", string(stage)),
		zap.String("status", status),
		zap.Duration("duration", elapsed))
	return nil
}
