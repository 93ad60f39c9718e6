package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/events"
	"github.com/reeloly/sandboxd/internal/lock"
	"github.com/reeloly/sandboxd/internal/probe"
	"github.com/reeloly/sandboxd/internal/project"
	"github.com/reeloly/sandboxd/internal/sandbox"
	"github.com/reeloly/sandboxd/internal/tracing"
)

// WarmStatus is the result of EnsureWarm.
type WarmStatus struct {
	IsWarm     bool   `json:"isWarm"`
	PreviewURL string `json:"previewUrl,omitempty"`
	// Ready is false when the preview URL is returned without the dev server
	// having answered a probe.
	Ready   bool   `json:"ready"`
	Code    string `json:"code,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Error   string `json:"error,omitempty"`
	Created bool   `json:"created,omitempty"`
}

// Retryable reports whether the caller should poll again.
func (s WarmStatus) Retryable() bool {
	return s.Code == CodeInitializing || s.Code == CodeNotReady
}

// EnsureWarm brings the project's environment to a serving state.
//
// When another caller holds the initialization lease it returns at once with
// Code=initializing. Failures return both a status describing them and a
// non-nil *errors.AppError.
func (s *Service) EnsureWarm(ctx context.Context, userID, projectID string) (WarmStatus, error) {
	k, err := project.NewKey(userID, projectID)
	if err != nil {
		return s.warmFailed(ctx, "", k, err)
	}

	ctx, span := tracing.TraceEnsureWarm(ctx, k.UserID, k.ProjectID)
	defer span.End()

	runID := uuid.NewString()
	log := s.logger.WithProject(k.UserID, k.ProjectID).WithFields(zap.String("run_id", runID))
	start := time.Now()

	var status WarmStatus
	acquired, err := lock.Guard(ctx, s.locker, log, k.LockKey(), s.cfg.LeaseDuration, func(ctx context.Context) error {
		s.metrics.ObserveLock("acquired")
		s.publish(ctx, events.WarmStarted, runID, k, WarmStatus{})
		var err error
		status, err = s.warm(ctx, k, log)
		return err
	})

	switch {
	case err != nil:
		if errors.Is(err, lock.ErrServiceUnavailable) {
			s.metrics.ObserveLock("unavailable")
		}
		tracing.TraceResult(span, "failed", err)
		log.Error("ensure warm failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return s.warmFailed(ctx, runID, k, err)
	case !acquired:
		s.metrics.ObserveLock("contended")
		status = WarmStatus{Code: CodeInitializing}
		s.publish(ctx, events.WarmContended, runID, k, status)
		tracing.TraceResult(span, CodeInitializing, nil)
		log.Info("environment is already initializing")
	default:
		s.publish(ctx, events.WarmCompleted, runID, k, status)
		tracing.TraceResult(span, warmMetricStatus(status), nil)
		log.Info("ensure warm finished",
			zap.Bool("is_warm", status.IsWarm),
			zap.Bool("ready", status.Ready),
			zap.Duration("duration", time.Since(start)))
	}
	s.metrics.ObserveWarm(warmMetricStatus(status))
	return status, nil
}

// warm runs while the lease is held.
func (s *Service) warm(ctx context.Context, k project.Key, log *logger.Logger) (WarmStatus, error) {
	createCtx, cancel := context.WithTimeout(ctx, s.cfg.CreateTimeout)
	h, created, err := sandbox.FindOrCreate(createCtx, s.backend, k, sandbox.CreateOptions{Env: s.cfg.AgentEnv})
	cancel()
	if err != nil {
		return WarmStatus{}, fmt.Errorf("%w: %w", errSandboxBackend, err)
	}

	if _, err := s.reconciler.Reconcile(ctx, h, k); err != nil {
		return WarmStatus{}, err
	}

	outcome, attempts, err := probe.AwaitReady(ctx, probe.HTTPProbe(h, s.cfg.Port), s.cfg.ProbeAttempts, s.cfg.ProbeInterval)
	s.metrics.ObserveProbe(outcome.String(), attempts)
	if err != nil {
		return WarmStatus{}, err
	}

	url, err := h.PublicURL(ctx, s.cfg.Port)
	if err != nil {
		return WarmStatus{}, fmt.Errorf("%w: public url: %w", errSandboxBackend, err)
	}

	if outcome == probe.TimedOut {
		log.Warn("dev server did not answer within the probe budget", zap.Int("attempts", attempts))
		if s.cfg.RequireReady {
			return WarmStatus{Code: CodeNotReady, PreviewURL: url, Created: created}, nil
		}
	}
	return WarmStatus{IsWarm: true, PreviewURL: url, Ready: outcome == probe.Ready, Created: created}, nil
}

func (s *Service) warmFailed(ctx context.Context, runID string, k project.Key, err error) (WarmStatus, error) {
	appErr := classify(err)
	status := WarmStatus{Code: appErr.Kind, Stage: stageOf(err), Error: appErr.Message}
	if runID != "" {
		ev := s.runEvent(runID, events.KindWarm, k, status)
		ev.Error = err.Error()
		s.publisher.Publish(ctx, events.WarmFailed, ev)
	}
	s.metrics.ObserveWarm(warmMetricStatus(status))
	return status, appErr
}

func (s *Service) publish(ctx context.Context, eventType, runID string, k project.Key, status WarmStatus) {
	s.publisher.Publish(ctx, eventType, s.runEvent(runID, events.KindWarm, k, status))
}

func (s *Service) runEvent(runID, kind string, k project.Key, status WarmStatus) events.RunEvent {
	return events.RunEvent{
		RunID:      runID,
		Kind:       kind,
		UserID:     k.UserID,
		ProjectID:  k.ProjectID,
		Status:     warmMetricStatus(status),
		Code:       status.Code,
		Stage:      status.Stage,
		PreviewURL: status.PreviewURL,
	}
}

func warmMetricStatus(s WarmStatus) string {
	switch {
	case s.IsWarm:
		return "warm"
	case s.Code != "":
		return s.Code
	default:
		return "started"
	}
}
