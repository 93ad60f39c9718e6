package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/reeloly/sandboxd/internal/common/errors"
	"github.com/reeloly/sandboxd/internal/events"
	"github.com/reeloly/sandboxd/internal/history"
	"github.com/reeloly/sandboxd/internal/project"
	"github.com/reeloly/sandboxd/internal/relay"
	"github.com/reeloly/sandboxd/internal/sandbox"
)

// MessageRequest is one message for the agent.
type MessageRequest struct {
	Message     string
	Attachments []relay.Attachment
	// Short applies the short-request ceiling. Interactive sessions leave it
	// unset and run without a ceiling.
	Short bool
}

// SendMessage relays one message to the agent in the project's existing
// environment. It never creates an environment.
//
// Errors returned before any event reached sink mean the session never
// started. After that, a failure is also reported to sink as an error event
// unless the consumer is gone.
func (s *Service) SendMessage(ctx context.Context, userID, projectID string, req MessageRequest, sink relay.Sink) error {
	k, err := project.NewKey(userID, projectID)
	if err != nil {
		return classify(err)
	}
	if strings.TrimSpace(req.Message) == "" {
		return apperrors.BadRequest("message is required").WithKind(CodeInvalidInput)
	}
	if err := relay.ValidateAttachments(req.Attachments); err != nil {
		return classify(err)
	}

	h, err := s.find(ctx, k)
	if err != nil {
		return classify(err)
	}

	sessionID := uuid.NewString()
	log := s.logger.WithProject(k.UserID, k.ProjectID).WithSessionID(sessionID)
	done := s.metrics.SessionStarted()
	base := events.RunEvent{RunID: sessionID, Kind: events.KindSession, UserID: k.UserID, ProjectID: k.ProjectID}
	started := base
	started.Status = "running"
	s.publisher.Publish(ctx, events.SessionStarted, started)

	watched := relay.SinkFunc(func(ctx context.Context, e relay.Envelope) error {
		if err := sink.Send(ctx, e); err != nil {
			return err
		}
		if q, ok := e.Event.(relay.Question); ok {
			ev := base
			ev.ToolUseID = q.ToolUseID
			s.publisher.Publish(ctx, events.SessionQuestion, ev)
		}
		return nil
	})

	rreq := relay.Request{
		SessionID:   sessionID,
		Key:         k,
		Message:     req.Message,
		Attachments: req.Attachments,
	}
	if req.Short {
		rreq.Timeout = s.cfg.ShortTimeout
	}

	err = s.relay.Run(ctx, h, rreq, watched)
	if err == nil {
		done("completed")
		finished := base
		finished.Status = "completed"
		s.publisher.Publish(ctx, events.SessionCompleted, finished)
		return nil
	}

	appErr := classify(err)
	failed := base
	failed.Status = "failed"
	failed.Code = appErr.Kind
	failed.Error = err.Error()
	if errors.Is(err, relay.ErrConsumerGone) || ctx.Err() != nil {
		appErr = appErr.WithKind(CodeDisconnected)
		failed.Code = CodeDisconnected
		done(CodeDisconnected)
		log.Info("consumer disconnected", zap.Error(err))
	} else {
		done("failed")
		if sendErr := sink.Send(ctx, relay.NewEnvelope(relay.Error{Code: appErr.Kind, Message: appErr.Message})); sendErr != nil {
			log.Debug("could not deliver error event", zap.Error(sendErr))
		}
	}
	s.publisher.Publish(ctx, events.SessionFailed, failed)
	return appErr
}

// SubmitAnswers writes answers for a pending question into the project's
// environment and returns the written path.
func (s *Service) SubmitAnswers(ctx context.Context, userID, projectID, toolUseID string, answers map[string]string) (string, error) {
	k, err := project.NewKey(userID, projectID)
	if err != nil {
		return "", classify(err)
	}
	if !relay.ValidToolUseID(toolUseID) {
		return "", classify(fmt.Errorf("%w: toolUseId", project.ErrInvalidIdentifier))
	}
	h, err := s.find(ctx, k)
	if err != nil {
		return "", classify(err)
	}
	p, err := s.relay.SubmitAnswers(ctx, h, k, toolUseID, answers)
	if err != nil {
		return "", classify(err)
	}
	return p, nil
}

// ListRuns returns recent warm-ups and sessions of one project.
func (s *Service) ListRuns(ctx context.Context, userID, projectID string, limit int) ([]history.Run, error) {
	k, err := project.NewKey(userID, projectID)
	if err != nil {
		return nil, classify(err)
	}
	if s.runs == nil {
		return []history.Run{}, nil
	}
	runs, err := s.runs.ListRuns(ctx, k.UserID, k.ProjectID, limit)
	if err != nil {
		return nil, classify(err)
	}
	return runs, nil
}

// Destroy removes the project's environment. Durable snapshots are kept.
func (s *Service) Destroy(ctx context.Context, userID, projectID string) error {
	k, err := project.NewKey(userID, projectID)
	if err != nil {
		return classify(err)
	}
	if err := s.backend.Destroy(ctx, k); err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return classify(err)
		}
		return classify(fmt.Errorf("%w: %w", errSandboxBackend, err))
	}
	s.logger.Info("environment destroyed", zap.String("user_id", k.UserID), zap.String("project_id", k.ProjectID))
	return nil
}

func (s *Service) find(ctx context.Context, k project.Key) (sandbox.Handle, error) {
	h, err := s.backend.Find(ctx, k)
	if err == nil {
		return h, nil
	}
	if errors.Is(err, sandbox.ErrNotFound) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %w", errSandboxBackend, err)
}
