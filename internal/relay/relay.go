// Package relay streams an agent session's output to a consumer.
//
// A session writes attachments, runs the agent command, splits its output into
// lines, turns each line into consumer events, and keeps the transport alive
// with periodic pings. After a successful turn the working tree and agent config
// are captured back to durable storage.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reeloly/sandboxd/internal/common/appctx"
	"github.com/reeloly/sandboxd/internal/common/constants"
	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/project"
	"github.com/reeloly/sandboxd/internal/sandbox"
	"github.com/reeloly/sandboxd/internal/storage"
	"github.com/reeloly/sandboxd/internal/tracing"
)

var (
	// ErrProcessFailed means the agent process exited non-zero or crashed.
	ErrProcessFailed = errors.New("agent process failed")
	// ErrCaptureFailed means the session's state could not be saved.
	ErrCaptureFailed = errors.New("session capture failed")
	// ErrConsumerGone means the sink rejected an event.
	ErrConsumerGone = errors.New("consumer disconnected")
)

// Environment variables handed to the agent process.
const (
	AnswersDirEnv     = "SANDBOXD_ANSWERS_DIR"
	AttachmentsDirEnv = "SANDBOXD_ATTACHMENTS_DIR"
)

// Config configures a Relay.
type Config struct {
	Layout       project.Layout
	AgentDir     string
	AgentCommand string
	Keepalive    time.Duration
}

// Observer receives session-level signals, e.g. for metrics.
type Observer interface {
	KeepaliveSent()
	LineDropped()
	QuestionForwarded()
}

type nopObserver struct{}

func (nopObserver) KeepaliveSent()     {}
func (nopObserver) LineDropped()       {}
func (nopObserver) QuestionForwarded() {}

// Request is one message to relay.
type Request struct {
	SessionID   string
	Key         project.Key
	Message     string
	Attachments []Attachment
	// Timeout is a hard ceiling on the agent process. Zero means no ceiling.
	Timeout time.Duration
}

// Relay runs agent sessions.
type Relay struct {
	cfg       Config
	snapshots *storage.Snapshots
	observer  Observer
	logger    *logger.Logger
}

// New creates a Relay. A nil observer is allowed.
func New(cfg Config, snapshots *storage.Snapshots, observer Observer, log *logger.Logger) *Relay {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = constants.KeepaliveInterval
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Relay{
		cfg:       cfg,
		snapshots: snapshots,
		observer:  observer,
		logger:    log.WithFields(zap.String("component", "relay")),
	}
}

// serialSink serializes sends from the stream and keepalive goroutines.
type serialSink struct {
	mu   sync.Mutex
	sink Sink
}

func (s *serialSink) send(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sink.Send(ctx, NewEnvelope(e)); err != nil {
		return fmt.Errorf("%w: %w", ErrConsumerGone, err)
	}
	return nil
}

// Run relays one session. It returns nil only after End was delivered and the
// session state was captured.
func (r *Relay) Run(ctx context.Context, h sandbox.Handle, req Request, sink Sink) (err error) {
	log := r.logger.WithProject(req.Key.UserID, req.Key.ProjectID).WithSessionID(req.SessionID)

	ctx, span := tracing.TraceSession(ctx, req.SessionID, req.Key.UserID, req.Key.ProjectID)
	defer span.End()
	defer func() {
		status := "completed"
		if err != nil {
			status = "failed"
		}
		tracing.TraceResult(span, status, err)
	}()

	if req.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, req.Timeout)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.writeAttachments(ctx, h, req.Key, req.Attachments); err != nil {
		return err
	}

	out := &serialSink{sink: sink}
	streamErr := r.streamWithKeepalive(ctx, h, req, out, log)

	if streamErr != nil {
		// Edits made before the failure are still worth keeping.
		r.captureBestEffort(ctx, h, req.Key, log)
		return streamErr
	}

	if err := out.send(ctx, End{}); err != nil {
		log.Warn("consumer left before end event", zap.Error(err))
		r.captureBestEffort(ctx, h, req.Key, log)
		return err
	}

	captureCtx, cancelCapture := appctx.Detached(ctx, constants.CaptureTimeout)
	defer cancelCapture()
	if err := r.Capture(captureCtx, h, req.Key); err != nil {
		log.Error("session capture failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}
	log.Info("session completed")
	return nil
}

// streamWithKeepalive runs the agent process and the keepalive ticker as two
// tasks sharing one cancellation signal. The ticker stops when the stream does.
func (r *Relay) streamWithKeepalive(ctx context.Context, h sandbox.Handle, req Request, out *serialSink, log *logger.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	streamDone := make(chan struct{})

	g.Go(func() error {
		ticker := time.NewTicker(r.cfg.Keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-streamDone:
				return nil
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := out.send(gctx, Ping{}); err != nil {
					return err
				}
				r.observer.KeepaliveSent()
			}
		}
	})

	g.Go(func() error {
		defer close(streamDone)
		return r.stream(gctx, h, req, out, log)
	})

	return g.Wait()
}

func (r *Relay) stream(ctx context.Context, h sandbox.Handle, req Request, out *serialSink, log *logger.Logger) error {
	var buf LineBuffer
	var sinkErr error
	w := writerFunc(func(p []byte) (int, error) {
		if sinkErr != nil {
			return 0, sinkErr
		}
		for _, line := range buf.Write(p) {
			if err := r.handleLine(ctx, line, out, log); err != nil {
				sinkErr = err
				return 0, err
			}
		}
		return len(p), nil
	})

	cmd := sandbox.Command{Script: r.agentScript(req), Env: r.agentEnv(req.Key)}
	runErr := h.Stream(ctx, cmd, w)
	if runErr != nil && (sinkErr != nil || ctx.Err() != nil) {
		// Dropping the stream does not end the process inside the environment.
		r.stopAgent(ctx, h, req.Key, log)
	}
	if sinkErr != nil {
		return sinkErr
	}

	var ce *sandbox.CommandError
	switch {
	case runErr == nil, errors.As(runErr, &ce):
		// The process ended on its own; deliver whatever it left unterminated.
		if tail, ok := buf.Flush(); ok {
			if err := r.handleLine(ctx, tail, out, log); err != nil {
				return err
			}
		}
	}

	if runErr == nil {
		return nil
	}
	if ce != nil {
		log.Error("agent process exited with error",
			zap.Int("exit_code", ce.ExitCode),
			zap.String("stderr", ce.Stderr))
	} else {
		log.Error("agent process failed", zap.Error(runErr))
	}
	return fmt.Errorf("%w: %w", ErrProcessFailed, runErr)
}

func (r *Relay) handleLine(ctx context.Context, line string, out *serialSink, log *logger.Logger) error {
	parsed, err := ParseLine(line)
	if err != nil {
		r.observer.LineDropped()
		log.Warn("dropping malformed agent output line", zap.Int("length", len(line)))
		return nil
	}
	for _, item := range parsed.Progress {
		log.Debug("agent progress", zap.String("todo", item.Content), zap.String("status", item.Status))
	}
	for _, ev := range parsed.Events {
		if err := out.send(ctx, ev); err != nil {
			return err
		}
		if _, ok := ev.(Question); ok {
			r.observer.QuestionForwarded()
		}
	}
	return nil
}

func (r *Relay) agentScript(req Request) string {
	return sandbox.InDir(r.cfg.AgentDir, sandbox.RecordPID(r.cfg.Layout.AgentPIDFile(req.Key),
		r.cfg.AgentCommand+" "+sandbox.Shell(req.Message, "--cwd", r.cfg.Layout.AppDir(req.Key))))
}

// agentEnv tells the agent where answers and attachments for its project land.
func (r *Relay) agentEnv(k project.Key) map[string]string {
	return map[string]string{
		AnswersDirEnv:     r.cfg.Layout.AnswersDir(k),
		AttachmentsDirEnv: r.cfg.Layout.AttachmentsDir(k),
	}
}

func (r *Relay) stopAgent(ctx context.Context, h sandbox.Handle, k project.Key, log *logger.Logger) {
	stopCtx, cancel := appctx.Detached(ctx, constants.AgentStopTimeout)
	defer cancel()
	if _, err := h.Run(stopCtx, sandbox.Command{Script: sandbox.Terminate(r.cfg.Layout.AgentPIDFile(k))}); err != nil {
		log.Warn("failed to stop agent process", zap.Error(err))
		return
	}
	log.Info("agent process stopped")
}

func (r *Relay) captureBestEffort(ctx context.Context, h sandbox.Handle, k project.Key, log *logger.Logger) {
	captureCtx, cancel := appctx.Detached(ctx, constants.CaptureTimeout)
	defer cancel()
	if err := r.Capture(captureCtx, h, k); err != nil {
		log.Warn("best-effort capture failed", zap.Error(err))
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
