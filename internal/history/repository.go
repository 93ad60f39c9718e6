// Package history persists warm-up and session runs fed from the event bus.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/events"
	"github.com/reeloly/sandboxd/internal/events/bus"
)

const queueGroup = "history"

// StatusRunning marks a run whose terminal event has not arrived yet.
const StatusRunning = "running"

const schema = `
CREATE TABLE IF NOT EXISTS sandbox_runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	project_id  TEXT NOT NULL,
	status      TEXT NOT NULL,
	code        TEXT NOT NULL DEFAULT '',
	stage       TEXT NOT NULL DEFAULT '',
	preview_url TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	questions   INTEGER NOT NULL DEFAULT 0,
	started_at  BIGINT NOT NULL,
	finished_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_sandbox_runs_project ON sandbox_runs(user_id, project_id, started_at);
`

// Run is one recorded warm-up or agent session.
type Run struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	UserID     string     `json:"userId"`
	ProjectID  string     `json:"projectId"`
	Status     string     `json:"status"`
	Code       string     `json:"code,omitempty"`
	Stage      string     `json:"stage,omitempty"`
	PreviewURL string     `json:"previewUrl,omitempty"`
	Error      string     `json:"-"`
	Questions  int        `json:"questions"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type runRow struct {
	ID         string `db:"id"`
	Kind       string `db:"kind"`
	UserID     string `db:"user_id"`
	ProjectID  string `db:"project_id"`
	Status     string `db:"status"`
	Code       string `db:"code"`
	Stage      string `db:"stage"`
	PreviewURL string `db:"preview_url"`
	Error      string `db:"error"`
	Questions  int    `db:"questions"`
	StartedAt  int64  `db:"started_at"`
	FinishedAt *int64 `db:"finished_at"`
}

func (r runRow) toRun() Run {
	run := Run{
		ID:         r.ID,
		Kind:       r.Kind,
		UserID:     r.UserID,
		ProjectID:  r.ProjectID,
		Status:     r.Status,
		Code:       r.Code,
		Stage:      r.Stage,
		PreviewURL: r.PreviewURL,
		Error:      r.Error,
		Questions:  r.Questions,
		StartedAt:  time.UnixMilli(r.StartedAt).UTC(),
	}
	if r.FinishedAt != nil {
		t := time.UnixMilli(*r.FinishedAt).UTC()
		run.FinishedAt = &t
	}
	return run
}

// Repository stores runs in sqlite or postgres.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	logger *logger.Logger
}

// Provide creates the repository and its schema.
func Provide(writer, reader *sqlx.DB, log *logger.Logger) (*Repository, error) {
	r := &Repository{db: writer, ro: reader, logger: log.WithFields(zap.String("component", "history"))}
	if _, err := writer.Exec(schema); err != nil {
		return nil, fmt.Errorf("history schema init: %w", err)
	}
	return r, nil
}

// Start inserts a running run. A duplicate start is ignored.
func (r *Repository) Start(ctx context.Context, ev events.RunEvent) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sandbox_runs (id, kind, user_id, project_id, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		ev.RunID, ev.Kind, ev.UserID, ev.ProjectID, StatusRunning, ev.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Finish records the terminal state of a run, creating it if its start was never seen.
func (r *Repository) Finish(ctx context.Context, ev events.RunEvent) error {
	at := ev.At.UnixMilli()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sandbox_runs (id, kind, user_id, project_id, status, code, stage, preview_url, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			code = excluded.code,
			stage = excluded.stage,
			preview_url = excluded.preview_url,
			error = excluded.error,
			finished_at = excluded.finished_at`),
		ev.RunID, ev.Kind, ev.UserID, ev.ProjectID, ev.Status, ev.Code, ev.Stage, ev.PreviewURL, ev.Error, at, at)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// CountQuestion increments the question counter of a session run.
func (r *Repository) CountQuestion(ctx context.Context, runID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE sandbox_runs SET questions = questions + 1 WHERE id = ?`), runID)
	if err != nil {
		return fmt.Errorf("count question: %w", err)
	}
	return nil
}

// ListRuns returns the newest runs of one project, newest first.
func (r *Repository) ListRuns(ctx context.Context, userID, projectID string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var rows []runRow
	err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(`
		SELECT id, kind, user_id, project_id, status, code, stage, preview_url, error, questions, started_at, finished_at
		FROM sandbox_runs
		WHERE user_id = ? AND project_id = ?
		ORDER BY started_at DESC, id
		LIMIT ?`), userID, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]Run, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, row.toRun())
	}
	return runs, nil
}

// Handle applies one lifecycle event.
func (r *Repository) Handle(ctx context.Context, e *bus.Event) error {
	var ev events.RunEvent
	if err := e.Decode(&ev); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	if ev.RunID == "" {
		return fmt.Errorf("%s event without run id", e.Type)
	}
	if ev.At.IsZero() {
		ev.At = e.Timestamp
	}
	switch e.Type {
	case events.WarmStarted, events.SessionStarted:
		return r.Start(ctx, ev)
	case events.WarmCompleted, events.WarmFailed, events.WarmContended,
		events.SessionCompleted, events.SessionFailed:
		return r.Finish(ctx, ev)
	case events.SessionQuestion:
		return r.CountQuestion(ctx, ev.RunID)
	default:
		r.logger.Debug("ignoring event", zap.String("event_type", e.Type))
		return nil
	}
}

// Subscribe feeds the repository from the bus. Queue subscriptions keep one
// writer per event when several replicas share a NATS server.
func (r *Repository) Subscribe(b bus.EventBus) (func(), error) {
	var subs []bus.Subscription
	unsubscribe := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}
	for _, subject := range []string{events.AllWarm, events.AllSessions} {
		s, err := b.QueueSubscribe(subject, queueGroup, r.Handle)
		if err != nil {
			unsubscribe()
			return nil, err
		}
		subs = append(subs, s)
	}
	return unsubscribe, nil
}
