package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/reeloly/sandboxd/internal/common/errors"
	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/events"
	"github.com/reeloly/sandboxd/internal/events/bus"
	"github.com/reeloly/sandboxd/internal/lock"
	"github.com/reeloly/sandboxd/internal/project"
	"github.com/reeloly/sandboxd/internal/reconcile"
	"github.com/reeloly/sandboxd/internal/relay"
	"github.com/reeloly/sandboxd/internal/sandbox"
	"github.com/reeloly/sandboxd/internal/sandbox/sandboxtest"
	"github.com/reeloly/sandboxd/internal/storage"
)

var testKey = project.Key{UserID: "u1", ProjectID: "p1"}

var testLayout = project.Layout{
	User:               "user",
	HomeDir:            "/home/user",
	MountPoint:         "/mnt",
	ConfigDirName:      ".claude",
	AnswersDirName:     ".answers",
	AttachmentsDirName: "attachments",
}

// memLocker is a lease table shared by every Service in a test, counting
// acquisitions and releases.
type memLocker struct {
	mu       sync.Mutex
	held     map[string]string
	acquires int
	releases int
	err      error
}

func newMemLocker() *memLocker { return &memLocker{held: map[string]string{}} }

func (l *memLocker) Acquire(_ context.Context, key string, d time.Duration) (*lock.Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, &lock.ServiceError{Op: "acquire", Err: l.err}
	}
	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	lease := &lock.Lease{Key: key, OwnerToken: key + "-owner", ExpiresAt: time.Now().Add(d)}
	l.held[key] = lease.OwnerToken
	l.acquires++
	return lease, true, nil
}

func (l *memLocker) Release(_ context.Context, lease *lock.Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	if l.held[lease.Key] == lease.OwnerToken {
		delete(l.held, lease.Key)
	}
	return nil
}

func (l *memLocker) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquires, l.releases
}

type collectingSink struct {
	mu     sync.Mutex
	events []relay.Event
}

func (s *collectingSink) Send(_ context.Context, e relay.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e.Event)
	return nil
}

func (s *collectingSink) all() []relay.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relay.Event(nil), s.events...)
}

type fixture struct {
	svc     *Service
	backend *sandboxtest.Backend
	store   *storage.MemoryStore
	locker  *memLocker
	bus     *bus.MemoryEventBus
}

// newFixture wires a Service over fakes. prepare runs on every new handle
// before the default script, so its rules take precedence.
func newFixture(t *testing.T, cfg Config, prepare func(h *sandboxtest.Handle)) *fixture {
	t.Helper()
	log := logger.NewNop()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), project.TemplateSnapshotObject(), []byte("template-bundle"), ""))
	snapshots := storage.NewSnapshots(store, project.TierDev, log)

	backend := sandboxtest.NewBackend()
	backend.NewHandle = func(k project.Key) *sandboxtest.Handle {
		h := sandboxtest.NewHandle("sbx-" + k.ProjectID)
		if prepare != nil {
			prepare(h)
		}
		scriptEnvironment(h, k)
		return h
	}

	reconciler := reconcile.New(reconcile.Config{
		Layout:         testLayout,
		Mount:          reconcile.MountConfig{Endpoint: "acct.r2.example.com", UseSSL: true, Bucket: "projects", AccessKeyID: "ak", SecretAccessKey: "sk"},
		InstallCommand: "bun install",
		ServeCommand:   "bun run vite --port 8080",
		Port:           8080,
	}, snapshots, nil, log)
	rel := relay.New(relay.Config{
		Layout:       testLayout,
		AgentDir:     "/home/user/agent",
		AgentCommand: "bun run start",
		Keepalive:    time.Hour,
	}, snapshots, nil, log)

	if cfg.ProbeAttempts == 0 {
		cfg.ProbeAttempts = 3
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = time.Millisecond
	}
	cfg.AgentEnv = map[string]string{"ANTHROPIC_API_KEY": "test-key"}

	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	locker := newMemLocker()
	svc := New(cfg, Dependencies{
		Backend:    backend,
		Locker:     locker,
		Reconciler: reconciler,
		Relay:      rel,
		Publisher:  events.NewPublisher(b, "test", log),
	}, log)
	return &fixture{svc: svc, backend: backend, store: store, locker: locker, bus: b}
}

// scriptEnvironment makes h behave like an unmounted environment whose git
// commands update a simulated checkout and whose dev server answers.
func scriptEnvironment(h *sandboxtest.Handle, k project.Key) {
	appDir := testLayout.AppDir(k)
	checkout := func(sandbox.Command) (sandbox.CommandResult, error) {
		bundle, _ := h.File(testLayout.BundlePath(k))
		h.MarkExists(appDir + "/.git")
		h.SetFile(appDir+"/HEAD", bundle)
		return sandbox.CommandResult{}, nil
	}
	h.On("git clone", checkout)
	h.On("git fetch", checkout)
	h.On("grep -qs", func(sandbox.Command) (sandbox.CommandResult, error) {
		return sandbox.CommandResult{Stdout: "not_mounted\n"}, nil
	})
	h.On("lsof", func(sandbox.Command) (sandbox.CommandResult, error) {
		return sandbox.CommandResult{Stdout: "not_running\n"}, nil
	})
	h.On("curl", func(sandbox.Command) (sandbox.CommandResult, error) {
		return sandbox.CommandResult{Stdout: "200"}, nil
	})
}

func countRuns(h *sandboxtest.Handle, substr string) int {
	n := 0
	for _, c := range h.Commands() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func TestEnsureWarmWithoutSnapshotSeedsFromTemplate(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	var mu sync.Mutex
	var seen []string
	_, err := f.bus.Subscribe(events.AllWarm, func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
		return nil
	})
	require.NoError(t, err)

	status, err := f.svc.EnsureWarm(context.Background(), "u1", "p1")
	require.NoError(t, err)

	assert.True(t, status.IsWarm)
	assert.True(t, status.Ready)
	assert.True(t, status.Created)
	assert.Equal(t, "https://sbx-p1.sandbox.test", status.PreviewURL)

	h := f.backend.Handle(testKey)
	require.NotNil(t, h)
	head, ok := h.File("/home/user/p1/HEAD")
	require.True(t, ok)
	assert.Equal(t, "template-bundle", string(head), "template snapshot is cloned into the project path")
	assert.Equal(t, "test-key", h.CreateEnv["ANTHROPIC_API_KEY"])

	snap, err := f.store.Get(context.Background(), testKey.SnapshotObject(project.TierDev))
	require.NoError(t, err)
	assert.Equal(t, "template-bundle", string(snap))

	acquires, releases := f.locker.counts()
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 1, releases)

	f.bus.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{events.WarmStarted, events.WarmCompleted}, seen)
}

func TestEnsureWarmReusesExistingEnvironment(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	_, err := f.svc.EnsureWarm(ctx, "u1", "p1")
	require.NoError(t, err)
	status, err := f.svc.EnsureWarm(ctx, "u1", "p1")
	require.NoError(t, err)

	assert.True(t, status.IsWarm)
	assert.False(t, status.Created)
	assert.Equal(t, 1, f.backend.Creates)
	assert.Equal(t, 1, countRuns(f.backend.Handle(testKey), "git fetch"), "second warm-up resets to the snapshot")
}

func TestConcurrentEnsureWarmReportsInitializing(t *testing.T) {
	installing := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := newFixture(t, Config{}, func(h *sandboxtest.Handle) {
		h.On("bun install", func(sandbox.Command) (sandbox.CommandResult, error) {
			once.Do(func() { close(installing) })
			<-release
			return sandbox.CommandResult{}, nil
		})
	})
	ctx := context.Background()

	type result struct {
		status WarmStatus
		err    error
	}
	first := make(chan result, 1)
	go func() {
		st, err := f.svc.EnsureWarm(ctx, "u1", "p1")
		first <- result{st, err}
	}()

	select {
	case <-installing:
	case <-time.After(5 * time.Second):
		t.Fatal("first warm-up never reached install")
	}

	second, err := f.svc.EnsureWarm(ctx, "u1", "p1")
	require.NoError(t, err, "contention is not an error")
	assert.False(t, second.IsWarm)
	assert.Equal(t, CodeInitializing, second.Code)
	assert.True(t, second.Retryable())

	close(release)
	res := <-first
	require.NoError(t, res.err)
	assert.True(t, res.status.IsWarm)

	assert.Equal(t, 1, f.backend.Creates)
	assert.Equal(t, 1, countRuns(f.backend.Handle(testKey), "bun install"), "no second reconciliation")
	acquires, releases := f.locker.counts()
	assert.Equal(t, acquires, releases)
}

func TestEnsureWarmReleasesLockOnStageFailure(t *testing.T) {
	f := newFixture(t, Config{}, func(h *sandboxtest.Handle) {
		h.On("bun install", func(sandbox.Command) (sandbox.CommandResult, error) {
			return sandbox.CommandResult{}, &sandbox.CommandError{ExitCode: 1, Stderr: "npm ERR! token=secret"}
		})
	})

	status, err := f.svc.EnsureWarm(context.Background(), "u1", "p1")
	require.Error(t, err)
	assert.Equal(t, CodeReconcileFailed, status.Code)
	assert.Equal(t, string(reconcile.StageInstall), status.Stage)
	assert.NotContains(t, status.Error, "secret")
	assert.Equal(t, 500, apperrors.GetHTTPStatus(err))
	assert.Empty(t, f.backend.Handle(testKey).Started(), "start never follows a failed install")

	acquires, releases := f.locker.counts()
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 1, releases)

	// The key is free again.
	_, ok, err := f.locker.Acquire(context.Background(), testKey.LockKey(), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnsureWarmLockServiceFailure(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.locker.err = errors.New("connection refused")

	status, err := f.svc.EnsureWarm(context.Background(), "u1", "p1")
	require.Error(t, err)
	assert.Equal(t, CodeLockUnavailable, status.Code)
	assert.NotEqual(t, CodeInitializing, status.Code, "service failure is not contention")
	assert.Equal(t, 503, apperrors.GetHTTPStatus(err))
	assert.Zero(t, f.backend.Creates)
}

func TestEnsureWarmRejectsUnsafeIdentifiers(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	status, err := f.svc.EnsureWarm(context.Background(), "u1", "p1; rm -rf /")
	require.Error(t, err)
	assert.Equal(t, CodeInvalidInput, status.Code)
	assert.Equal(t, 400, apperrors.GetHTTPStatus(err))
	acquires, _ := f.locker.counts()
	assert.Zero(t, acquires)
	assert.Zero(t, f.backend.Finds)
}

func TestEnsureWarmProbeTimeout(t *testing.T) {
	silent := func(h *sandboxtest.Handle) {
		h.On("curl", func(sandbox.Command) (sandbox.CommandResult, error) {
			return sandbox.CommandResult{Stdout: "000999"}, nil
		})
	}

	t.Run("optimistic by default", func(t *testing.T) {
		f := newFixture(t, Config{}, silent)
		status, err := f.svc.EnsureWarm(context.Background(), "u1", "p1")
		require.NoError(t, err)
		assert.True(t, status.IsWarm)
		assert.False(t, status.Ready)
		assert.NotEmpty(t, status.PreviewURL)
	})

	t.Run("not ready when required", func(t *testing.T) {
		f := newFixture(t, Config{RequireReady: true}, silent)
		status, err := f.svc.EnsureWarm(context.Background(), "u1", "p1")
		require.NoError(t, err)
		assert.False(t, status.IsWarm)
		assert.Equal(t, CodeNotReady, status.Code)
		assert.True(t, status.Retryable())
	})
}

func TestSendMessageWithoutEnvironment(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	sink := &collectingSink{}

	err := f.svc.SendMessage(context.Background(), "u1", "p1", MessageRequest{Message: "hi"}, sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrNotFound)
	_, msg, kind := apperrors.Public(err)
	assert.Equal(t, "no environment found", msg)
	assert.Equal(t, CodeNoEnvironment, kind)
	assert.Equal(t, 404, apperrors.GetHTTPStatus(err))

	assert.Zero(t, f.backend.Creates, "send never creates an environment")
	acquires, _ := f.locker.counts()
	assert.Zero(t, acquires, "no reconciliation attempted")
	assert.Empty(t, sink.all())
}

func TestQuestionThenAnswers(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	h := sandboxtest.NewHandle("sbx-p1")
	h.OnStream(func(_ context.Context, _ sandbox.Command, w io.Writer) error {
		_, err := io.WriteString(w, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"AskUserQuestion","input":{"questions":[{"question":"Ship it?","options":[{"label":"yes"},{"label":"no"}]}]}}]}}`+"\n")
		return err
	})
	f.backend.Add(testKey, h)
	sink := &collectingSink{}

	require.NoError(t, f.svc.SendMessage(context.Background(), "u1", "p1", MessageRequest{Message: "deploy"}, sink))

	got := sink.all()
	require.NotEmpty(t, got)
	q, ok := got[0].(relay.Question)
	require.True(t, ok)
	assert.Equal(t, "t1", q.ToolUseID)
	assert.Equal(t, relay.End{}, got[len(got)-1])

	p, err := f.svc.SubmitAnswers(context.Background(), "u1", "p1", "t1", map[string]string{"q1": "yes"})
	require.NoError(t, err)
	assert.Equal(t, "/home/user/.answers/p1/t1.json", p)

	data, ok := h.File(p)
	require.True(t, ok)
	var doc relay.AnswerFile
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, map[string]string{"q1": "yes"}, doc.Answers)
}

func TestSendMessageProcessFailureReportsErrorEvent(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	h := sandboxtest.NewHandle("sbx-p1")
	h.OnStream(func(_ context.Context, _ sandbox.Command, w io.Writer) error {
		_, _ = io.WriteString(w, "working...\n")
		return &sandbox.CommandError{ExitCode: 2, Stderr: "stack trace"}
	})
	f.backend.Add(testKey, h)
	sink := &collectingSink{}

	err := f.svc.SendMessage(context.Background(), "u1", "p1", MessageRequest{Message: "go"}, sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, relay.ErrProcessFailed)

	got := sink.all()
	require.Len(t, got, 2)
	assert.Equal(t, relay.Delta{Text: "working..."}, got[0], "delivered output is not rolled back")
	assert.Equal(t, relay.Error{Code: CodeProcessFailed, Message: "agent process failed"}, got[1])
}

func TestSendMessageValidatesInput(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.backend.Add(testKey, sandboxtest.NewHandle("sbx-p1"))
	ctx := context.Background()

	err := f.svc.SendMessage(ctx, "u1", "p1", MessageRequest{Message: "  "}, &collectingSink{})
	assert.True(t, apperrors.IsBadRequest(err))

	err = f.svc.SendMessage(ctx, "u1", "p1", MessageRequest{Message: "x", Attachments: []relay.Attachment{{Name: "a", Data: "%%"}}}, &collectingSink{})
	assert.ErrorIs(t, err, relay.ErrInvalidAttachment)
	assert.Equal(t, 400, apperrors.GetHTTPStatus(err))
}

func TestSubmitAnswersWithoutEnvironment(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	_, err := f.svc.SubmitAnswers(context.Background(), "u1", "p1", "t1", map[string]string{"q1": "yes"})
	assert.ErrorIs(t, err, sandbox.ErrNotFound)
	assert.Zero(t, f.backend.Creates)

	_, err = f.svc.SubmitAnswers(context.Background(), "u1", "p1", "../t1", nil)
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestDestroy(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.backend.Add(testKey, sandboxtest.NewHandle("sbx-p1"))

	require.NoError(t, f.svc.Destroy(context.Background(), "u1", "p1"))
	assert.Nil(t, f.backend.Handle(testKey))
	err := f.svc.Destroy(context.Background(), "u1", "p1")
	assert.ErrorIs(t, err, sandbox.ErrNotFound)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestEnsureWarmBoundsEnvironmentCreation(t *testing.T) {
	f := newFixture(t, Config{CreateTimeout: 20 * time.Millisecond}, nil)
	f.backend.BeforeCreate = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	start := time.Now()
	status, err := f.svc.EnsureWarm(context.Background(), "u1", "p1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, CodeSandboxUnavailable, status.Code)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquires, releases := f.locker.counts()
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 1, releases)
}
