package reconcile

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/project"
	"github.com/reeloly/sandboxd/internal/relay"
	"github.com/reeloly/sandboxd/internal/sandbox/sandboxtest"
	"github.com/reeloly/sandboxd/internal/storage"
)

// gitEnv keeps host git configuration out of the scripts under test.
var gitEnv = []string{
	"GIT_CONFIG_NOSYSTEM=1",
	"GIT_CONFIG_GLOBAL=/dev/null",
	"GIT_AUTHOR_NAME=test",
	"GIT_AUTHOR_EMAIL=test@localhost",
	"GIT_COMMITTER_NAME=test",
	"GIT_COMMITTER_EMAIL=test@localhost",
}

func requireGit(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"bash", "git"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s is not installed", bin)
		}
	}
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), gitEnv...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

// mainOnlyBundle builds a repository with one commit on main and bundles only
// refs/heads/main, with no HEAD.
func mainOnlyBundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "seed")

	out := filepath.Join(t.TempDir(), "seed.bundle")
	runGit(t, dir, "bundle", "create", out, "main")
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	return data
}

// localEnv is one environment backed by a temp home directory on the host.
type localEnv struct {
	layout project.Layout
	h      *sandboxtest.LocalHandle
	r      *Reconciler
	relay  *relay.Relay
}

func newLocalEnv(t *testing.T, snapshots *storage.Snapshots) *localEnv {
	t.Helper()
	layout := project.Layout{
		User:               "user",
		HomeDir:            t.TempDir(),
		ConfigDirName:      ".claude",
		AnswersDirName:     ".answers",
		AttachmentsDirName: "attachments",
	}
	log := logger.NewNop()
	return &localEnv{
		layout: layout,
		h:      sandboxtest.NewLocalHandle("local", gitEnv...),
		r:      New(Config{Layout: layout, InstallCommand: "true", ServeCommand: "true", Port: 8080}, snapshots, nil, log),
		relay:  relay.New(relay.Config{Layout: layout, AgentDir: layout.HomeDir, AgentCommand: "true", Keepalive: time.Hour}, snapshots, nil, log),
	}
}

func (e *localEnv) read(t *testing.T, k project.Key, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.layout.AppDir(k), name))
	require.NoError(t, err)
	return string(data)
}

func (e *localEnv) write(t *testing.T, k project.Key, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.layout.AppDir(k), name), []byte(content), 0o644))
}

func TestMaterializeWithRealGit(t *testing.T) {
	requireGit(t)
	ctx := context.Background()

	k := project.Key{UserID: "u1", ProjectID: "git-" + uuid.NewString()}
	t.Cleanup(func() {
		_ = os.Remove(filepath.Join("/tmp", k.ProjectID+".bundle"))
		_ = os.Remove(filepath.Join("/tmp", k.ProjectID+".capture.bundle"))
	})

	store := storage.NewMemoryStore()
	require.NoError(t, store.Put(ctx, project.TemplateSnapshotObject(), mainOnlyBundle(t, map[string]string{"f.txt": "v1"}), ""))
	snapshots := storage.NewSnapshots(store, project.TierDev, logger.NewNop())

	a := newLocalEnv(t, snapshots)
	b := newLocalEnv(t, snapshots)

	t.Run("fresh clone checks out main", func(t *testing.T) {
		seeded, cloned, err := a.r.materialize(ctx, a.h, k)
		require.NoError(t, err)
		assert.True(t, seeded)
		assert.True(t, cloned)
		assert.Equal(t, "v1", a.read(t, k, "f.txt"))
		assert.Equal(t, "main", runGit(t, a.layout.AppDir(k), "rev-parse", "--abbrev-ref", "HEAD"))
	})

	t.Run("rerun without changes", func(t *testing.T) {
		before := runGit(t, a.layout.AppDir(k), "rev-parse", "HEAD")
		_, cloned, err := a.r.materialize(ctx, a.h, k)
		require.NoError(t, err)
		assert.False(t, cloned)
		assert.Equal(t, before, runGit(t, a.layout.AppDir(k), "rev-parse", "HEAD"))
		assert.Equal(t, "v1", a.read(t, k, "f.txt"))
		assert.Empty(t, runGit(t, a.layout.AppDir(k), "status", "--porcelain"))
	})

	t.Run("captured session restores into a new environment", func(t *testing.T) {
		a.write(t, k, "f.txt", "v2")
		a.write(t, k, "new.txt", "added")
		_, err := a.relay.SubmitAnswers(ctx, a.h, k, "t1", map[string]string{"q1": "yes"})
		require.NoError(t, err)
		require.NoError(t, a.relay.Capture(ctx, a.h, k))

		_, cloned, err := b.r.materialize(ctx, b.h, k)
		require.NoError(t, err)
		assert.True(t, cloned)
		assert.Equal(t, "v2", b.read(t, k, "f.txt"))
		assert.Equal(t, "added", b.read(t, k, "new.txt"))

		tracked := runGit(t, b.layout.AppDir(k), "ls-files")
		assert.NotContains(t, tracked, ".answers", "answers never enter a snapshot")
	})

	t.Run("local edits are replaced by a newer snapshot", func(t *testing.T) {
		b.write(t, k, "f.txt", "v3")
		require.NoError(t, b.relay.Capture(ctx, b.h, k))

		a.write(t, k, "f.txt", "uncommitted edit")
		a.write(t, k, "junk.txt", "leftover")
		require.NoError(t, os.MkdirAll(filepath.Join(a.layout.AppDir(k), "scratch"), 0o755))
		a.write(t, k, "scratch/tmp.txt", "leftover")

		_, cloned, err := a.r.materialize(ctx, a.h, k)
		require.NoError(t, err)
		assert.False(t, cloned)
		assert.Equal(t, "v3", a.read(t, k, "f.txt"))
		assert.NoFileExists(t, filepath.Join(a.layout.AppDir(k), "junk.txt"))
		assert.NoDirExists(t, filepath.Join(a.layout.AppDir(k), "scratch"))
		assert.Empty(t, runGit(t, a.layout.AppDir(k), "status", "--porcelain"))
	})
}
