package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/project"
	"github.com/reeloly/sandboxd/internal/sandbox"
)

const (
	notMounted        = "not_mounted"
	notRunning        = "not_running"
	configArchivePath = "/tmp/agent-config.tar.gz"
	snapshotBranch    = "main"
)

func asCommandError(err error) (*sandbox.CommandError, bool) {
	var ce *sandbox.CommandError
	ok := errors.As(err, &ce)
	return ce, ok
}

// attach mounts the storage bucket at the mount point unless already mounted.
func (r *Reconciler) attach(ctx context.Context, h sandbox.Handle) (bool, error) {
	mount := r.cfg.Layout.MountPoint
	check := sandbox.Shell("grep", "-qs", " "+mount+" ", "/proc/mounts") + " || echo " + notMounted
	res, err := h.Run(ctx, sandbox.Command{Script: check})
	if err != nil {
		return false, fmt.Errorf("check mount: %w", err)
	}
	if !strings.Contains(res.Stdout, notMounted) {
		return false, nil
	}

	m := r.cfg.Mount
	cred := r.cfg.Layout.CredentialFile()
	if err := h.WriteFile(ctx, cred, []byte(m.AccessKeyID+":"+m.SecretAccessKey), 0o600); err != nil {
		return false, fmt.Errorf("write mount credentials: %w", err)
	}

	user := sandbox.Shell(r.cfg.Layout.User)
	mountCmd := sandbox.And(
		sandbox.Shell("sudo", "mkdir", "-p", mount),
		sandbox.Shell("sudo", "s3fs", m.Bucket, mount,
			"-o", "url="+m.URL(),
			"-o", "passwd_file="+cred,
			"-o", "allow_other",
			"-o", "umask=0022")+
			fmt.Sprintf(" -o uid=$(id -u %s) -o gid=$(id -g %s)", user, user),
	)
	if _, err := h.Run(ctx, sandbox.Command{Script: mountCmd}); err != nil {
		return false, fmt.Errorf("mount storage: %w", err)
	}
	return true, nil
}

// syncConfig restores the agent config directory from its archive when it is
// missing locally. A missing archive means there is nothing to sync yet.
func (r *Reconciler) syncConfig(ctx context.Context, h sandbox.Handle, k project.Key) (bool, error) {
	dir := r.cfg.Layout.ConfigDir()
	exists, err := h.Exists(ctx, dir)
	if err != nil {
		return false, fmt.Errorf("check config dir: %w", err)
	}
	if exists {
		return false, nil
	}

	data, ok, err := r.snapshots.ConfigArchive(ctx, k)
	if err != nil {
		return false, fmt.Errorf("fetch config archive: %w", err)
	}
	if !ok {
		return false, nil
	}

	if err := h.WriteFile(ctx, configArchivePath, data, 0o644); err != nil {
		return false, fmt.Errorf("upload config archive: %w", err)
	}
	extract := sandbox.And(
		sandbox.Shell("mkdir", "-p", dir),
		sandbox.Shell("tar", "-xzf", configArchivePath, "-C", dir),
		sandbox.Shell("rm", "-f", configArchivePath),
	)
	if _, err := h.Run(ctx, sandbox.Command{Script: extract}); err != nil {
		return false, fmt.Errorf("extract config archive: %w", err)
	}
	return true, nil
}

// materialize forces the working tree to match the latest snapshot. It clones
// when no repository exists and otherwise fetches and hard-resets, discarding
// local changes. Running it twice leaves the same tree as running it once.
func (r *Reconciler) materialize(ctx context.Context, h sandbox.Handle, k project.Key) (seeded, cloned bool, err error) {
	seeded, err = r.snapshots.EnsureSnapshot(ctx, k)
	if err != nil {
		return false, false, fmt.Errorf("ensure snapshot: %w", err)
	}
	bundle, err := r.snapshots.Bundle(ctx, k)
	if err != nil {
		return seeded, false, fmt.Errorf("fetch snapshot: %w", err)
	}

	bundlePath := r.cfg.Layout.BundlePath(k)
	if err := h.WriteFile(ctx, bundlePath, bundle, 0o644); err != nil {
		return seeded, false, fmt.Errorf("upload snapshot: %w", err)
	}

	appDir := r.cfg.Layout.AppDir(k)
	hasRepo, err := h.Exists(ctx, path.Join(appDir, ".git"))
	if err != nil {
		return seeded, false, fmt.Errorf("check working tree: %w", err)
	}

	var script string
	if hasRepo {
		// checkout -f also replaces local edits and untracked files in the way;
		// reset and clean then drop whatever is left.
		script = sandbox.InDir(appDir, sandbox.And(
			sandbox.Shell("git", "fetch", "--force", bundlePath, "refs/heads/*:refs/remotes/snapshot/*"),
			sandbox.Shell("git", "checkout", "-f", "-B", snapshotBranch, "snapshot/"+snapshotBranch),
			sandbox.Shell("git", "reset", "--hard", "snapshot/"+snapshotBranch),
			sandbox.Shell("git", "clean", "-fd"),
		))
	} else {
		// Without .git the directory holds nothing worth keeping, and clone
		// refuses a non-empty target. Verifying needs a repository, so it runs
		// in the new clone.
		script = sandbox.And(
			sandbox.Shell("rm", "-rf", appDir),
			sandbox.Shell("git", "clone", "-q", "--branch", snapshotBranch, bundlePath, appDir),
			sandbox.Shell("git", "-C", appDir, "bundle", "verify", bundlePath),
		)
	}
	if _, err := h.Run(ctx, sandbox.Command{Script: script}); err != nil {
		return seeded, false, fmt.Errorf("materialize working tree: %w", err)
	}
	r.logger.Debug("working tree materialized",
		zap.String("project_id", k.ProjectID),
		zap.Bool("cloned", !hasRepo))
	return seeded, !hasRepo, nil
}

// install runs the dependency install unconditionally.
func (r *Reconciler) install(ctx context.Context, h sandbox.Handle, k project.Key) error {
	script := sandbox.InDir(r.cfg.Layout.AppDir(k), r.cfg.InstallCommand)
	if _, err := h.Run(ctx, sandbox.Command{Script: script}); err != nil {
		return fmt.Errorf("install dependencies: %w", err)
	}
	return nil
}

// startServer launches the dev server detached unless the port is already bound.
func (r *Reconciler) startServer(ctx context.Context, h sandbox.Handle, k project.Key) (bool, error) {
	check := sandbox.Shell("lsof", fmt.Sprintf("-ti:%d", r.cfg.Port)) + " || echo " + notRunning
	res, err := h.Run(ctx, sandbox.Command{Script: check})
	if err != nil {
		return false, fmt.Errorf("check port: %w", err)
	}
	if !strings.Contains(res.Stdout, notRunning) {
		return false, nil
	}

	script := sandbox.InDir(r.cfg.Layout.AppDir(k), r.cfg.ServeCommand)
	if err := h.Start(ctx, sandbox.Command{Script: script}); err != nil {
		return false, fmt.Errorf("start server: %w", err)
	}
	return true, nil
}
