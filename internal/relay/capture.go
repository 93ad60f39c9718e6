package relay

import (
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/project"
	"github.com/reeloly/sandboxd/internal/sandbox"
)

const configArchiveScratch = "/tmp/agent-config.out.tar.gz"

// Capture commits any agent edits on main, bundles the repository and uploads it
// as the project snapshot, then archives and uploads the agent config directory.
func (r *Relay) Capture(ctx context.Context, h sandbox.Handle, k project.Key) error {
	appDir := r.cfg.Layout.AppDir(k)
	bundlePath := path.Join("/tmp", k.ProjectID+".capture.bundle")

	hasRepo, err := h.Exists(ctx, path.Join(appDir, ".git"))
	if err != nil {
		return fmt.Errorf("check working tree: %w", err)
	}
	if hasRepo {
		git := func(args ...string) string {
			return sandbox.Shell(append([]string{"git", "-c", "user.name=sandboxd", "-c", "user.email=sandboxd@localhost", "-c", "commit.gpgsign=false"}, args...)...)
		}
		msg := "Agent session " + time.Now().UTC().Format(time.RFC3339)
		script := sandbox.InDir(appDir, sandbox.And(
			git("add", "-A"),
			"("+git("diff", "--cached", "--quiet")+" || "+git("commit", "-q", "-m", msg)+")",
			// HEAD lets a plain clone of the bundle check out main.
			git("bundle", "create", bundlePath, "HEAD", "main"),
		))
		if _, err := h.Run(ctx, sandbox.Command{Script: script}); err != nil {
			return fmt.Errorf("bundle working tree: %w", err)
		}
		data, err := h.ReadFile(ctx, bundlePath)
		if err != nil {
			return fmt.Errorf("read bundle: %w", err)
		}
		if err := r.snapshots.SaveBundle(ctx, k, data); err != nil {
			return fmt.Errorf("upload bundle: %w", err)
		}
	} else {
		r.logger.Warn("no working tree to capture", zap.String("project_id", k.ProjectID))
	}

	configDir := r.cfg.Layout.ConfigDir()
	hasConfig, err := h.Exists(ctx, configDir)
	if err != nil {
		return fmt.Errorf("check config dir: %w", err)
	}
	if !hasConfig {
		return nil
	}
	archive := sandbox.Shell("tar", "-czf", configArchiveScratch, "-C", configDir, ".")
	if _, err := h.Run(ctx, sandbox.Command{Script: archive}); err != nil {
		return fmt.Errorf("archive config dir: %w", err)
	}
	data, err := h.ReadFile(ctx, configArchiveScratch)
	if err != nil {
		return fmt.Errorf("read config archive: %w", err)
	}
	if err := r.snapshots.SaveConfigArchive(ctx, k, data); err != nil {
		return fmt.Errorf("upload config archive: %w", err)
	}
	return nil
}
