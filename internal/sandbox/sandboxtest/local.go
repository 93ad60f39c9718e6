package sandboxtest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/reeloly/sandboxd/internal/sandbox"
)

// LocalHandle is a sandbox.Handle that runs scripts with the host's bash. Tests
// use it to run generated scripts against real tools such as git.
type LocalHandle struct {
	id  string
	env []string
}

// NewLocalHandle returns a handle over the host. env is added to the
// environment of every command.
func NewLocalHandle(id string, env ...string) *LocalHandle {
	return &LocalHandle{id: id, env: env}
}

func (h *LocalHandle) ID() string { return h.id }

func (h *LocalHandle) command(ctx context.Context, cmd sandbox.Command) *exec.Cmd {
	c := exec.CommandContext(ctx, "bash", "-c", cmd.Script)
	c.Env = append(os.Environ(), h.env...)
	keys := make([]string, 0, len(cmd.Env))
	for k := range cmd.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.Env = append(c.Env, k+"="+cmd.Env[k])
	}
	return c
}

func (h *LocalHandle) Run(ctx context.Context, cmd sandbox.Command) (sandbox.CommandResult, error) {
	var stdout, stderr bytes.Buffer
	c := h.command(ctx, cmd)
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	res := sandbox.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	return res, asCommandError(ctx, err, &res)
}

func (h *LocalHandle) Start(ctx context.Context, cmd sandbox.Command) error {
	c := h.command(context.WithoutCancel(ctx), cmd)
	if err := c.Start(); err != nil {
		return err
	}
	go func() { _ = c.Wait() }()
	return nil
}

func (h *LocalHandle) Stream(ctx context.Context, cmd sandbox.Command, w io.Writer) error {
	var stderr bytes.Buffer
	c := h.command(ctx, cmd)
	c.Stdout = w
	c.Stderr = &stderr
	err := c.Run()
	res := sandbox.CommandResult{Stderr: stderr.String()}
	return asCommandError(ctx, err, &res)
}

func (h *LocalHandle) WriteFile(_ context.Context, p string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, mode)
}

func (h *LocalHandle) ReadFile(_ context.Context, p string) ([]byte, error) {
	return os.ReadFile(p)
}

func (h *LocalHandle) Exists(_ context.Context, p string) (bool, error) {
	_, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (h *LocalHandle) PublicURL(context.Context, int) (string, error) {
	return "http://localhost", nil
}

func asCommandError(ctx context.Context, err error, res *sandbox.CommandResult) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return &sandbox.CommandError{ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return err
}
