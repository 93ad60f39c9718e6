// Package sandbox abstracts the isolated execution environments that run the
// agent and the project's dev server.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/reeloly/sandboxd/internal/project"
)

// ErrNotFound is returned by Backend.Find when no environment carries the key's tags.
var ErrNotFound = errors.New("no environment found")

// Command is a shell script executed inside an environment.
type Command struct {
	Script string
	Env    map[string]string
}

// CommandResult is the captured output of a finished command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandError reports a command that exited non-zero. Stderr is for server-side
// logs only.
type CommandError struct {
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.ExitCode)
}

// CreateOptions configures a new environment.
type CreateOptions struct {
	Env map[string]string
}

// Backend finds and creates environments by project key.
//
// Implementations never cache handles across calls; an environment's process may
// restart independently, so callers look it up fresh each time.
type Backend interface {
	Find(ctx context.Context, k project.Key) (Handle, error)
	Create(ctx context.Context, k project.Key, opts CreateOptions) (Handle, error)
	Destroy(ctx context.Context, k project.Key) error
}

// Handle is a reference to one running environment.
type Handle interface {
	ID() string
	// Run executes cmd to completion. A non-zero exit is a *CommandError.
	Run(ctx context.Context, cmd Command) (CommandResult, error)
	// Start launches cmd detached and returns once it is running.
	Start(ctx context.Context, cmd Command) error
	// Stream executes cmd to completion, writing stdout chunks to w as they arrive.
	Stream(ctx context.Context, cmd Command, w io.Writer) error
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	PublicURL(ctx context.Context, port int) (string, error)
}

// FindOrCreate returns the environment for k, creating one if none exists.
func FindOrCreate(ctx context.Context, b Backend, k project.Key, opts CreateOptions) (Handle, bool, error) {
	h, err := b.Find(ctx, k)
	if err == nil {
		return h, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	h, err = b.Create(ctx, k, opts)
	if err != nil {
		return nil, false, err
	}
	return h, true, nil
}

// ExitCode extracts the exit status from err, or -1 when err carries none.
func ExitCode(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return -1
}
