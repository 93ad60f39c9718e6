// Package sandboxtest provides a scripted in-memory sandbox backend for tests.
package sandboxtest

import (
	"context"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/reeloly/sandboxd/internal/project"
	"github.com/reeloly/sandboxd/internal/sandbox"
)

// Responder produces the result of a matched command.
type Responder func(cmd sandbox.Command) (sandbox.CommandResult, error)

// StreamFunc produces the output of a streamed command.
type StreamFunc func(ctx context.Context, cmd sandbox.Command, w io.Writer) error

type rule struct {
	substr string
	fn     Responder
}

// Backend is a fake sandbox.Backend. Environments are keyed by project key.
type Backend struct {
	mu        sync.Mutex
	handles   map[project.Key]*Handle
	Creates   int
	Finds     int
	NewHandle func(k project.Key) *Handle
	// BeforeCreate runs at the start of Create; an error aborts it.
	BeforeCreate func(ctx context.Context) error
}

// NewBackend returns an empty fake backend.
func NewBackend() *Backend {
	return &Backend{handles: make(map[project.Key]*Handle)}
}

// Add registers an existing environment for k.
func (b *Backend) Add(k project.Key, h *Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles[k] = h
}

// Handle returns the environment for k, or nil.
func (b *Backend) Handle(k project.Key) *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles[k]
}

func (b *Backend) Find(_ context.Context, k project.Key) (sandbox.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Finds++
	h, ok := b.handles[k]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	return h, nil
}

func (b *Backend) Create(ctx context.Context, k project.Key, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	if b.BeforeCreate != nil {
		if err := b.BeforeCreate(ctx); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Creates++
	var h *Handle
	if b.NewHandle != nil {
		h = b.NewHandle(k)
	} else {
		h = NewHandle("fake-" + k.Hash())
	}
	h.CreateEnv = opts.Env
	b.handles[k] = h
	return h, nil
}

func (b *Backend) Destroy(_ context.Context, k project.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handles[k]; !ok {
		return sandbox.ErrNotFound
	}
	delete(b.handles, k)
	return nil
}

// Handle is a fake sandbox.Handle that records every command and keeps an
// in-memory filesystem.
type Handle struct {
	mu        sync.Mutex
	id        string
	rules     []rule
	stream    StreamFunc
	files     map[string][]byte
	paths     map[string]bool
	commands  []string
	started   []string
	URL       string
	CreateEnv map[string]string
}

// NewHandle returns a fake environment with no files.
func NewHandle(id string) *Handle {
	return &Handle{
		id:    id,
		files: make(map[string][]byte),
		paths: make(map[string]bool),
		URL:   "https://" + id + ".sandbox.test",
	}
}

// On registers fn for commands whose script contains substr. Earlier rules win.
func (h *Handle) On(substr string, fn Responder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rules = append(h.rules, rule{substr: substr, fn: fn})
}

// OnStream sets the behavior of Stream.
func (h *Handle) OnStream(fn StreamFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stream = fn
}

// MarkExists makes Exists report true for p.
func (h *Handle) MarkExists(p string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paths[p] = true
}

// File returns the contents written to p.
func (h *Handle) File(p string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.files[p]
	return d, ok
}

// SetFile stores a file as if the environment had produced it.
func (h *Handle) SetFile(p string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[p] = data
}

// Commands returns every script run, streamed or started, in order.
func (h *Handle) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// Started returns the scripts launched with Start.
func (h *Handle) Started() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.started...)
}

// Ran reports whether any recorded script contains substr.
func (h *Handle) Ran(substr string) bool {
	for _, c := range h.Commands() {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Run(ctx context.Context, cmd sandbox.Command) (sandbox.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return sandbox.CommandResult{}, err
	}
	h.mu.Lock()
	h.commands = append(h.commands, cmd.Script)
	var fn Responder
	for _, r := range h.rules {
		if strings.Contains(cmd.Script, r.substr) {
			fn = r.fn
			break
		}
	}
	h.mu.Unlock()

	if fn == nil {
		return sandbox.CommandResult{}, nil
	}
	return fn(cmd)
}

func (h *Handle) Start(ctx context.Context, cmd sandbox.Command) error {
	h.mu.Lock()
	h.started = append(h.started, cmd.Script)
	h.mu.Unlock()
	_, err := h.Run(ctx, cmd)
	return err
}

func (h *Handle) Stream(ctx context.Context, cmd sandbox.Command, w io.Writer) error {
	h.mu.Lock()
	h.commands = append(h.commands, cmd.Script)
	fn := h.stream
	h.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, cmd, w)
}

func (h *Handle) WriteFile(ctx context.Context, p string, data []byte, _ os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[p] = append([]byte(nil), data...)
	for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		h.paths[dir] = true
	}
	return nil
}

func (h *Handle) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.files[p]
	if !ok {
		return nil, &sandbox.CommandError{ExitCode: 1, Stderr: "No such file or directory"}
	}
	return append([]byte(nil), d...), nil
}

func (h *Handle) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paths[p] {
		return true, nil
	}
	_, ok := h.files[p]
	return ok, nil
}

func (h *Handle) PublicURL(context.Context, int) (string, error) {
	return h.URL, nil
}
