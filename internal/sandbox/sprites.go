package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/common/constants"
	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/project"
)

const (
	spritesNamePrefix     = "sbx-"
	spritesRequestTimeout = 30 * time.Second
	serveLogPath          = "/tmp/serve.log"
)

// SpritesConfig configures the Sprites backend.
type SpritesConfig struct {
	Token       string
	URLTemplate string // "{name}" is replaced by the sprite name
}

// SpritesBackend runs environments as remote Sprites. A sprite's name is derived
// from the project key, which stands in for tags since names are unique.
type SpritesBackend struct {
	client *sprites.Client
	cfg    SpritesConfig
	logger *logger.Logger
}

// NewSpritesBackend creates a Sprites client.
func NewSpritesBackend(cfg SpritesConfig, log *logger.Logger) (*SpritesBackend, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("sprites token not configured")
	}
	return &SpritesBackend{
		client: sprites.New(cfg.Token, sprites.WithDisableControl()),
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "sprites-backend")),
	}, nil
}

// Close releases the client.
func (b *SpritesBackend) Close() error {
	return b.client.Close()
}

func spriteName(k project.Key) string {
	return spritesNamePrefix + k.Hash()
}

// Find implements Backend.
func (b *SpritesBackend) Find(ctx context.Context, k project.Key) (Handle, error) {
	reqCtx, cancel := context.WithTimeout(ctx, spritesRequestTimeout)
	defer cancel()

	name := spriteName(k)
	list, err := b.client.ListSprites(reqCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list sprites: %w", err)
	}
	for _, s := range list.Sprites {
		if s.Name == name {
			return b.handle(name, nil), nil
		}
	}
	return nil, ErrNotFound
}

// Create implements Backend. Sprites are created lazily by their first command.
func (b *SpritesBackend) Create(ctx context.Context, k project.Key, opts CreateOptions) (Handle, error) {
	name := spriteName(k)
	h := b.handle(name, opts.Env)

	b.logger.Info("creating sprite",
		zap.String("sprite_name", name),
		zap.String("user_id", k.UserID),
		zap.String("project_id", k.ProjectID))

	stepCtx, cancel := context.WithTimeout(ctx, constants.SandboxCreateTimeout)
	defer cancel()
	res, err := h.Run(stepCtx, Command{Script: "echo sandbox-ready"})
	if err != nil {
		return nil, fmt.Errorf("sprite initialization failed: %w", err)
	}
	if !strings.Contains(res.Stdout, "sandbox-ready") {
		return nil, fmt.Errorf("sprite initialization returned unexpected output")
	}
	if len(opts.Env) > 0 {
		if err := h.persistEnv(stepCtx, opts.Env); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Destroy implements Backend.
func (b *SpritesBackend) Destroy(ctx context.Context, k project.Key) error {
	if _, err := b.Find(ctx, k); err != nil {
		return err
	}
	if err := b.client.Sprite(spriteName(k)).Destroy(); err != nil {
		return fmt.Errorf("failed to destroy sprite: %w", err)
	}
	return nil
}

func (b *SpritesBackend) handle(name string, env map[string]string) *spriteHandle {
	return &spriteHandle{
		name:   name,
		sprite: b.client.Sprite(name),
		env:    env,
		urlTpl: b.cfg.URLTemplate,
		logger: b.logger.WithFields(zap.String("sprite_name", name)),
	}
}

type spriteHandle struct {
	name   string
	sprite *sprites.Sprite
	env    map[string]string
	urlTpl string
	logger *logger.Logger
}

func (h *spriteHandle) ID() string { return h.name }

func (h *spriteHandle) command(ctx context.Context, cmd Command) *sprites.Cmd {
	c := h.sprite.CommandContext(ctx, "bash", "-lc", cmd.Script)
	env := make(map[string]string, len(h.env)+len(cmd.Env))
	for k, v := range h.env {
		env[k] = v
	}
	for k, v := range cmd.Env {
		env[k] = v
	}
	if len(env) > 0 {
		c.Env = envList(env)
	}
	return c
}

// persistEnv writes create-time env into the login profile so later sessions,
// which look the sprite up fresh, still see it.
func (h *spriteHandle) persistEnv(ctx context.Context, env map[string]string) error {
	var b strings.Builder
	for _, kv := range envList(env) {
		parts := strings.SplitN(kv, "=", 2)
		fmt.Fprintf(&b, "export %s=%s\n", parts[0], Shell(parts[1]))
	}
	return h.WriteFile(ctx, "/etc/profile.d/sandboxd.sh", []byte(b.String()), 0o644)
}

func (h *spriteHandle) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	var stdout, stderr bytes.Buffer
	c := h.command(ctx, cmd)
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Start()
	if err == nil {
		err = c.Wait()
	}
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		code := ExitCode(err)
		if code < 0 {
			return res, fmt.Errorf("sprite command failed: %w", err)
		}
		res.ExitCode = code
		return res, &CommandError{ExitCode: code, Stderr: res.Stderr}
	}
	return res, nil
}

func (h *spriteHandle) Start(ctx context.Context, cmd Command) error {
	_, err := h.Run(ctx, Command{Script: Detached(cmd.Script, serveLogPath), Env: cmd.Env})
	return err
}

func (h *spriteHandle) Stream(ctx context.Context, cmd Command, w io.Writer) error {
	var stderr bytes.Buffer
	c := h.command(ctx, cmd)
	c.Stdout = w
	c.Stderr = &stderr

	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start sprite command: %w", err)
	}
	if err := c.Wait(); err != nil {
		if code := ExitCode(err); code >= 0 {
			return &CommandError{ExitCode: code, Stderr: stderr.String()}
		}
		return fmt.Errorf("sprite command failed: %w", err)
	}
	return nil
}

func (h *spriteHandle) WriteFile(ctx context.Context, p string, data []byte, mode os.FileMode) error {
	c := h.command(ctx, Command{Script: writeFileScript(p, mode)})
	stdin, err := c.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start upload: %w", err)
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write file data: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("failed to close stdin: %w", err)
	}
	if err := c.Wait(); err != nil {
		return fmt.Errorf("upload to %s failed: %w", p, err)
	}
	return nil
}

func (h *spriteHandle) ReadFile(ctx context.Context, p string) ([]byte, error) {
	out, err := h.sprite.CommandContext(ctx, "bash", "-lc", readFileScript(p)).Output()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return out, nil
}

func (h *spriteHandle) Exists(ctx context.Context, p string) (bool, error) {
	_, err := h.Run(ctx, Command{Script: existsScript(p)})
	if err == nil {
		return true, nil
	}
	if ExitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

func (h *spriteHandle) PublicURL(_ context.Context, port int) (string, error) {
	if h.urlTpl == "" {
		return "", fmt.Errorf("sprites url template not configured")
	}
	url := strings.ReplaceAll(h.urlTpl, "{name}", h.name)
	url = strings.ReplaceAll(url, "{port}", fmt.Sprintf("%d", port))
	return url, nil
}
