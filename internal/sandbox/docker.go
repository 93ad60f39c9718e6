package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/project"
)

const (
	labelManaged   = "sandboxd.managed"
	labelUserID    = "sandboxd.userId"
	labelProjectID = "sandboxd.projectId"

	execPollInterval = 100 * time.Millisecond
)

// DockerConfig configures the Docker backend.
type DockerConfig struct {
	Host        string
	APIVersion  string
	Image       string
	Network     string
	PublishHost string
	Port        int
}

// DockerBackend runs environments as labelled local containers.
type DockerBackend struct {
	cli    *client.Client
	cfg    DockerConfig
	logger *logger.Logger
}

// NewDockerBackend creates a Docker client.
func NewDockerBackend(cfg DockerConfig, log *logger.Logger) (*DockerBackend, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerBackend{
		cli:    cli,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "docker-backend")),
	}, nil
}

// Close closes the Docker client.
func (b *DockerBackend) Close() error {
	return b.cli.Close()
}

func keyLabels(k project.Key) map[string]string {
	labels := map[string]string{labelManaged: "true"}
	for tag, v := range k.Tags() {
		labels["sandboxd."+tag] = v
	}
	return labels
}

// Find implements Backend. With several matching containers the first is used.
func (b *DockerBackend) Find(ctx context.Context, k project.Key) (Handle, error) {
	args := filters.NewArgs()
	for key, value := range keyLabels(k) {
		args.Add("label", fmt.Sprintf("%s=%s", key, value))
	}
	args.Add("status", "running")

	containers, err := b.cli.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return nil, ErrNotFound
	}
	if len(containers) > 1 {
		b.logger.Warn("multiple environments for project, using first",
			zap.String("user_id", k.UserID),
			zap.String("project_id", k.ProjectID),
			zap.Int("count", len(containers)))
	}
	return b.handle(containers[0].ID), nil
}

// Create implements Backend.
func (b *DockerBackend) Create(ctx context.Context, k project.Key, opts CreateOptions) (Handle, error) {
	port := nat.Port(fmt.Sprintf("%d/tcp", b.cfg.Port))
	name := "sandboxd-" + k.Hash()

	containerCfg := &container.Config{
		Image:        b.cfg.Image,
		Cmd:          []string{"sleep", "infinity"},
		Env:          envList(opts.Env),
		Labels:       keyLabels(k),
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	// s3fs needs FUSE inside the container.
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(b.cfg.Network),
		CapAdd:      []string{"SYS_ADMIN"},
		SecurityOpt: []string{"apparmor:unconfined"},
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: b.cfg.PublishHost, HostPort: ""}},
		},
		Resources: container.Resources{
			Devices: []container.DeviceMapping{{
				PathOnHost:        "/dev/fuse",
				PathInContainer:   "/dev/fuse",
				CgroupPermissions: "rwm",
			}},
		},
	}

	b.logger.Info("creating container",
		zap.String("name", name),
		zap.String("image", b.cfg.Image),
		zap.String("user_id", k.UserID),
		zap.String("project_id", k.ProjectID))

	resp, err := b.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return b.handle(resp.ID), nil
}

// Destroy implements Backend.
func (b *DockerBackend) Destroy(ctx context.Context, k project.Key) error {
	h, err := b.Find(ctx, k)
	if err != nil {
		return err
	}
	if err := b.cli.ContainerRemove(ctx, h.ID(), container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (b *DockerBackend) handle(id string) *containerHandle {
	return &containerHandle{
		id:          id,
		cli:         b.cli,
		publishHost: b.cfg.PublishHost,
		logger:      b.logger.WithFields(zap.String("container_id", id)),
	}
}

type containerHandle struct {
	id          string
	cli         *client.Client
	publishHost string
	logger      *logger.Logger
}

func (h *containerHandle) ID() string { return h.id }

// exec runs script, feeding stdin when non-nil and demuxing output into stdout and stderr.
func (h *containerHandle) exec(ctx context.Context, cmd Command, stdin []byte, stdout, stderr io.Writer) (int, error) {
	execResp, err := h.cli.ContainerExecCreate(ctx, h.id, container.ExecOptions{
		Cmd:          []string{"bash", "-lc", cmd.Script},
		Env:          envList(cmd.Env),
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("docker exec create failed: %w", err)
	}

	attach, err := h.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, fmt.Errorf("docker exec attach failed: %w", err)
	}
	defer attach.Close()

	// Close the hijacked connection on cancel so StdCopy cannot block forever.
	stop := context.AfterFunc(ctx, attach.Close)
	defer stop()

	if stdin != nil {
		if _, err := attach.Conn.Write(stdin); err != nil {
			return -1, fmt.Errorf("docker exec stdin write failed: %w", err)
		}
		if err := attach.CloseWrite(); err != nil {
			return -1, fmt.Errorf("docker exec stdin close failed: %w", err)
		}
	}

	if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil && err != io.EOF {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("docker exec output read failed: %w", err)
	}
	return h.waitExecDone(ctx, execResp.ID)
}

func (h *containerHandle) waitExecDone(ctx context.Context, execID string) (int, error) {
	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()

	for {
		ins, err := h.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, fmt.Errorf("docker exec inspect failed: %w", err)
		}
		if !ins.Running {
			return ins.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *containerHandle) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	var stdout, stderr bytes.Buffer
	code, err := h.exec(ctx, cmd, nil, &stdout, &stderr)
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}
	if err != nil {
		return res, err
	}
	if code != 0 {
		return res, &CommandError{ExitCode: code, Stderr: res.Stderr}
	}
	return res, nil
}

func (h *containerHandle) Start(ctx context.Context, cmd Command) error {
	execResp, err := h.cli.ContainerExecCreate(ctx, h.id, container.ExecOptions{
		Cmd:    []string{"bash", "-lc", fmt.Sprintf("exec %s > %s 2>&1", Shell("bash", "-lc", cmd.Script), serveLogPath)},
		Env:    envList(cmd.Env),
		Detach: true,
	})
	if err != nil {
		return fmt.Errorf("docker exec create failed: %w", err)
	}
	if err := h.cli.ContainerExecStart(ctx, execResp.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("docker exec start failed: %w", err)
	}
	return nil
}

func (h *containerHandle) Stream(ctx context.Context, cmd Command, w io.Writer) error {
	var stderr bytes.Buffer
	code, err := h.exec(ctx, cmd, nil, w, &stderr)
	if err != nil {
		return err
	}
	if code != 0 {
		return &CommandError{ExitCode: code, Stderr: stderr.String()}
	}
	return nil
}

func (h *containerHandle) WriteFile(ctx context.Context, p string, data []byte, mode os.FileMode) error {
	var stderr bytes.Buffer
	code, err := h.exec(ctx, Command{Script: writeFileScript(p, mode)}, data, io.Discard, &stderr)
	if err != nil {
		return fmt.Errorf("upload to %s failed: %w", p, err)
	}
	if code != 0 {
		return fmt.Errorf("upload to %s failed: %w", p, &CommandError{ExitCode: code, Stderr: stderr.String()})
	}
	return nil
}

func (h *containerHandle) ReadFile(ctx context.Context, p string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	code, err := h.exec(ctx, Command{Script: readFileScript(p)}, nil, &stdout, &stderr)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	if code != 0 {
		return nil, fmt.Errorf("read %s: %w", p, &CommandError{ExitCode: code, Stderr: stderr.String()})
	}
	return stdout.Bytes(), nil
}

func (h *containerHandle) Exists(ctx context.Context, p string) (bool, error) {
	code, err := h.exec(ctx, Command{Script: existsScript(p)}, nil, io.Discard, io.Discard)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

func (h *containerHandle) PublicURL(ctx context.Context, port int) (string, error) {
	inspect, err := h.cli.ContainerInspect(ctx, h.id)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", h.id, err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", h.id)
	}
	bindings := inspect.NetworkSettings.Ports[nat.Port(fmt.Sprintf("%d/tcp", port))]
	if len(bindings) == 0 {
		return "", fmt.Errorf("port %d is not published", port)
	}
	host := h.publishHost
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%s", host, bindings[0].HostPort), nil
}
