package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/common/config"
	"github.com/reeloly/sandboxd/internal/common/constants"
	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/db"
	"github.com/reeloly/sandboxd/internal/events"
	"github.com/reeloly/sandboxd/internal/history"
	"github.com/reeloly/sandboxd/internal/lock"
	"github.com/reeloly/sandboxd/internal/metrics"
	"github.com/reeloly/sandboxd/internal/orchestrator"
	"github.com/reeloly/sandboxd/internal/project"
	"github.com/reeloly/sandboxd/internal/reconcile"
	"github.com/reeloly/sandboxd/internal/relay"
	"github.com/reeloly/sandboxd/internal/sandbox"
	"github.com/reeloly/sandboxd/internal/storage"
)

// app holds the wired services shared by every command.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	service *orchestrator.Service
	metrics *metrics.Recorder

	closers []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// loadConfig loads configuration and initializes the default logger.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	return cfg, log, nil
}

// buildApp wires storage, the execution backend, the lock, the event bus,
// run history and the orchestrator. On error everything opened so far is closed.
func buildApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.NewRecorder()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	// 1. Database (lease lock and run history)
	pool, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.onClose(pool.Close)
	log.Info("database opened", zap.String("driver", cfg.Database.Driver))

	// 2. Event bus
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return nil, err
	}
	a.onClose(closeBus)

	// 3. Run history, fed from the bus
	runs, err := history.Provide(pool.Writer(), pool.Reader(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize run history: %w", err)
	}
	unsubscribe, err := runs.Subscribe(provided.Bus)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe run history: %w", err)
	}
	a.onClose(func() error {
		unsubscribe()
		return nil
	})

	// 4. Initialization lock
	locker, err := newLocker(ctx, cfg, provided, pool, log)
	if err != nil {
		return nil, err
	}

	// 5. Durable storage
	store, err := newObjectStore(cfg, log)
	if err != nil {
		return nil, err
	}
	snapshots := storage.NewSnapshots(store, project.ParseTier(cfg.Storage.Tier), log)

	// 6. Execution backend
	backend, closeBackend, err := newBackend(cfg, log)
	if err != nil {
		return nil, err
	}
	a.onClose(closeBackend)

	layout := project.Layout{
		User:               cfg.Sandbox.User,
		HomeDir:            cfg.Sandbox.HomeDir,
		AgentDir:           cfg.Sandbox.AgentDir,
		MountPoint:         cfg.Sandbox.MountPoint,
		ConfigDirName:      cfg.Sandbox.ConfigDirName,
		AnswersDirName:     cfg.Sandbox.AnswersDirName,
		AttachmentsDirName: cfg.Sandbox.AttachmentsDirName,
	}

	reconciler := reconcile.New(reconcile.Config{
		Layout: layout,
		Mount: reconcile.MountConfig{
			Endpoint:        cfg.Storage.Endpoint,
			UseSSL:          cfg.Storage.UseSSL,
			Bucket:          cfg.Storage.Bucket,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
		},
		InstallCommand: cfg.Sandbox.InstallCommand,
		ServeCommand:   cfg.Sandbox.ServeCommand,
		Port:           cfg.Sandbox.Port,
	}, snapshots, a.metrics, log)

	rel := relay.New(relay.Config{
		Layout:       layout,
		AgentDir:     cfg.Sandbox.AgentDir,
		AgentCommand: cfg.Sandbox.AgentCommand,
		Keepalive:    cfg.Relay.Keepalive(),
	}, snapshots, a.metrics, log)

	agentEnv := map[string]string{}
	if cfg.Sandbox.AgentAPIKeyEnv != "" && cfg.Sandbox.AgentAPIKey != "" {
		agentEnv[cfg.Sandbox.AgentAPIKeyEnv] = cfg.Sandbox.AgentAPIKey
	}

	ceiling := constants.GuardCeiling(cfg.Lock.Lease())
	if worst := constants.SandboxCreateTimeout + constants.ReconcileTimeout + cfg.Probe.Budget(); worst > ceiling {
		log.Warn("a slow warm-up can be cut off before its lease expires",
			zap.Duration("guard_ceiling", ceiling),
			zap.Duration("worst_case", worst))
	}

	a.service = orchestrator.New(orchestrator.Config{
		LeaseDuration: cfg.Lock.Lease(),
		ProbeAttempts: cfg.Probe.MaxAttempts,
		ProbeInterval: cfg.Probe.Interval(),
		RequireReady:  cfg.Probe.RequireReady,
		Port:          cfg.Sandbox.Port,
		AgentEnv:      agentEnv,
		ShortTimeout:  cfg.Relay.ShortTimeout(),
	}, orchestrator.Dependencies{
		Backend:    backend,
		Locker:     locker,
		Reconciler: reconciler,
		Relay:      rel,
		Runs:       runs,
		Publisher:  events.NewPublisher(provided.Bus, "sandboxd", log),
		Metrics:    a.metrics,
	}, log)

	return a, nil
}

func newLocker(ctx context.Context, cfg *config.Config, provided *events.ProvidedBus, pool *db.Pool, log *logger.Logger) (lock.Locker, error) {
	switch cfg.Lock.Backend {
	case "nats":
		nc := provided.Conn()
		if nc == nil {
			return nil, fmt.Errorf("lock backend nats requires nats.url")
		}
		l, err := lock.NewNATSLocker(nc, cfg.Lock.Bucket, cfg.Lock.Lease(), log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize nats lock: %w", err)
		}
		log.Info("initialization lock: nats", zap.String("bucket", cfg.Lock.Bucket))
		return l, nil
	default:
		l, err := lock.NewSQLLocker(ctx, pool.Writer(), log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sql lock: %w", err)
		}
		log.Info("initialization lock: sql")
		return l, nil
	}
}

func newObjectStore(cfg *config.Config, log *logger.Logger) (storage.ObjectStore, error) {
	switch cfg.Storage.Backend {
	case "memory":
		log.Warn("using in-memory object storage; snapshots are lost on restart")
		return storage.NewMemoryStore(), nil
	default:
		s, err := storage.NewS3Store(cfg.Storage, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize object storage: %w", err)
		}
		return s, nil
	}
}

func newBackend(cfg *config.Config, log *logger.Logger) (sandbox.Backend, func() error, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		b, err := sandbox.NewDockerBackend(sandbox.DockerConfig{
			Host:        cfg.Docker.Host,
			APIVersion:  cfg.Docker.APIVersion,
			Image:       cfg.Sandbox.Image,
			Network:     cfg.Docker.Network,
			PublishHost: cfg.Docker.PublishHost,
			Port:        cfg.Sandbox.Port,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("execution backend: docker", zap.String("image", cfg.Sandbox.Image))
		return b, b.Close, nil
	default:
		b, err := sandbox.NewSpritesBackend(sandbox.SpritesConfig{
			Token:       cfg.Sandbox.SpritesToken,
			URLTemplate: cfg.Sandbox.SpritesURLTemplate,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("execution backend: sprites")
		return b, b.Close, nil
	}
}
