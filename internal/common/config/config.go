// Package config provides configuration management for sandboxd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/reeloly/sandboxd/internal/common/constants"
)

// Config holds all configuration sections for sandboxd.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Lock     LockConfig     `mapstructure:"lock"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	ReadTimeout    int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout   int      `mapstructure:"writeTimeout"` // in seconds, 0 disables (required for streams)
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// DatabaseConfig holds the SQL database used by the lease lock and run history.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LockConfig selects the distributed initialization lock backend.
type LockConfig struct {
	Backend      string `mapstructure:"backend"` // nats, sql
	LeaseSeconds int    `mapstructure:"leaseSeconds"`
	Bucket       string `mapstructure:"bucket"` // JetStream KV bucket for the nats backend
}

// StorageConfig holds durable object storage configuration.
// The same bucket is mounted into sandboxes, so it must be S3-compatible in production.
type StorageConfig struct {
	Backend         string `mapstructure:"backend"` // s3, memory
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"accessKeyId"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	UseSSL          bool   `mapstructure:"useSSL"`
	Tier            string `mapstructure:"tier"` // dev, prod
}

// SandboxConfig holds execution backend and in-sandbox layout configuration.
type SandboxConfig struct {
	Backend            string `mapstructure:"backend"` // sprites, docker
	SpritesToken       string `mapstructure:"spritesToken"`
	SpritesURLTemplate string `mapstructure:"spritesUrlTemplate"`
	Image              string `mapstructure:"image"`
	User               string `mapstructure:"user"`
	HomeDir            string `mapstructure:"homeDir"`
	AgentDir           string `mapstructure:"agentDir"`
	AgentCommand       string `mapstructure:"agentCommand"`
	InstallCommand     string `mapstructure:"installCommand"`
	ServeCommand       string `mapstructure:"serveCommand"`
	Port               int    `mapstructure:"port"`
	MountPoint         string `mapstructure:"mountPoint"`
	ConfigDirName      string `mapstructure:"configDirName"`
	AnswersDirName     string `mapstructure:"answersDirName"`
	AttachmentsDirName string `mapstructure:"attachmentsDirName"`
	AgentAPIKeyEnv     string `mapstructure:"agentApiKeyEnv"`
	AgentAPIKey        string `mapstructure:"agentApiKey"`
}

// DockerConfig holds Docker client configuration for the docker sandbox backend.
type DockerConfig struct {
	Host        string `mapstructure:"host"`
	APIVersion  string `mapstructure:"apiVersion"`
	Network     string `mapstructure:"network"`
	PublishHost string `mapstructure:"publishHost"`
}

// ProbeConfig holds readiness polling configuration.
type ProbeConfig struct {
	MaxAttempts  int  `mapstructure:"maxAttempts"`
	IntervalMs   int  `mapstructure:"intervalMs"`
	RequireReady bool `mapstructure:"requireReady"`
}

// RelayConfig holds session relay configuration.
type RelayConfig struct {
	KeepaliveSeconds    int `mapstructure:"keepaliveSeconds"`
	ShortTimeoutSeconds int `mapstructure:"shortTimeoutSeconds"`
}

// AuthConfig describes how the verified caller identity reaches sandboxd.
type AuthConfig struct {
	UserHeader        string `mapstructure:"userHeader"`
	ProxySecretHeader string `mapstructure:"proxySecretHeader"`
	ProxySecret       string `mapstructure:"proxySecret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Lease returns the lock lease as a time.Duration.
func (l *LockConfig) Lease() time.Duration {
	return time.Duration(l.LeaseSeconds) * time.Second
}

// Interval returns the probe interval as a time.Duration.
func (p *ProbeConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

// Budget returns the worst-case probe duration, counting each probe command's
// own timeout.
func (p *ProbeConfig) Budget() time.Duration {
	return constants.ProbeWorstCase(p.MaxAttempts, p.Interval())
}

// Keepalive returns the keepalive period as a time.Duration.
func (r *RelayConfig) Keepalive() time.Duration {
	return time.Duration(r.KeepaliveSeconds) * time.Second
}

// ShortTimeout returns the hard ceiling used for short-request sessions.
func (r *RelayConfig) ShortTimeout() time.Duration {
	return time.Duration(r.ShortTimeoutSeconds) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" in Kubernetes or production and "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SANDBOXD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.allowedOrigins", []string{"http://localhost:5173"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./sandboxd.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sandboxd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "sandboxd")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means in-memory event bus and SQL lock
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "sandboxd")
	v.SetDefault("nats.maxReconnects", 10)

	// Lock defaults
	v.SetDefault("lock.backend", "sql")
	v.SetDefault("lock.leaseSeconds", int(constants.LockLease/time.Second))
	v.SetDefault("lock.bucket", "sandbox_init_locks")

	// Storage defaults
	v.SetDefault("storage.backend", "s3")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.useSSL", true)
	v.SetDefault("storage.tier", "dev")

	// Sandbox defaults
	v.SetDefault("sandbox.backend", "sprites")
	v.SetDefault("sandbox.spritesUrlTemplate", "https://{name}.sprites.app")
	v.SetDefault("sandbox.image", "sandboxd-agent:latest")
	v.SetDefault("sandbox.user", "user")
	v.SetDefault("sandbox.homeDir", "/home/user")
	v.SetDefault("sandbox.agentDir", "/home/user/agent")
	v.SetDefault("sandbox.agentCommand", "bun run start")
	v.SetDefault("sandbox.installCommand", "bun install")
	v.SetDefault("sandbox.serveCommand", fmt.Sprintf("bun run vite --port %d --host 0.0.0.0", constants.ServePort))
	v.SetDefault("sandbox.port", constants.ServePort)
	v.SetDefault("sandbox.mountPoint", "/mnt")
	v.SetDefault("sandbox.configDirName", ".claude")
	v.SetDefault("sandbox.answersDirName", ".answers")
	v.SetDefault("sandbox.attachmentsDirName", "attachments")
	v.SetDefault("sandbox.agentApiKeyEnv", "ANTHROPIC_API_KEY")

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.network", "")
	v.SetDefault("docker.publishHost", "127.0.0.1")

	// Probe defaults
	v.SetDefault("probe.maxAttempts", constants.ProbeAttempts)
	v.SetDefault("probe.intervalMs", int(constants.ProbeInterval/time.Millisecond))
	v.SetDefault("probe.requireReady", false)

	// Relay defaults
	v.SetDefault("relay.keepaliveSeconds", int(constants.KeepaliveInterval/time.Second))
	v.SetDefault("relay.shortTimeoutSeconds", int(constants.ShortSessionTimeout/time.Second))

	// Auth defaults
	v.SetDefault("auth.userHeader", "X-User-Id")
	v.SetDefault("auth.proxySecretHeader", "X-Proxy-Secret")
	v.SetDefault("auth.proxySecret", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SANDBOXD_ with the key path upper-cased
// and dots replaced by underscores.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SANDBOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE, so secrets and
	// commonly overridden keys are bound explicitly.
	_ = v.BindEnv("storage.accessKeyId", "SANDBOXD_STORAGE_ACCESS_KEY_ID")
	_ = v.BindEnv("storage.secretAccessKey", "SANDBOXD_STORAGE_SECRET_ACCESS_KEY")
	_ = v.BindEnv("sandbox.spritesToken", "SPRITES_API_TOKEN", "SANDBOXD_SANDBOX_SPRITES_TOKEN")
	_ = v.BindEnv("sandbox.agentApiKey", "ANTHROPIC_API_KEY", "SANDBOXD_SANDBOX_AGENT_API_KEY")
	_ = v.BindEnv("auth.proxySecret", "SANDBOXD_AUTH_PROXY_SECRET")
	_ = v.BindEnv("lock.leaseSeconds", "SANDBOXD_LOCK_LEASE_SECONDS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sandboxd/")

	// A missing config file is fine; defaults and env apply.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" || cfg.Database.DBName == "" || cfg.Database.User == "" {
			errs = append(errs, "database.host, database.user and database.dbName are required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	switch cfg.Lock.Backend {
	case "sql":
	case "nats":
		if strings.TrimSpace(cfg.NATS.URL) == "" {
			errs = append(errs, "nats.url is required when lock.backend is nats")
		}
	default:
		errs = append(errs, "lock.backend must be one of: nats, sql")
	}
	if ceiling := constants.GuardCeiling(cfg.Lock.Lease()); ceiling <= constants.SandboxCreateTimeout+constants.ReconcileTimeout {
		errs = append(errs, fmt.Sprintf("lock.leaseSeconds leaves %s for warm-up, less than environment creation plus reconciliation (%s)",
			ceiling, constants.SandboxCreateTimeout+constants.ReconcileTimeout))
	}

	switch cfg.Storage.Backend {
	case "memory":
	case "s3":
		if cfg.Storage.Endpoint == "" || cfg.Storage.Bucket == "" {
			errs = append(errs, "storage.endpoint and storage.bucket are required for the s3 backend")
		}
	default:
		errs = append(errs, "storage.backend must be one of: s3, memory")
	}
	if cfg.Storage.Tier != "dev" && cfg.Storage.Tier != "prod" {
		errs = append(errs, "storage.tier must be one of: dev, prod")
	}

	switch cfg.Sandbox.Backend {
	case "sprites", "docker":
	default:
		errs = append(errs, "sandbox.backend must be one of: sprites, docker")
	}
	if cfg.Sandbox.Port <= 0 || cfg.Sandbox.Port > 65535 {
		errs = append(errs, "sandbox.port must be between 1 and 65535")
	}

	if cfg.Probe.MaxAttempts <= 0 || cfg.Probe.IntervalMs <= 0 {
		errs = append(errs, "probe.maxAttempts and probe.intervalMs must be positive")
	}
	if cfg.Relay.KeepaliveSeconds <= 0 {
		errs = append(errs, "relay.keepaliveSeconds must be positive")
	}
	if cfg.Auth.UserHeader == "" {
		errs = append(errs, "auth.userHeader is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
