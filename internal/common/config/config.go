// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	BaseDir      string             `mapstructure:"baseDir"`
	Repositories []RepositoryConfig `mapstructure:"repositories"`
	Spawner      SpawnerConfig      `mapstructure:"spawner"`
	Iterative    IterativeConfig    `mapstructure:"iterative"`
	Watcher      WatcherConfig      `mapstructure:"watcher"`
	Events       EventsConfig       `mapstructure:"events"`
	IterationLog IterationLogConfig `mapstructure:"iterationLog"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// RepositoryConfig declares one participating repository.
type RepositoryConfig struct {
	ID                string `mapstructure:"id"`
	Root              string `mapstructure:"root"`
	DefaultBaseRef    string `mapstructure:"defaultBaseRef"`
	IssueTrackerOwner string `mapstructure:"issueTrackerOwner"`
	IssueTrackerRepo  string `mapstructure:"issueTrackerRepo"`
	WorkingCopyPrefix string `mapstructure:"workingCopyPrefix"`
	DefaultMode       string `mapstructure:"defaultMode"` // manual | autonomous
	DefaultSpawner    string `mapstructure:"defaultSpawner"`
}

// SpawnerConfig selects and tunes the Worker Spawner variants.
type SpawnerConfig struct {
	Kind               string `mapstructure:"kind"` // headless | interactive-pty | container
	ReadyMarker        string `mapstructure:"readyMarker"`
	ReadyTimeoutMs     int    `mapstructure:"readyTimeoutMs"`
	PTYCols            int    `mapstructure:"ptyCols"`
	PTYRows            int    `mapstructure:"ptyRows"`
	ContainerImage     string `mapstructure:"containerImage"`
	ContainerMemoryMiB int64  `mapstructure:"containerMemoryMiB"`
	ContainerCPUs      int64  `mapstructure:"containerCpus"`
	ContainerPidsLimit int64  `mapstructure:"containerPidsLimit"`
	CredentialsDir     string `mapstructure:"credentialsDir"`
}

// IterativeConfig tunes the Iterative Controller; every session a Controller
// drives uses these same values, with no per-session override.
type IterativeConfig struct {
	MaxIterations     int    `mapstructure:"maxIterations"`
	IterationDelayMs  int    `mapstructure:"iterationDelayMs"`
	PollIntervalMs    int    `mapstructure:"pollIntervalMs"`
	PromiseKind       string `mapstructure:"promiseKind"`
	PromisePath       string `mapstructure:"promisePath"`
	PromiseCommand    string `mapstructure:"promiseCommand"`
	DoneSignalKind    string `mapstructure:"doneSignalKind"`
	DoneSignalTarget  string `mapstructure:"doneSignalTarget"`
	CommitAfterEach   bool   `mapstructure:"commitAfterEach"`
	PushAfterEach     bool   `mapstructure:"pushAfterEach"`
	CreatePrOnComplete bool  `mapstructure:"createPrOnComplete"`
	ReviewMaxCycles   int    `mapstructure:"reviewMaxCycles"`
	ReviewTimeoutMs   int    `mapstructure:"reviewTimeoutMs"`
	ReviewAgentBinary string `mapstructure:"reviewAgentBinary"`
	ReviewAgentPrompt string `mapstructure:"reviewAgentPrompt"` // optional prompt file path
}

// WatcherConfig tunes File Watcher debounce windows.
type WatcherConfig struct {
	SessionDebounceMs    int `mapstructure:"sessionDebounceMs"`
	WorkingCopyDebounceMs int `mapstructure:"workingCopyDebounceMs"`
}

// EventsConfig selects the event bus backend.
type EventsConfig struct {
	NatsURL   string `mapstructure:"natsUrl"` // empty => in-memory bus
	Namespace string `mapstructure:"namespace"`
}

// IterationLogConfig selects the durable iteration-history mirror's backend.
type IterationLogConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres | "" (disabled)
	DSN    string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration for the container spawner.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// detectDefaultLogFormat returns "json" under k8s or RALPH_ENV=production/prod, "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RALPH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("baseDir", defaultBaseDir())

	v.SetDefault("spawner.kind", "headless")
	v.SetDefault("spawner.readyMarker", "")
	v.SetDefault("spawner.readyTimeoutMs", 15000)
	v.SetDefault("spawner.ptyCols", 120)
	v.SetDefault("spawner.ptyRows", 40)
	v.SetDefault("spawner.containerImage", "")
	v.SetDefault("spawner.containerMemoryMiB", 2048)
	v.SetDefault("spawner.containerCpus", 2)
	v.SetDefault("spawner.containerPidsLimit", 256)
	v.SetDefault("spawner.credentialsDir", "")

	v.SetDefault("iterative.maxIterations", 10)
	v.SetDefault("iterative.iterationDelayMs", 5000)
	v.SetDefault("iterative.pollIntervalMs", 5000)
	v.SetDefault("iterative.promiseKind", "plan_complete")
	v.SetDefault("iterative.promisePath", "IMPLEMENTATION_PLAN.md")
	v.SetDefault("iterative.doneSignalKind", "status")
	v.SetDefault("iterative.doneSignalTarget", "complete")
	v.SetDefault("iterative.commitAfterEach", true)
	v.SetDefault("iterative.pushAfterEach", true)
	v.SetDefault("iterative.createPrOnComplete", true)
	v.SetDefault("iterative.reviewMaxCycles", 3)
	v.SetDefault("iterative.reviewTimeoutMs", 120000)
	v.SetDefault("iterative.reviewAgentBinary", "review-agent")

	v.SetDefault("watcher.sessionDebounceMs", 100)
	v.SetDefault("watcher.workingCopyDebounceMs", 100)

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.namespace", "")

	v.SetDefault("iterationLog.driver", "sqlite")
	v.SetDefault("iterationLog.dsn", "")

	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orchestration"
	}
	return home + string(os.PathSeparator) + ".orchestration"
}

// defaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from the path named by ORCH_CONFIG_PATH, or from
// default locations, merged with environment variables and built-in defaults.
func Load() (*Config, error) {
	return LoadWithPath(os.Getenv("ORCH_CONFIG_PATH"))
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "ORCH_LOG_LEVEL")
	_ = v.BindEnv("logging.format", "ORCH_LOG_FORMAT")
	_ = v.BindEnv("events.natsUrl", "ORCH_EVENTS_NATS_URL")
	_ = v.BindEnv("iterationLog.driver", "ORCH_ITERATION_STORE_DRIVER")

	v.SetConfigName("config")
	v.SetConfigType("json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/orchestrator/")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
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

// validate checks required configuration invariants.
func validate(cfg *Config) error {
	var errs []string

	if cfg.BaseDir == "" {
		errs = append(errs, "baseDir must not be empty")
	}

	seen := make(map[string]bool, len(cfg.Repositories))
	for _, r := range cfg.Repositories {
		if r.ID == "" {
			errs = append(errs, "repository id must not be empty")
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Sprintf("duplicate repository id %q", r.ID))
		}
		seen[r.ID] = true
		if r.Root == "" {
			errs = append(errs, fmt.Sprintf("repository %q: root must not be empty", r.ID))
		}
	}

	switch cfg.Spawner.Kind {
	case "headless", "interactive-pty", "container":
	default:
		errs = append(errs, "spawner.kind must be one of: headless, interactive-pty, container")
	}

	if cfg.Iterative.MaxIterations < 1 {
		errs = append(errs, "iterative.maxIterations must be >= 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// IterationDelay returns the iteration delay as a time.Duration.
func (c *IterativeConfig) IterationDelay() time.Duration {
	return time.Duration(c.IterationDelayMs) * time.Millisecond
}

// PollInterval returns the controller poll interval as a time.Duration.
func (c *IterativeConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ReviewTimeout returns the review-agent invocation timeout as a time.Duration.
func (c *IterativeConfig) ReviewTimeout() time.Duration {
	return time.Duration(c.ReviewTimeoutMs) * time.Millisecond
}

// SessionDebounceDuration returns the Session watcher's debounce window.
func (c *WatcherConfig) SessionDebounceDuration() time.Duration {
	return time.Duration(c.SessionDebounceMs) * time.Millisecond
}

// WorkingCopyDebounceDuration returns the working-copy watcher's debounce window.
func (c *WatcherConfig) WorkingCopyDebounceDuration() time.Duration {
	return time.Duration(c.WorkingCopyDebounceMs) * time.Millisecond
}
