// Package config loads taskflow settings from <home>/config.yaml with
// TASKFLOW_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	otelpkg "github.com/basket/taskflow/internal/otel"
)

type SchedulerConfig struct {
	// Workers is the number of concurrent executor calls. 1 runs tasks one
	// at a time.
	Workers        int `yaml:"workers"`
	MaxRetries     int `yaml:"max_retries"`
	StuckLimit     int `yaml:"stuck_limit"`
	StuckBackoffMS int `yaml:"stuck_backoff_ms"`
}

func (s SchedulerConfig) StuckBackoff() time.Duration {
	return time.Duration(s.StuckBackoffMS) * time.Millisecond
}

type LockConfig struct {
	// Dir holds marker files. Relative paths are resolved against the home dir.
	Dir            string  `yaml:"dir"`
	StaleSeconds   int     `yaml:"stale_seconds"`
	Attempts       int     `yaml:"attempts"`
	Factor         float64 `yaml:"factor"`
	MinTimeoutMS   int     `yaml:"min_timeout_ms"`
	MaxTimeoutMS   int     `yaml:"max_timeout_ms"`
	DisableRefresh bool    `yaml:"disable_refresh"`
}

func (l LockConfig) Stale() time.Duration { return time.Duration(l.StaleSeconds) * time.Second }

func (l LockConfig) MinTimeout() time.Duration {
	return time.Duration(l.MinTimeoutMS) * time.Millisecond
}

func (l LockConfig) MaxTimeout() time.Duration {
	return time.Duration(l.MaxTimeoutMS) * time.Millisecond
}

type ExecutorConfig struct {
	// Runner is "host" (local shell) or "docker" (ephemeral containers).
	Runner                string       `yaml:"runner"`
	Shell                 string       `yaml:"shell"`
	DefaultTimeoutSeconds int          `yaml:"default_timeout_seconds"`
	MaxTimeoutSeconds     int          `yaml:"max_timeout_seconds"`
	MaxOutputBytes        int          `yaml:"max_output_bytes"`
	Docker                DockerConfig `yaml:"docker"`
}

type DockerConfig struct {
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"`
}

type GatewayConfig struct {
	BindAddr string `yaml:"bind_addr"`
	// AuthToken, when set, is required as a bearer token on every request.
	AuthToken string `yaml:"auth_token"`
	// AllowOrigins lists browser origins accepted on the WebSocket. Empty
	// means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LLMConfig selects the model `taskflow plan` drafts plans with. An empty
// APIKey falls back to the provider's usual environment variable.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Attempts int    `yaml:"attempts"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel  string          `yaml:"log_level"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Lock      LockConfig      `yaml:"lock"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Journal   JournalConfig   `yaml:"journal"`
	OTel      otelpkg.Config  `yaml:"otel"`
	LLM       LLMConfig       `yaml:"llm"`

	// Missing is set when no config.yaml exists and defaults are in use.
	Missing bool `yaml:"-"`
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint is a short hash of the settings that affect a run.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|retries=%d|stuck=%d/%d|lock=%s/%d/%d|log=%s|otel=%t",
		c.Scheduler.Workers, c.Scheduler.MaxRetries, c.Scheduler.StuckLimit, c.Scheduler.StuckBackoffMS,
		c.Lock.Dir, c.Lock.StaleSeconds, c.Lock.Attempts, c.LogLevel, c.OTel.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Scheduler: SchedulerConfig{
			Workers:        1,
			MaxRetries:     3,
			StuckLimit:     5,
			StuckBackoffMS: 200,
		},
		Lock: LockConfig{
			Dir:          "locks",
			StaleSeconds: 15,
			Attempts:     5,
			Factor:       1.2,
			MinTimeoutMS: 200,
			MaxTimeoutMS: 2000,
		},
		Executor: ExecutorConfig{
			Runner:                "host",
			Shell:                 "sh",
			DefaultTimeoutSeconds: 300,
			MaxTimeoutSeconds:     3600,
			MaxOutputBytes:        8 * 1024,
			Docker: DockerConfig{
				Image:    "alpine:3",
				MemoryMB: 512,
				Network:  "none",
			},
		},
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:18790",
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    "taskflow.db",
		},
		OTel: otelpkg.Config{
			Exporter:    "none",
			ServiceName: "taskflow",
			SampleRate:  1.0,
		},
	}
}

// HomeDir returns TASKFLOW_HOME, or ~/.taskflow.
func HomeDir() string {
	if override := os.Getenv("TASKFLOW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskflow")
}

// Load reads the config from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml: defaults, then the file, then env
// overrides, then normalisation and validation.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskflow home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.Missing = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// LockDir returns the absolute marker directory.
func (c Config) LockDir() string { return c.resolve(c.Lock.Dir) }

// JournalPath returns the absolute journal database path.
func (c Config) JournalPath() string { return c.resolve(c.Journal.Path) }

// LogDir returns the directory holding system.jsonl.
func (c Config) LogDir() string { return filepath.Join(c.HomeDir, "logs") }

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = 1
	}
	if cfg.Scheduler.MaxRetries < 0 {
		cfg.Scheduler.MaxRetries = 0
	}
	if cfg.Scheduler.StuckLimit <= 0 {
		cfg.Scheduler.StuckLimit = 5
	}
	if cfg.Scheduler.StuckBackoffMS <= 0 {
		cfg.Scheduler.StuckBackoffMS = 200
	}
	if strings.TrimSpace(cfg.Lock.Dir) == "" {
		cfg.Lock.Dir = "locks"
	}
	if cfg.Lock.StaleSeconds <= 0 {
		cfg.Lock.StaleSeconds = 15
	}
	if cfg.Lock.Attempts <= 0 {
		cfg.Lock.Attempts = 5
	}
	if cfg.Lock.Factor == 0 {
		cfg.Lock.Factor = 1.2
	}
	if cfg.Lock.MinTimeoutMS <= 0 {
		cfg.Lock.MinTimeoutMS = 200
	}
	if cfg.Lock.MaxTimeoutMS <= 0 {
		cfg.Lock.MaxTimeoutMS = 2000
	}
	cfg.Executor.Runner = strings.ToLower(strings.TrimSpace(cfg.Executor.Runner))
	if cfg.Executor.Runner == "" {
		cfg.Executor.Runner = "host"
	}
	if cfg.Executor.Docker.Image == "" {
		cfg.Executor.Docker.Image = "alpine:3"
	}
	if cfg.Executor.Shell == "" {
		cfg.Executor.Shell = "sh"
	}
	if cfg.Executor.DefaultTimeoutSeconds <= 0 {
		cfg.Executor.DefaultTimeoutSeconds = 300
	}
	if cfg.Executor.MaxOutputBytes <= 0 {
		cfg.Executor.MaxOutputBytes = 8 * 1024
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18790"
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "taskflow.db"
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Attempts <= 0 {
		cfg.LLM.Attempts = 3
	}
}

func validate(cfg Config) error {
	var errs []error
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: must be debug, info, warn or error", cfg.LogLevel))
	}
	if cfg.Scheduler.Workers > 256 {
		errs = append(errs, fmt.Errorf("scheduler.workers %d: must be at most 256", cfg.Scheduler.Workers))
	}
	if cfg.Lock.Factor < 1 {
		errs = append(errs, fmt.Errorf("lock.factor %.2f: must be >= 1", cfg.Lock.Factor))
	}
	if cfg.Lock.MaxTimeoutMS < cfg.Lock.MinTimeoutMS {
		errs = append(errs, fmt.Errorf("lock.max_timeout_ms %d: must be >= min_timeout_ms %d", cfg.Lock.MaxTimeoutMS, cfg.Lock.MinTimeoutMS))
	}
	if cfg.Executor.MaxTimeoutSeconds > 0 && cfg.Executor.MaxTimeoutSeconds < cfg.Executor.DefaultTimeoutSeconds {
		errs = append(errs, fmt.Errorf("executor.max_timeout_seconds %d: must be >= default_timeout_seconds %d",
			cfg.Executor.MaxTimeoutSeconds, cfg.Executor.DefaultTimeoutSeconds))
	}
	switch cfg.Executor.Runner {
	case "host", "docker":
	default:
		errs = append(errs, fmt.Errorf("executor.runner %q: must be host or docker", cfg.Executor.Runner))
	}
	switch cfg.LLM.Provider {
	case "google", "anthropic", "openai", "openai_compatible":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q: must be google, anthropic, openai or openai_compatible", cfg.LLM.Provider))
	}
	switch cfg.OTel.Exporter {
	case "otlp-http", "stdout", "none":
	default:
		errs = append(errs, fmt.Errorf("otel.exporter %q: must be otlp-http, stdout or none", cfg.OTel.Exporter))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func envBool(name string, dst *bool) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			*dst = v
		}
	}
}

func envString(name string, dst *string) {
	if raw := os.Getenv(name); raw != "" {
		*dst = raw
	}
}

func applyEnvOverrides(cfg *Config) {
	envString("TASKFLOW_LOG_LEVEL", &cfg.LogLevel)
	envInt("TASKFLOW_WORKERS", &cfg.Scheduler.Workers)
	envInt("TASKFLOW_MAX_RETRIES", &cfg.Scheduler.MaxRetries)
	envInt("TASKFLOW_STUCK_LIMIT", &cfg.Scheduler.StuckLimit)
	envInt("TASKFLOW_STUCK_BACKOFF_MS", &cfg.Scheduler.StuckBackoffMS)
	envString("TASKFLOW_LOCK_DIR", &cfg.Lock.Dir)
	envInt("TASKFLOW_LOCK_STALE_SECONDS", &cfg.Lock.StaleSeconds)
	envInt("TASKFLOW_LOCK_ATTEMPTS", &cfg.Lock.Attempts)
	envString("TASKFLOW_RUNNER", &cfg.Executor.Runner)
	envString("TASKFLOW_SHELL", &cfg.Executor.Shell)
	envInt("TASKFLOW_TASK_TIMEOUT_SECONDS", &cfg.Executor.DefaultTimeoutSeconds)
	envString("TASKFLOW_GATEWAY_ADDR", &cfg.Gateway.BindAddr)
	envString("TASKFLOW_GATEWAY_TOKEN", &cfg.Gateway.AuthToken)
	envBool("TASKFLOW_JOURNAL_ENABLED", &cfg.Journal.Enabled)
	envString("TASKFLOW_JOURNAL_PATH", &cfg.Journal.Path)
	envBool("TASKFLOW_OTEL_ENABLED", &cfg.OTel.Enabled)
	envString("TASKFLOW_OTEL_EXPORTER", &cfg.OTel.Exporter)
	envString("TASKFLOW_OTEL_ENDPOINT", &cfg.OTel.Endpoint)
	envString("TASKFLOW_LLM_PROVIDER", &cfg.LLM.Provider)
	envString("TASKFLOW_LLM_MODEL", &cfg.LLM.Model)
}
