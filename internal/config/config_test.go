package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskflow/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromHomeEnv(t *testing.T) {
	home := filepath.Join(t.TempDir(), "tf")
	writeConfig(t, home, "scheduler:\n  workers: 3\n  max_retries: 0\n")
	t.Setenv("TASKFLOW_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.Scheduler.Workers != 3 {
		t.Fatalf("workers = %d, want 3", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.MaxRetries != 0 {
		t.Fatalf("explicit max_retries 0 must be kept, got %d", cfg.Scheduler.MaxRetries)
	}
	if cfg.Missing {
		t.Fatal("config file exists, Missing should be false")
	}
}

func TestHomeDir_DefaultUnderUserHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFLOW_HOME", "")
	t.Setenv("HOME", home)
	if got, want := config.HomeDir(), filepath.Join(home, ".taskflow"); got != want {
		t.Fatalf("HomeDir() = %q, want %q", got, want)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Missing {
		t.Fatal("expected Missing with no config.yaml")
	}
	if cfg.Scheduler.Workers != 1 || cfg.Scheduler.MaxRetries != 3 || cfg.Scheduler.StuckLimit != 5 {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.StuckBackoff() != 200*time.Millisecond {
		t.Fatalf("stuck backoff = %v", cfg.Scheduler.StuckBackoff())
	}
	if cfg.Lock.Stale() != 15*time.Second || cfg.Lock.Attempts != 5 || cfg.Lock.Factor != 1.2 {
		t.Fatalf("unexpected lock defaults: %+v", cfg.Lock)
	}
	if cfg.Lock.MinTimeout() != 200*time.Millisecond || cfg.Lock.MaxTimeout() != 2*time.Second {
		t.Fatalf("unexpected lock timeouts: %+v", cfg.Lock)
	}
	if cfg.LockDir() != filepath.Join(home, "locks") {
		t.Fatalf("lock dir = %q", cfg.LockDir())
	}
	if cfg.JournalPath() != filepath.Join(home, "taskflow.db") || !cfg.Journal.Enabled {
		t.Fatalf("unexpected journal defaults: %+v", cfg.Journal)
	}
	if cfg.Executor.Runner != "host" || cfg.Executor.Docker.Image != "alpine:3" || cfg.Executor.Docker.Network != "none" {
		t.Fatalf("unexpected executor defaults: %+v", cfg.Executor)
	}
	if cfg.LLM.Provider != "google" || cfg.LLM.Attempts != 3 {
		t.Fatalf("unexpected llm defaults: %+v", cfg.LLM)
	}
	if cfg.LogLevel != "info" || cfg.OTel.Exporter != "none" || cfg.OTel.Enabled {
		t.Fatalf("unexpected ambient defaults: level=%q otel=%+v", cfg.LogLevel, cfg.OTel)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: debug\nscheduler:\n  workers: 2\nlock:\n  dir: /var/tmp/markers\n")
	t.Setenv("TASKFLOW_WORKERS", "6")
	t.Setenv("TASKFLOW_LOG_LEVEL", "WARNING")
	t.Setenv("TASKFLOW_GATEWAY_TOKEN", "s3cret")
	t.Setenv("TASKFLOW_JOURNAL_ENABLED", "false")
	t.Setenv("TASKFLOW_STUCK_LIMIT", "not-a-number")
	t.Setenv("TASKFLOW_RUNNER", "Docker")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Workers != 6 {
		t.Fatalf("workers = %d, want env override 6", cfg.Scheduler.Workers)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %q, want normalised warn", cfg.LogLevel)
	}
	if cfg.Gateway.AuthToken != "s3cret" || cfg.Journal.Enabled {
		t.Fatalf("env overrides not applied: gateway=%+v journal=%+v", cfg.Gateway, cfg.Journal)
	}
	if cfg.Executor.Runner != "docker" {
		t.Fatalf("runner = %q, want normalised docker", cfg.Executor.Runner)
	}
	if cfg.Scheduler.StuckLimit != 5 {
		t.Fatalf("invalid int env should be ignored, got %d", cfg.Scheduler.StuckLimit)
	}
	if cfg.LockDir() != "/var/tmp/markers" {
		t.Fatalf("absolute lock dir should be kept, got %q", cfg.LockDir())
	}
}

func TestLoad_NormalizesOutOfRange(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "scheduler:\n  workers: 0\n  max_retries: -4\n  stuck_limit: -1\n")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Workers != 1 || cfg.Scheduler.MaxRetries != 0 || cfg.Scheduler.StuckLimit != 5 {
		t.Fatalf("unexpected normalised scheduler: %+v", cfg.Scheduler)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"log level", "log_level: loud\n", "log_level"},
		{"lock factor", "lock:\n  factor: 0.5\n", "lock.factor"},
		{"lock timeouts", "lock:\n  min_timeout_ms: 900\n  max_timeout_ms: 100\n", "lock.max_timeout_ms"},
		{"exporter", "otel:\n  exporter: zipkin\n", "otel.exporter"},
		{"workers", "scheduler:\n  workers: 1000\n", "scheduler.workers"},
		{"runner", "executor:\n  runner: podman\n", "executor.runner"},
		{"llm provider", "llm:\n  provider: markov\n", "llm.provider"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, tc.body)
			_, err := config.LoadFrom(home)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "scheduler: [\n")
	if _, err := config.LoadFrom(home); err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	a, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint should be stable")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint %q", a.Fingerprint())
	}
	b.Scheduler.Workers = 9
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with workers")
	}
}
