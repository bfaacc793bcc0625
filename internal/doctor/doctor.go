// Package doctor runs environment checks for `taskflow doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/taskflow/internal/config"
	"github.com/basket/taskflow/internal/executor"
	"github.com/basket/taskflow/internal/lock"
	"github.com/basket/taskflow/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []check{
		checkConfig,
		checkPermissions,
		checkLockDir,
		checkJournal,
		checkShell,
		checkDocker,
		checkGateway,
		checkTelemetry,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.Missing {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "No config.yaml, using defaults",
			Detail:  fmt.Sprintf("create %s to override", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail:  cfg.Fingerprint(),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkLockDir claims and releases a probe lock, then reports markers left
// behind by other runs.
func checkLockDir(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Lock Directory", Status: StatusSkip, Message: "Config missing"}
	}
	dir := cfg.LockDir()
	mgr, err := lock.NewManager(lock.Options{
		Dir:            dir,
		Stale:          cfg.Lock.Stale(),
		Attempts:       1,
		DisableRefresh: true,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return CheckResult{Name: "Lock Directory", Status: StatusFail, Message: err.Error()}
	}

	probe := fmt.Sprintf("doctor-probe-%d", os.Getpid())
	if err := mgr.WithLock(ctx, probe, func() error { return nil }); err != nil {
		return CheckResult{Name: "Lock Directory", Status: StatusFail, Message: fmt.Sprintf("Probe lock failed: %v", err)}
	}

	markers, err := mgr.Markers()
	if err != nil {
		return CheckResult{Name: "Lock Directory", Status: StatusFail, Message: err.Error()}
	}
	var stale []string
	for _, mi := range markers {
		if mi.Stale {
			stale = append(stale, fmt.Sprintf("%s (%s old)", mi.Name, mi.Age.Truncate(time.Second)))
		}
	}
	if len(stale) > 0 {
		return CheckResult{
			Name:    "Lock Directory",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d stale marker(s) in %s; the next run will reclaim them", len(stale), dir),
			Detail:  strings.Join(stale, ", "),
		}
	}
	return CheckResult{
		Name:    "Lock Directory",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s writable, %d active marker(s)", dir, len(markers)),
	}
}

func checkJournal(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Journal", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Journal.Enabled {
		return CheckResult{Name: "Journal", Status: StatusSkip, Message: "Journal disabled"}
	}
	store, err := persistence.Open(cfg.JournalPath())
	if err != nil {
		return CheckResult{Name: "Journal", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, 1)
	if err != nil {
		return CheckResult{Name: "Journal", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	msg := "Schema valid, no runs recorded yet"
	if len(runs) > 0 {
		msg = fmt.Sprintf("Schema valid, last run %s (%s)", runs[0].ID, runs[0].State)
	}
	return CheckResult{Name: "Journal", Status: StatusPass, Message: msg, Detail: cfg.JournalPath()}
}

func checkShell(_ context.Context, cfg *config.Config) CheckResult {
	shell := "sh"
	if cfg != nil && cfg.Executor.Shell != "" {
		shell = cfg.Executor.Shell
	}
	path, err := exec.LookPath(shell)
	if err != nil {
		return CheckResult{
			Name:    "Shell",
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not found (required to run task commands)", shell),
		}
	}
	return CheckResult{Name: "Shell", Status: StatusPass, Message: fmt.Sprintf("%s: %s", shell, path)}
}

// checkDocker pings the daemon when commands run in containers.
func checkDocker(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Executor.Runner != "docker" {
		return CheckResult{Name: "Docker", Status: StatusSkip, Message: "host runner in use"}
	}
	r, err := executor.NewDockerRunner(executor.DockerOptions{Image: cfg.Executor.Docker.Image, Workspace: cfg.HomeDir})
	if err != nil {
		return CheckResult{Name: "Docker", Status: StatusFail, Message: err.Error()}
	}
	defer r.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.Ping(pingCtx); err != nil {
		return CheckResult{
			Name:    "Docker",
			Status:  StatusFail,
			Message: "daemon unreachable",
			Detail:  err.Error(),
		}
	}
	return CheckResult{Name: "Docker", Status: StatusPass, Message: "daemon reachable", Detail: "image " + cfg.Executor.Docker.Image}
}

func checkGateway(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Gateway",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s unavailable: %v", cfg.Gateway.BindAddr, err),
			Detail:  "`taskflow run -serve` will fail to bind",
		}
	}
	_ = ln.Close()
	detail := "no auth token (loopback use only)"
	if cfg.Gateway.AuthToken != "" {
		detail = "bearer token required"
	}
	return CheckResult{Name: "Gateway", Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.Gateway.BindAddr), Detail: detail}
}

// checkTelemetry resolves the OTLP collector host when export is enabled.
func checkTelemetry(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.OTel.Enabled || cfg.OTel.Exporter != "otlp-http" {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: fmt.Sprintf("OTLP export off (exporter=%s)", cfg.OTel.Exporter)}
	}

	host, err := collectorHost(cfg.OTel.Endpoint)
	if err != nil {
		return CheckResult{Name: "Telemetry", Status: StatusFail, Message: err.Error()}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Telemetry",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Telemetry",
		Status:  StatusPass,
		Message: fmt.Sprintf("Collector %s resolved (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}

// collectorHost accepts "host:port", "http://host:port/path" or an empty
// endpoint (the OTLP default of localhost).
func collectorHost(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "localhost", nil
	}
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("invalid otel endpoint %q: %w", endpoint, err)
		}
		endpoint = u.Host
	}
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && addrErr.Err == "missing port in address" {
			return endpoint, nil
		}
		return "", fmt.Errorf("invalid otel endpoint %q: %w", endpoint, err)
	}
	return host, nil
}
