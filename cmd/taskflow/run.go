package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskflow/internal/bus"
	"github.com/basket/taskflow/internal/config"
	"github.com/basket/taskflow/internal/coordinator"
	"github.com/basket/taskflow/internal/executor"
	"github.com/basket/taskflow/internal/gateway"
	"github.com/basket/taskflow/internal/lock"
	otelpkg "github.com/basket/taskflow/internal/otel"
	"github.com/basket/taskflow/internal/persistence"
	"github.com/basket/taskflow/internal/planner"
	"github.com/basket/taskflow/internal/telemetry"
	"github.com/basket/taskflow/internal/tui"
)

type runFlags struct {
	workers    int
	maxRetries int
	plain      bool
	serve      bool
	addr       string
	planPath   string
}

func parseRunFlags(args []string, stderr io.Writer) (runFlags, error) {
	var f runFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.IntVar(&f.workers, "workers", 0, "concurrent tasks (0 = config)")
	fs.IntVar(&f.maxRetries, "max-retries", -1, "retries per failing task (-1 = config)")
	fs.BoolVar(&f.plain, "plain", false, "line output even on a terminal")
	fs.BoolVar(&f.serve, "serve", false, "start the observer gateway")
	fs.StringVar(&f.addr, "addr", "", "gateway address (empty = config)")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() != 1 {
		return f, errors.New("usage: taskflow run [-workers N] [-max-retries N] [-plain] [-serve] [-addr host:port] <plan.yaml>")
	}
	if f.workers < 0 {
		return f, fmt.Errorf("-workers must be >= 0, got %d", f.workers)
	}
	f.planPath = fs.Arg(0)
	return f, nil
}

// stdoutIsTerminal is swapped in tests.
var stdoutIsTerminal = func(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func runRunCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags, err := parseRunFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
		}
		return exitUsage
	}
	planPath, err := filepath.Abs(flags.planPath)
	if err != nil {
		fmt.Fprintf(stderr, "plan path: %v\n", err)
		return exitUsage
	}
	if _, err := os.Stat(planPath); err != nil {
		fmt.Fprintf(stderr, "plan: %v\n", err)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitUsage
	}
	if flags.workers > 0 {
		cfg.Scheduler.Workers = flags.workers
	}
	if flags.maxRetries >= 0 {
		cfg.Scheduler.MaxRetries = flags.maxRetries
	}
	if flags.addr != "" {
		cfg.Gateway.BindAddr = flags.addr
	}

	interactive := !flags.plain && stdoutIsTerminal(stdout)

	logger, level, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return exitUsage
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup", "version", Version, "plan", planPath, "config", cfg.Fingerprint(), "workers", cfg.Scheduler.Workers)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	watchConfig(runCtx, cfg, planPath, level, logger)

	provider, err := otelpkg.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Error("startup failure", "reason_code", "E_OTEL_INIT", "error", err)
		fmt.Fprintf(stderr, "telemetry: %v\n", err)
		return exitUsage
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelpkg.NewMetrics(provider.Meter)
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
		metrics = nil
	}

	locks, err := lock.NewManager(lock.Options{
		Dir:            cfg.LockDir(),
		Stale:          cfg.Lock.Stale(),
		Attempts:       cfg.Lock.Attempts,
		Factor:         cfg.Lock.Factor,
		MinTimeout:     cfg.Lock.MinTimeout(),
		MaxTimeout:     cfg.Lock.MaxTimeout(),
		DisableRefresh: cfg.Lock.DisableRefresh,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		fmt.Fprintf(stderr, "locks: %v\n", err)
		return exitUsage
	}
	defer func() {
		if err := locks.ReleaseAll(); err != nil {
			logger.Warn("release locks on exit", "error", err)
		}
	}()

	eventBus := bus.New()

	var store *persistence.Store
	var journal *persistence.Journal
	if cfg.Journal.Enabled {
		store, err = persistence.Open(cfg.JournalPath())
		if err != nil {
			fmt.Fprintf(stderr, "journal: %v\n", err)
			return exitUsage
		}
		defer store.Close()
		journal = persistence.NewJournal(store, eventBus, logger)
		journal.Start(runCtx)
	}

	runner, closeRunner, err := newRunner(cfg, filepath.Dir(planPath))
	if err != nil {
		fmt.Fprintf(stderr, "executor: %v\n", err)
		return exitUsage
	}
	defer closeRunner()

	stats := coordinator.NewStats()
	shell := executor.NewShell(executor.Options{
		WorkDir:        filepath.Dir(planPath),
		DefaultTimeout: time.Duration(cfg.Executor.DefaultTimeoutSeconds) * time.Second,
		MaxTimeout:     time.Duration(cfg.Executor.MaxTimeoutSeconds) * time.Second,
		MaxOutput:      cfg.Executor.MaxOutputBytes,
		Locks:          locks,
		Runner:         runner,
		Recorder:       stats,
		Logger:         logger,
		Tracer:         provider.Tracer,
	})

	sched := coordinator.NewScheduler(
		&planner.File{Path: planPath, Logger: logger},
		shell,
		coordinator.WithEmitter(bus.Emitter(eventBus)),
		coordinator.WithLogger(logger),
		coordinator.WithWorkers(cfg.Scheduler.Workers),
		coordinator.WithMaxRetries(cfg.Scheduler.MaxRetries),
		coordinator.WithStuckLimit(cfg.Scheduler.StuckLimit),
		coordinator.WithStuckBackoff(cfg.Scheduler.StuckBackoff()),
		coordinator.WithStats(stats),
		coordinator.WithMetrics(metrics),
		coordinator.WithTracer(provider.Tracer),
	)

	var gwWG sync.WaitGroup
	if flags.serve {
		gw := gateway.New(gateway.Config{
			Bus:               eventBus,
			Store:             store,
			AuthToken:         cfg.Gateway.AuthToken,
			AllowOrigins:      cfg.Gateway.AllowOrigins,
			ConfigFingerprint: cfg.Fingerprint(),
			Logger:            logger,
		})
		gwCtx, stopGateway := context.WithCancel(ctx)
		defer func() {
			stopGateway()
			gwWG.Wait()
		}()
		bound := make(chan error, 1)
		gwWG.Add(1)
		go func() {
			defer gwWG.Done()
			listening := false
			err := gw.ListenAndServe(gwCtx, cfg.Gateway.BindAddr, func(addr net.Addr) {
				fmt.Fprintf(stderr, "observer gateway on http://%s\n", addr)
				listening = true
				bound <- nil
			})
			if err != nil {
				logger.Error("gateway stopped", "error", err)
				if !listening {
					bound <- err
				}
			}
		}()
		if err := <-bound; err != nil {
			fmt.Fprintf(stderr, "gateway: %v\n", err)
			return exitUsage
		}
	}

	sub := eventBus.SubscribeBuffered(bus.TopicRunPrefix, 4096)
	renderDone := make(chan error, 1)
	go func() {
		defer eventBus.Unsubscribe(sub)
		if interactive {
			renderDone <- tui.Run(runCtx, sub, tui.Options{
				Title:   filepath.Base(planPath),
				Workers: cfg.Scheduler.Workers,
				OnQuit:  cancelRun,
			})
			return
		}
		renderDone <- tui.NewConsole(stdout).Follow(runCtx, sub)
	}()

	if store != nil {
		err := store.BeginRun(ctx, persistence.RunRecord{
			ID:        sched.RunID(),
			Objective: filepath.Base(planPath),
			PlanPath:  planPath,
			Workers:   cfg.Scheduler.Workers,
			StartedAt: time.Now(),
		})
		if err != nil {
			logger.Warn("journal begin run", "error", err)
		}
	}

	report, runErr := sched.Run(runCtx, planPath, coordinator.PlanContext{WorkDir: filepath.Dir(planPath)})

	select {
	case <-renderDone:
	case <-time.After(2 * time.Second):
		logger.Warn("renderer did not finish")
	}

	if journal != nil {
		journal.Close()
		if err := store.FinishRun(context.WithoutCancel(ctx), report, runErr); err != nil {
			logger.Warn("journal finish run", "error", err)
		}
		logger.Info("journal written", "events", journal.Written(), "failed", journal.Failed())
	}

	tui.WriteSummary(stdout, report, interactive)
	return exitCodeFor(report, runErr, stderr)
}

// newRunner builds the command runner named by executor.runner. Container
// runs mount the plan directory as their workspace.
func newRunner(cfg config.Config, workspace string) (executor.Runner, func(), error) {
	if cfg.Executor.Runner != "docker" {
		return executor.HostRunner{Shell: cfg.Executor.Shell}, func() {}, nil
	}
	d, err := executor.NewDockerRunner(executor.DockerOptions{
		Image:     cfg.Executor.Docker.Image,
		MemoryMB:  cfg.Executor.Docker.MemoryMB,
		Network:   cfg.Executor.Docker.Network,
		Workspace: workspace,
	})
	if err != nil {
		return nil, nil, err
	}
	return d, func() { _ = d.Close() }, nil
}

// exitCodeFor maps a run outcome to the process exit status. A run that
// finishes with permanently failed tasks is a failed run.
func exitCodeFor(report *coordinator.Report, runErr error, stderr io.Writer) int {
	if runErr != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", runErr)
		return exitFailed
	}
	if report != nil && report.Stats.TasksFailed > 0 {
		return exitFailed
	}
	return exitOK
}

// watchConfig applies a changed log_level live and warns when the plan file
// is edited mid-run.
func watchConfig(ctx context.Context, cfg config.Config, planPath string, level *slog.LevelVar, logger *slog.Logger) {
	w := config.NewWatcher(cfg.HomeDir, logger, planPath)
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}
	go func() {
		for ev := range w.Events() {
			if filepath.Clean(ev.Path) == filepath.Clean(planPath) {
				logger.Warn("plan file changed during run; changes apply to the next run", "path", ev.Path)
				continue
			}
			next, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Warn("config reload rejected", "error", err)
				continue
			}
			newLevel := telemetry.ParseLevel(next.LogLevel)
			if newLevel != level.Level() {
				level.Set(newLevel)
				logger.Info("log level changed", "level", next.LogLevel)
			}
		}
	}()
}
