// Package executor runs plan actions: an optional file write followed by a
// shell command, under resource locks.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskflow/internal/coordinator"
	"github.com/basket/taskflow/internal/lock"
	otelpkg "github.com/basket/taskflow/internal/otel"
	"github.com/basket/taskflow/internal/planner"
	"github.com/basket/taskflow/internal/shared"
)

const (
	DefaultTimeout   = 5 * time.Minute
	DefaultMaxOutput = 8 * 1024
	label            = "shell"
)

// Options configures a Shell executor.
type Options struct {
	WorkDir        string
	DefaultTimeout time.Duration
	// MaxTimeout caps per-task timeouts; zero means no cap.
	MaxTimeout time.Duration
	MaxOutput  int

	Locks    *lock.Manager
	Runner   Runner
	Recorder coordinator.DispatchRecorder
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

// Shell executes planner.Action payloads.
type Shell struct {
	opts   Options
	logger *slog.Logger
}

var _ coordinator.Executor = (*Shell)(nil)
var _ coordinator.Labeler = (*Shell)(nil)

// NewShell returns a shell executor.
func NewShell(opts Options) *Shell {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = DefaultMaxOutput
	}
	if opts.Runner == nil {
		opts.Runner = HostRunner{}
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer(otelpkg.TracerName)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Shell{opts: opts, logger: opts.Logger.With("component", "executor")}
}

// Label implements coordinator.Labeler.
func (s *Shell) Label() string { return label }

// Execute implements coordinator.Executor. Command failures, timeouts and
// lock contention produce a failed result; an error is returned only when
// the command could not be started at all.
func (s *Shell) Execute(ctx context.Context, task *coordinator.Task) (coordinator.TaskResult, error) {
	action, _ := task.Payload.(*planner.Action)
	if action == nil || (action.Command == "" && action.Write == nil) {
		return coordinator.TaskResult{Success: true, Message: "nothing to run"}, nil
	}

	resources := make([]string, 0, len(action.Resources)+1)
	for _, r := range action.LockResources() {
		resources = append(resources, s.resolve(r))
	}

	var (
		res   coordinator.TaskResult
		fault error
	)
	run := func() error {
		res, fault = s.perform(ctx, task, action)
		return nil
	}
	var err error
	if s.opts.Locks != nil && len(resources) > 0 {
		err = s.opts.Locks.WithLocks(ctx, resources, run)
	} else {
		err = run()
	}
	if err != nil {
		if errors.Is(err, lock.ErrLockAcquisitionFailed) {
			return coordinator.TaskResult{Success: false, Message: err.Error()}, nil
		}
		return coordinator.TaskResult{Success: false, Message: fmt.Sprintf("release locks: %v", err)}, nil
	}
	return res, fault
}

func (s *Shell) resolve(p string) string {
	if filepath.IsAbs(p) || s.opts.WorkDir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(s.opts.WorkDir, p)
}

func (s *Shell) perform(ctx context.Context, task *coordinator.Task, action *planner.Action) (coordinator.TaskResult, error) {
	logger := shared.Logger(shared.WithLogger(ctx, s.logger))
	var artifacts []string

	if w := action.Write; w != nil {
		path := s.resolve(w.Path)
		if err := writeFile(path, w.Content, w.Append); err != nil {
			logger.Warn("file write failed", "path", path, "error", err)
			return coordinator.TaskResult{Success: false, Message: err.Error()}, nil
		}
		artifacts = append(artifacts, path)
		logger.Debug("file written", "path", path, "bytes", len(w.Content))
	}

	if action.Command == "" {
		return coordinator.TaskResult{
			Success:   true,
			Message:   fmt.Sprintf("wrote %s", strings.Join(artifacts, ", ")),
			Artifacts: artifacts,
		}, nil
	}

	timeout := action.Timeout()
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}
	if s.opts.MaxTimeout > 0 && timeout > s.opts.MaxTimeout {
		timeout = s.opts.MaxTimeout
	}
	dir := s.opts.WorkDir
	if action.Dir != "" {
		dir = s.resolve(action.Dir)
	}

	ctx, span := otelpkg.StartClientSpan(ctx, s.opts.Tracer, "shell.exec",
		otelpkg.AttrTaskID.Int(task.ID),
		otelpkg.AttrLabel.String(label),
	)
	defer span.End()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.opts.Recorder != nil {
		s.opts.Recorder.RecordDispatch()
	}
	logger.Info("running command", "command", shared.Redact(action.Command), "dir", dir, "timeout", timeout)
	stdout, stderr, exitCode, err := s.opts.Runner.Run(execCtx, action.Command, dir, s.environ(action.Env, logger))
	output := s.output(stdout, stderr)

	switch {
	case err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		span.SetStatus(codes.Error, "timeout")
		return coordinator.TaskResult{
			Success:   false,
			Message:   fmt.Sprintf("command timed out after %s", timeout),
			Output:    output,
			Artifacts: artifacts,
		}, nil
	case err != nil && ctx.Err() != nil:
		span.SetStatus(codes.Error, "canceled")
		return coordinator.TaskResult{Success: false, Message: "command canceled", Output: output, Artifacts: artifacts}, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return coordinator.TaskResult{}, fmt.Errorf("start command: %w", err)
	case exitCode != 0:
		span.SetStatus(codes.Error, fmt.Sprintf("exit %d", exitCode))
		return coordinator.TaskResult{
			Success:   false,
			Message:   fmt.Sprintf("command exited with status %d", exitCode),
			Output:    output,
			Artifacts: artifacts,
		}, nil
	}
	return coordinator.TaskResult{
		Success:   true,
		Message:   "command succeeded",
		Output:    output,
		Artifacts: artifacts,
	}, nil
}

// environ returns the action's variables in key order. Runners supply the
// base environment.
func (s *Shell) environ(extra map[string]string, logger *slog.Logger) []string {
	env := make([]string, 0, len(extra))
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, k+"="+extra[k])
		logger.Debug("command env", "key", k, "value", shared.RedactEnvValue(k, extra[k]))
	}
	return env
}

func (s *Shell) output(stdout, stderr string) string {
	out := stdout
	if stderr != "" {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += stderr
	}
	return shared.Redact(truncateOutput(out, s.opts.MaxOutput))
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

// writeFile replaces path atomically via a temp file and rename, or appends
// when asked. Parent directories are created.
func writeFile(path, content string, appendMode bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	if appendMode {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open for append: %w", err)
		}
		if _, err := f.WriteString(content); err != nil {
			_ = f.Close()
			return fmt.Errorf("append: %w", err)
		}
		return f.Close()
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
