package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/basket/taskflow/internal/cron"
)

// errRunFailed marks a scheduled occurrence that exited non-zero.
var errRunFailed = errors.New("scheduled run failed")

// runScheduleCommand repeats `taskflow run` for a plan on a cron schedule.
// Flags after the expression are passed to run unchanged.
func runScheduleCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	fs.SetOutput(stderr)
	count := fs.Int("count", 0, "stop after N runs (0 = until interrupted)")
	now := fs.Bool("now", false, "run once immediately, then follow the schedule")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() < 2 || *count < 0 {
		fmt.Fprintln(stderr, `usage: taskflow schedule [-count N] [-now] "<cron expr>" [run flags] <plan.yaml>`)
		return exitUsage
	}
	expr := fs.Arg(0)
	runArgs := append([]string{"-plain"}, fs.Args()[1:]...)
	if _, err := parseRunFlags(runArgs, io.Discard); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	lastCode := exitOK
	sched, err := cron.NewScheduler(cron.Config{
		Expr:      expr,
		Logger:    slog.Default(),
		MaxRuns:   *count,
		Immediate: *now,
	}, func(ctx context.Context, n int) error {
		fmt.Fprintf(stdout, "== scheduled run %d ==\n", n)
		lastCode = runRunCommand(ctx, runArgs, stdout, stderr)
		if lastCode != exitOK {
			return fmt.Errorf("%w: exit %d", errRunFailed, lastCode)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if err := sched.Run(ctx); err != nil {
		return lastCode
	}
	return exitOK
}
