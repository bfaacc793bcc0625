package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: taskflow <command> [flags]

COMMANDS:
  run [flags] <plan.yaml>     Execute a task plan
        -workers N            concurrent tasks (default from config, 1 = sequential)
        -max-retries N        retries per failing task (default from config)
        -plain                line output even on a terminal
        -serve                start the observer gateway for the run
        -addr host:port       gateway address (default from config)
  plan [-o plan.yaml] [-dir DIR] "<objective>"
                              Draft a plan with the configured model
  schedule [-count N] [-now] "<cron expr>" [run flags] <plan.yaml>
                              Repeat a run on a cron schedule
                              (5-field, @hourly, @every 10m)
  validate <plan.yaml>        Check a plan for schema errors, unknown
                              dependencies and cycles
  history [-limit N] [-json] [run-id]
                              List recorded runs, or show one run
  doctor [-json]              Run diagnostic checks
  status [host:port]          Query the observer gateway of a running run
  version                     Print the version

ENVIRONMENT VARIABLES:
  TASKFLOW_HOME               Data directory (default: ~/.taskflow)
  TASKFLOW_WORKERS            Overrides scheduler.workers
  TASKFLOW_LOG_LEVEL          Overrides log_level

EXIT CODES:
  0 success, 1 run or check failed, 2 usage or configuration error
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := dispatch(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func dispatch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return exitUsage
	}
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "taskflow %s\n", Version)
		return exitOK
	case "run":
		return runRunCommand(ctx, args[1:], stdout, stderr)
	case "plan":
		return runPlanCommand(ctx, args[1:], stdout, stderr)
	case "validate":
		return runValidateCommand(args[1:], stdout, stderr)
	case "history":
		return runHistoryCommand(ctx, args[1:], stdout, stderr)
	case "doctor":
		return runDoctorCommand(ctx, args[1:], stdout, stderr)
	case "schedule":
		return runScheduleCommand(ctx, args[1:], stdout, stderr)
	case "status":
		return runStatusCommand(ctx, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return exitUsage
	}
}
