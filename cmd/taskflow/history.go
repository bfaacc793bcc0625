package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/basket/taskflow/internal/config"
	"github.com/basket/taskflow/internal/persistence"
)

type runDetail struct {
	Run    persistence.RunRecord     `json:"run"`
	Tasks  []persistence.TaskRecord  `json:"tasks"`
	Events []persistence.EventRecord `json:"events,omitempty"`
}

func runHistoryCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 20, "number of runs (or events for one run) to show")
	jsonOutput := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() > 1 || *limit <= 0 {
		fmt.Fprintln(stderr, "usage: taskflow history [-limit N] [-json] [run-id]")
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitUsage
	}
	path := cfg.JournalPath()
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(stderr, "no journal at %s\n", path)
		return exitFailed
	}
	store, err := persistence.Open(path)
	if err != nil {
		fmt.Fprintf(stderr, "journal: %v\n", err)
		return exitFailed
	}
	defer store.Close()

	if fs.NArg() == 1 {
		return showRun(ctx, store, fs.Arg(0), *limit, *jsonOutput, stdout, stderr)
	}

	runs, err := store.ListRuns(ctx, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "list runs: %v\n", err)
		return exitFailed
	}
	if *jsonOutput {
		return writeJSON(stdout, stderr, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "no runs recorded")
		return exitOK
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATE\tTASKS\tFAILED\tPLAN")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.State,
			r.TasksCompleted, r.TasksTotal, r.TasksFailed, r.Objective)
	}
	_ = tw.Flush()
	return exitOK
}

func showRun(ctx context.Context, store *persistence.Store, id string, limit int, jsonOutput bool, stdout, stderr io.Writer) int {
	run, err := store.GetRun(ctx, id)
	if errors.Is(err, persistence.ErrRunNotFound) {
		fmt.Fprintf(stderr, "run %s not found\n", id)
		return exitFailed
	}
	if err != nil {
		fmt.Fprintf(stderr, "get run: %v\n", err)
		return exitFailed
	}
	tasks, err := store.ListRunTasks(ctx, id)
	if err != nil {
		fmt.Fprintf(stderr, "list tasks: %v\n", err)
		return exitFailed
	}
	events, err := store.ListRunEvents(ctx, id, limit)
	if err != nil {
		fmt.Fprintf(stderr, "list events: %v\n", err)
		return exitFailed
	}
	if jsonOutput {
		return writeJSON(stdout, stderr, runDetail{Run: run, Tasks: tasks, Events: events})
	}

	fmt.Fprintf(stdout, "run %s  %s  (%s)\n", run.ID, run.State, run.Objective)
	if run.Error != "" {
		fmt.Fprintf(stdout, "error: %s\n", run.Error)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tRETRIES\tDEPS\tDESCRIPTION")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%v\t%s\n", t.TaskID, t.Status, t.Retries, t.DependsOn, t.Description)
	}
	_ = tw.Flush()
	if len(events) > 0 {
		fmt.Fprintf(stdout, "\nevents (first %d):\n", len(events))
		for _, ev := range events {
			line := ev.Kind
			if ev.Status != "" {
				line += fmt.Sprintf(" task=%d %s", ev.TaskID, ev.Status)
			}
			if ev.Message != "" {
				line += " " + ev.Message
			}
			fmt.Fprintf(stdout, "  %s  %s\n", ev.CreatedAt.Local().Format(time.TimeOnly), line)
		}
	}
	return exitOK
}

func writeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "encode: %v\n", err)
		return exitFailed
	}
	return exitOK
}
