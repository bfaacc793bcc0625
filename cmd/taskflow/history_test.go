package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskflow/internal/coordinator"
	"github.com/basket/taskflow/internal/persistence"
)

func seedJournal(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TASKFLOW_HOME", home)
	store, err := persistence.Open(filepath.Join(home, "taskflow.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.BeginRun(ctx, persistence.RunRecord{ID: "run-1", Objective: "deploy", Workers: 1, StartedAt: time.Now()}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := store.AppendEvent(ctx, coordinator.Event{RunID: "run-1", Kind: coordinator.EventTaskStatus, TaskID: 1, Status: coordinator.StatusCompleted}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	g := coordinator.NewTaskGraph()
	g.AddTask("compile", nil)
	g.MarkStatus(1, coordinator.StatusCompleted, &coordinator.TaskResult{Success: true, Message: "ok"})
	report := &coordinator.Report{
		RunID: "run-1",
		State: coordinator.StateDone,
		Stats: coordinator.StatsSnapshot{TasksTotal: 1, TasksCompleted: 1},
		Tasks: g.Tasks(),
	}
	if err := store.FinishRun(ctx, report, nil); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	return home
}

func TestHistory_List(t *testing.T) {
	seedJournal(t)
	var stdout, stderr bytes.Buffer
	if code := runHistoryCommand(context.Background(), nil, &stdout, &stderr); code != exitOK {
		t.Fatalf("exit code %d: %s", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"RUN", "run-1", "done", "1/1", "deploy"} {
		if !strings.Contains(out, want) {
			t.Fatalf("history output missing %q:\n%s", want, out)
		}
	}
}

func TestHistory_ShowRunJSON(t *testing.T) {
	seedJournal(t)
	var stdout, stderr bytes.Buffer
	if code := runHistoryCommand(context.Background(), []string{"-json", "run-1"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("exit code %d: %s", code, stderr.String())
	}
	var detail runDetail
	if err := json.Unmarshal(stdout.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout.String())
	}
	if detail.Run.ID != "run-1" || len(detail.Tasks) != 1 || detail.Tasks[0].Status != "completed" {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if len(detail.Events) != 1 || detail.Events[0].TaskID != 1 {
		t.Fatalf("unexpected events: %+v", detail.Events)
	}
}

func TestHistory_Errors(t *testing.T) {
	t.Run("no journal", func(t *testing.T) {
		t.Setenv("TASKFLOW_HOME", t.TempDir())
		var stdout, stderr bytes.Buffer
		if code := runHistoryCommand(context.Background(), nil, &stdout, &stderr); code != exitFailed {
			t.Fatalf("exit code: got %d want %d", code, exitFailed)
		}
		if !strings.Contains(stderr.String(), "no journal") {
			t.Fatalf("stderr: %q", stderr.String())
		}
	})
	t.Run("unknown run", func(t *testing.T) {
		seedJournal(t)
		var stdout, stderr bytes.Buffer
		if code := runHistoryCommand(context.Background(), []string{"run-404"}, &stdout, &stderr); code != exitFailed {
			t.Fatalf("exit code: got %d want %d", code, exitFailed)
		}
		if !strings.Contains(stderr.String(), "run run-404 not found") {
			t.Fatalf("stderr: %q", stderr.String())
		}
	})
	t.Run("bad limit", func(t *testing.T) {
		t.Setenv("TASKFLOW_HOME", t.TempDir())
		var stdout, stderr bytes.Buffer
		if code := runHistoryCommand(context.Background(), []string{"-limit", "0"}, &stdout, &stderr); code != exitUsage {
			t.Fatalf("exit code: got %d want %d", code, exitUsage)
		}
	})
}
