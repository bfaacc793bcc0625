package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskflow/internal/config"
	"github.com/basket/taskflow/internal/planner"
)

type cannedGen struct{ reply string }

func (c cannedGen) Generate(context.Context, string, string) (string, error) { return c.reply, nil }

func withGenerator(t *testing.T, gen planner.Generator, err error) {
	t.Helper()
	orig := newGenerator
	newGenerator = func(context.Context, config.LLMConfig) (planner.Generator, error) { return gen, err }
	t.Cleanup(func() { newGenerator = orig })
}

func TestPlan_WritesValidatedPlan(t *testing.T) {
	t.Setenv("TASKFLOW_HOME", t.TempDir())
	withGenerator(t, cannedGen{reply: "tasks:\n  - id: 1\n    description: say hi\n    action:\n      command: echo hi\n"}, nil)

	out := filepath.Join(t.TempDir(), "plan.yaml")
	var stdout, stderr bytes.Buffer
	if code := runPlanCommand(context.Background(), []string{"-o", out, "greet", "the", "world"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("exit code %d: %s", code, stderr.String())
	}
	doc, err := planner.Load(out)
	if err != nil {
		t.Fatalf("written plan does not load: %v", err)
	}
	if doc.Objective != "greet the world" || len(doc.Tasks) != 1 || doc.Tasks[0].Action.Command != "echo hi" {
		t.Fatalf("unexpected plan: %+v", doc)
	}

	stdout.Reset()
	if code := runValidateCommand([]string{out}, &stdout, &stderr); code != exitOK {
		t.Fatalf("validate exit code %d: %s", code, stderr.String())
	}
}

func TestPlan_InvalidModelOutput(t *testing.T) {
	t.Setenv("TASKFLOW_HOME", t.TempDir())
	withGenerator(t, cannedGen{reply: "sorry, I can't"}, nil)
	var stdout, stderr bytes.Buffer
	if code := runPlanCommand(context.Background(), []string{"anything"}, &stdout, &stderr); code != exitFailed {
		t.Fatalf("exit code: got %d want %d", code, exitFailed)
	}
	if !strings.Contains(stderr.String(), "no valid plan") {
		t.Fatalf("stderr: %q", stderr.String())
	}
}

func TestPlan_NoAPIKey(t *testing.T) {
	t.Setenv("TASKFLOW_HOME", t.TempDir())
	withGenerator(t, nil, planner.ErrNoAPIKey)
	var stdout, stderr bytes.Buffer
	if code := runPlanCommand(context.Background(), []string{"anything"}, &stdout, &stderr); code != exitUsage {
		t.Fatalf("exit code: got %d want %d", code, exitUsage)
	}
	if !strings.Contains(stderr.String(), "api_key") {
		t.Fatalf("stderr should explain the missing key: %q", stderr.String())
	}
}

func TestPlan_Usage(t *testing.T) {
	withGenerator(t, nil, errors.New("unused"))
	var stdout, stderr bytes.Buffer
	if code := runPlanCommand(context.Background(), nil, &stdout, &stderr); code != exitUsage {
		t.Fatalf("exit code: got %d want %d", code, exitUsage)
	}
}
