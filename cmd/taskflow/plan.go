package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskflow/internal/config"
	"github.com/basket/taskflow/internal/coordinator"
	"github.com/basket/taskflow/internal/planner"
)

// newGenerator is swapped in tests.
var newGenerator = func(ctx context.Context, c config.LLMConfig) (planner.Generator, error) {
	return planner.NewGenkitGenerator(ctx, planner.ModelConfig{
		Provider: c.Provider,
		Model:    c.Model,
		APIKey:   c.APIKey,
		BaseURL:  c.BaseURL,
	})
}

// runPlanCommand asks the configured model to draft a plan for an objective
// and writes it as YAML after it validates.
func runPlanCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("o", "", "write the plan to this file instead of stdout")
	dir := fs.String("dir", ".", "directory the plan's commands will run in")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	objective := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if objective == "" {
		fmt.Fprintln(stderr, `usage: taskflow plan [-o plan.yaml] [-dir DIR] "<objective>"`)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitUsage
	}
	gen, err := newGenerator(ctx, cfg.LLM)
	if err != nil {
		fmt.Fprintf(stderr, "model: %v\n", err)
		if errors.Is(err, planner.ErrNoAPIKey) {
			fmt.Fprintln(stderr, "set llm.api_key in config.yaml or the provider's API key variable")
		}
		return exitUsage
	}

	workDir, err := filepath.Abs(*dir)
	if err != nil {
		fmt.Fprintf(stderr, "dir: %v\n", err)
		return exitUsage
	}
	llm := &planner.LLM{Gen: gen, Attempts: cfg.LLM.Attempts, Logger: slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))}
	doc, err := llm.Draft(ctx, objective, coordinator.PlanContext{WorkDir: workDir})
	if err != nil {
		fmt.Fprintf(stderr, "plan: %v\n", err)
		return exitFailed
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		fmt.Fprintf(stderr, "encode plan: %v\n", err)
		return exitFailed
	}
	if *out == "" {
		_, _ = stdout.Write(data)
		return exitOK
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fmt.Fprintf(stderr, "write plan: %v\n", err)
		return exitFailed
	}
	fmt.Fprintf(stdout, "wrote %d tasks to %s\n", len(doc.Tasks), *out)
	return exitOK
}
