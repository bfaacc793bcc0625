package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/basket/taskflow/internal/coordinator"
	"github.com/basket/taskflow/internal/shared"
)

// DefaultLLMAttempts bounds how often a model is asked to fix its plan.
const DefaultLLMAttempts = 3

// Generator returns model text for a system instruction and a prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// LLM drafts plans by asking a model for a plan document. Drafts that fail
// the schema or graph validation are sent back with the error until
// Attempts is exhausted.
type LLM struct {
	Gen      Generator
	Attempts int
	Logger   *slog.Logger
}

var _ coordinator.Planner = (*LLM)(nil)

// GeneratePlan implements coordinator.Planner.
func (l *LLM) GeneratePlan(ctx context.Context, objective string, pc coordinator.PlanContext) (*coordinator.TaskGraph, error) {
	doc, err := l.Draft(ctx, objective, pc)
	if err != nil {
		return nil, err
	}
	return doc.Build()
}

// Draft returns a plan document for objective that parses and builds.
func (l *LLM) Draft(ctx context.Context, objective string, pc coordinator.PlanContext) (*Document, error) {
	if l.Gen == nil {
		return nil, coordinator.NewPlanningError("no model configured", nil)
	}
	objective = strings.TrimSpace(objective)
	if objective == "" {
		return nil, coordinator.NewPlanningError("objective is empty", nil)
	}
	attempts := l.Attempts
	if attempts <= 0 {
		attempts = DefaultLLMAttempts
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	system := systemPrompt()
	prompt := objectivePrompt(objective, pc)
	var lastErr error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := l.Gen.Generate(ctx, system, prompt)
		if err != nil {
			return nil, coordinator.NewPlanningError("model request failed", err)
		}
		doc, err := Parse([]byte(stripFences(text)))
		if err == nil {
			if doc.Objective == "" {
				doc.Objective = objective
			}
			_, err = doc.Build()
		}
		if err == nil {
			if shared.Redact(text) != text {
				logger.Warn("drafted plan contains secret-looking values; review it before running")
			}
			logger.Info("plan drafted", "tasks", len(doc.Tasks), "attempt", i)
			return doc, nil
		}
		lastErr = err
		logger.Warn("model plan rejected", "attempt", i, "error", err)
		prompt = objectivePrompt(objective, pc) +
			"\n\nYour previous answer was rejected: " + err.Error() +
			"\nReturn a corrected plan document only."
	}

	var pe *coordinator.PlanningError
	if errors.As(lastErr, &pe) {
		return nil, &coordinator.PlanningError{
			Reason:     fmt.Sprintf("model gave no valid plan after %d attempts: %s", attempts, pe.Reason),
			Candidates: pe.Candidates,
			Err:        pe.Err,
		}
	}
	return nil, coordinator.NewPlanningError(fmt.Sprintf("model gave no valid plan after %d attempts", attempts), lastErr)
}

func systemPrompt() string {
	return `You break an objective into a dependency graph of shell tasks.
Answer with a single YAML plan document and nothing else. It must satisfy this JSON schema:

` + string(planSchemaJSON) + `
Rules: ids are positive integers, depends_on lists ids of earlier tasks, the graph has no cycles,
and tasks that touch the same files declare them in action.resources.`
}

func objectivePrompt(objective string, pc coordinator.PlanContext) string {
	var sb strings.Builder
	sb.WriteString("Objective: ")
	sb.WriteString(objective)
	if pc.WorkDir != "" {
		sb.WriteString("\nCommands run in: ")
		sb.WriteString(pc.WorkDir)
	}
	for _, k := range slices.Sorted(maps.Keys(pc.Vars)) {
		fmt.Fprintf(&sb, "\n%s: %s", k, pc.Vars[k])
	}
	return sb.String()
}

// stripFences removes a surrounding markdown code fence.
func stripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	} else {
		return ""
	}
	t = strings.TrimSpace(t)
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}
