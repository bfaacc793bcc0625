// Package planner turns plan documents into validated task graphs.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/basket/taskflow/internal/coordinator"
)

// File reads a plan document from disk. When Path is empty the objective
// passed to GeneratePlan is used as the path, resolved against
// PlanContext.WorkDir when relative.
type File struct {
	Path   string
	Logger *slog.Logger
}

// GeneratePlan implements coordinator.Planner.
func (f *File) GeneratePlan(ctx context.Context, objective string, pc coordinator.PlanContext) (*coordinator.TaskGraph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := f.Path
	if path == "" {
		path = objective
	}
	if path == "" {
		return nil, coordinator.NewPlanningError("no plan file given", nil)
	}
	if !filepath.IsAbs(path) && pc.WorkDir != "" {
		path = filepath.Join(pc.WorkDir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, coordinator.NewPlanningError(fmt.Sprintf("read plan %s", path), err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	g, err := doc.Build()
	if err != nil {
		return nil, err
	}
	if f.Logger != nil {
		f.Logger.Info("plan loaded", "path", path, "objective", doc.Objective, "tasks", g.Len())
	}
	return g, nil
}

// Static plans from an in-memory document. Each call builds a fresh graph.
type Static struct {
	Doc *Document
}

// GeneratePlan implements coordinator.Planner.
func (s Static) GeneratePlan(ctx context.Context, _ string, _ coordinator.PlanContext) (*coordinator.TaskGraph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Doc == nil {
		return nil, coordinator.NewPlanningError("no plan document", nil)
	}
	return s.Doc.Build()
}

// Load reads and parses a plan file without building a graph.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, coordinator.NewPlanningError(fmt.Sprintf("read plan %s", path), err)
	}
	return Parse(data)
}
