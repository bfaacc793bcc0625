package planner

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/basket/taskflow/internal/coordinator"
)

//go:embed plan.schema.json
var planSchemaJSON []byte

// Document is a parsed plan file. JSON documents are accepted as YAML.
type Document struct {
	Objective string     `json:"objective,omitempty" yaml:"objective,omitempty"`
	Tasks     []TaskSpec `json:"tasks" yaml:"tasks"`
}

// TaskSpec is one task entry. IDs are document-local; the graph assigns its
// own ids in document order.
type TaskSpec struct {
	ID          int     `json:"id" yaml:"id"`
	Description string  `json:"description" yaml:"description"`
	DependsOn   []int   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Label       string  `json:"label,omitempty" yaml:"label,omitempty"`
	Action      *Action `json:"action,omitempty" yaml:"action,omitempty"`
}

// Action is the executor payload attached to a task.
type Action struct {
	Command        string            `json:"command,omitempty" yaml:"command,omitempty"`
	Dir            string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Write          *FileWrite        `json:"write,omitempty" yaml:"write,omitempty"`
	Resources      []string          `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// Timeout returns the per-task timeout, or 0 when unset.
func (a *Action) Timeout() time.Duration {
	if a == nil || a.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// LockResources returns the resources the action must hold: the declared
// ones plus the write target.
func (a *Action) LockResources() []string {
	if a == nil {
		return nil
	}
	out := append([]string(nil), a.Resources...)
	if a.Write != nil && a.Write.Path != "" {
		out = append(out, a.Write.Path)
	}
	return out
}

// FileWrite writes Content to Path before the command runs.
type FileWrite struct {
	Path    string `json:"path" yaml:"path"`
	Content string `json:"content,omitempty" yaml:"content,omitempty"`
	Append  bool   `json:"append,omitempty" yaml:"append,omitempty"`
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func planSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(planSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal plan schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("plan.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add plan schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("plan.schema.json")
	})
	return schema, schemaErr
}

// Parse decodes a YAML or JSON plan document and checks it against the plan
// schema. Structural problems are returned as *coordinator.PlanningError.
func Parse(data []byte) (*Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, coordinator.NewPlanningError("plan is not valid YAML or JSON", err)
	}
	if raw == nil {
		return nil, coordinator.NewPlanningError("plan is empty", nil)
	}

	// Round-trip through JSON so the validator sees json.Number values.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, coordinator.NewPlanningError("plan contains values that cannot be represented as JSON", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return nil, coordinator.NewPlanningError("plan is not valid JSON", err)
	}
	s, err := planSchema()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(inst); err != nil {
		return nil, coordinator.NewPlanningError(fmt.Sprintf("plan does not match schema: %s", schemaMessage(err)), err)
	}

	var doc Document
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return nil, coordinator.NewPlanningError("decode plan", err)
	}
	return &doc, nil
}

func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		// Report the deepest cause; the top-level message only says
		// "validation failed".
		for len(ve.Causes) > 0 {
			ve = ve.Causes[0]
		}
		return ve.Error()
	}
	return err.Error()
}

// Build turns the document into a validated task graph. Document ids are
// remapped onto graph ids; errors name document ids.
func (d *Document) Build() (*coordinator.TaskGraph, error) {
	if d == nil || len(d.Tasks) == 0 {
		return nil, coordinator.NewPlanningError("plan has no tasks", nil)
	}

	// A fresh graph assigns ids 1..n in insertion order.
	graphID := make(map[int]int, len(d.Tasks))
	docID := make(map[int]int, len(d.Tasks))
	for i, ts := range d.Tasks {
		if _, dup := graphID[ts.ID]; dup {
			return nil, &coordinator.PlanningError{
				Reason: fmt.Sprintf("duplicate task id %d", ts.ID),
				TaskID: ts.ID,
			}
		}
		graphID[ts.ID] = i + 1
		docID[i+1] = ts.ID
	}

	g := coordinator.NewTaskGraph()
	for _, ts := range d.Tasks {
		deps := make([]int, 0, len(ts.DependsOn))
		for _, dep := range ts.DependsOn {
			id, ok := graphID[dep]
			if !ok {
				return nil, &coordinator.PlanningError{
					Reason:       fmt.Sprintf("task %d depends on nonexistent task %d", ts.ID, dep),
					TaskID:       ts.ID,
					DependencyID: dep,
				}
			}
			deps = append(deps, id)
		}
		opts := []coordinator.TaskOption{coordinator.WithLabel(ts.Label)}
		if ts.Action != nil {
			opts = append(opts, coordinator.WithPayload(ts.Action))
		}
		g.AddTask(ts.Description, deps, opts...)
	}

	if err := g.Validate(); err != nil {
		var pe *coordinator.PlanningError
		if errors.As(err, &pe) && len(pe.Candidates) > 0 {
			mapped := make([]int, len(pe.Candidates))
			for i, id := range pe.Candidates {
				mapped[i] = docID[id]
			}
			slices.Sort(mapped)
			return nil, &coordinator.PlanningError{Reason: pe.Reason, Candidates: mapped}
		}
		return nil, err
	}
	return g, nil
}
