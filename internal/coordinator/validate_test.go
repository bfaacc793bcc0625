package coordinator

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestValidate_Acyclic(t *testing.T) {
	g := NewTaskGraph()
	g.AddTask("a", nil)
	g.AddTask("b", []int{1})
	g.AddTask("c", []int{1, 2})
	if err := g.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !g.Validated() {
		t.Fatalf("expected graph to be marked validated")
	}
	g.AddTask("d", []int{3})
	if g.Validated() {
		t.Fatalf("adding a task must clear the validated flag")
	}
}

func TestValidate_Empty(t *testing.T) {
	err := NewTaskGraph().Validate()
	if !errors.Is(err, ErrPlanning) {
		t.Fatalf("expected planning error, got %v", err)
	}
}

func TestValidate_UnknownDependency(t *testing.T) {
	g := NewTaskGraph()
	g.AddTask("a", nil)
	g.AddTask("b", []int{7})
	err := g.Validate()
	var pe *PlanningError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PlanningError, got %v", err)
	}
	if pe.TaskID != 2 || pe.DependencyID != 7 {
		t.Fatalf("error should name task 2 and dependency 7: %+v", pe)
	}
	if !strings.Contains(err.Error(), "task 2 depends on nonexistent task 7") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestValidate_Cycles(t *testing.T) {
	tests := []struct {
		name       string
		build      func(g *TaskGraph)
		candidates []int
	}{
		{
			name: "two-node cycle",
			build: func(g *TaskGraph) {
				g.AddTask("t1", []int{2})
				g.AddTask("t2", []int{1})
			},
			candidates: []int{1, 2},
		},
		{
			name: "self loop",
			build: func(g *TaskGraph) {
				g.AddTask("t1", nil)
				g.AddTask("t2", []int{2})
			},
			candidates: []int{2},
		},
		{
			name: "cycle with downstream task",
			build: func(g *TaskGraph) {
				g.AddTask("root", nil)
				g.AddTask("a", []int{1, 3})
				g.AddTask("b", []int{2})
				g.AddTask("tail", []int{3})
			},
			candidates: []int{2, 3, 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewTaskGraph()
			tt.build(g)
			err := g.Validate()
			var pe *PlanningError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *PlanningError, got %v", err)
			}
			if diff := cmp.Diff(tt.candidates, pe.Candidates); diff != "" {
				t.Fatalf("candidates (-want +got):\n%s", diff)
			}
			if !strings.Contains(err.Error(), "possibly involved") {
				t.Fatalf("candidates must not be presented as the cycle: %q", err.Error())
			}
			if g.Validated() {
				t.Fatalf("cyclic graph marked validated")
			}
		})
	}
}
