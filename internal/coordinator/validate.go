package coordinator

import (
	"fmt"
	"slices"
)

// Validate checks that every dependency exists and that the graph is
// acyclic. It must pass before anything is dispatched.
func (g *TaskGraph) Validate() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.order) == 0 {
		return &PlanningError{Reason: "plan has no tasks"}
	}

	inDegree := make(map[int]int, len(g.order))
	dependents := make(map[int][]int, len(g.order))
	for _, id := range g.order {
		t := g.tasks[id]
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return &PlanningError{
					Reason:       fmt.Sprintf("task %d depends on nonexistent task %d", id, dep),
					TaskID:       id,
					DependencyID: dep,
				}
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	// Kahn's algorithm: peel zero in-degree nodes in insertion order.
	queue := make([]int, 0, len(g.order))
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	peeled := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		peeled++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if peeled < len(g.order) {
		var candidates []int
		for _, id := range g.order {
			if inDegree[id] > 0 {
				candidates = append(candidates, id)
			}
		}
		slices.Sort(candidates)
		return &PlanningError{
			Reason:     "dependency cycle detected",
			Candidates: candidates,
		}
	}

	g.validated = true
	return nil
}
