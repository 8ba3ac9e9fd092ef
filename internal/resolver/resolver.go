// Package resolver computes the set of tasks a run needs and the order they run in.
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/taskweave/internal/task"
)

var (
	ErrMissingDependency  = errors.New("missing dependency")
	ErrCircularDependency = errors.New("circular dependency")
)

// MissingDependencyError names a task id referenced through depends or children
// that the registry does not contain.
type MissingDependencyError struct {
	TaskID  string
	Missing string
	Kind    string // "dependency" or "child"
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("missing %s %q referenced by task %q", e.Kind, e.Missing, e.TaskID)
}

func (e *MissingDependencyError) Is(target error) bool {
	return target == ErrMissingDependency
}

// CircularDependencyError names the node that closed a cycle and the cycle itself.
type CircularDependencyError struct {
	TaskID string
	Path   []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected at %q: %s", e.TaskID, strings.Join(e.Path, " -> "))
}

func (e *CircularDependencyError) Is(target error) bool {
	return target == ErrCircularDependency
}

// Lookup is the read side of a task registry.
type Lookup interface {
	Get(id string) (task.Task, bool)
}

// Graph is the transitive closure of a root task, in first-encounter order.
type Graph struct {
	order []string
	tasks map[string]task.Task
}

func (g *Graph) IDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

func (g *Graph) Get(id string) (task.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

func (g *Graph) Len() int {
	return len(g.order)
}

func (g *Graph) add(t task.Task) {
	g.order = append(g.order, t.ID())
	g.tasks[t.ID()] = t
}

// ResolveAll collects root and everything reachable from it through Depends and
// Children, depth first. Each id appears once. Any unresolvable reference fails
// the whole resolution.
func ResolveAll(root task.Task, registry Lookup) (*Graph, error) {
	g := &Graph{tasks: make(map[string]task.Task)}

	var visit func(t task.Task) error
	visit = func(t task.Task) error {
		if _, seen := g.tasks[t.ID()]; seen {
			return nil
		}
		g.add(t)

		edges := []struct {
			kind string
			ids  []string
		}{
			{"dependency", t.Depends()},
			{"child", t.Children()},
		}
		for _, edge := range edges {
			for _, id := range edge.ids {
				next, ok := registry.Get(id)
				if !ok {
					return &MissingDependencyError{TaskID: t.ID(), Missing: id, Kind: edge.kind}
				}
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	return g, nil
}

// TopologicalSort orders g so every task follows all of its Depends. Nodes
// without a remaining constraint keep the graph's first-encounter order.
func TopologicalSort(g *Graph) ([]task.Task, error) {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // emitted
	)

	color := make(map[string]int, g.Len())
	sorted := make([]task.Task, 0, g.Len())
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		t := g.tasks[id]
		color[id] = gray
		path = append(path, id)

		for _, dep := range t.Depends() {
			if _, ok := g.tasks[dep]; !ok {
				return &MissingDependencyError{TaskID: id, Missing: dep, Kind: "dependency"}
			}
			switch color[dep] {
			case gray:
				return &CircularDependencyError{TaskID: dep, Path: cyclePath(path, dep)}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		sorted = append(sorted, t)
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}
	return sorted, nil
}

// Plan resolves root against registry and returns the execution order.
func Plan(root task.Task, registry Lookup) ([]task.Task, error) {
	g, err := ResolveAll(root, registry)
	if err != nil {
		return nil, err
	}
	return TopologicalSort(g)
}

// cyclePath returns the segment of path starting at closing, with closing
// appended again to show the loop.
func cyclePath(path []string, closing string) []string {
	for i, id := range path {
		if id == closing {
			cycle := make([]string, 0, len(path)-i+1)
			cycle = append(cycle, path[i:]...)
			return append(cycle, closing)
		}
	}
	return []string{closing, closing}
}
