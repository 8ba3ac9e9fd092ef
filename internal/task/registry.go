package task

import (
	"fmt"
	"sync"
)

// Registry is an ordered, concurrency-safe set of tasks keyed by id.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tasks map[string]Task
}

func NewRegistry(tasks ...Task) (*Registry, error) {
	r := &Registry{tasks: make(map[string]Task)}
	for _, t := range tasks {
		if err := r.Add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Add(t Task) error {
	if t == nil || t.ID() == "" {
		return fmt.Errorf("task id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tasks == nil {
		r.tasks = make(map[string]Task)
	}
	if _, exists := r.tasks[t.ID()]; exists {
		return fmt.Errorf("task %q already registered", t.ID())
	}
	r.tasks[t.ID()] = t
	r.order = append(r.order, t.ID())
	return nil
}

func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// All returns the tasks in registration order.
func (r *Registry) All() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
