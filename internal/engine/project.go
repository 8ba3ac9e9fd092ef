package engine

import (
	"fmt"

	"github.com/msageha/taskweave/internal/resolver"
	"github.com/msageha/taskweave/internal/task"
)

// Project is one node of a project tree: a task registry plus the subprojects
// that run before it.
type Project struct {
	Name        string
	Dir         string
	Registry    *task.Registry
	Subprojects []*Project
}

// Find returns the project named name in the tree rooted at p.
func (p *Project) Find(name string) *Project {
	if p == nil {
		return nil
	}
	if p.Name == name {
		return p
	}
	for _, sub := range p.Subprojects {
		if found := sub.Find(name); found != nil {
			return found
		}
	}
	return nil
}

// Walk visits p and its subprojects depth-first, pre-order. parent is the name
// of the owning project, empty for p itself.
func (p *Project) Walk(fn func(p *Project, parent string) error) error {
	return p.walk("", fn)
}

func (p *Project) walk(parent string, fn func(p *Project, parent string) error) error {
	if err := fn(p, parent); err != nil {
		return err
	}
	for _, sub := range p.Subprojects {
		if err := sub.walk(p.Name, fn); err != nil {
			return err
		}
	}
	return nil
}

// Validate resolves taskID in every project of the tree that registers it, so
// missing references and cycles surface before anything runs.
func (p *Project) Validate(taskID string) error {
	return p.Walk(func(proj *Project, _ string) error {
		if proj.Registry == nil {
			return nil
		}
		root, ok := proj.Registry.Get(taskID)
		if !ok {
			return nil
		}
		if _, err := resolver.Plan(root, proj.Registry); err != nil {
			return fmt.Errorf("project %s: %w", proj.Name, err)
		}
		return nil
	})
}

func (p *Project) context(parent string) task.ProjectContext {
	return task.ProjectContext{Name: p.Name, Dir: p.Dir, Parent: parent}
}
