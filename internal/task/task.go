package task

import (
	"context"
	"slices"
)

// Environment is the capability lookup handed to a running task.
type Environment interface {
	// Service returns a named service registered with the engine.
	Service(name string) (any, bool)
	// Output publishes one line of task output to execution observers.
	Output(line string)
}

// ProjectContext describes the project a task runs against.
type ProjectContext struct {
	Name   string
	Dir    string
	Parent string
}

// Task is a named unit of work with dependencies and optional children.
//
// Execute returning a non-nil error is treated as the task having thrown: the
// engine reports it with a stack trace and synthesizes a failure result.
type Task interface {
	ID() string
	Description() string
	Phase() *Phase
	Depends() []string
	Children() []string
	Execute(ctx context.Context, env Environment, project ProjectContext, args []string) (Result, error)
}

// Phase is a lifecycle stage supplying default ordering to the tasks bound to it.
type Phase struct {
	ID        string
	Parent    *Phase
	DependsOn []string
}

func (p *Phase) Depends() []string {
	if p == nil {
		return nil
	}
	return slices.Clone(p.DependsOn)
}

// Action is the body of a plain or composite task.
type Action func(ctx context.Context, env Environment, project ProjectContext, args []string) (Result, error)

// Hook runs around a composite task's own action.
type Hook func(ctx context.Context, env Environment, project ProjectContext) error

// Plain is a task with no children and no configuration. A nil DependsOn falls
// back to the dependency chain of the task's phase; a nil Action succeeds.
type Plain struct {
	TaskID    string
	Desc      string
	TaskPhase *Phase
	DependsOn []string
	Action    Action
}

func (t *Plain) ID() string          { return t.TaskID }
func (t *Plain) Description() string { return t.Desc }
func (t *Plain) Phase() *Phase       { return t.TaskPhase }
func (t *Plain) Children() []string  { return nil }

func (t *Plain) Depends() []string {
	if t.DependsOn != nil {
		return slices.Clone(t.DependsOn)
	}
	return t.TaskPhase.Depends()
}

func (t *Plain) Execute(ctx context.Context, env Environment, project ProjectContext, args []string) (Result, error) {
	if t.Action == nil {
		return Success(t.TaskID + " done"), nil
	}
	return t.Action(ctx, env, project, args)
}
