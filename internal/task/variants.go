package task

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// Composite is a task whose children are scheduled by the engine. Its own
// Execute only runs Before, the optional action and After.
type Composite struct {
	Plain
	ChildIDs []string
	Before   Hook
	After    Hook
}

func (t *Composite) Children() []string {
	return slices.Clone(t.ChildIDs)
}

func (t *Composite) Execute(ctx context.Context, env Environment, project ProjectContext, args []string) (Result, error) {
	if t.Before != nil {
		if err := t.Before(ctx, env, project); err != nil {
			return Result{}, fmt.Errorf("before hook of %s: %w", t.TaskID, err)
		}
	}
	result, err := t.Plain.Execute(ctx, env, project, args)
	if err != nil {
		return result, err
	}
	if t.After != nil {
		if err := t.After(ctx, env, project); err != nil {
			return Result{}, fmt.Errorf("after hook of %s: %w", t.TaskID, err)
		}
	}
	return result, nil
}

// ConfiguredAction receives the task's configuration alongside the usual arguments.
type ConfiguredAction func(ctx context.Context, env Environment, project ProjectContext, config map[string]string, args []string) (Result, error)

// Configurable carries an immutable key-value configuration consulted on execution.
type Configurable struct {
	Plain
	config map[string]string
	run    ConfiguredAction
}

func NewConfigurable(base Plain, config map[string]string, run ConfiguredAction) *Configurable {
	return &Configurable{Plain: base, config: maps.Clone(config), run: run}
}

// Config returns a copy of the task configuration.
func (t *Configurable) Config() map[string]string {
	return maps.Clone(t.config)
}

func (t *Configurable) Execute(ctx context.Context, env Environment, project ProjectContext, args []string) (Result, error) {
	if t.run == nil {
		return t.Plain.Execute(ctx, env, project, args)
	}
	return t.run(ctx, env, project, t.Config(), args)
}

// Lifecycle is the marker task standing for a phase: it depends on the phases
// before it and has the tasks bound to the phase as children.
type Lifecycle struct {
	phase    *Phase
	children []string
}

func NewLifecycle(phase *Phase, children []string) *Lifecycle {
	return &Lifecycle{phase: phase, children: slices.Clone(children)}
}

func (t *Lifecycle) ID() string          { return t.phase.ID }
func (t *Lifecycle) Description() string { return "lifecycle phase " + t.phase.ID }
func (t *Lifecycle) Phase() *Phase       { return t.phase }
func (t *Lifecycle) Depends() []string   { return t.phase.Depends() }
func (t *Lifecycle) Children() []string  { return slices.Clone(t.children) }

func (t *Lifecycle) Execute(ctx context.Context, env Environment, project ProjectContext, args []string) (Result, error) {
	return Success(fmt.Sprintf("phase %s reached", t.phase.ID)), nil
}
