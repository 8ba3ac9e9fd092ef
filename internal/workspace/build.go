package workspace

import (
	"fmt"
	"path/filepath"

	"github.com/msageha/taskweave/internal/engine"
	"github.com/msageha/taskweave/internal/task"
)

// Workspace is a built workspace definition.
type Workspace struct {
	Path   string
	Root   *engine.Project
	Phases []*task.Phase
}

// Project returns the project named name, the root included.
func (w *Workspace) Project(name string) *engine.Project {
	return w.Root.Find(name)
}

// Build turns a parsed file into a project tree. Relative project dirs are
// resolved against baseDir. The root project is synthetic: it owns the
// top-level projects as subprojects and registers no tasks of its own besides
// the phase lifecycle tasks.
func Build(f *File, baseDir string) (*Workspace, error) {
	phases, order, err := buildPhases(f.Phases)
	if err != nil {
		return nil, err
	}

	rootName := f.Name
	if rootName == "" {
		rootName = DefaultRootName
	}
	seen := map[string]bool{rootName: true}

	root := &engine.Project{Name: rootName, Dir: baseDir}
	root.Registry, err = buildRegistry(nil, phases, order)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", rootName, err)
	}
	for _, spec := range f.Projects {
		sub, err := buildProject(spec, baseDir, phases, order, seen)
		if err != nil {
			return nil, err
		}
		root.Subprojects = append(root.Subprojects, sub)
	}

	ws := &Workspace{Root: root}
	for _, id := range order {
		ws.Phases = append(ws.Phases, phases[id])
	}
	return ws, nil
}

func buildPhases(specs []PhaseSpec) (map[string]*task.Phase, []string, error) {
	phases := make(map[string]*task.Phase, len(specs))
	order := make([]string, 0, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, nil, fmt.Errorf("phase with empty id")
		}
		if _, dup := phases[spec.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate phase %q", spec.ID)
		}
		phases[spec.ID] = &task.Phase{ID: spec.ID, DependsOn: spec.DependsOn}
		order = append(order, spec.ID)
	}
	for _, spec := range specs {
		p := phases[spec.ID]
		if spec.Parent != "" {
			parent, ok := phases[spec.Parent]
			if !ok {
				return nil, nil, fmt.Errorf("phase %q: unknown parent phase %q", spec.ID, spec.Parent)
			}
			p.Parent = parent
		}
		for _, dep := range spec.DependsOn {
			if _, ok := phases[dep]; !ok {
				return nil, nil, fmt.Errorf("phase %q: unknown dependency phase %q", spec.ID, dep)
			}
		}
	}
	return phases, order, nil
}

func buildProject(spec ProjectSpec, baseDir string, phases map[string]*task.Phase, order []string, seen map[string]bool) (*engine.Project, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("project with empty name")
	}
	if seen[spec.Name] {
		return nil, fmt.Errorf("duplicate project name %q", spec.Name)
	}
	seen[spec.Name] = true

	dir := baseDir
	if spec.Dir != "" {
		dir = spec.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}
	}

	reg, err := buildRegistry(spec.Tasks, phases, order)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", spec.Name, err)
	}
	p := &engine.Project{Name: spec.Name, Dir: dir, Registry: reg}
	for _, subSpec := range spec.Subprojects {
		sub, err := buildProject(subSpec, dir, phases, order, seen)
		if err != nil {
			return nil, err
		}
		p.Subprojects = append(p.Subprojects, sub)
	}
	return p, nil
}

// buildRegistry registers the declared tasks followed by one lifecycle task
// per phase whose children are the tasks bound to it.
func buildRegistry(specs []TaskSpec, phases map[string]*task.Phase, order []string) (*task.Registry, error) {
	reg, err := task.NewRegistry()
	if err != nil {
		return nil, err
	}
	bound := make(map[string][]string)
	for _, spec := range specs {
		if _, clash := phases[spec.ID]; clash {
			return nil, fmt.Errorf("task %q has the same id as a phase", spec.ID)
		}
		t, err := buildTask(spec, phases)
		if err != nil {
			return nil, err
		}
		if err := reg.Add(t); err != nil {
			return nil, err
		}
		if spec.Phase != "" {
			bound[spec.Phase] = append(bound[spec.Phase], spec.ID)
		}
	}
	for _, id := range order {
		if err := reg.Add(task.NewLifecycle(phases[id], bound[id])); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func buildTask(spec TaskSpec, phases map[string]*task.Phase) (task.Task, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("task with empty id")
	}
	if len(spec.Run) > 0 && spec.Message != "" {
		return nil, fmt.Errorf("task %q: run and message are mutually exclusive", spec.ID)
	}

	var phase *task.Phase
	if spec.Phase != "" {
		p, ok := phases[spec.Phase]
		if !ok {
			return nil, fmt.Errorf("task %q: unknown phase %q", spec.ID, spec.Phase)
		}
		phase = p
	}

	var action task.ConfiguredAction
	switch {
	case len(spec.Run) > 0:
		action = commandAction(spec.Run)
	case spec.Message != "":
		action = messageAction(spec.Message)
	}

	base := task.Plain{
		TaskID:    spec.ID,
		Desc:      spec.Description,
		TaskPhase: phase,
		DependsOn: spec.DependsOn,
	}
	switch {
	case len(spec.Children) > 0:
		base.Action = bind(action, spec.Config)
		return &task.Composite{Plain: base, ChildIDs: spec.Children}, nil
	case len(spec.Config) > 0:
		return task.NewConfigurable(base, spec.Config, action), nil
	default:
		base.Action = bind(action, nil)
		return &base, nil
	}
}
