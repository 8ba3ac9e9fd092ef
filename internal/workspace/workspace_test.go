package workspace

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskweave/internal/cache"
	"github.com/msageha/taskweave/internal/engine"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/resolver"
	"github.com/msageha/taskweave/internal/task"
)

const sample = `schema_version: 1
file_type: workspace
name: demo
phases:
  - id: compile
  - id: test
    depends_on: [compile]
  - id: package
    depends_on: [test]
projects:
  - name: app
    dir: app
    tasks:
      - id: build
        phase: compile
        message: building ${TARGET}
        config:
          TARGET: linux
      - id: unit
        phase: test
      - id: release
        depends_on: []
        children: [build, unit]
        message: released
    subprojects:
      - name: lib
        dir: lib
        tasks:
          - id: build
            phase: compile
`

type recorder struct {
	mu     sync.Mutex
	events []model.ExecutionEvent
}

func (r *recorder) Publish(ev model.ExecutionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) messages(typ model.EventType) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev.Message)
		}
	}
	return out
}

func writeWorkspace(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workspace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func order(t *testing.T, p *engine.Project, id string) []string {
	t.Helper()
	root, ok := p.Registry.Get(id)
	require.True(t, ok, "task %s", id)
	tasks, err := resolver.Plan(root, p.Registry)
	require.NoError(t, err)
	ids := make([]string, len(tasks))
	for i, tk := range tasks {
		ids[i] = tk.ID()
	}
	return ids
}

func TestLoad_BuildsProjectTree(t *testing.T) {
	path := writeWorkspace(t, sample)
	ws, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "demo", ws.Root.Name)
	require.Len(t, ws.Phases, 3)
	assert.Equal(t, []string{"compile"}, ws.Phases[1].DependsOn)

	app := ws.Project("app")
	require.NotNil(t, app)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "app"), app.Dir)

	lib := ws.Project("lib")
	require.NotNil(t, lib)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "app", "lib"), lib.Dir)

	build, ok := app.Registry.Get("build")
	require.True(t, ok)
	configurable, ok := build.(*task.Configurable)
	require.True(t, ok, "tasks with config are configurable")
	assert.Equal(t, map[string]string{"TARGET": "linux"}, configurable.Config())

	release, _ := app.Registry.Get("release")
	assert.Equal(t, []string{"build", "unit"}, release.Children())
	assert.Empty(t, release.Depends())

	unit, _ := app.Registry.Get("unit")
	assert.Equal(t, []string{"compile"}, unit.Depends(), "tasks inherit their phase's dependencies")

	lifecycle, ok := app.Registry.Get("test")
	require.True(t, ok, "each phase registers a lifecycle task")
	assert.Equal(t, []string{"unit"}, lifecycle.Children())
}

func TestLoad_PhaseOrdering(t *testing.T) {
	ws, err := Load(writeWorkspace(t, sample))
	require.NoError(t, err)
	app := ws.Project("app")

	ids := order(t, app, "package")
	index := func(id string) int {
		for i, v := range ids {
			if v == id {
				return i
			}
		}
		t.Fatalf("%s not in %v", id, ids)
		return -1
	}
	assert.Less(t, index("compile"), index("test"))
	assert.Less(t, index("test"), index("package"))
	assert.Less(t, index("compile"), index("unit"))
}

func TestLoad_ExecutesThroughEngine(t *testing.T) {
	ws, err := Load(writeWorkspace(t, sample))
	require.NoError(t, err)

	pub := &recorder{}
	ex := engine.NewExecutor(cache.New(model.CacheConfig{}), pub, nil, model.LogLevelInfo)
	svc := engine.NewService(ex, pub, nil, model.LogLevelInfo)

	res, err := svc.Run(context.Background(), model.NewExecutionID(), ws.Root, "build", nil)
	require.NoError(t, err)
	assert.True(t, res.Success, res.String())
	assert.Contains(t, pub.messages(model.EventTaskOutput), "building linux")
}

func TestLoad_Errors(t *testing.T) {
	header := "schema_version: 1\nfile_type: workspace\n"
	tests := []struct {
		name    string
		content string
	}{
		{"wrong file type", "schema_version: 1\nfile_type: state_executions\n"},
		{"unknown phase", header + "projects:\n  - name: a\n    tasks:\n      - id: t\n        phase: nope\n"},
		{"unknown phase dependency", header + "phases:\n  - id: a\n    depends_on: [b]\n"},
		{"duplicate project", header + "projects:\n  - name: a\n  - name: a\n"},
		{"nested duplicate project", header + "projects:\n  - name: a\n    subprojects:\n      - name: a\n"},
		{"duplicate task", header + "projects:\n  - name: a\n    tasks:\n      - id: t\n      - id: t\n"},
		{"task shadows phase", header + "phases:\n  - id: build\nprojects:\n  - name: a\n    tasks:\n      - id: build\n"},
		{"run and message", header + "projects:\n  - name: a\n    tasks:\n      - id: t\n        run: [\"true\"]\n        message: hi\n"},
		{"empty project name", header + "projects:\n  - dir: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeWorkspace(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestCommandAction(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	header := "schema_version: 1\nfile_type: workspace\n"
	content := header + `projects:
  - name: app
    tasks:
      - id: greet
        run: [sh, -c, 'echo "hello $GREETING from $TASKWEAVE_PROJECT"; echo second >&2']
        config:
          GREETING: hi
      - id: fail
        run: [sh, -c, 'exit 3']
      - id: missing
        run: [taskweave-definitely-not-a-command]
`
	ws, err := Load(writeWorkspace(t, content))
	require.NoError(t, err)
	app := ws.Project("app")

	pub := &recorder{}
	ex := engine.NewExecutor(cache.New(model.CacheConfig{}), pub, nil, model.LogLevelInfo)
	run := func(id string) task.Result {
		res, err := ex.Execute(context.Background(), engine.ExecuteRequest{
			ExecutionID: model.NewExecutionID(),
			Project:     task.ProjectContext{Name: app.Name, Dir: app.Dir},
			Registry:    app.Registry,
			TaskID:      id,
		})
		require.NoError(t, err)
		return res
	}

	res := run("greet")
	assert.True(t, res.Success, res.String())
	out := pub.messages(model.EventTaskOutput)
	assert.Contains(t, out, "hello hi from app")
	assert.Contains(t, out, "second")

	res = run("fail")
	assert.False(t, res.Success)
	assert.Contains(t, res.Results[0].Message, "exited with code 3")

	res = run("missing")
	assert.False(t, res.Success)
	assert.Contains(t, res.Results[0].Message, "start taskweave-definitely-not-a-command")
}

func TestLoader_ReloadKeepsPreviousOnError(t *testing.T) {
	path := writeWorkspace(t, sample)
	loader := NewLoader(path)

	first, err := loader.Current()
	require.NoError(t, err)
	assert.False(t, loader.LoadedAt().IsZero())

	again, err := loader.Current()
	require.NoError(t, err)
	assert.Same(t, first, again)

	require.NoError(t, os.WriteFile(path, []byte("schema_version: [\n"), 0644))
	_, err = loader.Reload()
	assert.Error(t, err)

	current, err := loader.Current()
	require.NoError(t, err)
	assert.Same(t, first, current)
}

func TestLoader_ConcurrentReloads(t *testing.T) {
	loader := NewLoader(writeWorkspace(t, sample))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, err := loader.Reload()
			assert.NoError(t, err)
			assert.NotNil(t, ws)
		}()
	}
	wg.Wait()
}
