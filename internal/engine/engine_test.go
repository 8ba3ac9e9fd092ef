package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskweave/internal/cache"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/resolver"
	"github.com/msageha/taskweave/internal/task"
)

type recorder struct {
	mu     sync.Mutex
	events []model.ExecutionEvent
}

func (r *recorder) Publish(ev model.ExecutionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []model.ExecutionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ExecutionEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) ofType(typ model.EventType) []model.ExecutionEvent {
	var out []model.ExecutionEvent
	for _, ev := range r.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) taskTypes(taskID string) []model.EventType {
	var out []model.EventType
	for _, ev := range r.all() {
		if ev.TaskID == taskID && !ev.Type.IsExecutionLevel() {
			out = append(out, ev.Type)
		}
	}
	return out
}

func ok(id string, deps ...string) *task.Plain {
	return &task.Plain{TaskID: id, DependsOn: deps}
}

func withAction(id string, fn task.Action, deps ...string) *task.Plain {
	return &task.Plain{TaskID: id, DependsOn: deps, Action: fn}
}

func registry(t *testing.T, tasks ...task.Task) *task.Registry {
	t.Helper()
	reg, err := task.NewRegistry(tasks...)
	require.NoError(t, err)
	return reg
}

func newExecutor(pub *recorder, cacheEnabled bool) *Executor {
	return NewExecutor(cache.New(model.CacheConfig{Enabled: cacheEnabled}), pub, nil, model.LogLevelDebug)
}

func request(reg *task.Registry, taskID string) ExecuteRequest {
	return ExecuteRequest{
		ExecutionID: model.NewExecutionID(),
		Project:     task.ProjectContext{Name: "app"},
		Registry:    reg,
		TaskID:      taskID,
	}
}

func TestExecutor_AllSucceed(t *testing.T) {
	pub := &recorder{}
	ex := newExecutor(pub, false)
	reg := registry(t, ok("a"), ok("b", "a"), ok("c", "b"))

	res, err := ex.Execute(context.Background(), request(reg, "c"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "a done", res.Results[0].Message)
	assert.Equal(t, "c done", res.Results[2].Message)

	assert.Len(t, pub.ofType(model.EventTaskStarted), 3)
	assert.Len(t, pub.ofType(model.EventTaskCompleted), 3)
	assert.Empty(t, pub.ofType(model.EventTaskFailed))
	assert.Empty(t, pub.ofType(model.EventExecutionStarted), "the executor never publishes execution events")
}

func TestExecutor_FailureResultDoesNotStopBatch(t *testing.T) {
	pub := &recorder{}
	ex := newExecutor(pub, false)
	var ranC atomic.Bool
	reg := registry(t,
		ok("a"),
		withAction("b", func(context.Context, task.Environment, task.ProjectContext, []string) (task.Result, error) {
			return task.Failure("lint errors"), nil
		}, "a"),
		withAction("c", func(context.Context, task.Environment, task.ProjectContext, []string) (task.Result, error) {
			ranC.Store(true)
			return task.Success("c ok"), nil
		}, "b"),
	)

	res, err := ex.Execute(context.Background(), request(reg, "c"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, ranC.Load())
	assert.Contains(t, res.Message, "b: lint errors")
	assert.NotContains(t, res.Message, "c:")

	failed := pub.ofType(model.EventTaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "lint errors", failed[0].Message)
	assert.Equal(t, "lint errors", failed[0].ErrorDetails)
}

func TestExecutor_ErrorAndPanicAreIsolated(t *testing.T) {
	cases := []struct {
		name    string
		action  task.Action
		message string
	}{
		{
			name: "error",
			action: func(context.Context, task.Environment, task.ProjectContext, []string) (task.Result, error) {
				return task.Result{}, errors.New("disk full")
			},
			message: "disk full",
		},
		{
			name: "panic",
			action: func(context.Context, task.Environment, task.ProjectContext, []string) (task.Result, error) {
				panic("nil map write")
			},
			message: "panic: nil map write",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pub := &recorder{}
			ex := newExecutor(pub, false)
			var ranThird atomic.Bool
			reg := registry(t,
				ok("first"),
				withAction("second", tc.action, "first"),
				withAction("third", func(context.Context, task.Environment, task.ProjectContext, []string) (task.Result, error) {
					ranThird.Store(true)
					return task.Success("third ok"), nil
				}, "second"),
			)

			res, err := ex.Execute(context.Background(), request(reg, "third"))
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.True(t, ranThird.Load(), "later tasks still run")
			require.Len(t, res.Results, 3)
			assert.False(t, res.Results[1].Success)
			assert.Equal(t, tc.message, res.Results[1].Message)
			assert.Contains(t, res.Results[1].Details, tc.message)
			assert.Contains(t, res.Results[1].Details, "engine_test.go", "the result carries the stack trace")

			failed := pub.ofType(model.EventTaskFailed)
			require.Len(t, failed, 1)
			assert.Equal(t, "second", failed[0].TaskID)
			assert.Equal(t, tc.message, failed[0].Message)
			assert.Contains(t, failed[0].ErrorDetails, tc.message)
			assert.Contains(t, failed[0].ErrorDetails, "engine_test.go", "details carry a stack trace")
		})
	}
}

func TestExecutor_CachedTasksAreSkipped(t *testing.T) {
	pub := &recorder{}
	ex := newExecutor(pub, true)
	var calls atomic.Int32
	reg := registry(t, withAction("build", func(context.Context, task.Environment, task.ProjectContext, []string) (task.Result, error) {
		calls.Add(1)
		return task.Success("built"), nil
	}))

	_, err := ex.Execute(context.Background(), request(reg, "build"))
	require.NoError(t, err)
	res, err := ex.Execute(context.Background(), request(reg, "build"))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []model.EventType{
		model.EventTaskStarted, model.EventTaskCompleted,
		model.EventTaskSkipped, model.EventTaskCompleted,
	}, pub.taskTypes("build"))

	completed := pub.ofType(model.EventTaskCompleted)
	assert.Equal(t, "built", completed[1].Message)
}

func TestExecutor_CachedFailureReplays(t *testing.T) {
	pub := &recorder{}
	ex := newExecutor(pub, true)
	var calls atomic.Int32
	reg := registry(t, withAction("test", func(context.Context, task.Environment, task.ProjectContext, []string) (task.Result, error) {
		calls.Add(1)
		return task.Failure("1 test failed"), nil
	}))

	_, err := ex.Execute(context.Background(), request(reg, "test"))
	require.NoError(t, err)
	res, err := ex.Execute(context.Background(), request(reg, "test"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, res.Success)
	completed := pub.ofType(model.EventTaskCompleted)
	require.Len(t, completed, 1)
	assert.False(t, completed[0].Success)
}

func TestExecutor_CachedErrorReplays(t *testing.T) {
	pub := &recorder{}
	ex := newExecutor(pub, true)
	var calls atomic.Int32
	reg := registry(t, withAction("deploy", func(context.Context, task.Environment, task.ProjectContext, []string) (task.Result, error) {
		calls.Add(1)
		return task.Result{}, errors.New("registry unreachable")
	}))

	_, err := ex.Execute(context.Background(), request(reg, "deploy"))
	require.NoError(t, err)
	res, err := ex.Execute(context.Background(), request(reg, "deploy"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load(), "a returned error is cached like any failure")
	require.Len(t, res.Results, 1)
	assert.Equal(t, "registry unreachable", res.Results[0].Message)
	assert.Contains(t, res.Results[0].Details, "engine_test.go")
	assert.Len(t, pub.ofType(model.EventTaskSkipped), 1)
}

func TestExecutor_CacheDisabledRunsEveryTime(t *testing.T) {
	pub := &recorder{}
	ex := newExecutor(pub, false)
	var calls atomic.Int32
	reg := registry(t, withAction("build", func(context.Context, task.Environment, task.ProjectContext, []string) (task.Result, error) {
		calls.Add(1)
		return task.Success("built"), nil
	}))

	for i := 0; i < 3; i++ {
		_, err := ex.Execute(context.Background(), request(reg, "build"))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, pub.ofType(model.EventTaskSkipped))
}

func TestExecutor_ResolutionErrors(t *testing.T) {
	ex := newExecutor(&recorder{}, false)

	_, err := ex.Execute(context.Background(), request(registry(t, ok("b", "a")), "b"))
	assert.ErrorIs(t, err, resolver.ErrMissingDependency)

	_, err = ex.Execute(context.Background(), request(registry(t, ok("a", "b"), ok("b", "a")), "a"))
	assert.ErrorIs(t, err, resolver.ErrCircularDependency)

	_, err = ex.Execute(context.Background(), request(registry(t, ok("a")), "zzz"))
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestExecutor_OutputAndServices(t *testing.T) {
	pub := &recorder{}
	ex := newExecutor(pub, false)
	ex.RegisterService("greeting", "hello")

	reg := registry(t, withAction("say", func(_ context.Context, env task.Environment, project task.ProjectContext, args []string) (task.Result, error) {
		svc, found := env.Service("greeting")
		if !found {
			return task.Failure("no service"), nil
		}
		env.Output(svc.(string) + " " + args[0])
		_, missing := env.Service("absent")
		assert.False(t, missing)
		return task.Success("said"), nil
	}))

	req := request(reg, "say")
	req.Args = []string{"world"}
	req.Project.Parent = "root"
	res, err := ex.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)

	out := pub.ofType(model.EventTaskOutput)
	require.Len(t, out, 1)
	assert.Equal(t, "hello world", out[0].Message)
	assert.Equal(t, "say", out[0].TaskID)
	assert.Equal(t, "root", out[0].ParentProject)
}

func TestExecutor_CancelledContextFailsRemainingTasks(t *testing.T) {
	pub := &recorder{}
	ex := newExecutor(pub, true)
	ctx, cancel := context.WithCancel(context.Background())

	reg := registry(t,
		withAction("a", func(context.Context, task.Environment, task.ProjectContext, []string) (task.Result, error) {
			cancel()
			return task.Success("a ok"), nil
		}),
		ok("b", "a"),
		ok("c", "b"),
	)

	res, err := ex.Execute(ctx, request(reg, "c"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.Results, 3)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, "cancelled", res.Results[1].Message)
	assert.Equal(t, "cancelled", res.Results[2].Message)
	assert.Len(t, pub.ofType(model.EventTaskFailed), 2)
	assert.Equal(t, 1, ex.Cache().Size(), "cancelled tasks are not cached")
}

func TestExecutor_TaskObservingCancellationIsNotCached(t *testing.T) {
	cases := []struct {
		name   string
		result func(ctx context.Context) (task.Result, error)
	}{
		{
			name:   "returns ctx error",
			result: func(ctx context.Context) (task.Result, error) { return task.Result{}, ctx.Err() },
		},
		{
			name:   "returns failure",
			result: func(context.Context) (task.Result, error) { return task.Failure("interrupted"), nil },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pub := &recorder{}
			ex := newExecutor(pub, true)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var calls atomic.Int32
			reg := registry(t, withAction("build", func(ctx context.Context, _ task.Environment, _ task.ProjectContext, _ []string) (task.Result, error) {
				if calls.Add(1) == 1 {
					cancel()
					<-ctx.Done()
					return tc.result(ctx)
				}
				return task.Success("built"), nil
			}))

			res, err := ex.Execute(ctx, request(reg, "build"))
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, 0, ex.Cache().Size(), "a cancelled run is not cached")

			res, err = ex.Execute(context.Background(), request(reg, "build"))
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, int32(2), calls.Load(), "the task runs again after a cancelled run")
			assert.Empty(t, pub.ofType(model.EventTaskSkipped))
		})
	}
}

func TestExecutor_TaskTimeout(t *testing.T) {
	pub := &recorder{}
	ex := newExecutor(pub, false)
	ex.SetTaskTimeout(20 * time.Millisecond)

	release := make(chan struct{})
	defer close(release)
	reg := registry(t,
		withAction("hang", func(context.Context, task.Environment, task.ProjectContext, []string) (task.Result, error) {
			<-release
			return task.Success("late"), nil
		}),
		ok("after", "hang"),
	)

	res, err := ex.Execute(context.Background(), request(reg, "after"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Results[0].Message, "timed out")
	assert.True(t, res.Results[1].Success, "the batch continues after a timeout")
}
