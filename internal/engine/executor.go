// Package engine runs tasks: the Executor drives one project's resolved task
// order, and the Service orchestrates a project tree under one execution id.
package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/msageha/taskweave/internal/cache"
	"github.com/msageha/taskweave/internal/events"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/resolver"
	"github.com/msageha/taskweave/internal/task"
)

// ErrTaskNotFound is returned by Executor.Execute when the requested task is
// not registered.
var ErrTaskNotFound = errors.New("task not found")

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeError     = "error"
	outcomeCached    = "cached"
	outcomeCancelled = "cancelled"
	outcomeTimedOut  = "timed_out"
)

// ExecuteRequest identifies one task batch: the requested task resolved against
// one project's registry.
type ExecuteRequest struct {
	ExecutionID model.ExecutionID
	Project     task.ProjectContext
	Registry    resolver.Lookup
	TaskID      string
	Args        []string
}

// Executor runs a resolved task order sequentially against one project,
// consulting the result cache and publishing task events.
type Executor struct {
	cache       *cache.ResultCache
	publisher   events.Publisher
	instruments *Instruments
	taskTimeout time.Duration
	logger      *log.Logger
	logLevel    model.LogLevel

	mu       sync.RWMutex
	services map[string]any
}

func NewExecutor(c *cache.ResultCache, publisher events.Publisher, logger *log.Logger, logLevel model.LogLevel) *Executor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	instruments, err := NewInstruments()
	if err != nil {
		logger.Printf("%s WARN executor: instruments_unavailable error=%v", time.Now().Format(time.RFC3339), err)
	}
	return &Executor{
		cache:       c,
		publisher:   publisher,
		instruments: instruments,
		logger:      logger,
		logLevel:    logLevel,
		services:    make(map[string]any),
	}
}

// SetTaskTimeout gives every task run a deadline. Zero disables it.
func (e *Executor) SetTaskTimeout(d time.Duration) {
	e.taskTimeout = d
}

func (e *Executor) SetInstruments(in *Instruments) {
	e.instruments = in
}

// ServiceConfig names the model.Config service the daemon and local runs
// register for tasks.
const ServiceConfig = "config"

// RegisterService makes svc available to tasks through Environment.Service.
func (e *Executor) RegisterService(name string, svc any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.services[name] = svc
}

func (e *Executor) Cache() *cache.ResultCache {
	return e.cache
}

// Execute resolves req.TaskID and runs the resulting order. Resolution errors
// are returned as errors; task failures are reported through the result and
// events, and never stop the rest of the batch. Once ctx is done the remaining
// tasks are reported as cancelled.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (task.Result, error) {
	root, ok := req.Registry.Get(req.TaskID)
	if !ok {
		return task.Result{}, errors.Wrapf(ErrTaskNotFound, "task %q in project %q", req.TaskID, req.Project.Name)
	}
	order, err := resolver.Plan(root, req.Registry)
	if err != nil {
		return task.Result{}, err
	}

	e.log(model.LogLevelDebug, "batch_start execution=%s project=%s task=%s order=%s",
		req.ExecutionID, req.Project.Name, req.TaskID, joinIDs(order))

	env := &taskEnv{
		services:  e.snapshotServices(),
		publisher: e.publisher,
		execID:    req.ExecutionID,
		project:   req.Project,
	}

	results := make([]task.Result, 0, len(order))
	var failures []string
	for i, t := range order {
		if ctx.Err() != nil {
			for _, rest := range order[i:] {
				res := e.cancelled(ctx, req, rest)
				results = append(results, res)
				failures = append(failures, fmt.Sprintf("%s: %s", rest.ID(), res.Message))
			}
			break
		}

		res := e.runTask(ctx, req, env, t)
		results = append(results, res)
		if !res.Success {
			failures = append(failures, fmt.Sprintf("%s: %s", t.ID(), res.Message))
		}
	}

	if len(failures) > 0 {
		e.log(model.LogLevelWarn, "batch_failed execution=%s project=%s task=%s failed=%d",
			req.ExecutionID, req.Project.Name, req.TaskID, len(failures))
		return task.Failure(fmt.Sprintf("%d of %d task(s) failed in project %s: %s",
			len(failures), len(order), req.Project.Name, strings.Join(failures, "; ")), results...), nil
	}
	e.log(model.LogLevelInfo, "batch_completed execution=%s project=%s task=%s tasks=%d",
		req.ExecutionID, req.Project.Name, req.TaskID, len(order))
	return task.Success(fmt.Sprintf("%d task(s) completed in project %s", len(order), req.Project.Name), results...), nil
}

func (e *Executor) runTask(ctx context.Context, req ExecuteRequest, env *taskEnv, t task.Task) task.Result {
	key := e.cache.Key(req.ExecutionID, req.Project.Name, t.ID())
	if cached, ok := e.cache.Get(key); ok {
		e.publish(req, t.ID(), model.EventTaskSkipped, "cached", "", true)
		e.publish(req, t.ID(), model.EventTaskCompleted, cached.Message, "", cached.Success)
		e.instruments.recordTask(ctx, req.Project.Name, outcomeCached, 0)
		e.log(model.LogLevelDebug, "task_cached execution=%s project=%s task=%s success=%v",
			req.ExecutionID, req.Project.Name, t.ID(), cached.Success)
		return cached
	}

	ctx, span := e.instruments.startSpan(ctx, "task "+t.ID(),
		attribute.String("taskweave.execution_id", req.ExecutionID.String()),
		attribute.String("taskweave.project", req.Project.Name),
		attribute.String("taskweave.task", t.ID()))
	defer span.End()

	e.publish(req, t.ID(), model.EventTaskStarted, t.Description(), "", true)
	start := time.Now()

	runEnv := *env
	runEnv.taskID = t.ID()
	res, outcome, err := e.invoke(ctx, t, &runEnv, req)
	elapsed := time.Since(start)
	// A failed run that ended after ctx was done reflects the cancellation, not
	// the task.
	if ctx.Err() != nil && outcome != outcomeCompleted && outcome != outcomeTimedOut {
		outcome = outcomeCancelled
	}

	switch {
	case err != nil:
		details := fmt.Sprintf("%+v", err)
		res = task.Failure(err.Error())
		res.Details = details
		e.publish(req, t.ID(), model.EventTaskFailed, err.Error(), details, false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log(model.LogLevelError, "task_error execution=%s project=%s task=%s error=%v",
			req.ExecutionID, req.Project.Name, t.ID(), err)
	case !res.Success:
		e.publish(req, t.ID(), model.EventTaskFailed, res.Message, res.Message, false)
		span.SetStatus(codes.Error, res.Message)
		e.log(model.LogLevelWarn, "task_failed execution=%s project=%s task=%s outcome=%s message=%q",
			req.ExecutionID, req.Project.Name, t.ID(), outcome, res.Message)
	default:
		e.publish(req, t.ID(), model.EventTaskCompleted, res.Message, "", true)
		e.log(model.LogLevelDebug, "task_completed execution=%s project=%s task=%s elapsed=%s",
			req.ExecutionID, req.Project.Name, t.ID(), elapsed)
	}
	e.instruments.recordTask(ctx, req.Project.Name, outcome, elapsed)

	// Cancelled and abandoned runs never produced a real result.
	if outcome != outcomeCancelled && outcome != outcomeTimedOut {
		e.cache.Store(key, res)
	}
	return res
}

// invoke runs t, isolating panics. With a task timeout the run happens in its
// own goroutine and is abandoned when the deadline or ctx expires first.
func (e *Executor) invoke(ctx context.Context, t task.Task, env task.Environment, req ExecuteRequest) (task.Result, string, error) {
	if e.taskTimeout <= 0 {
		res, err := safeExecute(ctx, t, env, req.Project, req.Args)
		return res, outcomeOf(res, err), err
	}

	tctx, cancel := context.WithTimeout(ctx, e.taskTimeout)
	defer cancel()

	type outcome struct {
		res task.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := safeExecute(tctx, t, env, req.Project, req.Args)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, outcomeOf(o.res, o.err), o.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return task.Failure("cancelled"), outcomeCancelled, nil
		}
		return task.Failure(fmt.Sprintf("timed out after %s", e.taskTimeout)), outcomeTimedOut, nil
	}
}

func outcomeOf(res task.Result, err error) string {
	switch {
	case err != nil:
		return outcomeError
	case !res.Success:
		return outcomeFailed
	default:
		return outcomeCompleted
	}
}

func (e *Executor) cancelled(ctx context.Context, req ExecuteRequest, t task.Task) task.Result {
	e.publish(req, t.ID(), model.EventTaskFailed, "cancelled", "", false)
	e.instruments.recordTask(ctx, req.Project.Name, outcomeCancelled, 0)
	return task.Failure("cancelled")
}

func (e *Executor) publish(req ExecuteRequest, taskID string, typ model.EventType, msg, details string, success bool) {
	e.publisher.Publish(model.ExecutionEvent{
		ExecutionID:   req.ExecutionID,
		Project:       req.Project.Name,
		ParentProject: req.Project.Parent,
		TaskID:        taskID,
		Type:          typ,
		Message:       msg,
		ErrorDetails:  details,
		Success:       success,
	})
}

func (e *Executor) snapshotServices() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.services))
	for k, v := range e.services {
		out[k] = v
	}
	return out
}

func (e *Executor) log(level model.LogLevel, format string, args ...any) {
	if level < e.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("%s %s executor: %s", time.Now().Format(time.RFC3339), level, msg)
}

// panicError carries a recovered panic value and the stack it was raised on.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func (p *panicError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s\n%s", p.Error(), p.stack)
		return
	}
	io.WriteString(s, p.Error())
}

func safeExecute(ctx context.Context, t task.Task, env task.Environment, project task.ProjectContext, args []string) (res task.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = task.Result{}
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	res, err = t.Execute(ctx, env, project, args)
	if err != nil {
		return res, errors.WithStack(err)
	}
	return res, nil
}

func joinIDs(tasks []task.Task) string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID()
	}
	return strings.Join(ids, ",")
}
