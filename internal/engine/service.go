package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/taskweave/internal/events"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/task"
)

var (
	ErrProjectNotFound   = errors.New("project not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrServiceClosed     = errors.New("service closed")
)

// Service executes a task across a project tree. Subprojects run concurrently
// and before their owner; every run in the tree shares one execution id.
type Service struct {
	executor  *Executor
	publisher events.Publisher
	logger    *log.Logger
	logLevel  model.LogLevel

	mu      sync.Mutex
	running map[model.ExecutionID]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

func NewService(executor *Executor, publisher events.Publisher, logger *log.Logger, logLevel model.LogLevel) *Service {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Service{
		executor:  executor,
		publisher: publisher,
		logger:    logger,
		logLevel:  logLevel,
		running:   make(map[model.ExecutionID]context.CancelFunc),
	}
}

// Submit validates the request, mints an execution id and runs the execution in
// the background. Unknown projects, missing dependencies and cycles are
// returned here; everything after that is reported through events.
func (s *Service) Submit(ctx context.Context, root *Project, projectName, taskID string, args []string) (model.ExecutionID, error) {
	id := model.NewExecutionID()
	if err := s.SubmitWithID(ctx, id, root, projectName, taskID, args); err != nil {
		return "", err
	}
	return id, nil
}

// SubmitWithID is Submit with a caller-chosen id, so observers can subscribe
// before the first event is published. ctx bounds the execution, not the call.
func (s *Service) SubmitWithID(ctx context.Context, id model.ExecutionID, root *Project, projectName, taskID string, args []string) error {
	target := root.Find(projectName)
	if target == nil {
		return errors.Wrapf(ErrProjectNotFound, "%q", projectName)
	}
	if err := target.Validate(taskID); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrServiceClosed
	}
	s.running[id] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
			cancel()
		}()
		s.Run(runCtx, id, target, taskID, args)
	}()

	s.log(model.LogLevelInfo, "execution_submitted id=%s project=%s task=%s", id, projectName, taskID)
	return nil
}

// Run executes taskID over the tree rooted at project and blocks until it
// resolves. Execution-level events are published only here, at the root.
func (s *Service) Run(ctx context.Context, id model.ExecutionID, project *Project, taskID string, args []string) (task.Result, error) {
	ctx, span := s.executor.instruments.startSpan(ctx, "execution "+taskID,
		attribute.String("taskweave.execution_id", id.String()),
		attribute.String("taskweave.project", project.Name))
	defer span.End()

	s.publisher.Publish(model.ExecutionEvent{
		ExecutionID: id,
		Project:     project.Name,
		TaskID:      taskID,
		Type:        model.EventExecutionStarted,
		Message:     fmt.Sprintf("executing %s in %s", taskID, project.Name),
		Success:     true,
	})

	start := time.Now()
	res, err := s.executeTree(ctx, id, project, "", taskID, args)
	if err != nil {
		res = task.Failure(err.Error(), res.Results...)
	}

	final := model.ExecutionEvent{
		ExecutionID: id,
		Project:     project.Name,
		TaskID:      taskID,
		Type:        model.EventExecutionCompleted,
		Message:     res.Message,
		Success:     res.Success,
	}
	if !res.Success {
		final.Type = model.EventExecutionFailed
		if err != nil {
			final.ErrorDetails = fmt.Sprintf("%+v", err)
		}
		span.SetStatus(codes.Error, res.Message)
	}
	s.publisher.Publish(final)
	s.executor.instruments.recordExecution(ctx, res.Success)

	s.log(model.LogLevelInfo, "execution_finished id=%s project=%s task=%s success=%v elapsed=%s",
		id, project.Name, taskID, res.Success, time.Since(start).Round(time.Millisecond))
	return res, err
}

// executeTree runs the subprojects of p concurrently, then taskID in p itself
// unless a subproject failed. A project without taskID succeeds.
func (s *Service) executeTree(ctx context.Context, id model.ExecutionID, p *Project, parent, taskID string, args []string) (task.Result, error) {
	subResults := make([]task.Result, len(p.Subprojects))
	var g errgroup.Group
	for i, sub := range p.Subprojects {
		g.Go(func() error {
			res, err := s.executeTree(ctx, id, sub, p.Name, taskID, args)
			if err != nil {
				res = task.Failure(err.Error(), res.Results...)
			}
			subResults[i] = res
			return err
		})
	}
	groupErr := g.Wait()

	var failed []string
	for i, res := range subResults {
		if !res.Success {
			failed = append(failed, p.Subprojects[i].Name)
		}
	}
	if len(failed) > 0 {
		msg := fmt.Sprintf("subproject(s) %s failed, %s not run in %s", strings.Join(failed, ", "), taskID, p.Name)
		s.log(model.LogLevelWarn, "subprojects_failed id=%s project=%s failed=%s", id, p.Name, strings.Join(failed, ","))
		return task.Failure(msg, subResults...), groupErr
	}

	if p.Registry == nil {
		return task.Success(notFound(taskID, p.Name), subResults...), nil
	}
	if _, ok := p.Registry.Get(taskID); !ok {
		s.log(model.LogLevelDebug, "task_not_found id=%s project=%s task=%s", id, p.Name, taskID)
		return task.Success(notFound(taskID, p.Name), subResults...), nil
	}

	own, err := s.executor.Execute(ctx, ExecuteRequest{
		ExecutionID: id,
		Project:     p.context(parent),
		Registry:    p.Registry,
		TaskID:      taskID,
		Args:        args,
	})
	if err != nil {
		return task.Failure(err.Error(), subResults...), err
	}
	if len(subResults) == 0 {
		return own, nil
	}
	return task.Result{Success: own.Success, Message: own.Message}.WithResults(append(subResults, own)...), nil
}

func notFound(taskID, project string) string {
	return fmt.Sprintf("task %s not found in project %s, skipping", taskID, project)
}

// Cancel stops a running execution. The task in flight finishes unless it
// honours its context or the task timeout abandons it.
func (s *Service) Cancel(id model.ExecutionID) error {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrExecutionNotFound, "%s", id)
	}
	cancel()
	s.log(model.LogLevelInfo, "execution_cancel_requested id=%s", id)
	return nil
}

// Running returns the ids of executions still in flight, sorted.
func (s *Service) Running() []model.ExecutionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]model.ExecutionID, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Wait blocks until every submitted execution has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown refuses new submissions, cancels running executions and waits for
// them until ctx expires.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) log(level model.LogLevel, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s service: %s", time.Now().Format(time.RFC3339), level, msg)
}
