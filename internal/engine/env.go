package engine

import (
	"github.com/msageha/taskweave/internal/events"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/task"
)

// taskEnv is the Environment handed to one task run.
type taskEnv struct {
	services  map[string]any
	publisher events.Publisher
	execID    model.ExecutionID
	project   task.ProjectContext
	taskID    string
}

func (e *taskEnv) Service(name string) (any, bool) {
	svc, ok := e.services[name]
	return svc, ok
}

func (e *taskEnv) Output(line string) {
	e.publisher.Publish(model.ExecutionEvent{
		ExecutionID:   e.execID,
		Project:       e.project.Name,
		ParentProject: e.project.Parent,
		TaskID:        e.taskID,
		Type:          model.EventTaskOutput,
		Message:       line,
		Success:       true,
	})
}
