package model

import "time"

// ExecutionEvent is one lifecycle transition of an execution or of a task inside it.
// TaskID is empty for execution-level events. ParentProject is set when the event
// originates from a subproject executed as part of a parent's tree.
type ExecutionEvent struct {
	ExecutionID   ExecutionID `json:"execution_id" yaml:"execution_id"`
	Project       string      `json:"project" yaml:"project"`
	TaskID        string      `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Type          EventType   `json:"type" yaml:"type"`
	Message       string      `json:"message,omitempty" yaml:"message,omitempty"`
	ErrorDetails  string      `json:"error_details,omitempty" yaml:"error_details,omitempty"`
	ParentProject string      `json:"parent_project,omitempty" yaml:"parent_project,omitempty"`
	Success       bool        `json:"success" yaml:"success"`
	Timestamp     time.Time   `json:"timestamp" yaml:"timestamp"`
}

// IsTerminal reports whether the event closes the stream of its execution:
// a root-level execution.completed or execution.failed.
func (e ExecutionEvent) IsTerminal() bool {
	if e.ParentProject != "" {
		return false
	}
	return e.Type == EventExecutionCompleted || e.Type == EventExecutionFailed
}
