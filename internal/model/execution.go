package model

import "time"

// ExecutionStatus is the materialized view of one execution's event stream.
// Values are replaced, never mutated in place, once published.
type ExecutionStatus struct {
	ExecutionID    ExecutionID `json:"execution_id" yaml:"execution_id"`
	ProjectName    string      `json:"project_name" yaml:"project_name"`
	TaskID         string      `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Status         RunStatus   `json:"status" yaml:"status"`
	StartTime      time.Time   `json:"start_time" yaml:"start_time"`
	EndTime        *time.Time  `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	TotalTasks     int         `json:"total_tasks" yaml:"total_tasks"`
	CompletedTasks int         `json:"completed_tasks" yaml:"completed_tasks"`
	FailedTasks    int         `json:"failed_tasks" yaml:"failed_tasks"`
	SkippedTasks   int         `json:"skipped_tasks" yaml:"skipped_tasks"`
	Message        string      `json:"message,omitempty" yaml:"message,omitempty"`
}

func (s ExecutionStatus) Duration() time.Duration {
	if s.EndTime == nil {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}
