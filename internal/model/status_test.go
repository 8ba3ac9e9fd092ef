package model

import "testing"

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status   RunStatus
		terminal bool
	}{
		{RunStatusRunning, false},
		{RunStatusCompleted, true},
		{RunStatusFailed, true},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsTerminal(tt.status); got != tt.terminal {
				t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestEventType_IsExecutionLevel(t *testing.T) {
	tests := []struct {
		eventType EventType
		execution bool
	}{
		{EventExecutionStarted, true},
		{EventExecutionCompleted, true},
		{EventExecutionFailed, true},
		{EventTaskStarted, false},
		{EventTaskCompleted, false},
		{EventTaskFailed, false},
		{EventTaskSkipped, false},
		{EventTaskOutput, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			if got := tt.eventType.IsExecutionLevel(); got != tt.execution {
				t.Errorf("%q.IsExecutionLevel() = %v, want %v", tt.eventType, got, tt.execution)
			}
		})
	}
}

func TestEventType_Valid(t *testing.T) {
	if !EventTaskOutput.Valid() {
		t.Error("task.output should be a known event type")
	}
	if EventType("task.exploded").Valid() {
		t.Error("unknown event type reported as valid")
	}
}

func TestExecutionEvent_IsTerminal(t *testing.T) {
	tests := []struct {
		name  string
		event ExecutionEvent
		want  bool
	}{
		{"root completed", ExecutionEvent{Type: EventExecutionCompleted}, true},
		{"root failed", ExecutionEvent{Type: EventExecutionFailed}, true},
		{"root started", ExecutionEvent{Type: EventExecutionStarted}, false},
		{"task completed", ExecutionEvent{Type: EventTaskCompleted, TaskID: "build"}, false},
		{"subproject failed", ExecutionEvent{Type: EventExecutionFailed, ParentProject: "root"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}
