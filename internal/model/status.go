package model

// RunStatus is the lifecycle status of one execution.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

var terminalRunStatuses = map[RunStatus]bool{
	RunStatusCompleted: true,
	RunStatusFailed:    true,
}

func IsTerminal(s RunStatus) bool {
	return terminalRunStatuses[s]
}

// EventType identifies a lifecycle transition published by the engine.
type EventType string

const (
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventTaskStarted        EventType = "task.started"
	EventTaskCompleted      EventType = "task.completed"
	EventTaskFailed         EventType = "task.failed"
	EventTaskSkipped        EventType = "task.skipped"
	EventTaskOutput         EventType = "task.output"
)

var executionEventTypes = map[EventType]bool{
	EventExecutionStarted:   true,
	EventExecutionCompleted: true,
	EventExecutionFailed:    true,
}

var knownEventTypes = map[EventType]bool{
	EventExecutionStarted:   true,
	EventExecutionCompleted: true,
	EventExecutionFailed:    true,
	EventTaskStarted:        true,
	EventTaskCompleted:      true,
	EventTaskFailed:         true,
	EventTaskSkipped:        true,
	EventTaskOutput:         true,
}

// IsExecutionLevel reports whether t describes the whole execution rather than a task.
func (t EventType) IsExecutionLevel() bool {
	return executionEventTypes[t]
}

func (t EventType) Valid() bool {
	return knownEventTypes[t]
}
