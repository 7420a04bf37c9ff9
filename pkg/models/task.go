package models

// TaskStatus represents the lifecycle state of an automation task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether the task has reached a final state.
// Terminal tasks are immutable.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// EventType classifies entries in a task's progress ledger.
type EventType string

const (
	EventTypeStatus  EventType = "status"
	EventTypeStep    EventType = "step"
	EventTypeResult  EventType = "result"
	EventTypeWarning EventType = "warning"
	EventTypeError   EventType = "error"
)

// ArtifactTypeScreenshot is the only artifact type produced today.
const ArtifactTypeScreenshot = "screenshot"
