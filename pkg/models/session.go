// Package models contains domain models for surf.
package models

// SessionStatus represents the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionStatusIdle                 SessionStatus = "idle"
	SessionStatusAwaitingConfirmation SessionStatus = "awaiting_confirmation"
	SessionStatusTaskRunning          SessionStatus = "task_running"
	SessionStatusTaskCompleted        SessionStatus = "task_completed"
)

// CanAdmit reports whether a session in this state may admit a new task.
// Exactly one task per session may be non-terminal at a time.
func (s SessionStatus) CanAdmit() bool {
	return s != SessionStatusTaskRunning
}

// MessageRole is the author of a conversation message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)
