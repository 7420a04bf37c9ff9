package gorm

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/surf/pkg/models"
)

// Session is one conversation's durable state container. It owns at most
// one non-terminal task at any instant; Status is mutated only by the
// session state machine.
type Session struct {
	ID                string               `gorm:"primaryKey;type:text" json:"id"`
	Title             string               `gorm:"type:text" json:"title"`
	Status            models.SessionStatus `gorm:"type:text;default:'idle';check:status IN ('idle', 'awaiting_confirmation', 'task_running', 'task_completed');index" json:"status"`
	PendingTaskPrompt *string              `gorm:"type:text" json:"pending_task_prompt,omitempty"`
	CreatedAt         time.Time            `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time            `gorm:"not null" json:"updated_at"`

	Messages []Message `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
	Tasks    []Task    `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Session) TableName() string { return "sessions" }

// BeforeCreate hook to ensure id and status defaults are set.
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = models.SessionStatusIdle
	}
	return nil
}

// Message is one entry of a session's conversation transcript.
// The transcript is append-only regardless of session state.
type Message struct {
	ID        string             `gorm:"primaryKey;type:text" json:"id"`
	SessionID string             `gorm:"type:text;index;not null" json:"session_id"`
	Role      models.MessageRole `gorm:"type:text;not null" json:"role"`
	Content   string             `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time          `gorm:"not null;index:idx_messages_created" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// BeforeCreate hook to ensure the id is set.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// Task is one admitted automation request. Immutable once terminal.
type Task struct {
	ID         string            `gorm:"primaryKey;type:text" json:"id"`
	SessionID  string            `gorm:"type:text;index;not null" json:"session_id"`
	Status     models.TaskStatus `gorm:"type:text;default:'queued';check:status IN ('queued', 'running', 'succeeded', 'failed');index" json:"status"`
	Prompt     string            `gorm:"type:text;not null" json:"prompt"`
	Error      *string           `gorm:"type:text" json:"error,omitempty"`
	AgreedAt   *time.Time        `json:"agreed_at,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	CreatedAt  time.Time         `gorm:"not null" json:"created_at"`

	Events    []TaskEvent `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"-"`
	Artifacts []Artifact  `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Task) TableName() string { return "tasks" }

// BeforeCreate hook to ensure id and status defaults are set.
func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusQueued
	}
	return nil
}

// TaskEvent is one entry in a task's append-only progress ledger. The
// autoincrement id doubles as the per-task strictly increasing sequence
// number; rows are never updated or deleted while the task exists.
type TaskEvent struct {
	ID        int64              `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    string             `gorm:"type:text;index;not null" json:"task_id"`
	Type      models.EventType   `gorm:"type:text;index;not null" json:"type"`
	Payload   models.JSONPayload `gorm:"type:text" json:"payload"`
	CreatedAt time.Time          `gorm:"not null" json:"created_at"`
}

func (TaskEvent) TableName() string { return "task_events" }

// Artifact is a terminal output of a successful task. Immutable.
type Artifact struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	TaskID    string    `gorm:"type:text;index;not null" json:"task_id"`
	Type      string    `gorm:"type:text;index;not null" json:"type"`
	Location  *string   `gorm:"type:text" json:"location,omitempty"`
	Data      *string   `gorm:"type:text" json:"data,omitempty"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (Artifact) TableName() string { return "artifacts" }

// BeforeCreate hook to ensure the id is set.
func (a *Artifact) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
