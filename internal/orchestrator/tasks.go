// Package orchestrator implements the session and task state machines.
//
// All mutating operations on a session/task pair are serialized by
// loading and re-checking status inside the same transaction as the
// mutation; this read-check-write pattern is the only admission-control
// mechanism. Exactly one task per session may be non-terminal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/gorm"

	gormdb "github.com/thebtf/surf/internal/db/gorm"
	"github.com/thebtf/surf/internal/ledger"
	"github.com/thebtf/surf/internal/relay"
	"github.com/thebtf/surf/pkg/models"
)

// ContinuityProvider supplies the per-session continuity context used
// to enrich newly admitted prompts. Implemented by automation.Manager.
type ContinuityProvider interface {
	Continuity(sessionID string) string
}

// TaskMachine drives the task lifecycle: queued -> running ->
// {succeeded, failed}. Finalization is idempotent: a terminal task is
// re-read inside the transaction and left untouched.
type TaskMachine struct {
	db         *gorm.DB
	steps      *relay.StepRelay
	continuity ContinuityProvider

	admitted  metric.Int64Counter
	succeeded metric.Int64Counter
	failed    metric.Int64Counter
}

// NewTaskMachine creates a task state machine. steps may be nil when no
// live fanout is needed (tests).
func NewTaskMachine(db *gorm.DB, steps *relay.StepRelay) *TaskMachine {
	meter := otel.Meter("surf/orchestrator")
	admitted, _ := meter.Int64Counter("surf.tasks.admitted",
		metric.WithDescription("Tasks admitted into the queued state"))
	succeeded, _ := meter.Int64Counter("surf.tasks.succeeded",
		metric.WithDescription("Tasks finalized as succeeded"))
	failed, _ := meter.Int64Counter("surf.tasks.failed",
		metric.WithDescription("Tasks finalized as failed"))

	return &TaskMachine{
		db:        db,
		steps:     steps,
		admitted:  admitted,
		succeeded: succeeded,
		failed:    failed,
	}
}

// SetContinuity wires the continuity provider. Optional.
func (m *TaskMachine) SetContinuity(p ContinuityProvider) {
	m.continuity = p
}

// Admit creates a queued task for the session and flips the session to
// task_running. Returns models.ErrConflict when the session already
// owns a non-terminal task and models.ErrNotFound for unknown sessions.
// The prompt is enriched with the session's continuity context so a
// follow-up task resumes where the previous one left off.
func (m *TaskMachine) Admit(ctx context.Context, sessionID, prompt string) (*gormdb.Task, error) {
	var task *gormdb.Task
	var events []gormdb.TaskEvent

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session gormdb.Session
		if err := tx.First(&session, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.ErrNotFound
			}
			return err
		}
		if !session.Status.CanAdmit() {
			return models.ErrConflict
		}

		enriched := prompt
		if m.continuity != nil {
			if cc := m.continuity.Continuity(sessionID); cc != "" {
				enriched = cc + "\n\n---\nCURRENT TASK: " + prompt
			}
		}

		now := time.Now().UTC()
		task = &gormdb.Task{
			SessionID: sessionID,
			Status:    models.TaskStatusQueued,
			Prompt:    enriched,
			AgreedAt:  &now,
		}
		if err := tx.Create(task).Error; err != nil {
			return err
		}

		ev, err := ledger.AppendTx(tx, task.ID, models.EventTypeStatus,
			models.JSONPayload{"status": string(models.TaskStatusQueued)})
		if err != nil {
			return err
		}
		events = append(events, *ev)

		return tx.Model(&gormdb.Session{}).Where("id = ?", sessionID).Updates(map[string]any{
			"status":              models.SessionStatusTaskRunning,
			"pending_task_prompt": nil,
			"updated_at":          now,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	m.admitted.Add(ctx, 1)
	m.notify(task.ID, events)
	log.Info().Str("taskId", task.ID).Str("sessionId", sessionID).Msg("Task admitted")
	return task, nil
}

// Start transitions the task from queued to running. A task already
// running or terminal is left untouched.
func (m *TaskMachine) Start(ctx context.Context, taskID string) error {
	var events []gormdb.TaskEvent

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := lockTask(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != models.TaskStatusQueued {
			return nil
		}

		now := time.Now().UTC()
		if err := tx.Model(task).Updates(map[string]any{
			"status":     models.TaskStatusRunning,
			"started_at": now,
		}).Error; err != nil {
			return err
		}

		ev, err := ledger.AppendTx(tx, taskID, models.EventTypeStatus,
			models.JSONPayload{"status": string(models.TaskStatusRunning)})
		if err != nil {
			return err
		}
		events = append(events, *ev)
		return nil
	})
	if err != nil {
		return err
	}
	m.notify(taskID, events)
	return nil
}

// FinalizeSuccess transitions the task to succeeded, appends the result
// event, persists screenshot artifacts, and returns the session to
// task_completed. A no-op when the task is already terminal.
func (m *TaskMachine) FinalizeSuccess(ctx context.Context, taskID string, summary models.JSONPayload, screenshots []string) error {
	var events []gormdb.TaskEvent
	finalized := false

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := lockTask(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return nil
		}

		now := time.Now().UTC()
		if err := tx.Model(task).Updates(map[string]any{
			"status":      models.TaskStatusSucceeded,
			"finished_at": now,
		}).Error; err != nil {
			return err
		}

		ev, err := ledger.AppendTx(tx, taskID, models.EventTypeResult, summary)
		if err != nil {
			return err
		}
		events = append(events, *ev)

		for _, shot := range screenshots {
			data := shot
			artifact := &gormdb.Artifact{
				TaskID: taskID,
				Type:   models.ArtifactTypeScreenshot,
				Data:   &data,
			}
			if err := tx.Create(artifact).Error; err != nil {
				return err
			}
		}

		ev, err = ledger.AppendTx(tx, taskID, models.EventTypeStatus,
			models.JSONPayload{"status": string(models.TaskStatusSucceeded)})
		if err != nil {
			return err
		}
		events = append(events, *ev)

		finalized = true
		return completeSession(tx, task.SessionID, now)
	})
	if err != nil {
		return err
	}
	if finalized {
		m.succeeded.Add(ctx, 1)
		m.notify(taskID, events)
		log.Info().Str("taskId", taskID).Msg("Task succeeded")
	}
	return nil
}

// FinalizeFailure transitions the task to failed with the captured
// error message and returns the session to task_completed. A no-op when
// the task is already terminal.
func (m *TaskMachine) FinalizeFailure(ctx context.Context, taskID, errorMessage string) error {
	var events []gormdb.TaskEvent
	finalized := false

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := lockTask(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return nil
		}

		now := time.Now().UTC()
		if err := tx.Model(task).Updates(map[string]any{
			"status":      models.TaskStatusFailed,
			"error":       errorMessage,
			"finished_at": now,
		}).Error; err != nil {
			return err
		}

		ev, err := ledger.AppendTx(tx, taskID, models.EventTypeError,
			models.JSONPayload{"message": errorMessage})
		if err != nil {
			return err
		}
		events = append(events, *ev)

		ev, err = ledger.AppendTx(tx, taskID, models.EventTypeStatus,
			models.JSONPayload{"status": string(models.TaskStatusFailed)})
		if err != nil {
			return err
		}
		events = append(events, *ev)

		finalized = true
		return completeSession(tx, task.SessionID, now)
	})
	if err != nil {
		return err
	}
	if finalized {
		m.failed.Add(ctx, 1)
		m.notify(taskID, events)
		log.Warn().Str("taskId", taskID).Str("error", errorMessage).Msg("Task failed")
	}
	return nil
}

// Get returns the task or models.ErrNotFound.
func (m *TaskMachine) Get(ctx context.Context, taskID string) (*gormdb.Task, error) {
	var task gormdb.Task
	if err := m.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &task, nil
}

// TaskResult is the outcome of the most recently finished task in a
// session, used to enrich conversation context.
type TaskResult struct {
	TaskID  string
	Status  models.TaskStatus
	Prompt  string
	Error   string
	Payload models.JSONPayload
}

// LatestResult returns the most recently finished task's result payload
// for the session, or nil when none exists.
func (m *TaskMachine) LatestResult(ctx context.Context, sessionID string) (*TaskResult, error) {
	var task gormdb.Task
	err := m.db.WithContext(ctx).
		Where("session_id = ? AND status IN ?", sessionID,
			[]models.TaskStatus{models.TaskStatusSucceeded, models.TaskStatusFailed}).
		Order("finished_at DESC").
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	result := &TaskResult{
		TaskID:  task.ID,
		Status:  task.Status,
		Prompt:  task.Prompt,
		Payload: models.JSONPayload{},
	}
	if task.Error != nil {
		result.Error = *task.Error
	}

	var event gormdb.TaskEvent
	err = m.db.WithContext(ctx).
		Where("task_id = ? AND type IN ?", task.ID,
			[]models.EventType{models.EventTypeResult, models.EventTypeError}).
		Order("id DESC").
		First(&event).Error
	if err == nil {
		result.Payload = event.Payload
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return result, nil
}

func (m *TaskMachine) notify(taskID string, events []gormdb.TaskEvent) {
	if m.steps == nil {
		return
	}
	for _, ev := range events {
		m.steps.Notify(taskID, ev.ID, ev.Type, ev.Payload)
	}
}

func lockTask(tx *gorm.DB, taskID string) (*gormdb.Task, error) {
	var task gormdb.Task
	if err := tx.First(&task, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("load task: %w", err)
	}
	return &task, nil
}

func completeSession(tx *gorm.DB, sessionID string, now time.Time) error {
	return tx.Model(&gormdb.Session{}).Where("id = ?", sessionID).Updates(map[string]any{
		"status":     models.SessionStatusTaskCompleted,
		"updated_at": now,
	}).Error
}
