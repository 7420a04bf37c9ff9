// Package ledger implements the append-only progress ledger for tasks.
//
// Event ids are assigned by the database's autoincrement sequence, so
// within a task they are strictly increasing and never reused. Readers
// replaying from an offset always observe a prefix of the true order,
// never a gap followed by a later id.
package ledger

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	gormdb "github.com/thebtf/surf/internal/db/gorm"
	"github.com/thebtf/surf/pkg/models"
)

// DefaultReadLimit bounds a single Read when the caller passes limit <= 0.
const DefaultReadLimit = 200

// Ledger appends and replays task progress events.
type Ledger struct {
	db *gorm.DB
}

// New creates a Ledger on top of the given database handle.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Append assigns the next sequence number for the task and persists the
// event.
func (l *Ledger) Append(ctx context.Context, taskID string, typ models.EventType, payload models.JSONPayload) (*gormdb.TaskEvent, error) {
	return AppendTx(l.db.WithContext(ctx), taskID, typ, payload)
}

// AppendTx appends an event inside an existing transaction. The task
// state machine uses this to make status events atomic with the status
// change they describe.
func AppendTx(tx *gorm.DB, taskID string, typ models.EventType, payload models.JSONPayload) (*gormdb.TaskEvent, error) {
	if payload == nil {
		payload = models.JSONPayload{}
	}
	event := &gormdb.TaskEvent{TaskID: taskID, Type: typ, Payload: payload}
	if err := tx.Create(event).Error; err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	return event, nil
}

// Read returns up to limit events for the task with id > afterID, in id
// order. Safe to call concurrently with appends.
func (l *Ledger) Read(ctx context.Context, taskID string, afterID int64, limit int) ([]gormdb.TaskEvent, error) {
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	var events []gormdb.TaskEvent
	err := l.db.WithContext(ctx).
		Where("task_id = ? AND id > ?", taskID, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}
