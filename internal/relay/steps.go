// Package relay fans task progress out to live subscribers while the
// ledger keeps the durable copy.
package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/surf/internal/ledger"
	"github.com/thebtf/surf/pkg/models"
)

// DefaultQueueSize is the per-subscriber buffer when none is given.
const DefaultQueueSize = 64

// Event is one live-delivered ledger entry.
type Event struct {
	ID      int64
	Type    models.EventType
	Payload models.JSONPayload
}

type subscriber struct {
	ch chan Event
}

// StepRelay appends every step to the ledger (never lost) and forwards
// it to live subscribers over bounded queues. A full queue drops the
// event for that subscriber only: at-most-once live delivery, with
// guaranteed eventual delivery through ledger polling.
type StepRelay struct {
	ledger    *ledger.Ledger
	queueSize int

	mu     sync.Mutex
	subs   map[string]map[int]*subscriber
	nextID int
}

// NewStepRelay creates a relay over the given ledger.
func NewStepRelay(l *ledger.Ledger, queueSize int) *StepRelay {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &StepRelay{
		ledger:    l,
		queueSize: queueSize,
		subs:      make(map[string]map[int]*subscriber),
	}
}

// Publish appends the event to the ledger and forwards it to live
// subscribers of the task. The ledger append error is returned; live
// delivery is best effort.
func (r *StepRelay) Publish(ctx context.Context, taskID string, typ models.EventType, payload models.JSONPayload) error {
	event, err := r.ledger.Append(ctx, taskID, typ, payload)
	if err != nil {
		return err
	}
	r.fanout(taskID, Event{ID: event.ID, Type: typ, Payload: payload})
	return nil
}

// Notify forwards an already-persisted event to live subscribers
// without appending. The task state machine uses this after it writes
// status events inside its own transaction.
func (r *StepRelay) Notify(taskID string, id int64, typ models.EventType, payload models.JSONPayload) {
	r.fanout(taskID, Event{ID: id, Type: typ, Payload: payload})
}

func (r *StepRelay) fanout(taskID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs[taskID] {
		select {
		case sub.ch <- ev:
		default:
			// Queue full: drop for this subscriber only. The ledger
			// copy is never lost.
			log.Debug().Str("taskId", taskID).Int64("eventId", ev.ID).Msg("Dropped live event for slow subscriber")
		}
	}
}

// Subscribe returns a live event channel for the task and a cancel
// function. The channel is closed on cancel.
func (r *StepRelay) Subscribe(taskID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, r.queueSize)}

	r.mu.Lock()
	if r.subs[taskID] == nil {
		r.subs[taskID] = make(map[int]*subscriber)
	}
	r.nextID++
	id := r.nextID
	r.subs[taskID][id] = sub
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if set, ok := r.subs[taskID]; ok {
			if s, ok := set[id]; ok {
				delete(set, id)
				close(s.ch)
			}
			if len(set) == 0 {
				delete(r.subs, taskID)
			}
		}
	}
	return sub.ch, cancel
}

// SubscriberCount returns the number of live subscribers for a task.
func (r *StepRelay) SubscriberCount(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[taskID])
}
