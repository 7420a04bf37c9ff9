package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	gormdb "github.com/thebtf/surf/internal/db/gorm"
	"github.com/thebtf/surf/internal/memory"
	"github.com/thebtf/surf/internal/orchestrator"
	"github.com/thebtf/surf/internal/relay"
	"github.com/thebtf/surf/pkg/models"
)

// DefaultTaskTimeout bounds a single engine run.
const DefaultTaskTimeout = 15 * time.Minute

// finalizeTimeout bounds the finalization writes. Finalization runs on
// its own context: the task's run context is usually already expired or
// cancelled by the time a failure is being recorded.
const finalizeTimeout = 10 * time.Second

// TaskRunner executes admitted tasks in the background: it acquires the
// session's engine handle, relays step progress, and finalizes the task
// through the state machine. Exactly one goroutine per launched task.
type TaskRunner struct {
	machine *orchestrator.TaskMachine
	manager *Manager
	steps   *relay.StepRelay
	mem     memory.Store
	timeout time.Duration
}

// NewTaskRunner wires the executor. mem may be memory.Noop.
func NewTaskRunner(machine *orchestrator.TaskMachine, manager *Manager, steps *relay.StepRelay, mem memory.Store) *TaskRunner {
	if mem == nil {
		mem = memory.Noop{}
	}
	return &TaskRunner{
		machine: machine,
		manager: manager,
		steps:   steps,
		mem:     mem,
		timeout: DefaultTaskTimeout,
	}
}

// SetTimeout overrides the per-task run deadline.
func (r *TaskRunner) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Launch runs the task in a detached goroutine. The goroutine is
// supervised at its boundary: a panic finalizes the task as failed
// instead of taking the process down.
func (r *TaskRunner) Launch(task *gormdb.Task) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("taskId", task.ID).Msg("Task execution panicked")
				r.fail(task, fmt.Errorf("internal error: %v", rec))
			}
		}()
		r.run(ctx, task)
	}()
}

func (r *TaskRunner) run(ctx context.Context, task *gormdb.Task) {
	if err := r.machine.Start(ctx, task.ID); err != nil {
		r.fail(task, fmt.Errorf("start task: %w", err))
		return
	}

	handle, err := r.manager.Acquire(ctx, task.SessionID)
	if err != nil {
		// Startup failures register no handle, so the next task
		// retries with a fresh engine.
		r.fail(task, err)
		return
	}

	onStep := func(step Step) {
		if r.steps == nil {
			return
		}
		if err := r.steps.Publish(ctx, task.ID, models.EventTypeStep, step.Payload()); err != nil {
			log.Warn().Err(err).Str("taskId", task.ID).Int("step", step.Number).Msg("Step publish failed")
		}
	}

	history, err := handle.Engine.Run(ctx, task.Prompt, onStep)
	if err != nil {
		r.manager.MarkCrashed(task.SessionID)
		r.fail(task, &RuntimeError{Err: err})
		return
	}

	fctx, fcancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer fcancel()
	if err := r.machine.FinalizeSuccess(fctx, task.ID, history.Summary(), history.Screenshots); err != nil {
		log.Error().Err(err).Str("taskId", task.ID).Msg("Task finalization failed")
		return
	}

	r.manager.UpdateContinuity(task.SessionID, continuitySummary(history))
	r.mem.StoreBrowserResult(task.Prompt, history.FinalResult, history.Success)
}

func (r *TaskRunner) fail(task *gormdb.Task, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := r.machine.FinalizeFailure(ctx, task.ID, cause.Error()); err != nil {
		log.Error().Err(err).Str("taskId", task.ID).Msg("Failure finalization failed")
	}
}

// continuitySummary condenses a finished run into the short context
// blob carried into the session's next task prompt.
func continuitySummary(h *RunHistory) string {
	summary := "PREVIOUS TASK CONTEXT:"
	if url := h.LastURL(); url != "" {
		summary += "\nThe browser is currently at: " + url
	}
	if h.FinalResult != "" {
		summary += "\nPrevious task result: " + truncate(h.FinalResult, 300)
	}
	if summary == "PREVIOUS TASK CONTEXT:" {
		return ""
	}
	return summary
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
