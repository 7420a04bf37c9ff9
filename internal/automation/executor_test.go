package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	gormdb "github.com/thebtf/surf/internal/db/gorm"
	"github.com/thebtf/surf/internal/ledger"
	"github.com/thebtf/surf/internal/orchestrator"
	"github.com/thebtf/surf/internal/relay"
	"github.com/thebtf/surf/pkg/models"
)

type TaskRunnerSuite struct {
	suite.Suite
	store   *gormdb.Store
	ledger  *ledger.Ledger
	steps   *relay.StepRelay
	machine *orchestrator.TaskMachine
	session *gormdb.Session
}

func TestTaskRunnerSuite(t *testing.T) {
	suite.Run(t, new(TaskRunnerSuite))
}

func (s *TaskRunnerSuite) SetupTest() {
	store, err := gormdb.NewStore(gormdb.Config{Path: ":memory:"})
	s.Require().NoError(err)
	s.store = store
	s.ledger = ledger.New(store.DB)
	s.steps = relay.NewStepRelay(s.ledger, 16)
	s.machine = orchestrator.NewTaskMachine(store.DB, s.steps)

	s.session = &gormdb.Session{}
	s.Require().NoError(store.DB.Create(s.session).Error)
}

func (s *TaskRunnerSuite) TearDownTest() {
	s.store.Close()
}

func (s *TaskRunnerSuite) admit(prompt string) *gormdb.Task {
	task, err := s.machine.Admit(context.Background(), s.session.ID, prompt)
	s.Require().NoError(err)
	return task
}

func (s *TaskRunnerSuite) TestSuccessfulRunFinalizesAndPublishesSteps() {
	engine := &fakeEngine{
		steps: []Step{
			{Number: 1, Actions: []Action{{Name: "go_to_url", Params: map[string]any{"url": "https://example.com"}}}},
			{Number: 2, Actions: []Action{{Name: "done", Params: map[string]any{"text": "all set"}}}},
		},
		history: &RunHistory{
			FinalResult: "all set",
			Success:     true,
			URLs:        []string{"https://example.com"},
			Screenshots: []string{"c2hvdA=="},
		},
	}
	manager := NewManager(func() Engine { return engine })
	runner := NewTaskRunner(s.machine, manager, s.steps, nil)

	task := s.admit("do the thing")
	runner.run(context.Background(), task)

	got, err := s.machine.Get(context.Background(), task.ID)
	s.Require().NoError(err)
	s.Equal(models.TaskStatusSucceeded, got.Status)

	events, err := s.ledger.Read(context.Background(), task.ID, 0, 50)
	s.Require().NoError(err)

	var types []models.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	// queued, running, two steps, result, succeeded.
	s.Equal([]models.EventType{
		models.EventTypeStatus,
		models.EventTypeStatus,
		models.EventTypeStep,
		models.EventTypeStep,
		models.EventTypeResult,
		models.EventTypeStatus,
	}, types)

	s.Contains(manager.Continuity(s.session.ID), "https://example.com")
	s.Contains(manager.Continuity(s.session.ID), "all set")

	var artifacts []gormdb.Artifact
	s.Require().NoError(s.store.DB.Where("task_id = ?", task.ID).Find(&artifacts).Error)
	s.Len(artifacts, 1)
}

func (s *TaskRunnerSuite) TestStartupFailureFinalizesWithoutHandle() {
	manager := NewManager(nil)
	runner := NewTaskRunner(s.machine, manager, s.steps, nil)

	task := s.admit("doomed")
	runner.run(context.Background(), task)

	got, err := s.machine.Get(context.Background(), task.ID)
	s.Require().NoError(err)
	s.Equal(models.TaskStatusFailed, got.Status)
	s.Require().NotNil(got.Error)
	s.Contains(*got.Error, "no automation engine configured")

	_, ok := manager.Get(s.session.ID)
	s.False(ok)
}

func (s *TaskRunnerSuite) TestRuntimeFailureMarksHandleCrashed() {
	crashing := &fakeEngine{runErr: errors.New("browser died")}
	replacements := 0
	manager := NewManager(func() Engine {
		replacements++
		if replacements == 1 {
			return crashing
		}
		return &fakeEngine{}
	})
	runner := NewTaskRunner(s.machine, manager, s.steps, nil)

	task := s.admit("fragile")
	runner.run(context.Background(), task)

	got, err := s.machine.Get(context.Background(), task.ID)
	s.Require().NoError(err)
	s.Equal(models.TaskStatusFailed, got.Status)
	s.Require().NotNil(got.Error)
	s.Contains(*got.Error, "browser died")

	// The crashed handle is discarded on the next acquire.
	_, err = manager.Acquire(context.Background(), s.session.ID)
	s.Require().NoError(err)
	s.Equal(2, replacements)
}

// blockingEngine holds the run open until its context expires, like a
// browser that never reaches a terminal step.
type blockingEngine struct{}

func (blockingEngine) Start(ctx context.Context) error { return nil }
func (blockingEngine) Stop(ctx context.Context) error  { return nil }
func (blockingEngine) Run(ctx context.Context, prompt string, onStep StepFunc) (*RunHistory, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (blockingEngine) Pages(ctx context.Context) ([]Page, error) { return nil, nil }

func (s *TaskRunnerSuite) TestTimedOutRunStillFinalizesFailure() {
	manager := NewManager(func() Engine { return blockingEngine{} })
	runner := NewTaskRunner(s.machine, manager, s.steps, nil)

	task := s.admit("hang forever")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	runner.run(ctx, task)

	// The run context is dead, but finalization must still land: the
	// task goes terminal and the session is released.
	got, err := s.machine.Get(context.Background(), task.ID)
	s.Require().NoError(err)
	s.Equal(models.TaskStatusFailed, got.Status)
	s.Require().NotNil(got.Error)
	s.Contains(*got.Error, context.DeadlineExceeded.Error())

	var session gormdb.Session
	s.Require().NoError(s.store.DB.First(&session, "id = ?", s.session.ID).Error)
	s.Equal(models.SessionStatusTaskCompleted, session.Status)
}

func (s *TaskRunnerSuite) TestFollowUpTaskCarriesContinuity() {
	engine := &fakeEngine{history: &RunHistory{
		FinalResult: "logged in",
		Success:     true,
		URLs:        []string{"https://example.com/account"},
	}}
	manager := NewManager(func() Engine { return engine })
	s.machine.SetContinuity(manager)
	runner := NewTaskRunner(s.machine, manager, s.steps, nil)

	first := s.admit("log in")
	runner.run(context.Background(), first)

	second := s.admit("open the orders page")
	s.Contains(second.Prompt, "https://example.com/account")
	s.Contains(second.Prompt, "CURRENT TASK: open the orders page")
}
