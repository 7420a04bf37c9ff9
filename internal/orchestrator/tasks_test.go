package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	gormdb "github.com/thebtf/surf/internal/db/gorm"
	"github.com/thebtf/surf/internal/ledger"
	"github.com/thebtf/surf/pkg/models"
)

type fakeContinuity string

func (f fakeContinuity) Continuity(string) string { return string(f) }

type TaskMachineSuite struct {
	suite.Suite
	store   *gormdb.Store
	ledger  *ledger.Ledger
	machine *TaskMachine
	session *gormdb.Session
}

func TestTaskMachineSuite(t *testing.T) {
	suite.Run(t, new(TaskMachineSuite))
}

func (s *TaskMachineSuite) SetupTest() {
	store, err := gormdb.NewStore(gormdb.Config{Path: ":memory:"})
	s.Require().NoError(err)
	s.store = store
	s.ledger = ledger.New(store.DB)
	s.machine = NewTaskMachine(store.DB, nil)

	s.session = &gormdb.Session{}
	s.Require().NoError(store.DB.Create(s.session).Error)
}

func (s *TaskMachineSuite) TearDownTest() {
	s.store.Close()
}

func (s *TaskMachineSuite) reloadSession() *gormdb.Session {
	var session gormdb.Session
	s.Require().NoError(s.store.DB.First(&session, "id = ?", s.session.ID).Error)
	return &session
}

func (s *TaskMachineSuite) TestAdmitCreatesQueuedTaskAndFlipsSession() {
	ctx := context.Background()

	task, err := s.machine.Admit(ctx, s.session.ID, "buy milk online")
	s.Require().NoError(err)
	s.Equal(models.TaskStatusQueued, task.Status)
	s.NotNil(task.AgreedAt)

	session := s.reloadSession()
	s.Equal(models.SessionStatusTaskRunning, session.Status)
	s.Nil(session.PendingTaskPrompt)

	events, err := s.ledger.Read(ctx, task.ID, 0, 10)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(models.EventTypeStatus, events[0].Type)
	s.Equal("queued", events[0].Payload.String("status"))
}

func (s *TaskMachineSuite) TestAdmitRejectsSecondTaskWhileRunning() {
	ctx := context.Background()

	_, err := s.machine.Admit(ctx, s.session.ID, "first")
	s.Require().NoError(err)

	_, err = s.machine.Admit(ctx, s.session.ID, "second")
	s.ErrorIs(err, models.ErrConflict)
}

func (s *TaskMachineSuite) TestAdmitUnknownSession() {
	_, err := s.machine.Admit(context.Background(), "nope", "prompt")
	s.ErrorIs(err, models.ErrNotFound)
}

func (s *TaskMachineSuite) TestAdmitAllowedAfterCompletion() {
	ctx := context.Background()

	task, err := s.machine.Admit(ctx, s.session.ID, "first")
	s.Require().NoError(err)
	s.Require().NoError(s.machine.FinalizeSuccess(ctx, task.ID, models.JSONPayload{"final_result": "done"}, nil))

	s.Equal(models.SessionStatusTaskCompleted, s.reloadSession().Status)

	_, err = s.machine.Admit(ctx, s.session.ID, "second")
	s.NoError(err)
}

func (s *TaskMachineSuite) TestAdmitEnrichesPromptWithContinuity() {
	s.machine.SetContinuity(fakeContinuity("PREVIOUS TASK CONTEXT:\nThe browser is currently at: https://example.com"))

	task, err := s.machine.Admit(context.Background(), s.session.ID, "check the cart")
	s.Require().NoError(err)
	s.Contains(task.Prompt, "https://example.com")
	s.Contains(task.Prompt, "CURRENT TASK: check the cart")
}

func (s *TaskMachineSuite) TestStartMovesQueuedToRunningOnce() {
	ctx := context.Background()
	task, err := s.machine.Admit(ctx, s.session.ID, "prompt")
	s.Require().NoError(err)

	s.Require().NoError(s.machine.Start(ctx, task.ID))
	got, err := s.machine.Get(ctx, task.ID)
	s.Require().NoError(err)
	s.Equal(models.TaskStatusRunning, got.Status)
	s.NotNil(got.StartedAt)

	// A second Start is a no-op, not an error.
	s.Require().NoError(s.machine.Start(ctx, task.ID))

	events, err := s.ledger.Read(ctx, task.ID, 0, 10)
	s.Require().NoError(err)
	s.Len(events, 2)
}

func (s *TaskMachineSuite) TestFinalizeSuccessWritesResultArtifactsAndStatus() {
	ctx := context.Background()
	task, err := s.machine.Admit(ctx, s.session.ID, "prompt")
	s.Require().NoError(err)
	s.Require().NoError(s.machine.Start(ctx, task.ID))

	summary := models.JSONPayload{"final_result": "bought the milk", "success": true}
	s.Require().NoError(s.machine.FinalizeSuccess(ctx, task.ID, summary, []string{"aW1hZ2U="}))

	got, err := s.machine.Get(ctx, task.ID)
	s.Require().NoError(err)
	s.Equal(models.TaskStatusSucceeded, got.Status)
	s.NotNil(got.FinishedAt)
	s.Equal(models.SessionStatusTaskCompleted, s.reloadSession().Status)

	events, err := s.ledger.Read(ctx, task.ID, 0, 10)
	s.Require().NoError(err)
	s.Require().Len(events, 4) // queued, running, result, succeeded
	s.Equal(models.EventTypeResult, events[2].Type)
	s.Equal("bought the milk", events[2].Payload.String("final_result"))

	var artifacts []gormdb.Artifact
	s.Require().NoError(s.store.DB.Where("task_id = ?", task.ID).Find(&artifacts).Error)
	s.Require().Len(artifacts, 1)
	s.Equal(models.ArtifactTypeScreenshot, artifacts[0].Type)
}

func (s *TaskMachineSuite) TestFinalizeFailureRecordsError() {
	ctx := context.Background()
	task, err := s.machine.Admit(ctx, s.session.ID, "prompt")
	s.Require().NoError(err)

	s.Require().NoError(s.machine.FinalizeFailure(ctx, task.ID, "engine startup failed: boom"))

	got, err := s.machine.Get(ctx, task.ID)
	s.Require().NoError(err)
	s.Equal(models.TaskStatusFailed, got.Status)
	s.Require().NotNil(got.Error)
	s.Contains(*got.Error, "boom")
	s.Equal(models.SessionStatusTaskCompleted, s.reloadSession().Status)

	events, err := s.ledger.Read(ctx, task.ID, 0, 10)
	s.Require().NoError(err)
	s.Require().Len(events, 3) // queued, error, failed
	s.Equal(models.EventTypeError, events[1].Type)
}

func (s *TaskMachineSuite) TestFinalizationIsIdempotent() {
	ctx := context.Background()
	task, err := s.machine.Admit(ctx, s.session.ID, "prompt")
	s.Require().NoError(err)

	s.Require().NoError(s.machine.FinalizeSuccess(ctx, task.ID, models.JSONPayload{"final_result": "ok"}, nil))

	// Competing finalizations leave the first outcome untouched.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NoError(s.machine.FinalizeFailure(ctx, task.ID, "late failure"))
			s.NoError(s.machine.FinalizeSuccess(ctx, task.ID, models.JSONPayload{"final_result": "again"}, nil))
		}()
	}
	wg.Wait()

	got, err := s.machine.Get(ctx, task.ID)
	s.Require().NoError(err)
	s.Equal(models.TaskStatusSucceeded, got.Status)
	s.Nil(got.Error)

	events, err := s.ledger.Read(ctx, task.ID, 0, 20)
	s.Require().NoError(err)
	s.Len(events, 3) // queued, result, succeeded
}

func (s *TaskMachineSuite) TestLatestResultReturnsMostRecentOutcome() {
	ctx := context.Background()

	first, err := s.machine.Admit(ctx, s.session.ID, "first task")
	s.Require().NoError(err)
	s.Require().NoError(s.machine.FinalizeFailure(ctx, first.ID, "no luck"))

	second, err := s.machine.Admit(ctx, s.session.ID, "second task")
	s.Require().NoError(err)
	s.Require().NoError(s.machine.FinalizeSuccess(ctx, second.ID, models.JSONPayload{"final_result": "all done"}, nil))

	result, err := s.machine.LatestResult(ctx, s.session.ID)
	s.Require().NoError(err)
	s.Require().NotNil(result)
	s.Equal(second.ID, result.TaskID)
	s.Equal(models.TaskStatusSucceeded, result.Status)
	s.Equal("all done", result.Payload.String("final_result"))
}

func (s *TaskMachineSuite) TestLatestResultEmptySession() {
	result, err := s.machine.LatestResult(context.Background(), s.session.ID)
	s.Require().NoError(err)
	s.Nil(result)
}
