package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/surf/internal/automation"
	"github.com/thebtf/surf/internal/config"
	gormdb "github.com/thebtf/surf/internal/db/gorm"
	"github.com/thebtf/surf/internal/ledger"
	"github.com/thebtf/surf/internal/llm"
	"github.com/thebtf/surf/internal/orchestrator"
	"github.com/thebtf/surf/pkg/models"
)

type fakeClient struct {
	reply string
}

func (f *fakeClient) Stream(ctx context.Context, system string, msgs []llm.Message) func(yield func(string, error) bool) {
	return func(yield func(string, error) bool) {
		yield(f.reply, nil)
	}
}

func (f *fakeClient) Complete(ctx context.Context, system string, msgs []llm.Message) (string, error) {
	return f.reply, nil
}

type HandlersSuite struct {
	suite.Suite
	store   *gormdb.Store
	machine *orchestrator.TaskMachine
	client  *fakeClient
	server  *Server
}

func TestHandlersSuite(t *testing.T) {
	suite.Run(t, new(HandlersSuite))
}

func (s *HandlersSuite) SetupTest() {
	store, err := gormdb.NewStore(gormdb.Config{Path: ":memory:"})
	s.Require().NoError(err)
	s.store = store

	led := ledger.New(store.DB)
	s.machine = orchestrator.NewTaskMachine(store.DB, nil)
	s.client = &fakeClient{reply: "Hello!"}
	convo := orchestrator.NewConversation(store.DB, s.machine, s.client, nil)

	s.server = NewServer(config.Default(), Deps{
		DB:           store.DB,
		Ledger:       led,
		Machine:      s.machine,
		Conversation: convo,
		Manager:      automation.NewManager(nil),
	})
}

func (s *HandlersSuite) TearDownTest() {
	s.store.Close()
}

func (s *HandlersSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.server.ServeHTTP(rec, req)
	return rec
}

func (s *HandlersSuite) decode(rec *httptest.ResponseRecorder, v any) {
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), v))
}

func (s *HandlersSuite) createSession() string {
	rec := s.do(http.MethodPost, "/sessions", map[string]string{"title": "errands"})
	s.Require().Equal(http.StatusCreated, rec.Code)
	var session gormdb.Session
	s.decode(rec, &session)
	s.Require().NotEmpty(session.ID)
	return session.ID
}

func (s *HandlersSuite) TestSessionLifecycle() {
	id := s.createSession()

	rec := s.do(http.MethodGet, "/sessions/"+id, nil)
	s.Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/sessions", nil)
	s.Equal(http.StatusOK, rec.Code)
	var list struct {
		Sessions []gormdb.Session `json:"sessions"`
	}
	s.decode(rec, &list)
	s.Len(list.Sessions, 1)

	rec = s.do(http.MethodDelete, "/sessions/"+id, nil)
	s.Equal(http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodDelete, "/sessions/"+id, nil)
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *HandlersSuite) TestCreateTaskDirectAdmission() {
	id := s.createSession()

	rec := s.do(http.MethodPost, "/tasks/sessions/"+id, map[string]string{"prompt": "order groceries"})
	s.Require().Equal(http.StatusCreated, rec.Code)
	var task gormdb.Task
	s.decode(rec, &task)
	s.Equal(models.TaskStatusQueued, task.Status)

	// One non-terminal task per session.
	rec = s.do(http.MethodPost, "/tasks/sessions/"+id, map[string]string{"prompt": "another"})
	s.Equal(http.StatusConflict, rec.Code)
}

func (s *HandlersSuite) TestCreateTaskValidation() {
	id := s.createSession()

	rec := s.do(http.MethodPost, "/tasks/sessions/"+id, map[string]string{"prompt": "   "})
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/tasks/sessions/unknown", map[string]string{"prompt": "x"})
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *HandlersSuite) TestTaskEventsReplay() {
	id := s.createSession()
	ctx := context.Background()

	task, err := s.machine.Admit(ctx, id, "count things")
	s.Require().NoError(err)
	s.Require().NoError(s.machine.Start(ctx, task.ID))
	s.Require().NoError(s.machine.FinalizeSuccess(ctx, task.ID, models.JSONPayload{"final_result": "42"}, nil))

	rec := s.do(http.MethodGet, "/tasks/"+task.ID+"/events", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var page struct {
		Status models.TaskStatus  `json:"status"`
		Events []gormdb.TaskEvent `json:"events"`
	}
	s.decode(rec, &page)
	s.Equal(models.TaskStatusSucceeded, page.Status)
	s.Require().Len(page.Events, 4)

	// Resuming from a cursor yields only the suffix.
	cursor := page.Events[1].ID
	rec = s.do(http.MethodGet, "/tasks/"+task.ID+"/events?after_id="+strconv.FormatInt(cursor, 10), nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.decode(rec, &page)
	s.Len(page.Events, 2)

	rec = s.do(http.MethodGet, "/tasks/"+task.ID+"/events?after_id=junk", nil)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/tasks/unknown/events", nil)
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *HandlersSuite) TestTaskEventStreamDrainsTerminalTask() {
	id := s.createSession()
	ctx := context.Background()

	task, err := s.machine.Admit(ctx, id, "quick job")
	s.Require().NoError(err)
	s.Require().NoError(s.machine.FinalizeSuccess(ctx, task.ID, models.JSONPayload{"final_result": "ok"}, nil))

	rec := s.do(http.MethodGet, "/tasks/"+task.ID+"/events/stream", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	s.Contains(body, `"type":"status"`)
	s.Contains(body, `"type":"result"`)
	s.Contains(body, "stream_end")
}

func (s *HandlersSuite) TestTaskArtifacts() {
	id := s.createSession()
	ctx := context.Background()

	task, err := s.machine.Admit(ctx, id, "screenshot me")
	s.Require().NoError(err)
	s.Require().NoError(s.machine.FinalizeSuccess(ctx, task.ID, models.JSONPayload{}, []string{"aW1n"}))

	rec := s.do(http.MethodGet, "/tasks/"+task.ID+"/artifacts", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var page struct {
		Artifacts []gormdb.Artifact `json:"artifacts"`
	}
	s.decode(rec, &page)
	s.Require().Len(page.Artifacts, 1)
	s.Equal(models.ArtifactTypeScreenshot, page.Artifacts[0].Type)
}

func (s *HandlersSuite) TestPostMessage() {
	id := s.createSession()

	rec := s.do(http.MethodPost, "/sessions/"+id+"/messages", map[string]string{"content": "hi"})
	s.Require().Equal(http.StatusOK, rec.Code)
	var resp messageResponse
	s.decode(rec, &resp)
	s.Equal("Hello!", resp.Message.Content)
	s.False(resp.Busy)

	rec = s.do(http.MethodPost, "/sessions/"+id+"/messages", map[string]string{"content": ""})
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/sessions/unknown/messages", map[string]string{"content": "hi"})
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *HandlersSuite) TestPostMessageWhileBusy() {
	id := s.createSession()
	_, err := s.machine.Admit(context.Background(), id, "busy work")
	s.Require().NoError(err)

	rec := s.do(http.MethodPost, "/sessions/"+id+"/messages", map[string]string{"content": "status?"})
	s.Require().Equal(http.StatusOK, rec.Code)
	var resp messageResponse
	s.decode(rec, &resp)
	s.True(resp.Busy)
	s.Equal(orchestrator.BusyNotice, resp.Message.Content)
}

func (s *HandlersSuite) TestPostMessageStream() {
	id := s.createSession()
	s.client.reply = "Sounds good.\nTASK_PROMPT: find a gift"

	rec := s.do(http.MethodPost, "/sessions/"+id+"/messages/stream", map[string]string{"content": "help me shop"})
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	s.Contains(body, `"type":"delta"`)
	s.Contains(body, `"type":"done"`)
	s.Contains(body, "find a gift")
	s.NotContains(body, "TASK_PROMPT:")
}

func (s *HandlersSuite) TestListMessagesTranscript() {
	id := s.createSession()
	rec := s.do(http.MethodPost, "/sessions/"+id+"/messages", map[string]string{"content": "hi"})
	s.Require().Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/sessions/"+id+"/messages", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var page struct {
		Messages []gormdb.Message `json:"messages"`
	}
	s.decode(rec, &page)
	s.Require().Len(page.Messages, 2)
	s.Equal(models.MessageRoleUser, page.Messages[0].Role)
	s.Equal(models.MessageRoleAssistant, page.Messages[1].Role)
}

func (s *HandlersSuite) TestScreenshotFallsBackToLatestArtifact() {
	id := s.createSession()
	ctx := context.Background()

	task, err := s.machine.Admit(ctx, id, "look around")
	s.Require().NoError(err)
	s.Require().NoError(s.machine.FinalizeSuccess(ctx, task.ID, models.JSONPayload{}, []string{"c2NyZWVu"}))

	// No live engine handle exists, so the persisted artifact is served.
	rec := s.do(http.MethodGet, "/sessions/"+id+"/screenshot", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var resp struct {
		Screenshot string `json:"screenshot"`
	}
	s.decode(rec, &resp)
	s.Equal("c2NyZWVu", resp.Screenshot)
}

func (s *HandlersSuite) TestScreenshotWithoutAnyCapture() {
	id := s.createSession()
	rec := s.do(http.MethodGet, "/sessions/"+id+"/screenshot", nil)
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *HandlersSuite) TestHealth() {
	rec := s.do(http.MethodGet, "/healthz", nil)
	s.Equal(http.StatusOK, rec.Code)
}
