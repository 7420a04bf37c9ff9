package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	gormdb "github.com/thebtf/surf/internal/db/gorm"
	"github.com/thebtf/surf/internal/llm"
	"github.com/thebtf/surf/internal/memory"
	"github.com/thebtf/surf/pkg/models"
)

// BusyNotice is the canned reply while the session's task is running.
// The user message is still persisted; only generation is refused.
const BusyNotice = "A task is already running. Please wait for it to finish."

const (
	canceledReply    = "Okay, I won't run that task."
	startingReply    = "Starting the task now. I'll post progress here."
	fallbackReply    = "Sorry, I couldn't generate a response right now. Please try again."
	confirmOnlyReply = "Should I go ahead and run this task?"
	transcriptWindow = 50
	titleMaxLen      = 50
)

var confirmPhrases = map[string]struct{}{
	"yes": {}, "y": {}, "yeah": {}, "yep": {}, "confirm": {}, "confirmed": {},
	"ok": {}, "okay": {}, "sure": {}, "do it": {}, "run it": {},
	"go ahead": {}, "proceed": {},
}

var denyPhrases = map[string]struct{}{
	"no": {}, "nope": {}, "n": {}, "cancel": {}, "stop": {},
	"never mind": {}, "nevermind": {}, "don't": {}, "dont": {},
}

// normalizePhrase lowercases, collapses whitespace, and strips trailing
// punctuation so "Yes!" and "yes" match the same vocabulary entry.
func normalizePhrase(s string) string {
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	return strings.TrimRight(s, ".!?,")
}

func isConfirmation(s string) bool {
	_, ok := confirmPhrases[normalizePhrase(s)]
	return ok
}

func isDenial(s string) bool {
	_, ok := denyPhrases[normalizePhrase(s)]
	return ok
}

// Launcher starts background execution of an admitted task.
type Launcher func(task *gormdb.Task)

// ChatResult is the outcome of one handled user message.
type ChatResult struct {
	Message    *gormdb.Message
	TaskID     string
	TaskPrompt string
	Busy       bool
}

// Conversation drives the session state machine around the chat
// transcript: busy refusal, confirm/deny resolution, and directive
// detection in generated replies.
type Conversation struct {
	db        *gorm.DB
	tasks     *TaskMachine
	client    llm.Client
	mem       memory.Store
	extractor *memory.ConversationBuffer
	launch    Launcher
}

// NewConversation wires the conversation layer. mem may be memory.Noop.
func NewConversation(db *gorm.DB, tasks *TaskMachine, client llm.Client, mem memory.Store) *Conversation {
	if mem == nil {
		mem = memory.Noop{}
	}
	return &Conversation{db: db, tasks: tasks, client: client, mem: mem}
}

// SetExtractor wires the background fact extraction buffer. Optional.
func (c *Conversation) SetExtractor(b *memory.ConversationBuffer) {
	c.extractor = b
}

// SetLauncher wires the task executor callback invoked after admission.
// Optional; without it admitted tasks stay queued.
func (c *Conversation) SetLauncher(l Launcher) {
	c.launch = l
}

// HandleMessage processes one user message end to end and returns the
// assistant reply. Non-streaming variant of StreamMessage.
func (c *Conversation) HandleMessage(ctx context.Context, sessionID, content string) (*ChatResult, error) {
	return c.StreamMessage(ctx, sessionID, content, nil)
}

// StreamMessage processes one user message, invoking emit with each
// chunk of user-visible assistant text as it becomes safe to show.
// Directive text is never emitted. emit may be nil.
func (c *Conversation) StreamMessage(ctx context.Context, sessionID, content string, emit func(string)) (*ChatResult, error) {
	if emit == nil {
		emit = func(string) {}
	}

	session, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if _, err := c.appendMessage(ctx, session, models.MessageRoleUser, content); err != nil {
		return nil, err
	}
	c.mem.AddMessage("user", content)
	c.bufferForExtraction("user", content)

	switch session.Status {
	case models.SessionStatusTaskRunning:
		return c.cannedReply(ctx, session, BusyNotice, emit, func(r *ChatResult) { r.Busy = true })

	case models.SessionStatusAwaitingConfirmation:
		if isDenial(content) {
			if err := c.resolvePending(ctx, session, models.SessionStatusIdle); err != nil {
				return nil, err
			}
			return c.cannedReply(ctx, session, canceledReply, emit, nil)
		}
		if isConfirmation(content) && session.PendingTaskPrompt != nil {
			return c.admitPending(ctx, session, emit)
		}
		// Anything else abandons the pending prompt and is answered as
		// a fresh message.
		if err := c.resolvePending(ctx, session, models.SessionStatusIdle); err != nil {
			return nil, err
		}
	}

	return c.generateReply(ctx, session, emit)
}

func (c *Conversation) admitPending(ctx context.Context, session *gormdb.Session, emit func(string)) (*ChatResult, error) {
	prompt := *session.PendingTaskPrompt
	task, err := c.tasks.Admit(ctx, session.ID, prompt)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return c.cannedReply(ctx, session, BusyNotice, emit, func(r *ChatResult) { r.Busy = true })
		}
		return nil, err
	}
	if c.launch != nil {
		c.launch(task)
	}

	result, err := c.cannedReply(ctx, session, startingReply, emit, nil)
	if err != nil {
		return nil, err
	}
	result.TaskID = task.ID
	result.TaskPrompt = prompt
	return result, nil
}

func (c *Conversation) generateReply(ctx context.Context, session *gormdb.Session, emit func(string)) (*ChatResult, error) {
	transcript, err := c.loadTranscript(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	system := llm.SystemPrompt(c.contextBlock(ctx, session.ID))

	splitter := llm.NewSplitter()
	var visible strings.Builder
	var streamErr error

	c.client.Stream(ctx, system, transcript)(func(delta string, err error) bool {
		if err != nil {
			streamErr = err
			return false
		}
		if safe := splitter.Push(delta); safe != "" {
			visible.WriteString(safe)
			emit(safe)
		}
		return true
	})
	if safe := splitter.Finish(); safe != "" {
		visible.WriteString(safe)
		emit(safe)
	}

	directive, found := splitter.Directive()
	reply := strings.TrimSpace(visible.String())

	if streamErr != nil {
		log.Warn().Err(streamErr).Str("sessionId", session.ID).Msg("Assistant generation failed")
		if reply == "" && !found {
			reply = fallbackReply
			emit(reply)
		}
		// A directive from a broken stream is untrustworthy.
		found = false
		directive = ""
	}

	if found && reply == "" {
		reply = confirmOnlyReply
		emit(reply)
	}

	msg, err := c.appendMessage(ctx, session, models.MessageRoleAssistant, reply)
	if err != nil {
		return nil, err
	}
	c.mem.AddMessage("assistant", reply)
	c.bufferForExtraction("assistant", reply)

	if found && directive != "" {
		if err := c.setPending(ctx, session, directive); err != nil {
			return nil, err
		}
	} else if session.Status != models.SessionStatusIdle {
		// A plain exchange after a completed task returns the session
		// to idle.
		if err := c.resolvePending(ctx, session, models.SessionStatusIdle); err != nil {
			return nil, err
		}
	}

	return &ChatResult{Message: msg, TaskPrompt: directive}, nil
}

// contextBlock combines knowledge-graph memory with the most recent
// task outcome. Either half may be empty.
func (c *Conversation) contextBlock(ctx context.Context, sessionID string) string {
	parts := make([]string, 0, 2)
	if mc := c.mem.Context(); mc != "" {
		parts = append(parts, mc)
	}
	if tc := c.taskContext(ctx, sessionID); tc != "" {
		parts = append(parts, tc)
	}
	return strings.Join(parts, "\n\n")
}

func (c *Conversation) taskContext(ctx context.Context, sessionID string) string {
	result, err := c.tasks.LatestResult(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("Latest task result lookup failed")
		return ""
	}
	if result == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Most recent browser task:\n")
	sb.WriteString("  Task: " + result.Prompt + "\n")
	sb.WriteString("  Status: " + string(result.Status))
	if final := result.Payload.String("final_result"); final != "" {
		sb.WriteString("\n  Result: " + final)
	}
	if result.Error != "" {
		sb.WriteString("\n  Error: " + result.Error)
	}
	return sb.String()
}

func (c *Conversation) cannedReply(ctx context.Context, session *gormdb.Session, text string, emit func(string), decorate func(*ChatResult)) (*ChatResult, error) {
	emit(text)
	msg, err := c.appendMessage(ctx, session, models.MessageRoleAssistant, text)
	if err != nil {
		return nil, err
	}
	result := &ChatResult{Message: msg}
	if decorate != nil {
		decorate(result)
	}
	return result, nil
}

func (c *Conversation) loadSession(ctx context.Context, sessionID string) (*gormdb.Session, error) {
	var session gormdb.Session
	if err := c.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// appendMessage persists a transcript entry and, for the first user
// message of an untitled session, derives the session title.
func (c *Conversation) appendMessage(ctx context.Context, session *gormdb.Session, role models.MessageRole, content string) (*gormdb.Message, error) {
	msg := &gormdb.Message{SessionID: session.ID, Role: role, Content: content}
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		if session.Title == "" && role == models.MessageRoleUser {
			title := deriveTitle(content)
			session.Title = title
			return tx.Model(&gormdb.Session{}).Where("id = ?", session.ID).
				Update("title", title).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func deriveTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	runes := []rune(title)
	if len(runes) > titleMaxLen {
		title = string(runes[:titleMaxLen-3]) + "..."
	}
	return title
}

func (c *Conversation) setPending(ctx context.Context, session *gormdb.Session, prompt string) error {
	session.Status = models.SessionStatusAwaitingConfirmation
	session.PendingTaskPrompt = &prompt
	return c.db.WithContext(ctx).Model(&gormdb.Session{}).Where("id = ?", session.ID).Updates(map[string]any{
		"status":              models.SessionStatusAwaitingConfirmation,
		"pending_task_prompt": prompt,
		"updated_at":          time.Now().UTC(),
	}).Error
}

func (c *Conversation) resolvePending(ctx context.Context, session *gormdb.Session, status models.SessionStatus) error {
	session.Status = status
	session.PendingTaskPrompt = nil
	return c.db.WithContext(ctx).Model(&gormdb.Session{}).Where("id = ?", session.ID).Updates(map[string]any{
		"status":              status,
		"pending_task_prompt": nil,
		"updated_at":          time.Now().UTC(),
	}).Error
}

func (c *Conversation) loadTranscript(ctx context.Context, sessionID string) ([]llm.Message, error) {
	var rows []gormdb.Message
	err := c.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(transcriptWindow).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	msgs := make([]llm.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		msgs = append(msgs, llm.Message{Role: string(rows[i].Role), Content: rows[i].Content})
	}
	return msgs, nil
}

func (c *Conversation) bufferForExtraction(role, content string) {
	if c.extractor != nil {
		c.extractor.Add(role, content)
	}
}
