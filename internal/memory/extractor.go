package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/surf/internal/llm"
)

// extractionSystemPrompt asks the model for atomic, self-contained facts
// and excludes browser-action noise.
const extractionSystemPrompt = `You are a memory archivist. Extract meaningful, persistent facts about the user from the conversation: biography, preferences, habits, goals, skills, constraints, relationships, and explicit corrections.

Do NOT extract generic browser actions ("clicked on...", "visited..."), task chatter ("done searching"), or chit-chat ("okay", "thanks").

Rules:
- Refer to the user by the provided name, never "User" or "I".
- Each fact must be self-contained and understandable without context.
- Return a JSON array of objects with "type" ("preference", "personal", "outcome" or "correction"), "content" and "confidence" (0..1).
- Return [] when nothing is worth remembering.`

const extractionTimeout = 30 * time.Second

// ConversationBuffer batches conversation turns and extracts facts every
// flushSize messages, plus once at teardown. Extraction runs detached
// and is supervised at the goroutine boundary: failures are logged and
// never propagated to the triggering message.
type ConversationBuffer struct {
	client    llm.Client
	store     Store
	userName  string
	flushSize int

	mu       sync.Mutex
	messages []llm.Message
	wg       sync.WaitGroup
}

// NewConversationBuffer creates a buffer flushing every flushSize
// messages (minimum 2).
func NewConversationBuffer(client llm.Client, store Store, userName string, flushSize int) *ConversationBuffer {
	if flushSize < 2 {
		flushSize = 2
	}
	return &ConversationBuffer{
		client:    client,
		store:     store,
		userName:  userName,
		flushSize: flushSize,
	}
}

// Add appends a message; when the buffer is full it triggers a detached
// extraction pass.
func (b *ConversationBuffer) Add(role, content string) {
	if content == "" {
		return
	}
	b.mu.Lock()
	b.messages = append(b.messages, llm.Message{Role: role, Content: content})
	full := len(b.messages) >= b.flushSize
	var batch []llm.Message
	if full {
		batch = b.messages
		b.messages = nil
	}
	b.mu.Unlock()

	if full {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.extract(batch)
		}()
	}
}

// Flush extracts whatever is buffered and waits for in-flight passes,
// bounded by ctx. Called on relay teardown; best effort.
func (b *ConversationBuffer) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.messages
	b.messages = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.extract(batch)
		}()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Memory extraction flush cut short by teardown deadline")
	}
}

func (b *ConversationBuffer) extract(batch []llm.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Memory extraction panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), extractionTimeout)
	defer cancel()

	facts, err := ExtractFacts(ctx, b.client, batch, b.store.Context(), b.userName)
	if err != nil {
		log.Warn().Err(err).Msg("Memory extraction failed")
		return
	}
	if len(facts) == 0 {
		return
	}
	b.store.StoreFacts(facts)
	log.Info().Int("facts", len(facts)).Msg("Stored extracted memory facts")
}

// ExtractFacts runs one extraction pass over the given messages.
func ExtractFacts(ctx context.Context, client llm.Client, messages []llm.Message, existingContext, userName string) ([]Fact, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	var convo strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&convo, "%s: %s\n", strings.ToUpper(m.Role), m.Content)
	}

	prompt := fmt.Sprintf(
		"Analyze this conversation for user %q and extract meaningful facts.\n\n--- CONVERSATION ---\n%s--- END CONVERSATION ---",
		userName, convo.String(),
	)
	if existingContext != "" {
		prompt += "\n\nAlready known (do not repeat):\n" + existingContext
	}

	raw, err := client.Complete(ctx, extractionSystemPrompt, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return nil, err
	}

	return parseFacts(raw)
}

// parseFacts tolerates the model wrapping the array in a code fence.
func parseFacts(raw string) ([]Fact, error) {
	raw = strings.TrimSpace(raw)
	if start := strings.Index(raw, "["); start != -1 {
		if end := strings.LastIndex(raw, "]"); end > start {
			raw = raw[start : end+1]
		}
	}
	var facts []Fact
	if err := json.Unmarshal([]byte(raw), &facts); err != nil {
		return nil, fmt.Errorf("parse facts: %w", err)
	}
	out := facts[:0]
	for _, f := range facts {
		if strings.TrimSpace(f.Content) != "" {
			out = append(out, f)
		}
	}
	return out, nil
}
