package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/thebtf/surf/internal/llm"
)

// fakeClient returns a canned completion. An optional block channel
// holds Complete open until closed or the context expires.
type fakeClient struct {
	reply string
	err   error
	block chan struct{}
}

func (f *fakeClient) Complete(ctx context.Context, system string, msgs []llm.Message) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeClient) Stream(ctx context.Context, system string, msgs []llm.Message) func(yield func(string, error) bool) {
	return func(yield func(string, error) bool) {
		if f.err != nil {
			yield("", f.err)
			return
		}
		yield(f.reply, nil)
	}
}

// recordStore captures stored facts for assertions.
type recordStore struct {
	mu    sync.Mutex
	facts []Fact
}

func (r *recordStore) Context() string                                 { return "" }
func (r *recordStore) AddMessage(role, content string)                 {}
func (r *recordStore) StoreBrowserResult(task, result string, ok bool) {}

func (r *recordStore) StoreFacts(facts []Fact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.facts = append(r.facts, facts...)
}

func (r *recordStore) stored() []Fact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Fact(nil), r.facts...)
}

type ExtractorSuite struct {
	suite.Suite
	client *fakeClient
	store  *recordStore
}

func TestExtractorSuite(t *testing.T) {
	suite.Run(t, new(ExtractorSuite))
}

func (s *ExtractorSuite) SetupTest() {
	s.client = &fakeClient{reply: "[]"}
	s.store = &recordStore{}
}

func (s *ExtractorSuite) TestParseFactsToleratesCodeFence() {
	raw := "```json\n[{\"type\": \"preference\", \"content\": \"Alex prefers aisle seats\", \"confidence\": 0.9}]\n```"
	facts, err := parseFacts(raw)
	s.Require().NoError(err)
	s.Require().Len(facts, 1)
	s.Equal(FactTypePreference, facts[0].Type)
	s.Equal("Alex prefers aisle seats", facts[0].Content)
}

func (s *ExtractorSuite) TestParseFactsDropsEmptyContent() {
	raw := `[{"type": "personal", "content": "  ", "confidence": 0.5}, {"type": "personal", "content": "Alex lives in Oslo", "confidence": 0.8}]`
	facts, err := parseFacts(raw)
	s.Require().NoError(err)
	s.Require().Len(facts, 1)
	s.Equal("Alex lives in Oslo", facts[0].Content)
}

func (s *ExtractorSuite) TestParseFactsRejectsGarbage() {
	_, err := parseFacts("the user seems nice")
	s.Error(err)
}

func (s *ExtractorSuite) TestExtractFactsSkipsEmptyBatch() {
	facts, err := ExtractFacts(context.Background(), s.client, nil, "", "Alex")
	s.NoError(err)
	s.Nil(facts)
}

func (s *ExtractorSuite) TestExtractFactsPropagatesClientError() {
	s.client.err = errors.New("upstream unavailable")
	_, err := ExtractFacts(context.Background(), s.client, []llm.Message{{Role: "user", Content: "hi"}}, "", "Alex")
	s.Error(err)
}

func (s *ExtractorSuite) TestBufferFlushesAtThreshold() {
	s.client.reply = `[{"type": "preference", "content": "Alex likes jazz", "confidence": 0.9}]`
	buffer := NewConversationBuffer(s.client, s.store, "Alex", 2)

	buffer.Add("user", "play some jazz")
	buffer.Add("assistant", "Putting on some Coltrane.")

	// Flush synchronizes with the pass triggered by the second Add.
	buffer.Flush(context.Background())

	facts := s.store.stored()
	s.Require().Len(facts, 1)
	s.Equal("Alex likes jazz", facts[0].Content)
}

func (s *ExtractorSuite) TestFlushExtractsRemainder() {
	s.client.reply = `[{"type": "personal", "content": "Alex is vegetarian", "confidence": 0.95}]`
	buffer := NewConversationBuffer(s.client, s.store, "Alex", 10)

	buffer.Add("user", "no meat please, I'm vegetarian")
	buffer.Flush(context.Background())

	facts := s.store.stored()
	s.Require().Len(facts, 1)
	s.Equal("Alex is vegetarian", facts[0].Content)
}

func (s *ExtractorSuite) TestFlushHonorsTeardownDeadline() {
	s.client.block = make(chan struct{})
	defer close(s.client.block)
	buffer := NewConversationBuffer(s.client, s.store, "Alex", 10)

	buffer.Add("user", "remember this forever")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	buffer.Flush(ctx)
	s.Less(time.Since(start), 5*time.Second, "flush must give up at the deadline, not wait out the extraction")
	s.Empty(s.store.stored())
}
