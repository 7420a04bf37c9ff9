// Package memory provides the knowledge-graph memory collaborator
// boundary. Every operation is best effort: failures degrade to empty
// context or a logged warning, never to an error for the caller.
package memory

// FactType classifies extracted memory facts.
type FactType string

const (
	FactTypePreference FactType = "preference"
	FactTypePersonal   FactType = "personal"
	FactTypeOutcome    FactType = "outcome"
	FactTypeCorrection FactType = "correction"
)

// Fact is a single extracted memory entry.
type Fact struct {
	Type       FactType `json:"type"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
}

// Store is the memory collaborator interface. Implementations must
// swallow their own errors; absence of memory degrades to empty context.
type Store interface {
	// Context returns the formatted memory context block, or "".
	Context() string
	// AddMessage records a conversation message.
	AddMessage(role, content string)
	// StoreBrowserResult records the outcome of a browser task.
	StoreBrowserResult(task, result string, success bool)
	// StoreFacts records extracted facts.
	StoreFacts(facts []Fact)
}

// Noop is the Store used when no memory backend is configured.
type Noop struct{}

func (Noop) Context() string                        { return "" }
func (Noop) AddMessage(role, content string)        {}
func (Noop) StoreBrowserResult(_, _ string, _ bool) {}
func (Noop) StoreFacts(facts []Fact)                {}
