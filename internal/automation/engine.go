// Package automation owns the per-session automation engine handles:
// the engine boundary types, the handle registry with continuity
// context, and the background task executor.
package automation

import "context"

// StepFunc receives structured progress as the engine produces it.
type StepFunc func(Step)

// Engine is the opaque automation-session capability. Implementations
// drive a real browser; the core only depends on this surface.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Run executes one task to completion, invoking onStep (which may
	// be nil) for each intermediate step.
	Run(ctx context.Context, prompt string, onStep StepFunc) (*RunHistory, error)
	// Pages lists the currently open pages. May be empty mid-task.
	Pages(ctx context.Context) ([]Page, error)
}

// Page is one open page of a running engine.
type Page interface {
	URL() string
	// Screenshot returns a base64-encoded image of the page.
	Screenshot(ctx context.Context) (string, error)
}

// Action is one engine action within a step, e.g. {"click": {...}}.
// The action name is the key of the original payload.
type Action struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// StepResult is the outcome of one action within a step.
type StepResult struct {
	ExtractedContent string `json:"extracted_content,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Step is normalized per-step progress from the engine.
type Step struct {
	Number     int          `json:"step"`
	URL        string       `json:"url,omitempty"`
	Title      string       `json:"title,omitempty"`
	Thinking   string       `json:"thinking,omitempty"`
	Evaluation string       `json:"evaluation,omitempty"`
	NextGoal   string       `json:"next_goal,omitempty"`
	Actions    []Action     `json:"actions,omitempty"`
	Results    []StepResult `json:"results,omitempty"`
}

// RunHistory is the engine's run outcome, normalized once at the
// ingress boundary so downstream code never guards field presence.
type RunHistory struct {
	FinalResult      string   `json:"final_result"`
	Success          bool     `json:"success"`
	DurationSeconds  float64  `json:"total_duration_seconds"`
	Steps            []Step   `json:"steps,omitempty"`
	URLs             []string `json:"urls,omitempty"`
	ExtractedContent []string `json:"extracted_content,omitempty"`
	Errors           []string `json:"errors,omitempty"`
	Screenshots      []string `json:"-"`
}

// StepCount returns the number of recorded steps.
func (h *RunHistory) StepCount() int {
	return len(h.Steps)
}

// LastURL returns the final visited URL, or "".
func (h *RunHistory) LastURL() string {
	if len(h.URLs) == 0 {
		return ""
	}
	return h.URLs[len(h.URLs)-1]
}

// StartupError means the engine could not be constructed or started.
// The task finalizes failed and no handle is registered, so the next
// task retries fresh.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string { return "engine startup failed: " + e.Err.Error() }
func (e *StartupError) Unwrap() error { return e.Err }

// RuntimeError means the engine crashed mid-task. The handle is
// discarded; the in-flight task finalizes failed without retry.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string { return "engine runtime failure: " + e.Err.Error() }
func (e *RuntimeError) Unwrap() error { return e.Err }
