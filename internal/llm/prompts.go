package llm

import "strings"

// TaskPromptMarkers introduce the task directive at the end of a
// generated reply. The newline variant is listed first so it wins when
// both match at adjacent offsets.
var TaskPromptMarkers = []string{"\nTASK_PROMPT:", "TASK_PROMPT:"}

// BaseSystemPrompt instructs the model to confirm browser tasks and emit
// the directive marker on its own line.
const BaseSystemPrompt = "You are a helpful assistant. When the user wants you to perform a browser task, " +
	"ask for confirmation and end your response with a separate line starting with " +
	"TASK_PROMPT: followed by a short imperative task for a browser automation agent. " +
	"If no task should be run, do not include a TASK_PROMPT line."

// SystemPrompt wraps the base prompt with optional memory context.
func SystemPrompt(memoryContext string) string {
	if memoryContext == "" {
		return BaseSystemPrompt
	}
	return BaseSystemPrompt +
		"\n\n--- USER CONTEXT (from memory) ---\n" +
		memoryContext +
		"\n--- END CONTEXT ---"
}

// ParseTaskPrompt splits a complete reply into visible text and the task
// directive, if any.
func ParseTaskPrompt(text string) (assistant string, taskPrompt string) {
	for _, marker := range TaskPromptMarkers {
		if idx := strings.Index(text, marker); idx != -1 {
			return strings.TrimRight(text[:idx], " \t\n"), strings.TrimSpace(text[idx+len(marker):])
		}
	}
	return strings.TrimSpace(text), ""
}
