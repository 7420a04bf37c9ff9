package realtime

import (
	"fmt"
	"strings"

	"github.com/thebtf/surf/pkg/models"
)

// summarizeStep turns a step event payload into a short speakable line
// for the voice model. done reports whether the step carried the
// terminal "done" action, which should trigger a spoken wrap-up.
func summarizeStep(payload models.JSONPayload) (text string, done bool) {
	num := 0
	if v, ok := payload["step"].(float64); ok {
		num = int(v)
	}

	actionName := ""
	params := map[string]any{}
	if actions, ok := payload["actions"].([]any); ok && len(actions) > 0 {
		if action, ok := actions[0].(map[string]any); ok {
			if name, ok := action["name"].(string); ok {
				actionName = name
			}
			if p, ok := action["params"].(map[string]any); ok {
				params = p
			}
		}
	}

	parts := []string{fmt.Sprintf("Step %d: %s", num, actionSummary(actionName, params))}
	if goal := payload.String("next_goal"); goal != "" {
		parts = append(parts, "Goal: "+clip(goal, 100))
	}
	return strings.Join(parts, ". "), actionName == "done"
}

func actionSummary(name string, params map[string]any) string {
	str := func(key string) string {
		if v, ok := params[key].(string); ok {
			return v
		}
		return ""
	}

	switch name {
	case "go_to_url":
		if url := str("url"); url != "" {
			return "Navigating to " + clip(url, 50)
		}
		return "Navigating to the page"
	case "input_text":
		return "Typing into the text field"
	case "click":
		return "Clicking on an element"
	case "scroll":
		if down, ok := params["down"].(bool); ok && down {
			return "Scrolling down the page"
		}
		return "Scrolling up the page"
	case "done":
		return "Task complete: " + clip(str("text"), 80)
	case "search_google":
		return "Searching Google for " + clip(str("query"), 30)
	case "":
		return "Working on the page"
	}
	return "Performing " + name
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
