// Package llm provides the text-generation collaborator boundary: a
// delta-stream client for the OpenAI Responses API and the marker
// splitter that separates prose from task directives.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

const (
	responsesURL = "https://api.openai.com/v1/responses"

	chunkPrefix = "data:"
)

// Message is one ordered conversation turn handed to the generator.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client produces assistant text for an ordered list of turns. Stream
// yields deltas in order and terminates the iteration after the end
// signal; a non-nil error ends the stream.
type Client interface {
	Stream(ctx context.Context, system string, msgs []Message) func(yield func(string, error) bool)
	Complete(ctx context.Context, system string, msgs []Message) (string, error)
}

// OpenAI implements Client against the Responses API.
type OpenAI struct {
	apiKey string
	model  string
	http   *http.Client
}

// NewOpenAI creates a Responses API client.
func NewOpenAI(apiKey, model string) *OpenAI {
	return &OpenAI{apiKey: apiKey, model: model, http: &http.Client{}}
}

type requestMessage struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

type requestBody struct {
	Model  string           `json:"model"`
	Input  []requestMessage `json:"input"`
	Stream bool             `json:"stream"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *OpenAI) buildInput(system string, msgs []Message) []requestMessage {
	input := make([]requestMessage, 0, len(msgs)+1)
	if system != "" {
		input = append(input, requestMessage{Type: "message", Role: "developer", Content: system})
	}
	for _, m := range msgs {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		input = append(input, requestMessage{Type: "message", Role: m.Role, Content: m.Content})
	}
	return input
}

// Stream requests a streamed response and yields output text deltas.
func (c *OpenAI) Stream(ctx context.Context, system string, msgs []Message) func(yield func(string, error) bool) {
	return func(yield func(string, error) bool) {
		body, err := json.Marshal(requestBody{
			Model:  c.model,
			Input:  c.buildInput(system, msgs),
			Stream: true,
		})
		if err != nil {
			yield("", fmt.Errorf("marshal request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, responsesURL, bytes.NewReader(body))
		if err != nil {
			yield("", fmt.Errorf("create request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			yield("", fmt.Errorf("send request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield("", fmt.Errorf("responses api status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, chunkPrefix) {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, chunkPrefix))
			if payload == "" || payload == "[DONE]" {
				continue
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				continue
			}
			switch event.Type {
			case "response.output_text.delta":
				if event.Delta != "" && !yield(event.Delta, nil) {
					return
				}
			case "response.completed":
				return
			case "response.failed", "error":
				yield("", fmt.Errorf("responses api error: %s", event.Error.Message))
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("read stream: %w", err))
		}
	}
}

// Complete collects the full streamed response into one string.
func (c *OpenAI) Complete(ctx context.Context, system string, msgs []Message) (string, error) {
	var sb strings.Builder
	var streamErr error
	c.Stream(ctx, system, msgs)(func(delta string, err error) bool {
		if err != nil {
			streamErr = err
			return false
		}
		sb.WriteString(delta)
		return true
	})
	if streamErr != nil {
		return "", streamErr
	}
	return sb.String(), nil
}
