package automation

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

// HTTPEngine drives a browser automation sidecar over its HTTP API.
// Start opens a sidecar session; Run streams step events over SSE until
// the terminal result event arrives.
type HTTPEngine struct {
	base   string
	client *http.Client

	sessionID string
}

// HTTPFactory returns an engine factory bound to the sidecar base URL.
func HTTPFactory(baseURL string) Factory {
	return func() Engine { return NewHTTPEngine(baseURL) }
}

// NewHTTPEngine creates an engine client for the given sidecar.
func NewHTTPEngine(baseURL string) *HTTPEngine {
	return &HTTPEngine{
		base: strings.TrimRight(baseURL, "/"),
		// Run responses stream for the whole task; no client timeout.
		client: &http.Client{},
	}
}

// Start opens a sidecar browser session and keeps its id.
func (e *HTTPEngine) Start(ctx context.Context) error {
	var out struct {
		ID string `json:"id"`
	}
	if err := e.doJSON(ctx, http.MethodPost, "/sessions", nil, &out); err != nil {
		return fmt.Errorf("open sidecar session: %w", err)
	}
	if out.ID == "" {
		return fmt.Errorf("open sidecar session: empty session id")
	}
	e.sessionID = out.ID
	return nil
}

// Stop closes the sidecar session.
func (e *HTTPEngine) Stop(ctx context.Context) error {
	if e.sessionID == "" {
		return nil
	}
	err := e.doJSON(ctx, http.MethodDelete, "/sessions/"+e.sessionID, nil, nil)
	e.sessionID = ""
	return err
}

type runEvent struct {
	Type    string      `json:"type"`
	Step    *Step       `json:"step,omitempty"`
	History *RunHistory `json:"history,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Run submits the task and consumes the sidecar's SSE stream, invoking
// onStep per step event until the result or error event.
func (e *HTTPEngine) Run(ctx context.Context, prompt string, onStep StepFunc) (*RunHistory, error) {
	if e.sessionID == "" {
		return nil, fmt.Errorf("engine not started")
	}

	body, err := json.Marshal(map[string]string{"task": prompt})
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.base+"/sessions/"+e.sessionID+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("run task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("sidecar run status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var event runEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		switch event.Type {
		case "step":
			if event.Step != nil && onStep != nil {
				onStep(*event.Step)
			}
		case "result":
			if event.History == nil {
				return nil, fmt.Errorf("sidecar result event without history")
			}
			return event.History, nil
		case "error":
			return nil, fmt.Errorf("sidecar run error: %s", event.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read run stream: %w", err)
	}
	return nil, fmt.Errorf("run stream ended without result")
}

type httpPage struct {
	engine *HTTPEngine

	Index   int    `json:"index"`
	PageURL string `json:"url"`
}

func (p *httpPage) URL() string { return p.PageURL }

func (p *httpPage) Screenshot(ctx context.Context) (string, error) {
	var out struct {
		Data string `json:"data"`
	}
	path := fmt.Sprintf("/sessions/%s/pages/%d/screenshot", p.engine.sessionID, p.Index)
	if err := p.engine.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}
	return out.Data, nil
}

// Pages lists the open pages of the sidecar session.
func (e *HTTPEngine) Pages(ctx context.Context) ([]Page, error) {
	if e.sessionID == "" {
		return nil, fmt.Errorf("engine not started")
	}
	var out []httpPage
	if err := e.doJSON(ctx, http.MethodGet, "/sessions/"+e.sessionID+"/pages", nil, &out); err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	pages := make([]Page, len(out))
	for i := range out {
		out[i].engine = e
		pages[i] = &out[i]
	}
	return pages, nil
}

func (e *HTTPEngine) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sidecar status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
