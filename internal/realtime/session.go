// Package realtime relays a duplex voice conversation between the
// frontend and the OpenAI Realtime API, wiring the model's browser-task
// function calls into the task state machine and narrating task
// progress back into the conversation.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/surf/internal/memory"
	"github.com/thebtf/surf/internal/orchestrator"
	"github.com/thebtf/surf/internal/relay"
	"github.com/thebtf/surf/pkg/models"
)

const (
	defaultVoice = "alloy"

	// flushGrace bounds the teardown wait for in-flight memory
	// extraction.
	flushGrace = 10 * time.Second
)

const voiceBasePrompt = "You are Surf, a helpful voice assistant that can browse the web for the user. " +
	"You are multilingual; follow the user's language. " +
	"When the user asks you to do something on the web (search, navigate, fill forms), call the " +
	browserTaskFunction + " function, then narrate progress from the browser updates you receive. " +
	"Answer questions about the page only from those updates; never guess. " +
	"Be conversational and keep responses concise, this is a voice interface."

func voiceInstructions(memoryContext string) string {
	if memoryContext == "" {
		return voiceBasePrompt
	}
	return voiceBasePrompt +
		"\n\n--- USER CONTEXT ---\n" +
		memoryContext +
		"\n--- END CONTEXT ---"
}

func browserTool() toolParams {
	return toolParams{
		Type: "function",
		Name: browserTaskFunction,
		Description: "Execute a task in the web browser. Use this when the user wants to search, " +
			"navigate, click, fill forms, or interact with websites.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "Detailed description of what to do in the browser",
				},
			},
			"required": []string{"task"},
		},
	}
}

// Options configures the upstream realtime connection.
type Options struct {
	APIKey string
	URL    string
	Voice  string
}

// Relay bridges one client websocket with one upstream realtime
// connection for the lifetime of a voice session.
type Relay struct {
	sessionID string
	opts      Options

	tasks  *orchestrator.TaskMachine
	launch orchestrator.Launcher
	steps  *relay.StepRelay
	mem    memory.Store
	buffer *memory.ConversationBuffer

	turns *turnOrders

	clientMu sync.Mutex
	client   *websocket.Conn
	upMu     sync.Mutex
	upstream *websocket.Conn

	subMu   sync.Mutex
	cancels []func()
}

// NewRelay wires a voice relay for one session. launch, steps, mem and
// buffer are optional collaborators.
func NewRelay(sessionID string, opts Options, tasks *orchestrator.TaskMachine, launch orchestrator.Launcher, steps *relay.StepRelay, mem memory.Store, buffer *memory.ConversationBuffer) *Relay {
	if opts.Voice == "" {
		opts.Voice = defaultVoice
	}
	if mem == nil {
		mem = memory.Noop{}
	}
	return &Relay{
		sessionID: sessionID,
		opts:      opts,
		tasks:     tasks,
		launch:    launch,
		steps:     steps,
		mem:       mem,
		buffer:    buffer,
		turns:     newTurnOrders(),
	}
}

// Run pumps both directions until either side disconnects or ctx is
// cancelled. It owns the upstream connection and closes the client
// connection on exit so both loops unblock together.
func (r *Relay) Run(ctx context.Context, client *websocket.Conn) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+r.opts.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	upstream, resp, err := websocket.DefaultDialer.DialContext(ctx, r.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial realtime api: %w", err)
	}

	r.clientMu.Lock()
	r.client = client
	r.clientMu.Unlock()
	r.upMu.Lock()
	r.upstream = upstream
	r.upMu.Unlock()

	log.Info().Str("sessionId", r.sessionID).Msg("Realtime session connected")

	// Either loop exiting closes both connections so the other loop
	// unblocks; parent cancellation does the same.
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			upstream.Close()
			client.Close()
		})
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			closeBoth()
		case <-done:
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { defer closeBoth(); return r.upstreamLoop(gctx) })
	g.Go(func() error { defer closeBoth(); return r.clientLoop(gctx) })
	err = g.Wait()
	close(done)

	r.teardown()
	log.Info().Str("sessionId", r.sessionID).Msg("Realtime session ended")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Relay) teardown() {
	r.subMu.Lock()
	cancels := r.cancels
	r.cancels = nil
	r.subMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	if r.buffer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), flushGrace)
		defer cancel()
		r.buffer.Flush(ctx)
	}
}

func (r *Relay) upstreamLoop(ctx context.Context) error {
	for {
		_, data, err := r.upstream.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("upstream read: %w", err)
		}

		var event upstreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Warn().Err(err).Msg("Malformed upstream realtime event dropped")
			continue
		}
		r.handleUpstream(ctx, &event)
	}
}

func (r *Relay) clientLoop(ctx context.Context) error {
	for {
		_, data, err := r.client.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("client read: %w", err)
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("Malformed client realtime message dropped")
			continue
		}

		switch msg.Type {
		case clientAudio:
			if msg.Data != "" {
				r.sendUpstream(audioAppend{Type: "input_audio_buffer.append", Audio: msg.Data})
			}
		case clientCommit:
			// Push-to-talk mode commits the buffer explicitly.
			r.sendUpstream(typeOnly{Type: "input_audio_buffer.commit"})
		case clientTaskResult:
			// The frontend reports a task outcome it observed itself;
			// hand it to the model as the function result.
			if msg.CallID != "" {
				result := msg.Result
				if result == "" {
					result = "Task completed"
				}
				r.sendUpstream(itemCreate{
					Type: "conversation.item.create",
					Item: conversationItem{
						Type:   "function_call_output",
						CallID: msg.CallID,
						Output: result,
					},
				})
				r.sendUpstream(typeOnly{Type: "response.create"})
			}
		default:
			log.Debug().Str("type", msg.Type).Msg("Ignoring unknown client realtime message")
		}
	}
}

func (r *Relay) handleUpstream(ctx context.Context, event *upstreamEvent) {
	switch event.Type {
	case upSessionCreated:
		r.sendUpstream(r.buildSessionConfig())
		r.sendClient(map[string]any{"type": "session_created"})

	case upSessionUpdated:
		r.sendClient(map[string]any{"type": "ready"})

	case upItemCreated:
		// Order is assigned when the user speaks, not when the
		// transcription completes.
		if event.Item.Type == "message" && event.Item.Role == "user" {
			r.turns.startItem(event.Item.ID)
		}

	case upResponseCreated:
		r.turns.startResponse(event.Response.ID)

	case upAudioDelta:
		r.sendClient(map[string]any{"type": "audio", "data": event.Delta})

	case upInputTranscriptDone:
		if event.Transcript == "" {
			// The order reserved at item creation is still consumed,
			// otherwise the entry lingers in the map forever.
			r.turns.takeItem(event.ItemID)
			return
		}
		order := r.turns.takeItem(event.ItemID)
		r.sendClient(map[string]any{
			"type":  "user_transcript",
			"text":  event.Transcript,
			"order": order,
		})
		r.mem.AddMessage("user", event.Transcript)
		if r.buffer != nil {
			r.buffer.Add("user", event.Transcript)
		}

	case upTranscriptDelta:
		r.sendClient(map[string]any{"type": "assistant_transcript_delta", "text": event.Delta})

	case upTranscriptDone:
		order := r.turns.takeResponse(event.ResponseID)
		r.sendClient(map[string]any{
			"type":  "assistant_transcript_done",
			"text":  event.Transcript,
			"order": order,
		})
		if event.Transcript != "" {
			r.mem.AddMessage("assistant", event.Transcript)
			if r.buffer != nil {
				r.buffer.Add("assistant", event.Transcript)
			}
		}

	case upFunctionArgsDone:
		r.handleFunctionCall(ctx, event)

	case upResponseDone:
		r.sendClient(map[string]any{"type": "response_done"})

	case upError:
		log.Error().Str("sessionId", r.sessionID).Str("message", event.Error.Message).Msg("Realtime API error")
		r.sendClient(map[string]any{"type": "error", "message": event.Error.Message})
	}
}

func (r *Relay) handleFunctionCall(ctx context.Context, event *upstreamEvent) {
	output := "Error: Unknown function"
	if event.Name == browserTaskFunction {
		var args struct {
			Task string `json:"task"`
		}
		if err := json.Unmarshal([]byte(event.Arguments), &args); err != nil {
			log.Warn().Err(err).Msg("Unparseable browser task arguments")
			output = "Error: could not parse the task arguments"
		} else if strings.TrimSpace(args.Task) == "" {
			output = "Error: No task prompt provided"
		} else {
			output = r.startBrowserTask(ctx, args.Task)
		}
	}

	r.sendUpstream(itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: event.CallID,
			Output: output,
		},
	})
	r.sendUpstream(typeOnly{Type: "response.create"})
}

// startBrowserTask admits the task directly: the voice model already
// collected the user's spoken confirmation, so no confirmation state is
// interposed. Returns the function output handed back to the model.
func (r *Relay) startBrowserTask(ctx context.Context, prompt string) string {
	task, err := r.tasks.Admit(ctx, r.sessionID, prompt)
	switch {
	case errors.Is(err, models.ErrConflict):
		return orchestrator.BusyNotice
	case errors.Is(err, models.ErrNotFound):
		return "Error: Session not found"
	case err != nil:
		log.Error().Err(err).Str("sessionId", r.sessionID).Msg("Voice task admission failed")
		return "Error: could not start the browser task"
	}

	if r.steps != nil {
		// Subscribe before launch so early steps are not missed.
		events, cancel := r.steps.Subscribe(task.ID)
		r.subMu.Lock()
		r.cancels = append(r.cancels, cancel)
		r.subMu.Unlock()
		go r.narrate(ctx, task.ID, events, cancel)
	}
	if r.launch != nil {
		r.launch(task)
	}

	return fmt.Sprintf("I have started the browser task: %s. I will let you know when it is finished.", prompt)
}

// narrate feeds task progress back into the voice conversation as
// synthetic user items so the model can speak about what the browser is
// doing.
func (r *Relay) narrate(ctx context.Context, taskID string, events <-chan relay.Event, cancel func()) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case models.EventTypeStep:
				text, done := summarizeStep(ev.Payload)
				r.sendBrowserUpdate(text)
				if done {
					r.sendUpstream(typeOnly{Type: "response.create"})
				}
			case models.EventTypeError:
				r.sendBrowserUpdate("The task failed: " + ev.Payload.String("message"))
				r.sendUpstream(typeOnly{Type: "response.create"})
			case models.EventTypeStatus:
				status := models.TaskStatus(ev.Payload.String("status"))
				if status.IsTerminal() {
					log.Debug().Str("taskId", taskID).Str("status", string(status)).Msg("Voice narration finished")
					return
				}
			}
		}
	}
}

func (r *Relay) sendBrowserUpdate(text string) {
	r.sendUpstream(itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []itemContent{
				{Type: "input_text", Text: "[BROWSER UPDATE] " + text},
			},
		},
	})
}

func (r *Relay) buildSessionConfig() sessionConfig {
	return sessionConfig{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"text", "audio"},
			Instructions:      voiceInstructions(r.mem.Context()),
			Voice:             r.opts.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			InputAudioTranscription: transcriptionParams{
				Model:    "whisper-1",
				Language: "en",
			},
			TurnDetection: turnDetectionParams{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMS:   300,
				SilenceDurationMS: 700,
			},
			Tools:      []toolParams{browserTool()},
			ToolChoice: "auto",
		},
	}
}

func (r *Relay) sendClient(v any) {
	r.clientMu.Lock()
	defer r.clientMu.Unlock()
	if r.client == nil {
		return
	}
	if err := r.client.WriteJSON(v); err != nil {
		log.Debug().Err(err).Msg("Client realtime write failed")
	}
}

func (r *Relay) sendUpstream(v any) {
	r.upMu.Lock()
	defer r.upMu.Unlock()
	if r.upstream == nil {
		return
	}
	if err := r.upstream.WriteJSON(v); err != nil {
		log.Debug().Err(err).Msg("Upstream realtime write failed")
	}
}
