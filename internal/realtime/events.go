package realtime

// Upstream event types (OpenAI Realtime API).
const (
	upSessionCreated      = "session.created"
	upSessionUpdated      = "session.updated"
	upItemCreated         = "conversation.item.created"
	upResponseCreated     = "response.created"
	upAudioDelta          = "response.audio.delta"
	upInputTranscriptDone = "conversation.item.input_audio_transcription.completed"
	upTranscriptDelta     = "response.audio_transcript.delta"
	upTranscriptDone      = "response.audio_transcript.done"
	upFunctionArgsDone    = "response.function_call_arguments.done"
	upResponseDone        = "response.done"
	upError               = "error"
)

// browserTaskFunction is the tool the voice model calls to run a task.
const browserTaskFunction = "execute_browser_task"

// upstreamEvent is the superset decode target for upstream messages;
// each event type uses only a few of these fields.
type upstreamEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	ItemID     string `json:"item_id"`
	ResponseID string `json:"response_id"`
	Name       string `json:"name"`
	CallID     string `json:"call_id"`
	Arguments  string `json:"arguments"`

	Item struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Role string `json:"role"`
	} `json:"item"`
	Response struct {
		ID string `json:"id"`
	} `json:"response"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// clientMessage is one inbound frontend message.
type clientMessage struct {
	Type   string `json:"type"`
	Data   string `json:"data"`
	CallID string `json:"call_id"`
	Result string `json:"result"`
}

// Frontend message types.
const (
	clientAudio      = "audio"
	clientCommit     = "commit"
	clientTaskResult = "task_result"
)

type sessionConfig struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions"`
	Voice                   string              `json:"voice"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription transcriptionParams `json:"input_audio_transcription"`
	TurnDetection           turnDetectionParams `json:"turn_detection"`
	Tools                   []toolParams        `json:"tools"`
	ToolChoice              string              `json:"tool_choice"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language"`
}

type turnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type toolParams struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
	Content []itemContent `json:"content,omitempty"`
}

type itemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type typeOnly struct {
	Type string `json:"type"`
}
