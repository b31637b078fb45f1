package realtime

// Outbound (client → server) wire payloads. Field names and nesting follow the
// realtime API JSON protocol; everything optional is omitempty so that partial
// session updates only touch the fields they carry.

// SessionUpdate configures the live session.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

// NewSessionUpdate wraps params in a session.update envelope.
func NewSessionUpdate(params SessionParams) SessionUpdate {
	return SessionUpdate{Type: "session.update", Session: params}
}

// SessionParams is the session configuration block.
type SessionParams struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetectionParams `json:"turn_detection,omitempty"`
	Tools                   []Tool               `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
	Temperature             float64              `json:"temperature,omitempty"`
}

// TranscriptionParams selects the model used to transcribe caller audio.
type TranscriptionParams struct {
	Model string `json:"model"`
}

// TurnDetectionParams configures server-side voice activity detection.
type TurnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// DefaultTurnDetection returns the server-VAD configuration used for PSTN
// calls: 0.5 threshold, 300 ms prefix padding, 500 ms silence cutoff.
func DefaultTurnDetection() *TurnDetectionParams {
	return &TurnDetectionParams{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 500,
	}
}

// Tool declares one callable function in the session tool set.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// InputAudioAppend uploads one base64 chunk of caller audio.
type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// NewInputAudioAppend wraps audio in an input_audio_buffer.append envelope.
func NewInputAudioAppend(audioB64 string) InputAudioAppend {
	return InputAudioAppend{Type: "input_audio_buffer.append", Audio: audioB64}
}

// bare is any payload that consists of only a type tag.
type bare struct {
	Type string `json:"type"`
}

// NewInputAudioCommit commits the input buffer as a completed caller turn.
func NewInputAudioCommit() any { return bare{Type: "input_audio_buffer.commit"} }

// NewInputAudioClear discards the uncommitted input buffer.
func NewInputAudioClear() any { return bare{Type: "input_audio_buffer.clear"} }

// NewResponseCancel aborts the in-flight model response.
func NewResponseCancel() any { return bare{Type: "response.cancel"} }

// ConversationItemCreate inserts a conversation item: a text message or a
// function call output.
type ConversationItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

// ConversationItem is the item payload of ConversationItemCreate.
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

// ContentPart is one content element of a message item.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// NewUserMessage builds a user text message item.
func NewUserMessage(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: "conversation.item.create",
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

// NewFunctionCallOutput builds the tool-result item for callID.
func NewFunctionCallOutput(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: "conversation.item.create",
		Item: ConversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

// ResponseCreate asks the model to produce a response.
type ResponseCreate struct {
	Type     string         `json:"type"`
	Response ResponseParams `json:"response"`
}

// ResponseParams scopes one response request.
type ResponseParams struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	ToolChoice   string   `json:"tool_choice,omitempty"`
}

// NewResponseCreate wraps params in a response.create envelope.
func NewResponseCreate(params ResponseParams) ResponseCreate {
	return ResponseCreate{Type: "response.create", Response: params}
}
