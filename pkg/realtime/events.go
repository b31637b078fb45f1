// Package realtime implements the client side of the realtime speech API:
// a duplex WebSocket transport with serialized sends, the wire payload types,
// and the parser that maps server events onto a closed tag set.
package realtime

import "encoding/json"

// EventKind tags a parsed server event.
type EventKind int

const (
	// EventUnknown covers unrecognised types and malformed JSON. It is always
	// safe to ignore.
	EventUnknown EventKind = iota

	// EventAudioDelta carries one base64 chunk of synthesised audio.
	EventAudioDelta

	// EventResponseCreated signals the server accepted a response request.
	EventResponseCreated

	// EventAudioStarted signals the first audio of a response. Some protocol
	// versions omit it; the audio path treats the first delta as an implicit
	// start.
	EventAudioStarted

	// EventAudioDone signals the last audio delta of a response was sent.
	EventAudioDone

	// EventToolCallDone carries a completed function call with its arguments.
	EventToolCallDone

	// EventCallerTranscript carries the transcription of caller speech.
	EventCallerTranscript

	// EventAssistantTranscript carries the transcript of assistant speech.
	EventAssistantTranscript

	// EventSpeechStarted is the server-VAD start-of-caller-speech signal.
	EventSpeechStarted

	// EventSpeechStopped is the server-VAD end-of-caller-speech signal.
	EventSpeechStopped

	// EventResponseCanceled confirms a response.cancel.
	EventResponseCanceled

	// EventSessionCreated and EventSessionUpdated acknowledge session setup.
	EventSessionCreated
	EventSessionUpdated

	// EventError carries a server-reported error message.
	EventError
)

var eventKindNames = map[EventKind]string{
	EventUnknown:             "unknown",
	EventAudioDelta:          "audio_delta",
	EventResponseCreated:     "response_created",
	EventAudioStarted:        "audio_started",
	EventAudioDone:           "audio_done",
	EventToolCallDone:        "tool_call_done",
	EventCallerTranscript:    "caller_transcript",
	EventAssistantTranscript: "assistant_transcript",
	EventSpeechStarted:       "speech_started",
	EventSpeechStopped:       "speech_stopped",
	EventResponseCanceled:    "response_canceled",
	EventSessionCreated:      "session_created",
	EventSessionUpdated:      "session_updated",
	EventError:               "error",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one parsed server event. Only the fields relevant to the Kind are
// populated.
type Event struct {
	Kind EventKind

	// Delta is the base64 audio chunk (EventAudioDelta).
	Delta string

	// Transcript is caller or assistant speech text (EventCallerTranscript,
	// EventAssistantTranscript).
	Transcript string

	// CallID, Name, Arguments describe a tool call (EventToolCallDone).
	// Arguments is the raw JSON string as sent by the model.
	CallID    string
	Name      string
	Arguments string

	// ErrorMessage is the server error text (EventError).
	ErrorMessage string
}

// serverEvent mirrors the superset of wire fields across all event types.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Parse maps one raw server message onto an Event. It never fails: malformed
// JSON and unrecognised types both yield EventUnknown.
func Parse(data []byte) Event {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{Kind: EventUnknown}
	}

	switch evt.Type {
	case "response.audio.delta", "response.output_audio.delta":
		return Event{Kind: EventAudioDelta, Delta: evt.Delta}
	case "response.created":
		return Event{Kind: EventResponseCreated}
	case "response.audio.started":
		return Event{Kind: EventAudioStarted}
	case "response.audio.done":
		return Event{Kind: EventAudioDone}
	case "response.function_call_arguments.done":
		return Event{Kind: EventToolCallDone, CallID: evt.CallID, Name: evt.Name, Arguments: evt.Arguments}
	case "conversation.item.input_audio_transcription.completed":
		return Event{Kind: EventCallerTranscript, Transcript: evt.Transcript}
	case "response.audio_transcript.done":
		return Event{Kind: EventAssistantTranscript, Transcript: evt.Transcript}
	case "input_audio_buffer.speech_started":
		return Event{Kind: EventSpeechStarted}
	case "input_audio_buffer.speech_stopped":
		return Event{Kind: EventSpeechStopped}
	case "response.canceled":
		return Event{Kind: EventResponseCanceled}
	case "session.created":
		return Event{Kind: EventSessionCreated}
	case "session.updated":
		return Event{Kind: EventSessionUpdated}
	case "error":
		e := Event{Kind: EventError}
		if evt.Error != nil {
			e.ErrorMessage = evt.Error.Message
		}
		return e
	}
	return Event{Kind: EventUnknown}
}
