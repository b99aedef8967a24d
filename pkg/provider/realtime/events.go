package realtime

import (
	"github.com/MrWong99/emotivox/pkg/conversation"
)

// EventType enumerates the events a session emits.
type EventType int

const (
	// EventItemCompleted fires once per finalised output item. Tool calls
	// carry [Event.ToolCall].
	EventItemCompleted EventType = iota

	// EventAudioReady carries the complete synthesised PCM of one response.
	EventAudioReady

	// EventTranscript carries user or assistant text.
	EventTranscript

	// EventResponseDone marks the end of a response.
	EventResponseDone

	// EventError reports an error event sent by the service. The session stays
	// open.
	EventError
)

// String returns a short name for t.
func (t EventType) String() string {
	switch t {
	case EventItemCompleted:
		return "item_completed"
	case EventAudioReady:
		return "audio_ready"
	case EventTranscript:
		return "transcript"
	case EventResponseDone:
		return "response_done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Transcript is a piece of recognised or generated text.
type Transcript struct {
	// Role is "user" or "assistant".
	Role string

	// Text is the final transcript.
	Text string
}

// Event is a single notification from a session. Which fields are set depends
// on Type.
type Event struct {
	Type EventType

	// ResponseID identifies the response the event belongs to, when any.
	ResponseID string

	// Item is set for EventItemCompleted.
	Item conversation.Item

	// ToolCall is set for EventItemCompleted when the item is a function call.
	ToolCall *ToolCall

	// Audio is set for EventAudioReady.
	Audio []byte

	// Transcript is set for EventTranscript.
	Transcript Transcript

	// HadToolCall is set on EventResponseDone when the response contained at
	// least one function call.
	HadToolCall bool

	// Status is the response status on EventResponseDone ("completed",
	// "cancelled", "failed", "incomplete").
	Status string

	// Err is set for EventError.
	Err error
}

// ServiceError is an error event reported by the service.
type ServiceError struct {
	Type    string
	Code    string
	Message string

	// EventID is the client event that caused the error, when known.
	EventID string
}

func (e *ServiceError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return "realtime: service error (" + e.Code + "): " + msg
	}
	return "realtime: service error: " + msg
}
