// Package realtime defines the Provider interface for realtime conversational
// voice services.
//
// A realtime provider wraps a stateful, bidirectional session with a remote
// model: the client streams microphone audio, marks the end of each user turn
// and receives either synthesised speech or a tool call in return. The session
// keeps conversation history on the service side; [SessionHandle.Conversation]
// mirrors it locally so that it can be cleared between independent turns.
//
// Turn detection is always done by the client. Sessions never commit audio on
// their own.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MrWong99/emotivox/pkg/conversation"
)

var (
	// ErrConnection marks failures to establish a session (network, handshake,
	// authentication). The owner may retry Connect.
	ErrConnection = errors.New("realtime: connection failed")

	// ErrStream marks failures to send on an established session. The current
	// utterance is lost; the session may or may not still be usable.
	ErrStream = errors.New("realtime: stream failed")

	// ErrSessionClosed is returned by SessionHandle methods after Close.
	ErrSessionClosed = errors.New("realtime: session closed")
)

// ToolSpec declares a function the model may call.
type ToolSpec struct {
	// Name is the function name the model uses in tool calls.
	Name string

	// Description tells the model when to call the function.
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// StringArgTool returns a ToolSpec taking a single required string argument.
func StringArgTool(name, description, arg, argDescription string) ToolSpec {
	return ToolSpec{
		Name:        name,
		Description: description,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				arg: map[string]any{
					"type":        "string",
					"description": argDescription,
				},
			},
			"required": []string{arg},
		},
	}
}

// ToolCall is a completed function call item produced by the model.
type ToolCall struct {
	// CallID correlates the call with its result.
	CallID string

	// ItemID is the conversation item holding the call.
	ItemID string

	// Name is the called function.
	Name string

	// Arguments is the decoded argument object. Nil when RawArguments is not a
	// JSON object.
	Arguments map[string]any

	// RawArguments is the argument string exactly as the model produced it.
	RawArguments string
}

// DecodeArguments parses a tool call's raw JSON argument string. An empty
// string yields an empty map.
func DecodeArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Voice is the provider voice identifier for synthesised speech.
	Voice string

	// Instructions is the system prompt.
	Instructions string

	// Tools is the initial set of declared tools.
	Tools []ToolSpec

	// TranscriptionModel enables transcription of the user's audio when set.
	TranscriptionModel string
}

// SessionHandle represents an open realtime session.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// AppendAudio streams one frame of PCM16 mono audio into the service's
	// input buffer. Fails with [ErrStream] when the connection is down.
	AppendAudio(ctx context.Context, frame []byte) error

	// CommitTurn finalises the buffered audio as a user turn and requests a
	// response.
	CommitTurn(ctx context.Context) error

	// SendText adds a user text message and requests a response.
	SendText(ctx context.Context, text string) error

	// ClearAudio discards audio appended since the last commit, so an
	// abandoned utterance never reaches the next turn.
	ClearAudio(ctx context.Context) error

	// SubmitToolResult returns result (encoded as JSON) as the output of the
	// call identified by callID. When respond is set, a follow-up response is
	// requested.
	SubmitToolResult(ctx context.Context, callID string, result any, respond bool) error

	// DeleteItem removes a conversation item on the service.
	DeleteItem(ctx context.Context, itemID string) error

	// Events returns the session's event stream in the order the service
	// produced it. The channel is closed when the session ends; Err then
	// reports why.
	Events() <-chan Event

	// Conversation returns the locally tracked conversation history.
	Conversation() *conversation.State

	// Err returns the error that ended the session, or nil after a clean Close.
	Err() error

	// Close terminates the session. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over a realtime backend.
type Provider interface {
	// Connect establishes a new session. Failures wrap [ErrConnection].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
