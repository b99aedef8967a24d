// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to script service events and inspect which methods the pipeline
// invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	sess.OnCommitTurn = func(s *mock.Session) {
//	    s.EmitToolCall("call_1", "handle_action", `{"action":"yes"}`)
//	}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
package mock

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/MrWong99/emotivox/pkg/conversation"
	"github.com/MrWong99/emotivox/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new default Session.
	Session realtime.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

var _ realtime.Provider = (*Provider)(nil)

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(_ context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns the number of Connect calls so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// SubmitCall records a single invocation of Session.SubmitToolResult.
type SubmitCall struct {
	CallID  string
	Result  any
	Respond bool
}

// Session is a mock implementation of realtime.SessionHandle.
type Session struct {
	mu sync.Mutex

	events    chan realtime.Event
	state     conversation.State
	closeOnce sync.Once

	// AppendAudioErr, CommitTurnErr, ClearErr, SendTextErr, SubmitErr and
	// DeleteErr, if non-nil, are returned by the corresponding method.
	AppendAudioErr error
	CommitTurnErr  error
	ClearErr       error
	SendTextErr    error
	SubmitErr      error
	DeleteErr      error

	// OnCommitTurn, if set, runs after each successful CommitTurn so a test
	// can script the service's reply.
	OnCommitTurn func(s *Session)

	// OnSendText, if set, runs after each successful SendText.
	OnSendText func(s *Session, text string)

	// --- Call records ---

	AudioFrames     [][]byte
	CommitCount     int
	ClearCount      int
	Texts           []string
	Submits         []SubmitCall
	DeletedItems    []string
	CloseCallCount  int
	errVal          error
	itemCounter     int
	responseCounter int
}

var _ realtime.SessionHandle = (*Session)(nil)

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan realtime.Event, 64)}
}

// AppendAudio records a copy of frame.
func (s *Session) AppendAudio(_ context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendAudioErr != nil {
		return s.AppendAudioErr
	}
	s.AudioFrames = append(s.AudioFrames, append([]byte(nil), frame...))
	return nil
}

// CommitTurn records the call and runs OnCommitTurn.
func (s *Session) CommitTurn(_ context.Context) error {
	s.mu.Lock()
	if s.CommitTurnErr != nil {
		err := s.CommitTurnErr
		s.mu.Unlock()
		return err
	}
	s.CommitCount++
	hook := s.OnCommitTurn
	s.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return nil
}

// SendText records the text and runs OnSendText.
func (s *Session) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	if s.SendTextErr != nil {
		err := s.SendTextErr
		s.mu.Unlock()
		return err
	}
	s.Texts = append(s.Texts, text)
	hook := s.OnSendText
	s.mu.Unlock()

	if hook != nil {
		hook(s, text)
	}
	return nil
}

// ClearAudio records the call.
func (s *Session) ClearAudio(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ClearErr != nil {
		return s.ClearErr
	}
	s.ClearCount++
	return nil
}

// SubmitToolResult records the call and tracks an output item, as the real
// adapter does.
func (s *Session) SubmitToolResult(_ context.Context, callID string, result any, respond bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SubmitErr != nil {
		return s.SubmitErr
	}
	s.Submits = append(s.Submits, SubmitCall{CallID: callID, Result: result, Respond: respond})
	s.itemCounter++
	s.state.Append(conversation.Item{ID: itemID("out", s.itemCounter), Type: conversation.TypeFunctionCallOutput})
	return nil
}

// DeleteItem records the id. Like the service, deleting an item also removes
// it from the tracked state.
func (s *Session) DeleteItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.DeletedItems = append(s.DeletedItems, id)
	s.state.Remove(id)
	return nil
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan realtime.Event { return s.events }

// Conversation returns the tracked state.
func (s *Session) Conversation() *conversation.State { return &s.state }

// Err returns the error passed to Fail.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close records the call and closes the event stream.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// ── Scripting helpers ─────────────────────────────────────────────────────────

// Emit delivers ev on the event stream.
func (s *Session) Emit(ev realtime.Event) {
	s.events <- ev
}

// Fail ends the session with err, as a dropped connection would.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
}

// AddItem tracks a conversation item, as the service's item-created
// notification would.
func (s *Session) AddItem(typ, role string) string {
	s.mu.Lock()
	s.itemCounter++
	id := itemID("item", s.itemCounter)
	s.mu.Unlock()
	s.state.Append(conversation.Item{ID: id, Type: typ, Role: role})
	return id
}

// EmitToolCall tracks a function_call item and emits its completion followed
// by the end of the response.
func (s *Session) EmitToolCall(callID, name, rawArgs string) {
	id := s.AddItem(conversation.TypeFunctionCall, "")
	args, err := realtime.DecodeArguments(rawArgs)
	if err != nil {
		args = nil
	}
	resp := s.nextResponseID()
	s.Emit(realtime.Event{
		Type:       realtime.EventItemCompleted,
		ResponseID: resp,
		Item:       conversation.Item{ID: id, Type: conversation.TypeFunctionCall},
		ToolCall: &realtime.ToolCall{
			CallID: callID, ItemID: id, Name: name,
			Arguments: args, RawArguments: rawArgs,
		},
	})
	s.Emit(realtime.Event{Type: realtime.EventResponseDone, ResponseID: resp, HadToolCall: true, Status: "completed"})
}

// EmitSpokenReply tracks an assistant message and emits its audio followed by
// the end of the response.
func (s *Session) EmitSpokenReply(pcm []byte) {
	id := s.AddItem(conversation.TypeMessage, "assistant")
	resp := s.nextResponseID()
	s.Emit(realtime.Event{Type: realtime.EventAudioReady, ResponseID: resp, Audio: pcm})
	s.Emit(realtime.Event{
		Type:       realtime.EventItemCompleted,
		ResponseID: resp,
		Item:       conversation.Item{ID: id, Type: conversation.TypeMessage, Role: "assistant"},
	})
	s.Emit(realtime.Event{Type: realtime.EventResponseDone, ResponseID: resp, Status: "completed"})
}

// Clears returns the number of successful ClearAudio calls.
func (s *Session) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ClearCount
}

// Counts returns a snapshot of the call counters.
func (s *Session) Counts() (frames, commits, submits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.AudioFrames), s.CommitCount, len(s.Submits)
}

// SubmitCalls returns a copy of the recorded SubmitToolResult calls.
func (s *Session) SubmitCalls() []SubmitCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SubmitCall(nil), s.Submits...)
}

// ResultJSON returns the JSON encoding of the i-th submitted result.
func (s *Session) ResultJSON(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.Submits) {
		return ""
	}
	data, _ := json.Marshal(s.Submits[i].Result)
	return string(data)
}

func (s *Session) nextResponseID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responseCounter++
	return itemID("resp", s.responseCounter)
}

func itemID(prefix string, n int) string {
	return prefix + "_" + strconv.Itoa(n)
}
