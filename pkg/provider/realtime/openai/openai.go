// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks. Server-side turn
// detection is disabled: the client commits each turn explicitly. Conversation
// items created and deleted on the service are mirrored into a
// [conversation.State].
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/emotivox/pkg/conversation"
	"github.com/MrWong99/emotivox/pkg/provider/realtime"
)

// Compile-time assertions that Provider and session satisfy the realtime interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// readLimit bounds a single server message; audio deltas exceed the
	// websocket library's 32 KiB default.
	readLimit = 16 << 20

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new OpenAI Realtime session with the given
// configuration. The returned SessionHandle is ready to accept audio
// immediately after the session.update message is sent.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai: dial: %w", realtime.ErrConnection, err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan realtime.Event, eventBuffer),
		state:  &conversation.State{},
		audio:  make(map[string][]byte),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(ctx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("%w: openai: session update: %w", realtime.ErrConnection, err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type clientEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

type sessionUpdateMessage struct {
	clientEvent
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *struct{}            `json:"turn_detection"` // always null: turns are committed by the client
	Tools                   []oaiTool            `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	clientEvent
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	clientEvent
	Item conversationItem `json:"item"`
}

type deleteConversationItemMessage struct {
	clientEvent
	ItemID string `json:"item_id"`
}

type conversationItem struct {
	ID      string             `json:"id,omitempty"`
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta      string `json:"delta,omitempty"`
	ResponseID string `json:"response_id,omitempty"`

	// conversation.item.input_audio_transcription.completed /
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// conversation.item.created / response.output_item.done
	Item *serverItem `json:"item,omitempty"`

	// conversation.item.deleted
	ItemID string `json:"item_id,omitempty"`

	// response.done
	Response *serverResponse `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type serverItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type serverResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output []serverItem `json:"output,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event
	state  *conversation.State

	mu     sync.Mutex
	errVal error
	closed bool

	// audio accumulates response.audio.delta payloads per response until
	// response.audio.done. Only touched by the receive loop.
	audio map[string][]byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// newEventID returns a client event identifier.
func newEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// newItemID returns a client-chosen conversation item identifier. The
// service limits item IDs to 32 characters.
func newItemID() string {
	return "item_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:27]
}

func event(typ string) clientEvent {
	return clientEvent{Type: typ, EventID: newEventID()}
}

// sendSessionUpdate sends a session.update event to configure voice,
// instructions, tools, transcription and audio formats.
func (s *session) sendSessionUpdate(ctx context.Context, cfg realtime.SessionConfig) error {
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: cfg.TranscriptionModel}
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
		params.ToolChoice = "auto"
	}
	return s.writeJSON(ctx, sessionUpdateMessage{clientEvent: event("session.update"), Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message. Failures
// wrap realtime.ErrStream.
func (s *session) writeJSON(ctx context.Context, v any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return realtime.ErrSessionClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: openai: write: %w", realtime.ErrStream, err)
	}
	return nil
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("%w: openai: read: %w", realtime.ErrStream, err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: ignoring undecodable server event", "err", err)
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "conversation.item.created":
		if evt.Item == nil || evt.Item.ID == "" {
			return
		}
		s.state.Append(conversation.Item{ID: evt.Item.ID, Type: evt.Item.Type, Role: evt.Item.Role})

	case "conversation.item.deleted":
		s.state.Remove(evt.ItemID)

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.Event{
			Type:       realtime.EventTranscript,
			Transcript: realtime.Transcript{Role: "user", Text: strings.TrimSpace(evt.Transcript)},
		})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.audio[evt.ResponseID] = append(s.audio[evt.ResponseID], audioData...)

	case "response.audio.done":
		pcm := s.audio[evt.ResponseID]
		delete(s.audio, evt.ResponseID)
		if len(pcm) == 0 {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventAudioReady, ResponseID: evt.ResponseID, Audio: pcm})

	case "response.audio_transcript.done":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.Event{
			Type:       realtime.EventTranscript,
			ResponseID: evt.ResponseID,
			Transcript: realtime.Transcript{Role: "assistant", Text: evt.Transcript},
		})

	case "response.output_item.done":
		s.handleOutputItem(evt)

	case "response.done":
		s.handleResponseDone(evt)

	case "error":
		s.handleErrorEvent(evt)
	}
}

func (s *session) handleOutputItem(evt *serverEvent) {
	if evt.Item == nil {
		return
	}
	it := evt.Item
	out := realtime.Event{
		Type:       realtime.EventItemCompleted,
		ResponseID: evt.ResponseID,
		Item:       conversation.Item{ID: it.ID, Type: it.Type, Role: it.Role},
	}
	if it.Type == conversation.TypeFunctionCall {
		call := &realtime.ToolCall{
			CallID:       it.CallID,
			ItemID:       it.ID,
			Name:         it.Name,
			RawArguments: it.Arguments,
		}
		// Undecodable arguments are left for the consumer to treat leniently.
		if args, err := realtime.DecodeArguments(it.Arguments); err == nil {
			call.Arguments = args
		}
		out.ToolCall = call
	}
	s.emit(out)
}

func (s *session) handleResponseDone(evt *serverEvent) {
	out := realtime.Event{Type: realtime.EventResponseDone}
	if r := evt.Response; r != nil {
		out.ResponseID = r.ID
		out.Status = r.Status
		for _, it := range r.Output {
			if it.Type == conversation.TypeFunctionCall {
				out.HadToolCall = true
			}
		}
		// A cancelled response may never send response.audio.done.
		delete(s.audio, r.ID)
	}
	s.emit(out)
}

func (s *session) handleErrorEvent(evt *serverEvent) {
	se := &realtime.ServiceError{}
	if evt.Error != nil {
		se.Type = evt.Error.Type
		se.Code = evt.Error.Code
		se.Message = evt.Error.Message
		se.EventID = evt.Error.EventID
	}
	s.emit(realtime.Event{Type: realtime.EventError, Err: se})
}

// emit delivers ev to the consumer, giving up when the session closes.
func (s *session) emit(ev realtime.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

// toOAITools converts realtime.ToolSpec values to OpenAI Realtime tool format.
func toOAITools(tools []realtime.ToolSpec) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// AppendAudio delivers a raw PCM16 audio frame to the input buffer.
func (s *session) AppendAudio(ctx context.Context, frame []byte) error {
	return s.writeJSON(ctx, appendAudioMessage{
		clientEvent: event("input_audio_buffer.append"),
		Audio:       base64.StdEncoding.EncodeToString(frame),
	})
}

// CommitTurn commits the input buffer as a user item and requests a response.
func (s *session) CommitTurn(ctx context.Context) error {
	if err := s.writeJSON(ctx, event("input_audio_buffer.commit")); err != nil {
		return err
	}
	return s.writeJSON(ctx, event("response.create"))
}

// SendText adds a user text message and requests a response.
func (s *session) SendText(ctx context.Context, text string) error {
	msg := createConversationItemMessage{
		clientEvent: event("conversation.item.create"),
		Item: conversationItem{
			Type:    conversation.TypeMessage,
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return err
	}
	return s.writeJSON(ctx, event("response.create"))
}

// ClearAudio discards the input buffer without committing it.
func (s *session) ClearAudio(ctx context.Context) error {
	return s.writeJSON(ctx, event("input_audio_buffer.clear"))
}

// SubmitToolResult sends the call output as a function_call_output item. The
// item is created with a client-chosen ID and tracked immediately, so a reset
// issued right after this call also removes it on the service.
func (s *session) SubmitToolResult(ctx context.Context, callID string, result any, respond bool) error {
	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("openai: marshal tool result: %w", err)
	}
	itemID := newItemID()
	s.state.Append(conversation.Item{ID: itemID, Type: conversation.TypeFunctionCallOutput})

	msg := createConversationItemMessage{
		clientEvent: event("conversation.item.create"),
		Item: conversationItem{
			ID:     itemID,
			Type:   conversation.TypeFunctionCallOutput,
			CallID: callID,
			Output: string(output),
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		s.state.Remove(itemID)
		return err
	}
	if !respond {
		return nil
	}
	return s.writeJSON(ctx, event("response.create"))
}

// DeleteItem sends conversation.item.delete for itemID.
func (s *session) DeleteItem(ctx context.Context, itemID string) error {
	return s.writeJSON(ctx, deleteConversationItemMessage{
		clientEvent: event("conversation.item.delete"),
		ItemID:      itemID,
	})
}

// Events returns the ordered event stream.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Conversation returns the locally mirrored history.
func (s *session) Conversation() *conversation.State { return s.state }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
