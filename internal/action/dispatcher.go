package action

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/emotivox/internal/observe"
	"github.com/MrWong99/emotivox/pkg/conversation"
	"github.com/MrWong99/emotivox/pkg/provider/realtime"
)

// StatusProcessed is the status reported for every acknowledged call.
const StatusProcessed = "processed"

// defaultQueueDepth is the number of tool calls that may wait for the worker.
const defaultQueueDepth = 16

// recentCallIDs is how many call IDs are remembered for duplicate detection.
const recentCallIDs = 64

// idlePollInterval is how often [Dispatcher.WaitIdle] re-checks the state.
const idlePollInterval = 20 * time.Millisecond

// ErrQueueFull is returned by [Dispatcher.Submit] when the call queue is full.
var ErrQueueFull = errors.New("action: dispatch queue full")

// State is the dispatcher's position in the utterance cycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingToolCall
	StateDispatching
	StateAcknowledging
)

// String returns a short name for s.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingToolCall:
		return "awaiting_tool_call"
	case StateDispatching:
		return "dispatching"
	case StateAcknowledging:
		return "acknowledging"
	default:
		return "unknown"
	}
}

// Result is the acknowledgment of one tool call.
type Result struct {
	CallID string

	// Status is always [StatusProcessed].
	Status string

	// Value is the normalised identifier the model sent, echoed even when it
	// is not a canonical action.
	Value string

	// Action is what Value parsed to.
	Action Action

	// Key is the tool's argument name, used as the echoed key.
	Key string

	// HandlerErr is the error the handler returned, if any. It never prevents
	// the acknowledgment.
	HandlerErr error

	// AckErr is the error from submitting the acknowledgment, if any.
	AckErr error
}

// Payload returns the tool result sent to the service:
// {"status": "processed", <Key>: <Value>}.
func (r Result) Payload() map[string]string {
	return map[string]string{"status": r.Status, r.Key: r.Value}
}

// Session is the part of a realtime session the dispatcher needs.
type Session interface {
	conversation.Remote
	SubmitToolResult(ctx context.Context, callID string, result any, respond bool) error
}

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithRespond makes the dispatcher request a follow-up response after each
// acknowledgment.
func WithRespond(respond bool) DispatcherOption {
	return func(d *Dispatcher) { d.respond = respond }
}

// WithQueueDepth sets how many tool calls may wait for the worker.
func WithQueueDepth(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueDepth = n
		}
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithResultHandler registers fn to be called after every processed call,
// once the conversation has been reset.
func WithResultHandler(fn func(Result)) DispatcherOption {
	return func(d *Dispatcher) { d.onResult = fn }
}

// Dispatcher drives the Idle → AwaitingToolCall → Dispatching → Acknowledging
// cycle. Tool calls are processed one at a time, in arrival order, by the
// goroutine running [Dispatcher.Run], so handler side effects never
// interleave.
type Dispatcher struct {
	session  Session
	registry *Registry
	tool     Tool
	resetter *conversation.Resetter

	respond    bool
	queueDepth int
	metrics    *observe.Metrics
	onResult   func(Result)

	queue   chan realtime.ToolCall
	pending atomic.Int64

	mu    sync.Mutex
	state State
	// open counts requested responses the service has not finished yet.
	open   int
	seen   map[string]struct{}
	recent []string
}

// NewDispatcher returns a Dispatcher acknowledging calls on session and
// clearing its conversation with resetter.
func NewDispatcher(session Session, registry *Registry, tool Tool, resetter *conversation.Resetter, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		session:    session,
		registry:   registry,
		tool:       tool,
		resetter:   resetter,
		queueDepth: defaultQueueDepth,
		seen:       make(map[string]struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.queue = make(chan realtime.ToolCall, d.queueDepth)
	return d
}

// State returns the current state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// TurnCommitted records that a user turn was sent and a response is pending.
// Callers hold the next commit until [Dispatcher.Idle] reports the previous
// cycle finished; a turn committed earlier would lose its items to that
// cycle's reset.
func (d *Dispatcher) TurnCommitted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open++
	if d.state == StateIdle {
		d.state = StateAwaitingToolCall
	}
}

// ResponseDone records the end of a response. Without a tool call the cycle
// ends here.
func (d *Dispatcher) ResponseDone(hadToolCall bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open > 0 {
		d.open--
	}
	if !hadToolCall && d.state == StateAwaitingToolCall {
		d.state = StateIdle
	}
}

// Submit enqueues call for processing and returns without waiting for it.
func (d *Dispatcher) Submit(ctx context.Context, call realtime.ToolCall) error {
	d.pending.Add(1)
	select {
	case d.queue <- call:
		return nil
	case <-ctx.Done():
		d.pending.Add(-1)
		return ctx.Err()
	default:
	}
	// Let the worker catch up before giving up.
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case d.queue <- call:
		return nil
	case <-ctx.Done():
		d.pending.Add(-1)
		return ctx.Err()
	case <-timer.C:
		d.pending.Add(-1)
		return ErrQueueFull
	}
}

// Idle reports whether no turn is awaiting a response, no requested response
// is still streaming and no submitted call is waiting for or undergoing
// processing.
func (d *Dispatcher) Idle() bool {
	if d.pending.Load() != 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateIdle && d.open == 0
}

// WaitIdle blocks until [Dispatcher.Idle] holds or ctx is done.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for !d.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Run processes queued calls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case call := <-d.queue:
			d.Dispatch(ctx, call)
			d.pending.Add(-1)
		}
	}
}

// Dispatch processes call on the caller's goroutine. [Dispatcher.Run] calls
// it for every queued call; calling it directly while Run is active lets
// handlers interleave. A call ID seen before is ignored and yields a Result
// with an empty Status.
func (d *Dispatcher) Dispatch(ctx context.Context, call realtime.ToolCall) Result {
	if !d.remember(call.CallID) {
		slog.Warn("ignoring duplicate tool call", "call_id", call.CallID)
		return Result{CallID: call.CallID}
	}
	return d.process(ctx, call)
}

func (d *Dispatcher) process(ctx context.Context, call realtime.ToolCall) Result {
	ctx, span := observe.StartSpan(ctx, "action.dispatch",
		trace.WithAttributes(
			attribute.String("call_id", call.CallID),
			attribute.String("tool", call.Name),
		),
	)
	log := observe.Logger(ctx).With("call_id", call.CallID)

	// Dispatching.
	d.setState(StateDispatching)
	value, act := ParseArgument(call.Arguments, d.tool.Arg)
	if call.Arguments == nil && call.RawArguments != "" {
		log.Warn("malformed tool call arguments, treating as none", "raw", call.RawArguments)
	}
	span.SetAttributes(attribute.String("action", act.String()), attribute.String("value", value))

	res := Result{CallID: call.CallID, Status: StatusProcessed, Value: value, Action: act, Key: d.tool.Arg}

	start := time.Now()
	res.HandlerErr = d.registry.Lookup(act)(ctx)
	d.metrics.HandlerDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("action", act.String())))
	if res.HandlerErr != nil {
		log.Error("action handler failed", "action", act.String(), "err", res.HandlerErr)
	}

	// Acknowledging. A follow-up response is counted before it is requested
	// so its completion can never arrive first.
	d.mu.Lock()
	d.state = StateAcknowledging
	if d.respond {
		d.open++
	}
	d.mu.Unlock()
	res.AckErr = d.session.SubmitToolResult(ctx, call.CallID, res.Payload(), d.respond)
	if res.AckErr != nil {
		if d.respond {
			d.mu.Lock()
			if d.open > 0 {
				d.open--
			}
			d.mu.Unlock()
		}
		log.Error("failed to acknowledge tool call", "err", res.AckErr)
		d.metrics.RecordStreamError(ctx, "submit_tool_result")
	}

	status := "ok"
	switch {
	case res.AckErr != nil:
		status = "ack_error"
	case res.HandlerErr != nil:
		status = "handler_error"
	}
	d.metrics.RecordToolCall(ctx, act.String(), status)

	d.reset(ctx, log)
	d.setState(StateIdle)

	log.Info("tool call processed", "action", act.String(), "value", value, "status", status)
	observe.EndSpan(span, errors.Join(res.HandlerErr, res.AckErr))

	if d.onResult != nil {
		d.onResult(res)
	}
	return res
}

// reset clears the conversation once per processed call. A failed
// acknowledgment leaves an open call on the service; clearing it is still
// what the next turn needs.
func (d *Dispatcher) reset(ctx context.Context, log *slog.Logger) {
	ctx, span := observe.StartSpan(ctx, "conversation.reset")
	removed, err := d.resetter.Reset(ctx, d.session)
	span.SetAttributes(attribute.Int("removed", removed))
	observe.EndSpan(span, err)

	d.metrics.RecordReset(ctx, "tool_call")
	if err != nil {
		log.Warn("conversation reset incomplete on the service", "removed", removed, "err", err)
	}
}

func (d *Dispatcher) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// remember reports whether id is new and records it. Empty IDs are always new.
func (d *Dispatcher) remember(id string) bool {
	if id == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[id]; dup {
		return false
	}
	d.seen[id] = struct{}{}
	d.recent = append(d.recent, id)
	if len(d.recent) > recentCallIDs {
		delete(d.seen, d.recent[0])
		d.recent = d.recent[1:]
	}
	return true
}
