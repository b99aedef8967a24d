package app_test

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/emotivox/internal/action"
	"github.com/MrWong99/emotivox/internal/app"
	"github.com/MrWong99/emotivox/internal/config"
	"github.com/MrWong99/emotivox/internal/health"
	"github.com/MrWong99/emotivox/internal/observe"
	"github.com/MrWong99/emotivox/pkg/audio"
	audiomock "github.com/MrWong99/emotivox/pkg/audio/mock"
	"github.com/MrWong99/emotivox/pkg/conversation"
	"github.com/MrWong99/emotivox/pkg/provider/realtime"
	"github.com/MrWong99/emotivox/pkg/provider/realtime/mock"
	"github.com/MrWong99/emotivox/pkg/provider/vad"
	vadmock "github.com/MrWong99/emotivox/pkg/provider/vad/mock"
)

// testConfig returns defaults with a 300ms silence threshold (three frames)
// and playback disabled.
func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Realtime.APIKey = "sk-test"
	cfg.Turn.SilenceSeconds = 0.3
	off := false
	cfg.Audio.PlaybackEnabled = &off
	return cfg
}

// script turns a pattern such as "ss..." into VAD results: 's' is speech,
// anything else silence.
func script(pattern string) []vad.VADEvent {
	evs := make([]vad.VADEvent, len(pattern))
	for i, c := range pattern {
		if c == 's' {
			evs[i] = vad.VADEvent{Type: vad.VADSpeechContinue, Probability: 0.9}
		} else {
			evs[i] = vad.VADEvent{Type: vad.VADSilence}
		}
	}
	return evs
}

type harness struct {
	app    *app.App
	sess   *mock.Session
	prov   *mock.Provider
	sink   *audiomock.Sink
	probe  *health.Probe
	reader *sdkmetric.ManualReader

	mu      sync.Mutex
	handled map[action.Action]int
}

type harnessOption struct {
	capture audio.Capture
	session realtime.SessionHandle
	sink    bool

	// handler, if set, runs inside every action handler after it is counted.
	handler func(a action.Action)
}

func newHarness(t *testing.T, cfg *config.Config, pattern string, ho harnessOption) *harness {
	t.Helper()

	h := &harness{
		sess:    mock.NewSession(),
		probe:   &health.Probe{},
		handled: make(map[action.Action]int),
	}
	h.prov = &mock.Provider{Session: h.sess}
	if ho.session != nil {
		h.prov.Session = ho.session
	}

	capture := ho.capture
	if capture == nil {
		capture = &audiomock.Capture{
			Data:   make([]byte, len(pattern)*audio.DefaultFrameBytes),
			Source: audio.Mono(audio.DefaultSampleRate),
		}
	}
	vadSess := &vadmock.Session{Script: script(pattern), EventResult: vad.VADEvent{Type: vad.VADSilence}}

	handlers := make(map[action.Action]action.Handler)
	for _, a := range action.All() {
		handlers[a] = func(context.Context) error {
			h.mu.Lock()
			h.handled[a]++
			h.mu.Unlock()
			if ho.handler != nil {
				ho.handler(a)
			}
			return nil
		}
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h.reader = reader

	opts := []app.Option{
		app.WithCapture(capture),
		app.WithVAD(&vadmock.Engine{Session: vadSess}),
		app.WithRegistry(action.NewRegistry(handlers)),
		app.WithMetrics(m),
		app.WithProbe(h.probe),
	}
	if ho.sink {
		h.sink = &audiomock.Sink{}
		opts = append(opts, app.WithSink(h.sink))
	}
	h.app, err = app.New(cfg, h.prov, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.app.Shutdown(context.Background()) })
	return h
}

func (h *harness) count(a action.Action) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handled[a]
}

// counter returns the summed value of the Int64 counter called name.
func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func runCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ── Run ──────────────────────────────────────────────────────────────────────

func TestRun_DirectQuestion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), "ss....", harnessOption{})
	h.sess.OnCommitTurn = func(s *mock.Session) {
		s.AddItem(conversation.TypeMessage, "user")
		s.EmitToolCall("call_1", "handle_action", `{"action":"Yes"}`)
	}

	if err := h.app.Run(runCtx(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	frames, commits, submits := h.sess.Counts()
	if frames != 6 {
		t.Errorf("frames sent = %d, want 6", frames)
	}
	if commits != 1 {
		t.Errorf("commits = %d, want 1", commits)
	}
	if submits != 1 {
		t.Fatalf("acknowledgments = %d, want 1", submits)
	}
	if got, want := h.sess.ResultJSON(0), `{"action":"yes","status":"processed"}`; got != want {
		t.Errorf("acknowledgment = %s, want %s", got, want)
	}
	if n := h.sess.Conversation().Len(); n != 0 {
		t.Errorf("conversation items after reset = %d, want 0", n)
	}
	if h.count(action.ActionYes) != 1 {
		t.Errorf("yes handler calls = %d, want 1", h.count(action.ActionYes))
	}

	calls := h.prov.ConnectCalls
	if len(calls) != 1 || len(calls[0].Cfg.Tools) != 1 || calls[0].Cfg.Tools[0].Name != "handle_action" {
		t.Errorf("Connect calls = %+v, want one session declaring handle_action", calls)
	}
	if calls[0].Cfg.Instructions == "" {
		t.Error("session configured without instructions")
	}
	if h.sess.CloseCallCount != 1 {
		t.Errorf("Close calls = %d, want 1", h.sess.CloseCallCount)
	}
	if !errors.Is(h.probe.Err(), app.ErrNotConnected) {
		t.Errorf("probe after Run = %v, want ErrNotConnected", h.probe.Err())
	}
	if got := h.counter(t, "emotivox.turns.committed"); got != 1 {
		t.Errorf("turns committed metric = %d, want 1", got)
	}
	if got := h.counter(t, "emotivox.tool.calls"); got != 1 {
		t.Errorf("tool calls metric = %d, want 1", got)
	}
}

func TestRun_SilenceNeverCommits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), "..........", harnessOption{})
	if err := h.app.Run(runCtx(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	frames, commits, submits := h.sess.Counts()
	if frames != 10 || commits != 0 || submits != 0 {
		t.Errorf("frames, commits, submits = %d, %d, %d; want 10, 0, 0", frames, commits, submits)
	}
}

func TestRun_OneCommitPerUtterance(t *testing.T) {
	t.Parallel()

	// Two utterances separated by a long pause: the pause after the first
	// commit must not produce a second one.
	h := newHarness(t, testConfig(), "ss.........s...", harnessOption{})
	h.sess.OnCommitTurn = func(s *mock.Session) {
		s.Emit(realtime.Event{Type: realtime.EventResponseDone, Status: "completed"})
	}
	if err := h.app.Run(runCtx(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, commits, _ := h.sess.Counts(); commits != 2 {
		t.Errorf("commits = %d, want 2", commits)
	}
}

func TestRun_EndOfInputFlushesUtterance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		policy    config.ResetPolicy
		wantItems int
	}{
		{config.ResetOnToolCall, 1},
		{config.ResetEveryResponse, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			cfg.Conversation.ResetPolicy = tt.policy
			h := newHarness(t, cfg, "ss", harnessOption{sink: true})
			reply := make([]byte, 9600)
			h.sess.OnCommitTurn = func(s *mock.Session) { s.EmitSpokenReply(reply) }

			if err := h.app.Run(runCtx(t)); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if _, commits, submits := h.sess.Counts(); commits != 1 || submits != 0 {
				t.Errorf("commits, submits = %d, %d; want 1, 0", commits, submits)
			}
			played := h.sink.Recorded()
			if len(played) != 1 || len(played[0].Data) != len(reply) || !played[0].Closed {
				t.Fatalf("playbacks = %d, want one complete reply", len(played))
			}
			if played[0].Format != audio.Mono(audio.DefaultSampleRate) {
				t.Errorf("playback format = %+v", played[0].Format)
			}
			if n := h.sess.Conversation().Len(); n != tt.wantItems {
				t.Errorf("conversation items = %d, want %d", n, tt.wantItems)
			}
		})
	}
}

func TestRun_TrimsHistory(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	limit := 2
	cfg.Conversation.MaxItems = &limit
	h := newHarness(t, cfg, "ss", harnessOption{})
	h.sess.OnCommitTurn = func(s *mock.Session) {
		for range 4 {
			s.AddItem(conversation.TypeMessage, "user")
		}
		s.Emit(realtime.Event{Type: realtime.EventResponseDone, Status: "completed"})
	}
	if err := h.app.Run(runCtx(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.sess.Conversation().Len(); n != limit {
		t.Errorf("conversation items = %d, want %d", n, limit)
	}
	if len(h.sess.DeletedItems) != 2 || h.sess.DeletedItems[0] != "item_1" {
		t.Errorf("deleted = %v, want the two oldest items", h.sess.DeletedItems)
	}
}

func TestRun_ConnectionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), "ss", harnessOption{})
	h.prov.ConnectErr = errors.New("dial tcp: connection refused")

	err := h.app.Run(runCtx(t))
	if !errors.Is(err, realtime.ErrConnection) {
		t.Fatalf("Run = %v, want ErrConnection", err)
	}
	if !app.Retryable(err) {
		t.Error("connection failure should be retryable")
	}
	if h.probe.Err() == nil {
		t.Error("probe should report the failure")
	}
}

func TestRun_CaptureFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		capture *audiomock.Capture
	}{
		{"open", &audiomock.Capture{Source: audio.Mono(24000), OpenErr: errors.New("no such device")}},
		{"read", &audiomock.Capture{
			Source:  audio.Mono(24000),
			Data:    make([]byte, 2*audio.DefaultFrameBytes),
			ReadErr: errors.New("device unplugged"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, testConfig(), "ss", harnessOption{capture: tt.capture})
			err := h.app.Run(runCtx(t))
			if !errors.Is(err, audio.ErrCapture) {
				t.Fatalf("Run = %v, want ErrCapture", err)
			}
			if _, commits, _ := h.sess.Counts(); commits != 0 {
				t.Errorf("commits = %d, want 0 for an interrupted utterance", commits)
			}
		})
	}
}

func TestRun_SessionLost(t *testing.T) {
	t.Parallel()

	capture := &audiomock.Capture{Source: audio.Mono(24000), Hold: true}
	h := newHarness(t, testConfig(), "", harnessOption{capture: capture})
	h.sess.Fail(errors.New("websocket: close 1006"))

	err := h.app.Run(runCtx(t))
	if !errors.Is(err, realtime.ErrConnection) {
		t.Fatalf("Run = %v, want ErrConnection", err)
	}
}

func TestRun_CancelReturnsNil(t *testing.T) {
	t.Parallel()

	capture := &audiomock.Capture{Source: audio.Mono(24000), Hold: true}
	h := newHarness(t, testConfig(), "", harnessOption{capture: capture})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.app.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for h.probe.Err() != nil {
		if time.Now().After(deadline) {
			t.Fatal("session never became ready")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// endlessCapture serves silence forever, like an open microphone.
type endlessCapture struct{}

func (endlessCapture) Format() audio.Format { return audio.Mono(audio.DefaultSampleRate) }

func (endlessCapture) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(zeroReader{}), nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	clear(p)
	return len(p), nil
}

func TestRun_RepeatedStreamFailuresDropSession(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Stream.MaxFailures = 3
	h := newHarness(t, cfg, "", harnessOption{capture: endlessCapture{}})
	h.sess.AppendAudioErr = errors.New("write: broken pipe")

	err := h.app.Run(runCtx(t))
	if !errors.Is(err, realtime.ErrConnection) {
		t.Fatalf("Run = %v, want ErrConnection", err)
	}
	if got := h.counter(t, "emotivox.stream.errors"); got != 3 {
		t.Errorf("stream errors metric = %d, want 3", got)
	}
}

// flakySession fails the failAt-th append (1-based, default 1) and then
// behaves. It logs the order of buffer operations.
type flakySession struct {
	*mock.Session
	failAt int

	mu      sync.Mutex
	appends int
	ops     []string
}

func (f *flakySession) log(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *flakySession) AppendAudio(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	f.appends++
	fail := f.appends == max(f.failAt, 1)
	f.mu.Unlock()
	if fail {
		f.log("fail")
		return errors.New("write: connection reset")
	}
	f.log("append")
	return f.Session.AppendAudio(ctx, frame)
}

func (f *flakySession) ClearAudio(ctx context.Context) error {
	f.log("clear")
	return f.Session.ClearAudio(ctx)
}

func (f *flakySession) CommitTurn(ctx context.Context) error {
	f.log("commit")
	return f.Session.CommitTurn(ctx)
}

func (f *flakySession) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func TestRun_SingleStreamFailureContinues(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	h := newHarness(t, testConfig(), "sss....", harnessOption{session: &flakySession{Session: sess}})
	sess.OnCommitTurn = func(s *mock.Session) {
		s.Emit(realtime.Event{Type: realtime.EventResponseDone, Status: "completed"})
	}

	if err := h.app.Run(runCtx(t)); err != nil {
		t.Fatalf("Run = %v, want nil after a single failure", err)
	}
	if got := h.counter(t, "emotivox.stream.errors"); got != 1 {
		t.Errorf("stream errors metric = %d, want 1", got)
	}
	if _, commits, _ := sess.Counts(); commits > 1 {
		t.Errorf("commits = %d, want at most 1", commits)
	}
	if sess.Clears() != 1 {
		t.Errorf("input buffer clears = %d, want 1", sess.Clears())
	}
}

func TestRun_StreamFailureClearsSentAudio(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	flaky := &flakySession{Session: sess, failAt: 3}
	h := newHarness(t, testConfig(), "ssss....ss....", harnessOption{session: flaky})
	sess.OnCommitTurn = func(s *mock.Session) {
		s.Emit(realtime.Event{Type: realtime.EventResponseDone, Status: "completed"})
	}

	if err := h.app.Run(runCtx(t)); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}

	ops := flaky.opLog()
	failed := slices.Index(ops, "fail")
	if failed < 2 {
		t.Fatalf("ops = %v, want two appends before the failure", ops)
	}
	// The two frames that reached the service are cleared before any later
	// commit could include them.
	rest := ops[failed+1:]
	cleared := slices.Index(rest, "clear")
	if cleared < 0 {
		t.Fatalf("ops = %v, want the input buffer cleared after the failure", ops)
	}
	if committed := slices.Index(rest, "commit"); committed >= 0 && committed < cleared {
		t.Errorf("ops = %v, commit sent before the buffer was cleared", ops)
	}
}

func TestRun_NextTurnWaitsForReset(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h := newHarness(t, testConfig(), "ss...ss...", harnessOption{
		handler: func(a action.Action) {
			if a == action.ActionYes {
				once.Do(func() { close(entered) })
				<-release
			}
		},
	})

	var (
		mu            sync.Mutex
		commits       int
		itemsAtCommit []int
		userItems     []string
	)
	h.sess.OnCommitTurn = func(s *mock.Session) {
		mu.Lock()
		commits++
		n := commits
		itemsAtCommit = append(itemsAtCommit, s.Conversation().Len())
		mu.Unlock()

		id := s.AddItem(conversation.TypeMessage, "user")
		mu.Lock()
		userItems = append(userItems, id)
		mu.Unlock()
		if n == 1 {
			s.EmitToolCall("call_1", "handle_action", `{"action":"yes"}`)
			return
		}
		s.EmitToolCall("call_2", "handle_action", `{"action":"no"}`)
	}

	done := make(chan error, 1)
	go func() { done <- h.app.Run(runCtx(t)) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first tool call never reached its handler")
	}
	// All ten frames are sent while the handler runs; the second commit is
	// held behind it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		frames, _, _ := h.sess.Counts()
		if frames == 10 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("frames sent = %d, want 10", frames)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if _, c, _ := h.sess.Counts(); c != 1 {
		t.Fatalf("commits while the first call is handled = %d, want 1", c)
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish")
	}

	calls := h.sess.SubmitCalls()
	if len(calls) != 2 || calls[0].CallID != "call_1" || calls[1].CallID != "call_2" {
		t.Fatalf("acknowledgments = %+v, want call_1 then call_2", calls)
	}
	if h.count(action.ActionYes) != 1 || h.count(action.ActionNo) != 1 {
		t.Errorf("handler calls: yes=%d no=%d, want 1 each", h.count(action.ActionYes), h.count(action.ActionNo))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(itemsAtCommit) != 2 || itemsAtCommit[1] != 0 {
		t.Errorf("conversation items at each commit = %v, want the first turn reset before the second", itemsAtCommit)
	}
	// The second user item is only removed by the second reset, after
	// call_2 was acknowledged.
	deleted := h.sess.DeletedItems
	second := slices.Index(deleted, userItems[1])
	if second < 0 || second < slices.Index(deleted, "item_2") {
		t.Errorf("deleted = %v, second user item %s must go with the second reset", deleted, userItems[1])
	}
}

func TestRun_OneToolCallPerResponse(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), "ss...", harnessOption{})
	var extra string
	h.sess.OnCommitTurn = func(s *mock.Session) {
		s.AddItem(conversation.TypeMessage, "user")
		first := s.AddItem(conversation.TypeFunctionCall, "")
		extra = s.AddItem(conversation.TypeFunctionCall, "")
		for _, c := range []struct{ id, item, value string }{
			{"call_a", first, "yes"},
			{"call_b", extra, "no"},
		} {
			args, _ := realtime.DecodeArguments(`{"action":"` + c.value + `"}`)
			s.Emit(realtime.Event{
				Type:       realtime.EventItemCompleted,
				ResponseID: "resp_1",
				Item:       conversation.Item{ID: c.item, Type: conversation.TypeFunctionCall},
				ToolCall:   &realtime.ToolCall{CallID: c.id, ItemID: c.item, Name: "handle_action", Arguments: args},
			})
		}
		s.Emit(realtime.Event{Type: realtime.EventResponseDone, ResponseID: "resp_1", HadToolCall: true, Status: "completed"})
	}

	if err := h.app.Run(runCtx(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := h.sess.SubmitCalls()
	if len(calls) != 1 || calls[0].CallID != "call_a" {
		t.Fatalf("acknowledgments = %+v, want only call_a", calls)
	}
	if h.count(action.ActionYes) != 1 || h.count(action.ActionNo) != 0 {
		t.Errorf("handler calls: yes=%d no=%d, want 1 and 0", h.count(action.ActionYes), h.count(action.ActionNo))
	}
	if got := h.counter(t, "emotivox.conversation.resets"); got != 1 {
		t.Errorf("resets = %d, want 1", got)
	}
	if !slices.Contains(h.sess.DeletedItems, extra) {
		t.Errorf("deleted = %v, want the extra call item %s removed", h.sess.DeletedItems, extra)
	}
	if n := h.sess.Conversation().Len(); n != 0 {
		t.Errorf("conversation items = %d, want 0", n)
	}
}

// ── RunText ──────────────────────────────────────────────────────────────────

func TestRunText_ToolCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), "", harnessOption{})
	h.sess.OnSendText = func(s *mock.Session, _ string) {
		s.AddItem(conversation.TypeMessage, "user")
		s.EmitToolCall("call_t", "handle_action", `{"action":"no"}`)
	}

	res, err := h.app.RunText(runCtx(t), "Is the sky green?")
	if err != nil {
		t.Fatalf("RunText: %v", err)
	}
	if res == nil || res.Action != action.ActionNo || res.Value != "no" || res.CallID != "call_t" {
		t.Fatalf("result = %+v, want no for call_t", res)
	}
	if len(h.sess.Texts) != 1 || h.sess.Texts[0] != "Is the sky green?" {
		t.Errorf("texts = %v", h.sess.Texts)
	}
	if h.sess.Conversation().Len() != 0 {
		t.Errorf("conversation items = %d, want 0", h.sess.Conversation().Len())
	}
	if calls := h.sess.SubmitCalls(); len(calls) != 1 || calls[0].Respond {
		t.Errorf("submits = %+v, want one without a follow-up response", calls)
	}
}

func TestRunText_MoodTool(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Actions.Tool = action.ToolMood
	h := newHarness(t, cfg, "", harnessOption{})
	h.sess.OnSendText = func(s *mock.Session, _ string) {
		s.EmitToolCall("call_m", "handle_mood", `{"mood":"Happy"}`)
	}

	res, err := h.app.RunText(runCtx(t), "I won the lottery!")
	if err != nil {
		t.Fatalf("RunText: %v", err)
	}
	if res == nil || res.Action != action.ActionHappy {
		t.Fatalf("result = %+v, want happy", res)
	}
	if got, want := h.sess.ResultJSON(0), `{"mood":"happy","status":"processed"}`; got != want {
		t.Errorf("acknowledgment = %s, want %s", got, want)
	}
	if h.count(action.ActionHappy) != 1 {
		t.Errorf("happy handler calls = %d, want 1", h.count(action.ActionHappy))
	}
}

func TestRunText_SpokenReplyWithoutToolCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), "", harnessOption{sink: true})
	h.sess.OnSendText = func(s *mock.Session, _ string) {
		s.EmitSpokenReply(make([]byte, 4800))
	}

	res, err := h.app.RunText(runCtx(t), "hello")
	if err != nil {
		t.Fatalf("RunText: %v", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil without a tool call", res)
	}
	if n := len(h.sink.Recorded()); n != 1 {
		t.Errorf("playbacks = %d, want 1", n)
	}
}

func TestRunText_FollowUpResponse(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Realtime.RespondAfterToolCall = true
	h := newHarness(t, cfg, "", harnessOption{sink: true})
	h.sess.OnSendText = func(s *mock.Session, _ string) {
		s.EmitToolCall("call_f", "handle_action", `{"action":"idk"}`)
		s.EmitSpokenReply(make([]byte, 4800))
	}

	res, err := h.app.RunText(runCtx(t), "What will the weather be tomorrow?")
	if err != nil {
		t.Fatalf("RunText: %v", err)
	}
	if res == nil || res.Action != action.ActionIDK {
		t.Fatalf("result = %+v, want idk", res)
	}
	if calls := h.sess.SubmitCalls(); len(calls) != 1 || !calls[0].Respond {
		t.Errorf("submits = %+v, want one requesting a follow-up", calls)
	}
	if n := len(h.sink.Recorded()); n != 1 {
		t.Errorf("playbacks = %d, want 1", n)
	}
}

func TestRunText_SendFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), "", harnessOption{})
	h.sess.SendTextErr = realtime.ErrStream
	if _, err := h.app.RunText(runCtx(t), "hi"); !errors.Is(err, realtime.ErrStream) {
		t.Fatalf("RunText = %v, want ErrStream", err)
	}
}

func TestNew_RejectsUnknownCommandAction(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Actions.Commands = map[string]string{"shrug": "true"}
	if _, err := app.New(cfg, &mock.Provider{}, app.WithCapture(&audiomock.Capture{})); err == nil {
		t.Fatal("expected an error for an unknown action command")
	}
}

func TestDefaultInstructions(t *testing.T) {
	t.Parallel()
	got := app.DefaultInstructions(action.MoodTool())
	for _, want := range []string{"handle_mood", "mood", "none"} {
		if !strings.Contains(got, want) {
			t.Errorf("instructions %q do not mention %q", got, want)
		}
	}
}
