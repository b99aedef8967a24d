package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/emotivox/internal/action"
	"github.com/MrWong99/emotivox/internal/config"
	"github.com/MrWong99/emotivox/internal/resilience"
	"github.com/MrWong99/emotivox/internal/turn"
	"github.com/MrWong99/emotivox/pkg/audio"
	"github.com/MrWong99/emotivox/pkg/audio/playback"
	"github.com/MrWong99/emotivox/pkg/provider/realtime"
	"github.com/MrWong99/emotivox/pkg/provider/vad"
)

// errInputDone ends the goroutine group once a finite input has been fully
// processed.
var errInputDone = errors.New("app: input finished")

// breakerResetTimeout is how long the stream breaker stays open. The session
// is torn down as soon as it opens, so it only matters for a probe that races
// the teardown.
const breakerResetTimeout = 30 * time.Second

// turnCycleTimeout bounds how long a commit waits for the previous turn's
// cycle. Past it the service is assumed to have dropped the response.
const turnCycleTimeout = 30 * time.Second

// session is the state of one realtime session: everything that is rebuilt
// when the connection is re-established.
type session struct {
	app        *App
	sess       realtime.SessionHandle
	dispatcher *action.Dispatcher
	breaker    *resilience.CircuitBreaker

	// abandon asks the capture loop to drop the current utterance after a
	// stream error.
	abandon atomic.Bool

	// committedAt is the UnixNano time of the last commit, zero when no
	// response is pending.
	committedAt atomic.Int64

	// dispatchedResponse is the last response whose tool call was submitted.
	// Only the event loop touches it.
	dispatchedResponse string

	// Text turns only.
	results   chan action.Result
	responses chan bool

	mu          sync.Mutex
	lastDropped int64
}

func (a *App) newSession(sess realtime.SessionHandle, onResult func(action.Result)) *session {
	s := &session{
		app:       a,
		sess:      sess,
		results:   make(chan action.Result, 8),
		responses: make(chan bool, 8),
	}
	opts := []action.DispatcherOption{
		action.WithRespond(a.cfg.Realtime.RespondAfterToolCall),
		action.WithMetrics(a.metrics),
	}
	if onResult != nil {
		opts = append(opts, action.WithResultHandler(onResult))
	}
	s.dispatcher = action.NewDispatcher(sess, a.registry, a.tool, a.resetter, opts...)
	s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "realtime-stream",
		MaxFailures:  a.cfg.Stream.MaxFailures,
		ResetTimeout: breakerResetTimeout,
		HalfOpenMax:  1,
	})
	return s
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens a realtime session and streams captured audio through it until
// ctx is cancelled, the input ends or the session is lost.
//
// Connection failures, a closed event stream and a run of consecutive stream
// errors are returned wrapped with [realtime.ErrConnection]; capture failures
// wrap [audio.ErrCapture]. Both are worth retrying. A finite input (such as a
// file) that has been fully processed, with every pending tool call
// acknowledged and every reply played, returns nil, as does cancellation.
func (a *App) Run(ctx context.Context) error {
	framer, err := audio.NewFramer(a.cfg.Audio.FrameBytes, a.cfg.Audio.SampleRate)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	conv, err := audio.NewConverter(a.capture.Format(), a.format())
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	queue, err := audio.NewFrameQueue(a.cfg.Audio.OutboundQueueFrames, audio.OverflowPolicy(a.cfg.Audio.OverflowPolicy))
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	vadSess, err := a.vad.NewSession(vad.Config{
		SampleRate:       a.cfg.Audio.SampleRate,
		FrameSizeMs:      int(framer.FrameDuration() / time.Millisecond),
		SpeechThreshold:  a.cfg.Turn.SpeechThreshold,
		SilenceThreshold: a.cfg.Turn.SilenceThreshold,
	})
	if err != nil {
		return fmt.Errorf("app: vad session: %w", err)
	}
	defer vadSess.Close()
	seg := turn.New(vadSess, turn.WithSilence(a.cfg.Turn.Silence()))

	sess, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer a.disconnect(sess)

	s := a.newSession(sess, nil)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer queue.Close()
		return s.capture(gctx, conv, framer, seg, queue)
	})
	g.Go(func() error { return s.write(gctx, queue) })
	g.Go(func() error { return s.events(gctx) })
	g.Go(func() error { return s.dispatcher.Run(gctx) })

	err = g.Wait()
	switch {
	case errors.Is(err, errInputDone):
		slog.Info("input finished")
		return nil
	case ctx.Err() != nil:
		return nil
	}
	return err
}

// ─── RunText ─────────────────────────────────────────────────────────────────

// RunText opens a session, sends text as a complete user turn and waits until
// the response has been handled: a tool call dispatched and acknowledged, and
// any spoken reply played. It returns the acknowledged result, or nil when the
// model answered without calling the tool.
func (a *App) RunText(ctx context.Context, text string) (*action.Result, error) {
	sess, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer a.disconnect(sess)

	var s *session
	s = a.newSession(sess, func(r action.Result) {
		select {
		case s.results <- r:
		default:
		}
	})

	gctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(gctx)
	g.Go(func() error { return s.events(gctx) })
	g.Go(func() error { return s.dispatcher.Run(gctx) })
	stop := func() error {
		cancel()
		return g.Wait()
	}

	s.markCommitted()
	s.dispatcher.TurnCommitted()
	if err := sess.SendText(gctx, text); err != nil {
		_ = stop()
		return nil, err
	}
	a.metrics.RecordTurn(ctx, "text")
	slog.Info("text turn sent", "chars", len(text))

	res, err := s.awaitTextResponse(gctx)
	if err == nil && a.player != nil {
		err = a.player.Wait(gctx)
	}
	if err != nil {
		if gerr := stop(); gerr != nil && !errors.Is(gerr, context.Canceled) {
			return nil, gerr
		}
		return nil, err
	}
	if err := stop(); err != nil && !errors.Is(err, context.Canceled) {
		return res, err
	}
	return res, nil
}

// awaitTextResponse waits for the end of the response to a text turn and, if
// it contained a tool call, for that call's result. With follow-up responses
// enabled it also waits for the follow-up to finish.
func (s *session) awaitTextResponse(ctx context.Context) (*action.Result, error) {
	var hadToolCall bool
	select {
	case hadToolCall = <-s.responses:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !hadToolCall {
		return nil, nil
	}

	var res action.Result
	select {
	case res = <-s.results:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.app.cfg.Realtime.RespondAfterToolCall && res.AckErr == nil {
		select {
		case <-s.responses:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &res, nil
}

// ─── Capture ─────────────────────────────────────────────────────────────────

// capture reads the input, frames it, feeds the segmenter and queues frames
// and commit markers for the writer. A clean end of input flushes the
// utterance in progress.
func (s *session) capture(ctx context.Context, conv *audio.Converter, framer *audio.Framer, seg *turn.Segmenter, queue *audio.FrameQueue) error {
	rc, err := s.app.capture.Open(ctx)
	if err != nil {
		if !errors.Is(err, audio.ErrCapture) {
			err = fmt.Errorf("%w: %w", audio.ErrCapture, err)
		}
		return err
	}
	defer rc.Close()
	slog.Info("capture started", "format", s.app.capture.Format(), "silence", seg.Threshold())

	err = audio.ReadChunks(ctx, rc, audio.DefaultChunkBytes, func(chunk []byte) error {
		for _, frame := range framer.Push(conv.Convert(chunk)) {
			if err := s.observe(ctx, seg, queue, frame); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		slog.Error("capture failed", "err", err)
		seg.Abandon()
		return err
	}

	if framer.Buffered() > 0 {
		slog.Debug("discarding partial frame at end of input", "bytes", framer.Buffered())
	}
	if seg.InUtterance() && !s.abandon.Load() {
		if err := queue.PushCommit(); err != nil {
			return err
		}
	}
	return nil
}

// observe routes one frame through the segmenter into the queue.
func (s *session) observe(ctx context.Context, seg *turn.Segmenter, queue *audio.FrameQueue, frame audio.AudioFrame) error {
	if s.abandon.Swap(false) {
		seg.Abandon()
	}
	sig, err := seg.Observe(frame)
	if err != nil {
		return seg.Fail(err)
	}
	if err := queue.PushFrame(ctx, frame); err != nil {
		return err
	}
	s.recordDropped(ctx, queue)

	if sig == turn.SignalTurnComplete {
		slog.Debug("turn complete", "at", frame.Timestamp)
		return queue.PushCommit()
	}
	return nil
}

func (s *session) recordDropped(ctx context.Context, queue *audio.FrameQueue) {
	dropped := queue.Dropped()
	s.mu.Lock()
	delta := dropped - s.lastDropped
	s.lastDropped = dropped
	s.mu.Unlock()
	if delta > 0 {
		s.app.metrics.FramesDropped.Add(ctx, delta)
		slog.Warn("outbound queue full, dropped oldest frames", "dropped", delta)
	}
}

// ─── Writer ──────────────────────────────────────────────────────────────────

// write drains the queue into the session. A failed write abandons the
// current utterance; when the breaker opens the session is treated as lost.
func (s *session) write(ctx context.Context, queue *audio.FrameQueue) error {
	for {
		out, err := queue.Pop(ctx)
		if errors.Is(err, audio.ErrQueueClosed) {
			return s.drain(ctx)
		}
		if err != nil {
			return nil
		}

		op := "append_audio"
		send := func() error { return s.sess.AppendAudio(ctx, out.Frame.Data) }
		if out.Commit {
			if err := s.awaitTurnCycle(ctx); err != nil {
				return nil
			}
			op = "commit_turn"
			send = func() error { return s.sess.CommitTurn(ctx) }
			// The reply may arrive before CommitTurn returns.
			s.markCommitted()
			s.dispatcher.TurnCommitted()
		}

		if err := s.breaker.Execute(send); err != nil {
			if out.Commit {
				s.committedAt.Store(0)
				s.dispatcher.ResponseDone(false)
			}
			if ctx.Err() != nil {
				return nil
			}
			if err := s.streamFailed(ctx, queue, op, err); err != nil {
				return err
			}
			continue
		}

		if out.Commit {
			s.app.metrics.RecordTurn(ctx, "audio")
			slog.Info("turn committed")
		} else {
			s.app.metrics.FramesSent.Add(ctx, 1)
		}
	}
}

// awaitTurnCycle holds a commit until the previous turn is over: its response
// finished, its tool call acknowledged and the conversation reset. Frames
// queued behind the commit wait with it.
func (s *session) awaitTurnCycle(ctx context.Context) error {
	if s.dispatcher.Idle() {
		return nil
	}
	slog.Debug("holding commit until the previous turn completes", "state", s.dispatcher.State())
	wctx, cancel := context.WithTimeout(ctx, turnCycleTimeout)
	defer cancel()
	err := s.dispatcher.WaitIdle(wctx)
	if err != nil && ctx.Err() == nil {
		slog.Warn("previous turn never completed, committing anyway", "timeout", turnCycleTimeout)
		return nil
	}
	return err
}

// streamFailed handles a failed write. It returns non-nil once the session
// should be considered lost.
func (s *session) streamFailed(ctx context.Context, queue *audio.FrameQueue, op string, err error) error {
	s.app.metrics.RecordStreamError(ctx, op)
	if s.breaker.State() != resilience.StateClosed || errors.Is(err, resilience.ErrCircuitOpen) {
		slog.Error("too many stream failures, dropping session", "failures", s.breaker.Failures(), "err", err)
		return fmt.Errorf("%w: stream failing: %w", realtime.ErrConnection, err)
	}
	discarded := queue.Discard()
	s.abandon.Store(true)
	slog.Warn("stream write failed, abandoning utterance", "op", op, "discarded_frames", discarded, "err", err)
	// Frames that did reach the service must not be committed with the next
	// utterance.
	if cerr := s.sess.ClearAudio(ctx); cerr != nil {
		slog.Debug("could not clear the service input buffer", "err", cerr)
	}
	return nil
}

// drain waits until the last committed turn has been answered, its tool call
// acknowledged and its reply played, then ends the group.
func (s *session) drain(ctx context.Context) error {
	if err := s.dispatcher.WaitIdle(ctx); err != nil {
		return nil
	}
	if p := s.app.player; p != nil {
		if err := p.Wait(ctx); err != nil {
			return nil
		}
	}
	return errInputDone
}

// ─── Events ──────────────────────────────────────────────────────────────────

// events handles session events in arrival order until the stream closes.
func (s *session) events(ctx context.Context) error {
	ch := s.sess.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				err := s.sess.Err()
				if err == nil {
					err = realtime.ErrSessionClosed
				}
				slog.Error("realtime session ended", "err", err)
				if errors.Is(err, realtime.ErrConnection) {
					return err
				}
				return fmt.Errorf("%w: %w", realtime.ErrConnection, err)
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *session) handleEvent(ctx context.Context, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventItemCompleted:
		if ev.ToolCall == nil {
			return
		}
		call := *ev.ToolCall
		if ev.ResponseID != "" && ev.ResponseID == s.dispatchedResponse {
			s.dropExtraCall(ctx, call)
			return
		}
		s.dispatchedResponse = ev.ResponseID
		if call.Name != s.app.tool.Spec.Name {
			slog.Warn("tool call for an undeclared function", "name", call.Name, "call_id", call.CallID)
		}
		if err := s.dispatcher.Submit(ctx, call); err != nil && ctx.Err() == nil {
			slog.Error("failed to queue tool call", "call_id", call.CallID, "err", err)
		}

	case realtime.EventAudioReady:
		s.play(ctx, ev.Audio)

	case realtime.EventTranscript:
		slog.Info("transcript", "role", ev.Transcript.Role, "text", ev.Transcript.Text)

	case realtime.EventResponseDone:
		s.responseDone(ctx, ev)

	case realtime.EventError:
		code := "unknown"
		var se *realtime.ServiceError
		if errors.As(ev.Err, &se) && se.Code != "" {
			code = se.Code
		}
		s.app.metrics.RecordServiceError(ctx, code)
		slog.Warn("realtime service error", "code", code, "err", ev.Err)
	}
}

// dropExtraCall discards a second tool call in one response. The first call
// decides the turn; the extra item is removed so it does not linger into the
// next one.
func (s *session) dropExtraCall(ctx context.Context, call realtime.ToolCall) {
	slog.Warn("ignoring extra tool call in response", "call_id", call.CallID, "name", call.Name)
	if call.ItemID == "" || !s.sess.Conversation().Remove(call.ItemID) {
		return
	}
	if err := s.sess.DeleteItem(ctx, call.ItemID); err != nil {
		slog.Debug("could not delete extra tool call item", "item_id", call.ItemID, "err", err)
	}
}

func (s *session) play(ctx context.Context, pcm []byte) {
	p := s.app.player
	if p == nil || len(pcm) == 0 {
		return
	}
	switch err := p.Play(pcm); {
	case err == nil:
		slog.Debug("reply scheduled", "duration", s.app.format().Duration(len(pcm)))
	case errors.Is(err, playback.ErrBusy):
		s.app.metrics.RecordPlayback(ctx, "rejected")
		slog.Warn("reply dropped, player busy")
	case errors.Is(err, playback.ErrQueueFull):
		s.app.metrics.RecordPlayback(ctx, "dropped")
		slog.Warn("reply dropped, playback queue full")
	case errors.Is(err, playback.ErrClosed):
	default:
		slog.Error("failed to schedule reply", "err", err)
	}
}

// responseDone ends the response cycle and applies the retention policy to
// responses without a tool call. Tool calls reset the conversation in the
// dispatcher.
func (s *session) responseDone(ctx context.Context, ev realtime.Event) {
	if at := s.committedAt.Swap(0); at != 0 {
		s.app.metrics.ResponseDuration.Record(ctx, time.Since(time.Unix(0, at)).Seconds())
	}
	if ev.Status != "" && ev.Status != "completed" {
		slog.Warn("response did not complete", "response_id", ev.ResponseID, "status", ev.Status)
	}
	s.dispatcher.ResponseDone(ev.HadToolCall)

	if !ev.HadToolCall {
		s.retain(ctx)
	}
	select {
	case s.responses <- ev.HadToolCall:
	default:
	}
}

func (s *session) retain(ctx context.Context) {
	cc := s.app.cfg.Conversation
	if cc.ResetPolicy == config.ResetEveryResponse {
		removed, err := s.app.resetter.Reset(ctx, s.sess)
		s.app.metrics.RecordReset(ctx, "response")
		slog.Debug("conversation reset after response", "removed", removed, "err", err)
		return
	}
	if limit := cc.Limit(); limit > 0 {
		removed, err := s.app.resetter.Trim(ctx, s.sess, limit)
		if removed > 0 {
			s.app.metrics.RecordReset(ctx, "trim")
			slog.Debug("conversation trimmed", "removed", removed, "limit", limit, "err", err)
		}
	}
}

func (s *session) markCommitted() {
	s.committedAt.Store(time.Now().UnixNano())
}
