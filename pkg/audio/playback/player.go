// Package playback plays synthesised responses through an [audio.Sink] one at
// a time.
//
// A [Player] owns a single dispatch goroutine. Each accepted response is
// written to a freshly opened sink stream which is closed when the response
// ends, so the output device is released between responses and two responses
// never overlap. What happens to a response that arrives while another is
// playing is decided by the [Policy]:
//
//   - [PolicyQueue] plays it afterwards, up to a bounded number of waiting
//     responses ([ErrQueueFull] beyond that).
//   - [PolicyReject] refuses it with [ErrBusy].
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/emotivox/pkg/audio"
)

var (
	// ErrBusy is returned by [Player.Play] under [PolicyReject] while another
	// response is playing or waiting.
	ErrBusy = errors.New("playback: player busy")

	// ErrQueueFull is returned by [Player.Play] under [PolicyQueue] when the
	// waiting queue is at capacity.
	ErrQueueFull = errors.New("playback: queue full")

	// ErrClosed is returned by [Player.Play] after [Player.Close].
	ErrClosed = errors.New("playback: player closed")
)

// Policy selects how [Player.Play] treats a response that arrives while the
// player is busy.
type Policy string

const (
	// PolicyQueue plays overlapping responses one after another.
	PolicyQueue Policy = "queue"

	// PolicyReject refuses a response while another one is playing.
	PolicyReject Policy = "reject"
)

// IsValid reports whether p is a recognised playback policy.
func (p Policy) IsValid() bool {
	return p == PolicyQueue || p == PolicyReject
}

const (
	// DefaultQueueCapacity bounds the number of responses waiting behind the
	// one currently playing.
	DefaultQueueCapacity = 4

	// DefaultChunkBytes is the write size towards the sink.
	DefaultChunkBytes = 4800
)

// Option configures a [Player] during construction.
type Option func(*Player)

// WithPolicy sets the overlap policy. Default: [PolicyQueue].
func WithPolicy(p Policy) Option {
	return func(pl *Player) {
		if p.IsValid() {
			pl.policy = p
		}
	}
}

// WithQueueCapacity sets how many responses may wait behind the one playing.
// Only meaningful with [PolicyQueue].
func WithQueueCapacity(n int) Option {
	return func(pl *Player) {
		if n > 0 {
			pl.capacity = n
		}
	}
}

// WithChunkBytes sets the write size towards the sink.
func WithChunkBytes(n int) Option {
	return func(pl *Player) {
		if n > 0 {
			pl.chunkBytes = n
		}
	}
}

// WithErrorHandler registers a callback invoked from the dispatch goroutine
// for every failed playback. Errors passed to it wrap [audio.ErrPlayback].
func WithErrorHandler(fn func(error)) Option {
	return func(pl *Player) {
		pl.onError = fn
	}
}

// WithCompletionHandler registers a callback invoked after each playback
// finishes successfully, with the audio duration that was played.
func WithCompletionHandler(fn func(time.Duration)) Option {
	return func(pl *Player) {
		pl.onComplete = fn
	}
}

// Player serialises response playback onto an [audio.Sink].
//
// All exported methods are safe for concurrent use.
type Player struct {
	sink       audio.Sink
	format     audio.Format
	policy     Policy
	capacity   int
	chunkBytes int
	onError    func(error)
	onComplete func(time.Duration)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   [][]byte
	playing bool
	idle    chan struct{} // closed while nothing is playing or queued
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

// New creates a Player that writes PCM in format to sink. The dispatch
// goroutine starts immediately; call [Player.Close] to stop it.
func New(sink audio.Sink, format audio.Format, opts ...Option) *Player {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	p := &Player{
		sink:       sink,
		format:     format,
		policy:     PolicyQueue,
		capacity:   DefaultQueueCapacity,
		chunkBytes: DefaultChunkBytes,
		ctx:        ctx,
		cancel:     cancel,
		idle:       idle,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	go p.dispatch()
	return p
}

// Play schedules pcm for playback and returns without waiting for it to be
// heard. Empty input is ignored.
func (p *Player) Play(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	busy := p.playing || len(p.queue) > 0
	switch {
	case p.policy == PolicyReject && busy:
		return ErrBusy
	case p.policy == PolicyQueue && len(p.queue) >= p.capacity:
		return ErrQueueFull
	}

	if !busy {
		p.idle = make(chan struct{})
	}
	p.queue = append(p.queue, pcm)

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Busy reports whether a response is playing or waiting.
func (p *Player) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing || len(p.queue) > 0
}

// Wait blocks until nothing is playing or queued, or ctx is done.
func (p *Player) Wait(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close interrupts the current playback, drops queued responses and stops the
// dispatch goroutine. Close is idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	p.mu.Unlock()

	p.cancel()
	close(p.done)
	return nil
}

// dispatch plays queued responses in arrival order until Close.
func (p *Player) dispatch() {
	for {
		select {
		case <-p.done:
			p.markIdle()
			return
		case <-p.notify:
		}

		for {
			pcm, ok := p.dequeue()
			if !ok {
				break
			}
			start := time.Now()
			err := p.play(pcm)
			switch {
			case err == nil:
				slog.Debug("playback finished",
					"audio", p.format.Duration(len(pcm)),
					"elapsed", time.Since(start),
				)
				if p.onComplete != nil {
					p.onComplete(p.format.Duration(len(pcm)))
				}
			case p.ctx.Err() != nil:
				// Interrupted by Close.
			default:
				slog.Warn("playback failed", "err", err)
				if p.onError != nil {
					p.onError(err)
				}
			}
		}
	}
}

// dequeue pops the next response and marks the player as playing. When the
// queue is empty it marks the player idle and returns ok=false.
func (p *Player) dequeue() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.queue) == 0 {
		p.playing = false
		p.closeIdleLocked()
		return nil, false
	}
	pcm := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.playing = true
	return pcm, true
}

func (p *Player) markIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	p.closeIdleLocked()
}

// closeIdleLocked closes the idle channel if it is still open. Must be called
// with p.mu held.
func (p *Player) closeIdleLocked() {
	select {
	case <-p.idle:
	default:
		close(p.idle)
	}
}

// play opens a fresh sink stream, writes pcm in chunks and releases the
// stream.
func (p *Player) play(pcm []byte) (err error) {
	w, err := p.sink.Open(p.ctx, p.format)
	if err != nil {
		return fmt.Errorf("%w: open sink: %w", audio.ErrPlayback, err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil && p.ctx.Err() == nil {
			err = fmt.Errorf("%w: close sink: %w", audio.ErrPlayback, cerr)
		}
	}()

	for off := 0; off < len(pcm); off += p.chunkBytes {
		if p.ctx.Err() != nil {
			return p.ctx.Err()
		}
		end := min(off+p.chunkBytes, len(pcm))
		if _, err := w.Write(pcm[off:end]); err != nil {
			return fmt.Errorf("%w: write: %w", audio.ErrPlayback, err)
		}
	}
	return nil
}
