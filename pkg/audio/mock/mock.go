// Package mock provides in-memory implementations of [audio.Capture] and
// [audio.Sink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts and written data, and they expose exported fields
// that the test sets to control return values.
//
// Typical usage:
//
//	capture := &mock.Capture{Data: pcm, Source: audio.Mono(24000)}
//	sink := &mock.Sink{}
//	player := playback.New(sink, audio.Mono(24000))
package mock

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/emotivox/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock [audio.Capture] that serves Data and then either reports
// EOF, ReadErr, or blocks until closed (when Hold is set).
type Capture struct {
	mu sync.Mutex

	// Data is served by the reader returned from Open.
	Data []byte

	// Source is returned by Format.
	Source audio.Format

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// ReadErr, if non-nil, is returned after Data has been consumed.
	ReadErr error

	// Hold keeps the reader open after Data is consumed until it is closed,
	// simulating a live microphone.
	Hold bool

	// ChunkBytes limits how many bytes each Read returns. Zero means no limit.
	ChunkBytes int

	// OpenCalls counts invocations of Open.
	OpenCalls int
}

var _ audio.Capture = (*Capture)(nil)

// Format implements [audio.Capture].
func (c *Capture) Format() audio.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Source
}

// Open implements [audio.Capture].
func (c *Capture) Open(ctx context.Context) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenCalls++
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	return &reader{
		ctx:    ctx,
		data:   bytes.NewReader(c.Data),
		err:    c.ReadErr,
		hold:   c.Hold,
		chunk:  c.ChunkBytes,
		closed: make(chan struct{}),
	}, nil
}

type reader struct {
	ctx       context.Context
	data      *bytes.Reader
	err       error
	hold      bool
	chunk     int
	closed    chan struct{}
	closeOnce sync.Once
}

func (r *reader) Read(p []byte) (int, error) {
	if r.data.Len() > 0 {
		if r.chunk > 0 && len(p) > r.chunk {
			p = p[:r.chunk]
		}
		return r.data.Read(p)
	}
	if r.err != nil {
		return 0, r.err
	}
	if r.hold {
		select {
		case <-r.closed:
		case <-r.ctx.Done():
		}
	}
	return 0, io.EOF
}

func (r *reader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Playback records one stream opened on a [Sink].
type Playback struct {
	// Format is the format passed to Open.
	Format audio.Format

	// Data is every byte written to the stream.
	Data []byte

	// Closed reports whether the stream was closed.
	Closed bool
}

// Sink is a mock [audio.Sink]. Each Open creates a new [Playback] record.
type Sink struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// WriteErr, if non-nil, is returned by every Write.
	WriteErr error

	// WriteDelay is slept before each Write completes, to hold a playback
	// active in tests.
	WriteDelay time.Duration

	// Gate, when non-nil, blocks each Write until it receives a value or is
	// closed.
	Gate chan struct{}

	// Playbacks records every opened stream in order.
	Playbacks []*Playback

	// active counts streams currently open; maxActive is the high-water mark.
	active    int
	maxActive int
}

var _ audio.Sink = (*Sink)(nil)

// Open implements [audio.Sink].
func (s *Sink) Open(_ context.Context, f audio.Format) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	pb := &Playback{Format: f}
	s.Playbacks = append(s.Playbacks, pb)
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	return &writer{sink: s, pb: pb}, nil
}

// MaxConcurrent returns the largest number of streams that were open at once.
func (s *Sink) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

// Recorded returns a snapshot of the recorded playbacks.
func (s *Sink) Recorded() []Playback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Playback, len(s.Playbacks))
	for i, pb := range s.Playbacks {
		out[i] = Playback{Format: pb.Format, Data: append([]byte(nil), pb.Data...), Closed: pb.Closed}
	}
	return out
}

type writer struct {
	sink *Sink
	pb   *Playback
}

func (w *writer) Write(p []byte) (int, error) {
	w.sink.mu.Lock()
	delay, gate, werr := w.sink.WriteDelay, w.sink.Gate, w.sink.WriteErr
	w.sink.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if werr != nil {
		return 0, werr
	}

	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	w.pb.Data = append(w.pb.Data, p...)
	return len(p), nil
}

func (w *writer) Close() error {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	if !w.pb.Closed {
		w.pb.Closed = true
		w.sink.active--
	}
	return nil
}
