package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrQueueClosed is returned by [FrameQueue] operations after Close.
var ErrQueueClosed = errors.New("audio: frame queue closed")

// OverflowPolicy decides what a full [FrameQueue] does with a new frame.
type OverflowPolicy string

const (
	// OverflowDropOldest discards the oldest queued frame to make room. Capture
	// never stalls; the realtime service sees a gap instead.
	OverflowDropOldest OverflowPolicy = "drop_oldest"

	// OverflowBlock makes Push wait until the writer frees a slot, stalling the
	// capture loop.
	OverflowBlock OverflowPolicy = "block"
)

// IsValid reports whether p is a recognised overflow policy.
func (p OverflowPolicy) IsValid() bool {
	return p == OverflowDropOldest || p == OverflowBlock
}

// Outbound is one item travelling from the capture loop to the session writer:
// either an audio frame or an end-of-turn marker.
type Outbound struct {
	// Frame is the audio to append. Empty when Commit is set.
	Frame AudioFrame

	// Commit marks the end of the current utterance. Markers keep their
	// position relative to frames and are never dropped.
	Commit bool
}

// FrameQueue is a bounded FIFO between the framer and the realtime session
// writer. Capacity bounds the number of queued frames; commit markers do not
// count towards it.
//
// All methods are safe for concurrent use.
type FrameQueue struct {
	capacity int
	policy   OverflowPolicy

	mu      sync.Mutex
	items   []Outbound
	frames  int // number of frame items in items
	dropped int64
	closed  bool

	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

// NewFrameQueue returns a queue holding at most capacity frames.
func NewFrameQueue(capacity int, policy OverflowPolicy) (*FrameQueue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("audio: frame queue capacity must be positive, got %d", capacity)
	}
	if !policy.IsValid() {
		return nil, fmt.Errorf("audio: unknown overflow policy %q", policy)
	}
	return &FrameQueue{
		capacity: capacity,
		policy:   policy,
		items:    make([]Outbound, 0, capacity+1),
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// PushFrame enqueues an audio frame, applying the overflow policy when the
// queue is full. Under [OverflowBlock] it waits for space or ctx cancellation.
func (q *FrameQueue) PushFrame(ctx context.Context, frame AudioFrame) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.frames < q.capacity {
			q.items = append(q.items, Outbound{Frame: frame})
			q.frames++
			q.mu.Unlock()
			signal(q.notEmpty)
			return nil
		}
		if q.policy == OverflowDropOldest {
			q.dropOldestLocked()
			q.items = append(q.items, Outbound{Frame: frame})
			q.frames++
			q.mu.Unlock()
			signal(q.notEmpty)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return ErrQueueClosed
		case <-q.notFull:
		}
	}
}

// PushCommit enqueues an end-of-turn marker behind every frame already queued.
// Markers ignore the capacity bound.
func (q *FrameQueue) PushCommit() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, Outbound{Commit: true})
	q.mu.Unlock()
	signal(q.notEmpty)
	return nil
}

// Pop removes and returns the oldest item, waiting until one is available,
// ctx is cancelled, or the queue is closed.
func (q *FrameQueue) Pop(ctx context.Context) (Outbound, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = Outbound{}
			q.items = q.items[1:]
			if !item.Commit {
				q.frames--
			}
			more := len(q.items) > 0
			q.mu.Unlock()
			signal(q.notFull)
			if more {
				signal(q.notEmpty)
			}
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Outbound{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return Outbound{}, ctx.Err()
		case <-q.done:
		case <-q.notEmpty:
		}
	}
}

// Discard drops every queued frame and marker, e.g. when an utterance is
// abandoned after a stream error. It returns the number of frames discarded.
func (q *FrameQueue) Discard() int {
	q.mu.Lock()
	n := q.frames
	q.items = q.items[:0]
	q.frames = 0
	q.mu.Unlock()
	signal(q.notFull)
	return n
}

// Len returns the number of queued items, markers included.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many frames the drop-oldest policy has discarded.
func (q *FrameQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close wakes all waiters; later pushes fail with [ErrQueueClosed]. Items still
// queued can be popped. Close is idempotent.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// dropOldestLocked removes the oldest frame, skipping commit markers. Must be
// called with q.mu held.
func (q *FrameQueue) dropOldestLocked() {
	for i, item := range q.items {
		if item.Commit {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = Outbound{}
		q.items = q.items[:len(q.items)-1]
		q.frames--
		q.dropped++
		return
	}
}

// signal performs a non-blocking send on a 1-buffered notification channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
