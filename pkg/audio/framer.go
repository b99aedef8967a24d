package audio

import (
	"fmt"
	"time"
)

// Framer accumulates raw capture bytes and slices them into fixed-size
// [AudioFrame] values. Bytes that do not yet fill a frame are retained for the
// next [Framer.Push]; they are never emitted twice and never dropped.
//
// A Framer is not safe for concurrent use; it is owned by the capture loop.
type Framer struct {
	frameBytes int
	format     Format
	buf        []byte
	consumed   int64 // bytes already emitted as frames
}

// NewFramer returns a Framer emitting frames of frameBytes bytes of mono PCM at
// sampleRate. frameBytes must be positive and a whole number of 16-bit
// samples; anything else is rejected with [ErrFrameAlignment].
func NewFramer(frameBytes, sampleRate int) (*Framer, error) {
	if frameBytes <= 0 || frameBytes%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameAlignment, frameBytes)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	return &Framer{
		frameBytes: frameBytes,
		format:     Mono(sampleRate),
		buf:        make([]byte, 0, 2*frameBytes),
	}, nil
}

// FrameBytes returns the configured frame size.
func (f *Framer) FrameBytes() int { return f.frameBytes }

// FrameDuration returns the audio duration of one frame.
func (f *Framer) FrameDuration() time.Duration { return f.format.Duration(f.frameBytes) }

// Push appends p to the internal buffer and returns every complete frame now
// available, in byte order. It returns nil when no frame is complete yet.
func (f *Framer) Push(p []byte) []AudioFrame {
	f.buf = append(f.buf, p...)
	if len(f.buf) < f.frameBytes {
		return nil
	}

	frames := make([]AudioFrame, 0, len(f.buf)/f.frameBytes)
	off := 0
	for len(f.buf)-off >= f.frameBytes {
		data := make([]byte, f.frameBytes)
		copy(data, f.buf[off:off+f.frameBytes])
		frames = append(frames, AudioFrame{
			Data:       data,
			SampleRate: f.format.SampleRate,
			Channels:   f.format.Channels,
			Timestamp:  f.format.Duration(int(f.consumed)),
		})
		off += f.frameBytes
		f.consumed += int64(f.frameBytes)
	}

	// Shift the remainder to the head so the buffer does not creep forward.
	n := copy(f.buf, f.buf[off:])
	f.buf = f.buf[:n]
	return frames
}

// Buffered returns the number of retained bytes that do not yet form a frame.
func (f *Framer) Buffered() int { return len(f.buf) }

// Reset discards the retained remainder and restarts frame timestamps at zero.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.consumed = 0
}
