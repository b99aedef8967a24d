// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector (an energy detector, WebRTC
// VAD, or a model) and surfaces it as a stateful, per-stream session. Each
// session keeps its own smoothing and hysteresis state so that independent
// audio streams can be processed side by side.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection result,
// which suits the capture loop that feeds the turn segmenter.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "errors"

// ErrFrameSize is returned by ProcessFrame when a frame does not match the
// session's configured frame duration.
var ErrFrameSize = errors.New("vad: frame size mismatch")

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session. Thresholds are expressed on a
// 0.0–1.0 speech probability scale; see each Engine for how it derives that
// probability.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns [ErrFrameSize] if a frame does not match. Zero
	// accepts any whole number of samples.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame counts as
	// speech.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which an active speech segment
	// starts to end. Must be ≤ SpeechThreshold.
	SilenceThreshold float64
}

// Validate checks the numeric ranges of c.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("vad: sample rate must be positive"))
	}
	if c.FrameSizeMs < 0 {
		errs = append(errs, errors.New("vad: frame size must not be negative"))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, errors.New("vad: speech threshold must be within [0,1]"))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, errors.New("vad: silence threshold must be within [0,speech threshold]"))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Reset clears detection state without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single frame of little-endian 16-bit PCM and
	// returns the detection result. It must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated detection state. Use it when the stream restarts
	// so that stale state does not leak into the next utterance.
	Reset()

	// Close releases the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
