// Package turn decides when the user has finished speaking.
//
// A [Segmenter] classifies every captured frame with a VAD session and
// measures silence in audio time, so its decisions depend only on the audio it
// was shown and never on scheduling jitter.
package turn

import (
	"fmt"
	"time"

	"github.com/MrWong99/emotivox/pkg/audio"
	"github.com/MrWong99/emotivox/pkg/provider/vad"
)

// DefaultSilence is the continuous silence that ends an utterance.
const DefaultSilence = 6 * time.Second

// Signal is the outcome of observing one frame.
type Signal int

const (
	// SignalNone means nothing changed.
	SignalNone Signal = iota

	// SignalSpeech means the frame contained speech.
	SignalSpeech

	// SignalTurnComplete means the utterance ended: the caller must commit the
	// turn exactly once.
	SignalTurnComplete
)

// String returns a short name for s.
func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalSpeech:
		return "speech"
	case SignalTurnComplete:
		return "turn_complete"
	default:
		return "unknown"
	}
}

// Option configures a [Segmenter].
type Option func(*Segmenter)

// WithSilence sets the silence duration that completes a turn.
func WithSilence(d time.Duration) Option {
	return func(s *Segmenter) {
		if d > 0 {
			s.threshold = d
		}
	}
}

// Segmenter turns a stream of frames into turn-complete signals.
//
// It fires at most once per utterance: after at least one speech frame,
// continuous silence reaching the threshold yields [SignalTurnComplete], and
// the segmenter stays quiet until speech is heard again, however long the
// silence lasts.
//
// A Segmenter is not safe for concurrent use; it is owned by the capture loop.
type Segmenter struct {
	vad       vad.SessionHandle
	threshold time.Duration

	heardSpeech bool
	silence     time.Duration
}

// New returns a Segmenter classifying frames with sess.
func New(sess vad.SessionHandle, opts ...Option) *Segmenter {
	s := &Segmenter{vad: sess, threshold: DefaultSilence}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Threshold returns the configured silence duration.
func (s *Segmenter) Threshold() time.Duration { return s.threshold }

// Observe classifies frame and advances the silence clock by its duration.
func (s *Segmenter) Observe(frame audio.AudioFrame) (Signal, error) {
	ev, err := s.vad.ProcessFrame(frame.Data)
	if err != nil {
		return SignalNone, fmt.Errorf("turn: classify frame: %w", err)
	}

	if ev.IsSpeech() {
		s.heardSpeech = true
		s.silence = 0
		return SignalSpeech, nil
	}

	if !s.heardSpeech {
		return SignalNone, nil
	}
	s.silence += frame.Duration()
	if s.silence < s.threshold {
		return SignalNone, nil
	}

	// Disarm until new speech arrives.
	s.heardSpeech = false
	s.silence = 0
	return SignalTurnComplete, nil
}

// Fail abandons the current utterance after a capture failure and returns err
// wrapped with [audio.ErrCapture]. No turn-complete is emitted for it.
func (s *Segmenter) Fail(err error) error {
	s.Reset()
	return fmt.Errorf("%w: %w", audio.ErrCapture, err)
}

// Abandon discards the current utterance without a capture error, e.g. after
// a stream failure.
func (s *Segmenter) Abandon() {
	s.Reset()
}

// Reset rearms the segmenter for a fresh utterance.
func (s *Segmenter) Reset() {
	s.heardSpeech = false
	s.silence = 0
	s.vad.Reset()
}

// InUtterance reports whether speech has been heard since the last turn.
func (s *Segmenter) InUtterance() bool { return s.heardSpeech }
