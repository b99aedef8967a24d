// Package rms provides an energy-based [vad.Engine] that needs no model files.
//
// Each frame's RMS level is smoothed exponentially and mapped to a speech
// probability. Hysteresis keeps a session from flickering: speech starts after
// StartFrames consecutive frames at or above the speech threshold and ends
// after EndFrames consecutive frames below the silence threshold.
package rms

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/emotivox/pkg/provider/vad"
)

const (
	// pcmMaxAmplitude normalises 16-bit samples to [-1, 1].
	pcmMaxAmplitude = 32768.0

	// maxExpectedRMS maps to probability 1.0.
	maxExpectedRMS = 0.5

	defaultAlpha       = 0.5
	defaultMinVolume   = 0.01
	defaultStartFrames = 1
	defaultEndFrames   = 3
)

// Option configures an [Engine].
type Option func(*Engine)

// WithSmoothing sets the exponential smoothing factor in (0, 1]. 1 disables
// smoothing.
func WithSmoothing(alpha float64) Option {
	return func(e *Engine) {
		if alpha > 0 && alpha <= 1 {
			e.alpha = alpha
		}
	}
}

// WithMinVolume sets the normalised RMS level treated as probability zero.
func WithMinVolume(v float64) Option {
	return func(e *Engine) {
		if v >= 0 && v < maxExpectedRMS {
			e.minVolume = v
		}
	}
}

// WithStartFrames sets how many consecutive loud frames start speech.
func WithStartFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.startFrames = n
		}
	}
}

// WithEndFrames sets how many consecutive quiet frames end speech.
func WithEndFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.endFrames = n
		}
	}
}

// Engine creates RMS sessions. It is stateless and safe for concurrent use.
type Engine struct {
	alpha       float64
	minVolume   float64
	startFrames int
	endFrames   int
}

var _ vad.Engine = (*Engine)(nil)

// New returns an RMS engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		alpha:       defaultAlpha,
		minVolume:   defaultMinVolume,
		startFrames: defaultStartFrames,
		endFrames:   defaultEndFrames,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	frameBytes := 0
	if cfg.FrameSizeMs > 0 {
		frameBytes = cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	}
	return &Session{
		cfg:        cfg,
		frameBytes: frameBytes,
		alpha:      e.alpha,
		minVolume:  e.minVolume,
		startN:     e.startFrames,
		endN:       e.endFrames,
	}, nil
}

// Session is a single-stream RMS detector.
type Session struct {
	cfg        vad.Config
	frameBytes int
	alpha      float64
	minVolume  float64
	startN     int
	endN       int

	mu         sync.Mutex
	smoothed   float64
	inSpeech   bool
	loudCount  int
	quietCount int
	closed     bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.VADEvent{}, vad.ErrClosed
	}
	if len(frame)%2 != 0 || (s.frameBytes > 0 && len(frame) != s.frameBytes) {
		return vad.VADEvent{}, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.frameBytes)
	}

	s.smoothed = s.alpha*Level(frame) + (1-s.alpha)*s.smoothed
	p := s.probability(s.smoothed)

	if !s.inSpeech {
		if p >= s.cfg.SpeechThreshold && p > 0 {
			s.loudCount++
			if s.loudCount >= s.startN {
				s.inSpeech = true
				s.loudCount = 0
				s.quietCount = 0
				return vad.VADEvent{Type: vad.VADSpeechStart, Probability: p}, nil
			}
		} else {
			s.loudCount = 0
		}
		return vad.VADEvent{Type: vad.VADSilence, Probability: p}, nil
	}

	if p < s.cfg.SilenceThreshold {
		s.quietCount++
		if s.quietCount >= s.endN {
			s.inSpeech = false
			s.quietCount = 0
			return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: p}, nil
		}
	} else {
		s.quietCount = 0
	}
	return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: p}, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.smoothed = 0
	s.inSpeech = false
	s.loudCount = 0
	s.quietCount = 0
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) probability(level float64) float64 {
	if level <= s.minVolume {
		return 0
	}
	p := (level - s.minVolume) / (maxExpectedRMS - s.minVolume)
	return min(max(p, 0), 1)
}

// Level returns the normalised RMS of little-endian 16-bit PCM in [0, 1].
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmMaxAmplitude
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
