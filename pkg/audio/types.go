package audio

import (
	"errors"
	"time"
)

const (
	// DefaultSampleRate is the PCM sample rate exchanged with the realtime
	// service, in Hz.
	DefaultSampleRate = 24000

	// DefaultFrameBytes is the default outbound frame size: 2400 samples of
	// 16-bit mono PCM, 100ms at 24 kHz.
	DefaultFrameBytes = 4800

	// BytesPerSample is the width of one signed 16-bit little-endian sample.
	BytesPerSample = 2
)

var (
	// ErrFrameAlignment is returned when a configured frame size does not align
	// with the 16-bit mono sample format.
	ErrFrameAlignment = errors.New("audio: frame size does not align with sample format")

	// ErrCapture marks failures of the capture source (microphone, recorder
	// process, input file).
	ErrCapture = errors.New("audio: capture failed")

	// ErrPlayback marks failures while writing synthesised audio to a sink.
	ErrPlayback = errors.New("audio: playback failed")
)

// Format describes the sample rate and channel count of an audio stream.
// Samples are always signed 16-bit little-endian.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono returns the mono format at rate.
func Mono(rate int) Format {
	return Format{SampleRate: rate, Channels: 1}
}

// BytesPerSecond returns the PCM byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * BytesPerSample
}

// Duration returns the playback duration of n bytes of PCM in format f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// AudioFrame is a fixed-size slice of captured PCM flowing from the framer to
// the realtime session and the turn segmenter.
type AudioFrame struct {
	// Data holds exactly the configured frame size of PCM bytes. The frame owns
	// its backing array.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is always 1 for captured speech.
	Channels int

	// Timestamp is the stream-relative offset of the first sample.
	Timestamp time.Duration
}

// Duration returns the audio duration covered by the frame.
func (f AudioFrame) Duration() time.Duration {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}.Duration(len(f.Data))
}
