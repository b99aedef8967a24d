package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Converter normalises a raw capture byte stream to mono PCM at a target rate.
// Capture chunks may end mid-sample or mid-frame; the partial tail is carried
// over to the next call so sample alignment is never lost.
//
// Create one per capture stream; not designed for shared use across goroutines.
type Converter struct {
	Source Format
	Target Format

	carry        []byte
	warnedFormat sync.Once
}

// NewConverter returns a Converter from src to dst. dst must be mono.
func NewConverter(src, dst Format) (*Converter, error) {
	if src.SampleRate <= 0 || src.Channels <= 0 || src.Channels > 2 {
		return nil, fmt.Errorf("audio: unsupported capture format %s", formatString(src.SampleRate, src.Channels))
	}
	if dst.Channels != 1 || dst.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: unsupported target format %s", formatString(dst.SampleRate, dst.Channels))
	}
	return &Converter{Source: src, Target: dst}, nil
}

// Passthrough reports whether the converter leaves data untouched.
func (c *Converter) Passthrough() bool {
	return c.Source == c.Target
}

// Convert returns chunk converted to the target format. Bytes that do not form
// a complete source frame are held back until the next call.
func (c *Converter) Convert(chunk []byte) []byte {
	if c.Passthrough() {
		return chunk
	}

	c.warnedFormat.Do(func() {
		slog.Info("converting capture format",
			"from", formatString(c.Source.SampleRate, c.Source.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	frameSize := BytesPerSample * c.Source.Channels
	pcm := append(c.carry, chunk...)
	whole := len(pcm) - len(pcm)%frameSize
	c.carry = append([]byte(nil), pcm[whole:]...)
	pcm = pcm[:whole]
	if len(pcm) == 0 {
		return nil
	}

	// Downmix first so the resampler only touches one channel.
	if c.Source.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	return ResampleMono16(pcm, c.Source.SampleRate, c.Target.SampleRate)
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := clamp16((l + r) / 2)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sampleAt(pcm, idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sampleAt(pcm, idx+1)
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func clamp16(v int32) int32 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
