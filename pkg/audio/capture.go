package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultChunkBytes is the read size used by [ReadChunks].
const DefaultChunkBytes = 4096

// Capture is a source of raw little-endian 16-bit PCM, typically a microphone.
// Implementations wrap the OS audio subsystem, a recorder process or a file.
type Capture interface {
	// Open starts the capture and returns a reader of raw PCM in [Capture.Format].
	// Closing the reader stops the capture and releases the device.
	Open(ctx context.Context) (io.ReadCloser, error)

	// Format describes the PCM produced by the reader returned from Open.
	Format() Format
}

// ReadChunks reads r in chunks of up to size bytes and hands each chunk to fn
// until EOF, ctx cancellation, or an error. Read failures are wrapped with
// [ErrCapture]; a clean EOF returns nil. The chunk passed to fn is only valid
// for the duration of the call.
func ReadChunks(ctx context.Context, r io.Reader, size int, fn func([]byte) error) error {
	if size <= 0 {
		size = DefaultChunkBytes
	}
	buf := make([]byte, size)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := fn(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrCapture, err)
		}
	}
}

// ── Command capture ─────────────────────────────────────────────────────────

// CommandCapture records from a device by running an external recorder (such
// as arecord or sox) that writes raw PCM to stdout.
type CommandCapture struct {
	// Command is the recorder command line. Placeholders {device}, {rate} and
	// {channels} are substituted per argument.
	Command string

	// Device is substituted for {device}.
	Device string

	// Source is the PCM format the recorder is asked to produce.
	Source Format
}

var _ Capture = (*CommandCapture)(nil)

// DefaultCaptureCommand returns an arecord command template for device. An
// empty device selects the system default.
func DefaultCaptureCommand(device string) string {
	cmd := "arecord -q -t raw -f S16_LE -c {channels} -r {rate}"
	if device != "" {
		cmd += " -D {device}"
	}
	return cmd
}

// Format implements [Capture].
func (c *CommandCapture) Format() Format { return c.Source }

// Open implements [Capture]. It starts the recorder process; the returned
// reader's Close terminates it.
func (c *CommandCapture) Open(ctx context.Context) (io.ReadCloser, error) {
	exe, args := ExpandCommand(c.Command, map[string]string{
		"device":   c.Device,
		"rate":     strconv.Itoa(c.Source.SampleRate),
		"channels": strconv.Itoa(c.Source.Channels),
	})
	if exe == "" {
		return nil, fmt.Errorf("%w: empty capture command", ErrCapture)
	}

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrCapture, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %q: %w", ErrCapture, exe, err)
	}
	return &processReader{cmd: cmd, ReadCloser: stdout}, nil
}

// processReader ties a child process lifetime to its stdout pipe.
type processReader struct {
	io.ReadCloser
	cmd       *exec.Cmd
	closeOnce sync.Once
	closeErr  error
}

func (p *processReader) Close() error {
	p.closeOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.ReadCloser.Close()
		// A killed recorder exits non-zero; only report failures to reap it.
		if err := p.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				p.closeErr = err
			}
		}
	})
	return p.closeErr
}

// ── File capture ────────────────────────────────────────────────────────────

// FileCapture replays a raw PCM file as if it were a live capture.
type FileCapture struct {
	// Path is the raw PCM file.
	Path string

	// Source is the format of the file contents.
	Source Format

	// Realtime paces reads to the audio duration so silence detection and the
	// realtime service see live timing.
	Realtime bool
}

var _ Capture = (*FileCapture)(nil)

// Format implements [Capture].
func (f *FileCapture) Format() Format { return f.Source }

// Open implements [Capture].
func (f *FileCapture) Open(_ context.Context) (io.ReadCloser, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %w", ErrCapture, f.Path, err)
	}
	if !f.Realtime {
		return file, nil
	}
	return &pacedReader{ReadCloser: file, format: f.Source, start: time.Now()}, nil
}

// pacedReader delays reads so that data is delivered no faster than its
// playback duration.
type pacedReader struct {
	io.ReadCloser
	format Format
	start  time.Time
	read   int
}

func (p *pacedReader) Read(b []byte) (int, error) {
	n, err := p.ReadCloser.Read(b)
	p.read += n
	due := p.start.Add(p.format.Duration(p.read))
	if wait := time.Until(due); wait > 0 {
		time.Sleep(wait)
	}
	return n, err
}

// ExpandCommand splits command into fields and replaces {name} placeholders in
// each field with vars[name].
func ExpandCommand(command string, vars map[string]string) (executable string, args []string) {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	for i := range parts {
		parts[i] = r.Replace(parts[i])
	}
	return parts[0], parts[1:]
}
