package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// Sink is an audio output device. Each call to Open yields a one-shot stream
// that is closed after a single response has been written, so the device is
// released between playbacks.
type Sink interface {
	// Open acquires the output device for PCM in format f.
	Open(ctx context.Context, f Format) (io.WriteCloser, error)
}

// DefaultPlaybackCommand is the aplay command template used by [CommandSink]
// when no command is configured.
const DefaultPlaybackCommand = "aplay -q -t raw -f S16_LE -c {channels} -r {rate}"

// CommandSink plays audio by piping PCM into an external player process.
type CommandSink struct {
	// Command is the player command line. Placeholders {rate} and {channels}
	// are substituted per argument.
	Command string
}

var _ Sink = (*CommandSink)(nil)

// Open implements [Sink]. It starts the player; closing the returned writer
// flushes stdin and waits for the player to finish.
func (s *CommandSink) Open(ctx context.Context, f Format) (io.WriteCloser, error) {
	command := s.Command
	if command == "" {
		command = DefaultPlaybackCommand
	}
	exe, args := ExpandCommand(command, map[string]string{
		"rate":     strconv.Itoa(f.SampleRate),
		"channels": strconv.Itoa(f.Channels),
	})
	if exe == "" {
		return nil, fmt.Errorf("%w: empty playback command", ErrPlayback)
	}

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %w", ErrPlayback, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %q: %w", ErrPlayback, exe, err)
	}
	return &processWriter{cmd: cmd, WriteCloser: stdin}, nil
}

// processWriter closes the player's stdin and reaps the process on Close.
type processWriter struct {
	io.WriteCloser
	cmd       *exec.Cmd
	closeOnce sync.Once
	closeErr  error
}

func (p *processWriter) Close() error {
	p.closeOnce.Do(func() {
		werr := p.WriteCloser.Close()
		err := p.cmd.Wait()
		p.closeErr = errors.Join(werr, err)
	})
	return p.closeErr
}
