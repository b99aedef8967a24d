package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/MrWong99/emotivox/pkg/audio"
)

// DefaultHandlerTimeout bounds a single command handler run.
const DefaultHandlerTimeout = 10 * time.Second

// ErrHandler wraps failures reported by action handlers.
var ErrHandler = errors.New("action: handler failed")

// Handler performs the local side effect of an action. It must return once the
// side effect has completed or failed.
type Handler func(ctx context.Context) error

// Noop is the handler bound to [ActionNone].
func Noop(context.Context) error { return nil }

// Registry maps every canonical [Action] to its handler. It is built once and
// safe for concurrent lookups.
type Registry struct {
	handlers map[Action]Handler
}

// NewRegistry returns a Registry using handlers. Actions without an entry get
// a handler that only logs the action. [ActionNone] always maps to [Noop].
func NewRegistry(handlers map[Action]Handler) *Registry {
	r := &Registry{handlers: make(map[Action]Handler, len(actionNames))}
	for _, a := range All() {
		if h, ok := handlers[a]; ok && h != nil {
			r.handlers[a] = h
			continue
		}
		r.handlers[a] = LogHandler(a)
	}
	r.handlers[ActionNone] = Noop
	return r
}

// Lookup returns the handler for a. Actions outside the canonical set get
// [Noop], exactly like [ActionNone].
func (r *Registry) Lookup(a Action) Handler {
	if h, ok := r.handlers[a]; ok {
		return h
	}
	return Noop
}

// LogHandler returns a handler that only logs a.
func LogHandler(a Action) Handler {
	return func(ctx context.Context) error {
		slog.InfoContext(ctx, "action triggered", "action", a.String())
		return nil
	}
}

// CommandHandler returns a handler that runs command and waits for it to exit,
// killing it after timeout. {action} in command expands to a's identifier.
// The command is split on whitespace; no shell is involved.
func CommandHandler(a Action, command string, timeout time.Duration) Handler {
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	exe, args := audio.ExpandCommand(command, map[string]string{"action": a.String()})
	return func(ctx context.Context) error {
		if exe == "" {
			return fmt.Errorf("%w: %s: empty command", ErrHandler, a)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, exe, args...)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %q timed out after %s", ErrHandler, a, exe, timeout)
			}
			return fmt.Errorf("%w: %s: %q: %w", ErrHandler, a, exe, err)
		}
		return nil
	}
}

// HandlersFromCommands builds command handlers from a map of action identifier
// to command line. Unknown identifiers are reported as an error.
func HandlersFromCommands(commands map[string]string, timeout time.Duration) (map[Action]Handler, error) {
	out := make(map[Action]Handler, len(commands))
	var errs []error
	for name, command := range commands {
		norm, a := Parse(name)
		if a == ActionNone {
			if norm != "none" {
				errs = append(errs, fmt.Errorf("action: unknown action %q", name))
			}
			continue
		}
		out[a] = CommandHandler(a, command, timeout)
	}
	return out, errors.Join(errs...)
}
