package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Remote is the part of a realtime session the [Resetter] needs: the tracked
// state and a way to delete items on the service.
type Remote interface {
	Conversation() *State
	DeleteItem(ctx context.Context, itemID string) error
}

// Resetter clears conversation history so that the next utterance is
// classified without bias from earlier ones.
type Resetter struct {
	onReset func(removed int)
}

// ResetterOption configures a [Resetter].
type ResetterOption func(*Resetter)

// WithResetHook registers fn to be called after every Reset with the number
// of local items that were cleared.
func WithResetHook(fn func(removed int)) ResetterOption {
	return func(r *Resetter) { r.onReset = fn }
}

// NewResetter returns a Resetter.
func NewResetter(opts ...ResetterOption) *Resetter {
	r := &Resetter{}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reset asks the service to delete every item tracked when it is called and
// then drops those items from the local state. Remote deletes are best
// effort: failures are returned joined but never keep an item tracked. Items
// created while Reset runs, such as a requested follow-up response, survive
// to be cleared by the next reset.
func (r *Resetter) Reset(ctx context.Context, remote Remote) (removed int, err error) {
	state := remote.Conversation()
	items := state.Snapshot()
	err = deleteRemote(ctx, remote, items)
	state.RemoveItems(items)
	removed = len(items)

	if err != nil {
		slog.Warn("conversation reset: remote delete failed", "err", err, "items", removed)
	}
	slog.Debug("conversation reset", "items", removed)
	if r.onReset != nil {
		r.onReset(removed)
	}
	return removed, err
}

// Trim deletes the oldest items until at most limit remain. limit <= 0 disables
// trimming.
func (r *Resetter) Trim(ctx context.Context, remote Remote, limit int) (int, error) {
	removed := remote.Conversation().TrimTo(limit)
	if len(removed) == 0 {
		return 0, nil
	}
	err := deleteRemote(ctx, remote, removed)
	if err != nil {
		slog.Warn("conversation trim: remote delete failed", "err", err, "items", len(removed))
	}
	return len(removed), err
}

func deleteRemote(ctx context.Context, remote Remote, items []Item) error {
	var errs []error
	for _, it := range items {
		if err := remote.DeleteItem(ctx, it.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", it.ID, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}
