// Package conversation tracks the items a realtime session accumulates and
// clears them between independent utterances.
//
// [State] is owned by exactly one realtime session. The session adapter is the
// only writer that adds items (as the service confirms them) and the
// [Resetter] is the only writer that clears them. Everything else reads.
package conversation

import (
	"slices"
	"sync"
)

// Item types as reported by the realtime service.
const (
	TypeMessage            = "message"
	TypeFunctionCall       = "function_call"
	TypeFunctionCallOutput = "function_call_output"
)

// Item is one entry of the remote conversation history.
type Item struct {
	// ID is the service-side item identifier.
	ID string

	// Type is one of the Type* constants.
	Type string

	// Role is "user", "assistant" or "system" for messages; empty otherwise.
	Role string
}

// State is the ordered list of conversation items known to exist on the
// realtime service. The zero value is ready to use and safe for concurrent use.
type State struct {
	mu    sync.Mutex
	items []Item
}

// Append adds item at the end. An item whose ID is already tracked is ignored.
func (s *State) Append(item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(item.ID) >= 0 {
		return
	}
	s.items = append(s.items, item)
}

// Remove drops the item with id and reports whether it was tracked.
func (s *State) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.items = slices.Delete(s.items, i, i+1)
	return true
}

// RemoveItems removes every item in items that is still tracked. Items
// appended since items was taken are kept.
func (s *State) RemoveItems(items []Item) {
	if len(items) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(items))
	for _, it := range items {
		drop[it.ID] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = slices.DeleteFunc(s.items, func(it Item) bool {
		_, ok := drop[it.ID]
		return ok
	})
}

// TrimTo removes the oldest items until at most n remain and returns the
// removed items, oldest first. n <= 0 leaves the state untouched.
func (s *State) TrimTo(n int) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || len(s.items) <= n {
		return nil
	}
	cut := len(s.items) - n
	removed := slices.Clone(s.items[:cut])
	s.items = slices.Clone(s.items[cut:])
	return removed
}

// Len returns the number of tracked items.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Snapshot returns a copy of the tracked items, oldest first.
func (s *State) Snapshot() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

func (s *State) indexLocked(id string) int {
	return slices.IndexFunc(s.items, func(it Item) bool { return it.ID == id })
}
