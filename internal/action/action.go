// Package action turns the model's tool calls into local side effects.
//
// The model names what it heard as a free-form string. [Parse] maps that
// string onto the closed [Action] enumeration at the edge, a [Registry] binds
// every action to a [Handler], and the [Dispatcher] runs handlers one call at
// a time, acknowledges each call to the session and clears the conversation
// afterwards.
package action

import "strings"

// Action is a canonical action identifier.
type Action int

const (
	// ActionNone is the no-op action. Unknown and missing identifiers parse
	// to it.
	ActionNone Action = iota
	ActionYes
	ActionNo
	ActionIDK
	ActionHappy
	ActionSad
	ActionAnnoyed
	ActionFearful
	ActionProud
	ActionLaugh
	ActionFriendly
)

var actionNames = [...]string{
	ActionNone:     "none",
	ActionYes:      "yes",
	ActionNo:       "no",
	ActionIDK:      "idk",
	ActionHappy:    "happy",
	ActionSad:      "sad",
	ActionAnnoyed:  "annoyed",
	ActionFearful:  "fearful",
	ActionProud:    "proud",
	ActionLaugh:    "laugh",
	ActionFriendly: "friendly",
}

// String returns the canonical identifier of a.
func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return "none"
	}
	return actionNames[a]
}

// IsValid reports whether a is one of the canonical actions.
func (a Action) IsValid() bool {
	return a >= 0 && int(a) < len(actionNames)
}

// All returns every canonical action, [ActionNone] first.
func All() []Action {
	out := make([]Action, len(actionNames))
	for i := range out {
		out[i] = Action(i)
	}
	return out
}

// Parse normalises raw (trimmed, lower-cased, empty becomes "none") and maps
// it onto an Action. Identifiers outside the canonical set yield [ActionNone]
// together with their normalised spelling, which is still echoed back to the
// service.
func Parse(raw string) (normalized string, a Action) {
	normalized = strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return "none", ActionNone
	}
	for i, name := range actionNames {
		if name == normalized {
			return normalized, Action(i)
		}
	}
	return normalized, ActionNone
}

// ParseArgument extracts the string argument key from a decoded tool call
// argument object and parses it. A missing or non-string value parses as
// "none"; a malformed tool call is never an error.
func ParseArgument(args map[string]any, key string) (string, Action) {
	s, _ := args[key].(string)
	return Parse(s)
}
