package action

import (
	"fmt"

	"github.com/MrWong99/emotivox/pkg/provider/realtime"
)

// Tool is a declared classification tool together with the name of its single
// string argument, which is also the key echoed in the acknowledgment.
type Tool struct {
	Spec realtime.ToolSpec
	Arg  string
}

// Preset names accepted by [ToolByName].
const (
	ToolAction = "action"
	ToolMood   = "mood"
)

// ActionTool classifies direct questions and answers.
func ActionTool() Tool {
	return Tool{
		Arg: "action",
		Spec: realtime.StringArgTool(
			"handle_action",
			"Call this after every user turn. Classify the user's utterance as the answer you would give: "+
				"'yes' or 'no' for questions with a clear answer, 'idk' when you cannot tell. "+
				"Use 'none' when the utterance is not a question.",
			"action",
			"One of: yes, no, idk, none.",
		),
	}
}

// MoodTool classifies the emotional tone of the utterance.
func MoodTool() Tool {
	return Tool{
		Arg: "mood",
		Spec: realtime.StringArgTool(
			"handle_mood",
			"Call this after every user turn with the mood that best fits a reaction to what the user said.",
			"mood",
			"One of: happy, sad, annoyed, fearful, proud, laugh, friendly, none.",
		),
	}
}

// ToolByName returns the preset called name.
func ToolByName(name string) (Tool, error) {
	switch name {
	case "", ToolAction:
		return ActionTool(), nil
	case ToolMood:
		return MoodTool(), nil
	default:
		return Tool{}, fmt.Errorf("action: unknown tool preset %q", name)
	}
}
