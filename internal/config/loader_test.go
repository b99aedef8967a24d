package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/emotivox/internal/config"
)

func TestValidate_InvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"log level", "server:\n  log_level: verbose\n", "server.log_level"},
		{"base url scheme", "realtime:\n  base_url: https://api.openai.com\n", "realtime.base_url"},
		{"sample rate", "audio:\n  sample_rate: 16000\n", "audio.sample_rate"},
		{"odd frame size", "audio:\n  frame_bytes: 4801\n", "audio.frame_bytes"},
		{"capture channels", "audio:\n  capture_channels: 6\n", "audio.capture_channels"},
		{"playback policy", "audio:\n  playback_policy: mix\n", "audio.playback_policy"},
		{"overflow policy", "audio:\n  overflow_policy: drop_newest\n", "audio.overflow_policy"},
		{"negative silence", "turn:\n  silence_seconds: -2\n", "turn.silence_seconds"},
		{"threshold range", "turn:\n  speech_threshold: 1.5\n", "turn.speech_threshold"},
		{"threshold order", "turn:\n  speech_threshold: 0.1\n  silence_threshold: 0.2\n", "must not exceed"},
		{"tool preset", "actions:\n  tool: emoji\n", "actions.tool"},
		{"unknown action", "actions:\n  commands:\n    shrug: \"true\"\n", "unknown action"},
		{"empty command", "actions:\n  commands:\n    yes: \"\"\n", "is empty"},
		{"reset policy", "conversation:\n  reset_policy: never\n", "conversation.reset_policy"},
		{"max items", "conversation:\n  max_items: -1\n", "conversation.max_items"},
		{"max attempts", "retry:\n  max_attempts: -1\n", "retry.max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: loud
audio:
  overflow_policy: spill
conversation:
  reset_policy: sometimes
`))
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "audio.overflow_policy", "conversation.reset_policy"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}
