package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/emotivox/internal/config"
)

const validYAML = `
server:
  log_level: debug
  listen_addr: ":9090"
realtime:
  model: gpt-4o-realtime-preview
  voice: verse
  respond_after_tool_call: true
audio:
  capture_device: hw:1,0
  capture_rate: 48000
  capture_channels: 2
  playback_policy: reject
turn:
  silence_seconds: 4.5
actions:
  tool: mood
  handler_timeout: 3s
  commands:
    laugh: "notify-send {action}"
conversation:
  reset_policy: every_response
  max_items: 0
retry:
  delay: 2s
  max_attempts: 3
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Realtime.Voice != "verse" || !cfg.Realtime.RespondAfterToolCall {
		t.Errorf("realtime = %+v", cfg.Realtime)
	}
	if cfg.Audio.CaptureRate != 48000 || cfg.Audio.CaptureChannels != 2 {
		t.Errorf("capture format = %d Hz x %d", cfg.Audio.CaptureRate, cfg.Audio.CaptureChannels)
	}
	if got := cfg.Turn.Silence(); got != 4500*time.Millisecond {
		t.Errorf("Silence() = %v, want 4.5s", got)
	}
	if cfg.Actions.Tool != "mood" || cfg.Actions.HandlerTimeout != 3*time.Second {
		t.Errorf("actions = %+v", cfg.Actions)
	}
	if cfg.Actions.Commands["laugh"] != "notify-send {action}" {
		t.Errorf("commands = %v", cfg.Actions.Commands)
	}
	if cfg.Conversation.ResetPolicy != config.ResetEveryResponse {
		t.Errorf("reset_policy = %q", cfg.Conversation.ResetPolicy)
	}
	if cfg.Conversation.Limit() != 0 {
		t.Errorf("explicit max_items 0 became %d", cfg.Conversation.Limit())
	}
	if cfg.Retry.Delay != 2*time.Second || cfg.Retry.MaxAttempts != 3 {
		t.Errorf("retry = %+v", cfg.Retry)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"model", cfg.Realtime.Model, config.DefaultModel},
		{"sample_rate", cfg.Audio.SampleRate, 24000},
		{"frame_bytes", cfg.Audio.FrameBytes, 4800},
		{"capture_rate", cfg.Audio.CaptureRate, 24000},
		{"capture_channels", cfg.Audio.CaptureChannels, 1},
		{"playback", cfg.Audio.Playback(), true},
		{"playback_policy", cfg.Audio.PlaybackPolicy, "queue"},
		{"overflow_policy", cfg.Audio.OverflowPolicy, "drop_oldest"},
		{"silence", cfg.Turn.Silence(), 6 * time.Second},
		{"tool", cfg.Actions.Tool, "action"},
		{"reset_policy", cfg.Conversation.ResetPolicy, config.ResetOnToolCall},
		{"max_items", cfg.Conversation.Limit(), 32},
		{"retry_delay", cfg.Retry.Delay, 5 * time.Second},
		{"retry_attempts", cfg.Retry.MaxAttempts, 0},
		{"stream_max_failures", cfg.Stream.MaxFailures, 5},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("turn:\n  silence: 3\n"))
	if err == nil {
		t.Fatal("expected an error for an unknown key")
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.FrameBytes != config.DefaultFrameBytes {
		t.Errorf("frame_bytes = %d, want default", cfg.Audio.FrameBytes)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/emotivox.yaml"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestRequireCredential(t *testing.T) {
	t.Parallel()

	cfg, _ := config.Load("")
	if err := config.RequireCredential(cfg); !errors.Is(err, config.ErrMissingCredential) {
		t.Errorf("err = %v, want ErrMissingCredential", err)
	}
	cfg.Realtime.APIKey = "   "
	if err := config.RequireCredential(cfg); !errors.Is(err, config.ErrMissingCredential) {
		t.Errorf("blank key: err = %v, want ErrMissingCredential", err)
	}
	cfg.Realtime.APIKey = "sk-test"
	if err := config.RequireCredential(cfg); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		config.EnvAPIKey:         "sk-env",
		config.EnvCaptureDevice:  "plughw:2",
		config.EnvSilenceSeconds: "2.5",
		config.EnvLogLevel:       "WARN",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg, _ := config.Load("")
	if err := config.ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Realtime.APIKey != "sk-env" {
		t.Errorf("api key = %q", cfg.Realtime.APIKey)
	}
	if cfg.Audio.CaptureDevice != "plughw:2" {
		t.Errorf("capture device = %q", cfg.Audio.CaptureDevice)
	}
	if cfg.Turn.Silence() != 2500*time.Millisecond {
		t.Errorf("silence = %v", cfg.Turn.Silence())
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log level = %q", cfg.Server.LogLevel)
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct{ key, value string }{
		{config.EnvSilenceSeconds, "soon"},
		{config.EnvSilenceSeconds, "-1"},
		{config.EnvLogLevel, "chatty"},
	} {
		cfg, _ := config.Load("")
		lookup := func(k string) (string, bool) {
			if k == tc.key {
				return tc.value, true
			}
			return "", false
		}
		if err := config.ApplyEnv(cfg, lookup); err == nil {
			t.Errorf("%s=%q: expected an error", tc.key, tc.value)
		}
	}
}
