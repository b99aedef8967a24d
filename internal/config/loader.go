package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/emotivox/internal/action"
	"github.com/MrWong99/emotivox/pkg/audio"
	"github.com/MrWong99/emotivox/pkg/audio/playback"
)

// Environment variables read by [ApplyEnv].
const (
	EnvAPIKey         = "OPENAI_API_KEY"
	EnvCaptureDevice  = "EMOTIVOX_CAPTURE_DEVICE"
	EnvSilenceSeconds = "EMOTIVOX_SILENCE_SECONDS"
	EnvLogLevel       = "EMOTIVOX_LOG_LEVEL"
)

// ErrMissingCredential is returned by [RequireCredential] when no API key is
// configured.
var ErrMissingCredential = errors.New("config: missing API credential (set " + EnvAPIKey + ")")

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		ApplyDefaults(cfg)
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Realtime.Model == "" {
		cfg.Realtime.Model = DefaultModel
	}
	if cfg.Realtime.Voice == "" {
		cfg.Realtime.Voice = DefaultVoice
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.FrameBytes == 0 {
		a.FrameBytes = DefaultFrameBytes
	}
	if a.CaptureDevice == "" {
		a.CaptureDevice = DefaultCaptureDevice
	}
	if a.CaptureRate == 0 {
		a.CaptureRate = a.SampleRate
	}
	if a.CaptureChannels == 0 {
		a.CaptureChannels = 1
	}
	if a.PlaybackPolicy == "" {
		a.PlaybackPolicy = DefaultPlaybackPolicy
	}
	if a.PlaybackQueueDepth == 0 {
		a.PlaybackQueueDepth = DefaultPlaybackQueueDepth
	}
	if a.OutboundQueueFrames == 0 {
		a.OutboundQueueFrames = DefaultOutboundFrames
	}
	if a.OverflowPolicy == "" {
		a.OverflowPolicy = DefaultOverflowPolicy
	}

	if cfg.Turn.SilenceSeconds == 0 {
		cfg.Turn.SilenceSeconds = DefaultSilenceSeconds
	}
	if cfg.Turn.SpeechThreshold == 0 {
		cfg.Turn.SpeechThreshold = DefaultSpeechThreshold
	}
	if cfg.Turn.SilenceThreshold == 0 {
		cfg.Turn.SilenceThreshold = DefaultSilenceThreshold
	}

	if cfg.Actions.Tool == "" {
		cfg.Actions.Tool = DefaultTool
	}
	if cfg.Actions.HandlerTimeout == 0 {
		cfg.Actions.HandlerTimeout = DefaultHandlerTimeout
	}

	if cfg.Conversation.ResetPolicy == "" {
		cfg.Conversation.ResetPolicy = ResetOnToolCall
	}

	if cfg.Retry.Delay == 0 {
		cfg.Retry.Delay = DefaultRetryDelay
	}
	if cfg.Stream.MaxFailures == 0 {
		cfg.Stream.MaxFailures = DefaultStreamMaxFailures
	}
}

// ApplyEnv overrides cfg with values from the environment, as returned by
// lookup (usually [os.LookupEnv]).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		cfg.Realtime.APIKey = v
	}
	if v, ok := lookup(EnvCaptureDevice); ok && v != "" {
		cfg.Audio.CaptureDevice = v
	}
	if v, ok := lookup(EnvSilenceSeconds); ok && v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			errs = append(errs, fmt.Errorf("%s %q must be a positive number of seconds", EnvSilenceSeconds, v))
		} else {
			cfg.Turn.SilenceSeconds = secs
		}
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return Validate(cfg)
}

// RequireCredential returns [ErrMissingCredential] when cfg has no API key.
func RequireCredential(cfg *Config) error {
	if strings.TrimSpace(cfg.Realtime.APIKey) == "" {
		return ErrMissingCredential
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Realtime
	if u := cfg.Realtime.BaseURL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		errs = append(errs, fmt.Errorf("realtime.base_url %q must use ws:// or wss://", u))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate != audio.DefaultSampleRate {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is unsupported; the realtime service requires %d", a.SampleRate, audio.DefaultSampleRate))
	}
	if a.FrameBytes <= 0 || a.FrameBytes%audio.BytesPerSample != 0 {
		errs = append(errs, fmt.Errorf("audio.frame_bytes %d must be a positive multiple of %d", a.FrameBytes, audio.BytesPerSample))
	}
	if a.CaptureRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must not be negative", a.CaptureRate))
	}
	if a.CaptureChannels < 0 || a.CaptureChannels > 2 {
		errs = append(errs, fmt.Errorf("audio.capture_channels %d must be 1 or 2", a.CaptureChannels))
	}
	if !playback.Policy(a.PlaybackPolicy).IsValid() {
		errs = append(errs, fmt.Errorf("audio.playback_policy %q is invalid; valid values: queue, reject", a.PlaybackPolicy))
	}
	if a.PlaybackQueueDepth < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_queue_depth %d must not be negative", a.PlaybackQueueDepth))
	}
	if a.OutboundQueueFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.outbound_queue_frames %d must not be negative", a.OutboundQueueFrames))
	}
	if !audio.OverflowPolicy(a.OverflowPolicy).IsValid() {
		errs = append(errs, fmt.Errorf("audio.overflow_policy %q is invalid; valid values: drop_oldest, block", a.OverflowPolicy))
	}

	// Turn
	t := cfg.Turn
	if t.SilenceSeconds <= 0 {
		errs = append(errs, fmt.Errorf("turn.silence_seconds %.2f must be positive", t.SilenceSeconds))
	}
	if t.SpeechThreshold < 0 || t.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("turn.speech_threshold %.2f is out of range [0, 1]", t.SpeechThreshold))
	}
	if t.SilenceThreshold < 0 || t.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("turn.silence_threshold %.2f is out of range [0, 1]", t.SilenceThreshold))
	}
	if t.SilenceThreshold > t.SpeechThreshold {
		errs = append(errs, fmt.Errorf("turn.silence_threshold %.2f must not exceed turn.speech_threshold %.2f", t.SilenceThreshold, t.SpeechThreshold))
	}

	// Actions
	if _, err := action.ToolByName(cfg.Actions.Tool); err != nil {
		errs = append(errs, fmt.Errorf("actions.tool %q is invalid; valid values: action, mood", cfg.Actions.Tool))
	}
	for name, command := range cfg.Actions.Commands {
		norm, a := action.Parse(name)
		if a == action.ActionNone && norm != "none" {
			errs = append(errs, fmt.Errorf("actions.commands: unknown action %q", name))
		}
		if strings.TrimSpace(command) == "" {
			errs = append(errs, fmt.Errorf("actions.commands[%s] is empty", name))
		}
		if a == action.ActionNone && norm == "none" {
			slog.Warn("actions.commands[none] is ignored; none is always a no-op")
		}
	}
	if cfg.Actions.HandlerTimeout < 0 {
		errs = append(errs, fmt.Errorf("actions.handler_timeout %s must not be negative", cfg.Actions.HandlerTimeout))
	}

	// Conversation
	if cfg.Conversation.ResetPolicy != "" && !cfg.Conversation.ResetPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("conversation.reset_policy %q is invalid; valid values: tool_call, every_response", cfg.Conversation.ResetPolicy))
	}
	if cfg.Conversation.Limit() < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_items %d must not be negative", cfg.Conversation.Limit()))
	}

	// Retry / stream
	if cfg.Retry.Delay < 0 {
		errs = append(errs, fmt.Errorf("retry.delay %s must not be negative", cfg.Retry.Delay))
	}
	if cfg.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts %d must not be negative", cfg.Retry.MaxAttempts))
	}
	if cfg.Stream.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("stream.max_failures %d must not be negative", cfg.Stream.MaxFailures))
	}

	return errors.Join(errs...)
}
