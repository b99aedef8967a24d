// Package config provides the configuration schema and loader for emotivox.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ResetPolicy selects when the conversation is cleared.
type ResetPolicy string

const (
	// ResetOnToolCall clears the conversation after every acknowledged tool
	// call only.
	ResetOnToolCall ResetPolicy = "tool_call"

	// ResetEveryResponse additionally clears it after responses without a
	// tool call.
	ResetEveryResponse ResetPolicy = "every_response"
)

// IsValid reports whether p is a recognised reset policy.
func (p ResetPolicy) IsValid() bool {
	return p == ResetOnToolCall || p == ResetEveryResponse
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultModel              = "gpt-4o-realtime-preview"
	DefaultVoice              = "alloy"
	DefaultSampleRate         = 24000
	DefaultFrameBytes         = 4800
	DefaultCaptureDevice      = "default"
	DefaultSilenceSeconds     = 6.0
	DefaultSpeechThreshold    = 0.05
	DefaultSilenceThreshold   = 0.03
	DefaultPlaybackPolicy     = "queue"
	DefaultPlaybackQueueDepth = 4
	DefaultOutboundFrames     = 50
	DefaultOverflowPolicy     = "drop_oldest"
	DefaultTool               = "action"
	DefaultHandlerTimeout     = 10 * time.Second
	DefaultMaxItems           = 32
	DefaultRetryDelay         = 5 * time.Second
	DefaultStreamMaxFailures  = 5
)

// Config is the root configuration structure for emotivox.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Audio        AudioConfig        `yaml:"audio"`
	Turn         TurnConfig         `yaml:"turn"`
	Actions      ActionsConfig      `yaml:"actions"`
	Conversation ConversationConfig `yaml:"conversation"`
	Retry        RetryConfig        `yaml:"retry"`
	Stream       StreamConfig       `yaml:"stream"`
}

// ServerConfig holds logging and the optional observability listener.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ListenAddr, when set, serves /metrics, /healthz and /readyz
	// (e.g., ":9090").
	ListenAddr string `yaml:"listen_addr"`
}

// RealtimeConfig configures the realtime service connection.
type RealtimeConfig struct {
	// APIKey authenticates against the service. Usually supplied through
	// OPENAI_API_KEY rather than the file.
	APIKey string `yaml:"api_key"`

	// Model is the realtime model name.
	Model string `yaml:"model"`

	// BaseURL overrides the service endpoint (ws:// or wss://).
	BaseURL string `yaml:"base_url"`

	// Voice is the voice used for spoken replies.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt. Empty uses a prompt derived from the
	// selected tool.
	Instructions string `yaml:"instructions"`

	// TranscriptionModel enables input transcripts (e.g., "whisper-1").
	TranscriptionModel string `yaml:"transcription_model"`

	// RespondAfterToolCall requests a follow-up response after each tool
	// acknowledgment.
	RespondAfterToolCall bool `yaml:"respond_after_tool_call"`
}

// AudioConfig configures capture, framing and playback.
type AudioConfig struct {
	// SampleRate is the rate the service expects. Only 24000 is supported by
	// the realtime service's pcm16 format.
	SampleRate int `yaml:"sample_rate"`

	// FrameBytes is the size of each frame sent to the service. Must be a
	// multiple of 2.
	FrameBytes int `yaml:"frame_bytes"`

	// CaptureDevice is substituted for {device} in CaptureCommand.
	CaptureDevice string `yaml:"capture_device"`

	// CaptureCommand is the recorder command line. Empty uses arecord.
	CaptureCommand string `yaml:"capture_command"`

	// CaptureRate and CaptureChannels describe what the recorder produces.
	// Zero means the session format; anything else is converted.
	CaptureRate     int `yaml:"capture_rate"`
	CaptureChannels int `yaml:"capture_channels"`

	// PlaybackEnabled plays spoken replies. Nil means true.
	PlaybackEnabled *bool `yaml:"playback_enabled"`

	// PlaybackCommand is the player command line. Empty uses aplay.
	PlaybackCommand string `yaml:"playback_command"`

	// PlaybackPolicy is "queue" or "reject".
	PlaybackPolicy string `yaml:"playback_policy"`

	// PlaybackQueueDepth bounds queued replies under the queue policy.
	PlaybackQueueDepth int `yaml:"playback_queue_depth"`

	// OutboundQueueFrames bounds frames waiting to be sent.
	OutboundQueueFrames int `yaml:"outbound_queue_frames"`

	// OverflowPolicy is "drop_oldest" or "block".
	OverflowPolicy string `yaml:"overflow_policy"`
}

// Playback reports whether spoken replies are played.
func (a AudioConfig) Playback() bool {
	return a.PlaybackEnabled == nil || *a.PlaybackEnabled
}

// TurnConfig configures turn segmentation.
type TurnConfig struct {
	// SilenceSeconds of continuous quiet after speech completes a turn.
	SilenceSeconds float64 `yaml:"silence_seconds"`

	// SpeechThreshold and SilenceThreshold are VAD probabilities in [0, 1].
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

// Silence returns SilenceSeconds as a duration.
func (t TurnConfig) Silence() time.Duration {
	return time.Duration(t.SilenceSeconds * float64(time.Second))
}

// ActionsConfig configures the declared tool and local handlers.
type ActionsConfig struct {
	// Tool selects the declared tool preset: "action" or "mood".
	Tool string `yaml:"tool"`

	// Commands maps action identifiers to command lines run when the action
	// is detected. {action} expands to the identifier.
	Commands map[string]string `yaml:"commands"`

	// HandlerTimeout bounds each command run.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// ConversationConfig configures how much history the service keeps.
type ConversationConfig struct {
	ResetPolicy ResetPolicy `yaml:"reset_policy"`

	// MaxItems trims the oldest items after responses without a tool call.
	// Zero disables trimming.
	MaxItems *int `yaml:"max_items"`
}

// Limit returns the effective item limit.
func (c ConversationConfig) Limit() int {
	if c.MaxItems == nil {
		return DefaultMaxItems
	}
	return *c.MaxItems
}

// RetryConfig configures reconnection.
type RetryConfig struct {
	// Delay between connection attempts.
	Delay time.Duration `yaml:"delay"`

	// MaxAttempts caps connection attempts. Zero retries forever.
	MaxAttempts int `yaml:"max_attempts"`
}

// StreamConfig configures stream failure handling.
type StreamConfig struct {
	// MaxFailures is the number of consecutive failed writes after which the
	// session is considered lost.
	MaxFailures int `yaml:"max_failures"`
}
