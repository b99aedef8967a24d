// Package app wires capture, turn detection, the realtime session, action
// dispatch and playback into a running voice front end.
//
// The App struct owns the long-lived parts: New builds the capture source,
// the VAD engine, the action registry and the player, Run drives one realtime
// session from microphone to acknowledged tool call, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithCapture, WithSink, WithVAD, ...). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/emotivox/internal/action"
	"github.com/MrWong99/emotivox/internal/config"
	"github.com/MrWong99/emotivox/internal/health"
	"github.com/MrWong99/emotivox/internal/observe"
	"github.com/MrWong99/emotivox/pkg/audio"
	"github.com/MrWong99/emotivox/pkg/audio/playback"
	"github.com/MrWong99/emotivox/pkg/conversation"
	"github.com/MrWong99/emotivox/pkg/provider/realtime"
	"github.com/MrWong99/emotivox/pkg/provider/vad"
	"github.com/MrWong99/emotivox/pkg/provider/vad/rms"
)

// ErrNotConnected is reported by the readiness probe while no realtime
// session is open.
var ErrNotConnected = errors.New("app: realtime session not connected")

// App owns all subsystem lifetimes and orchestrates the voice pipeline.
type App struct {
	cfg      *config.Config
	provider realtime.Provider

	capture  audio.Capture
	sink     audio.Sink
	vad      vad.Engine
	registry *action.Registry
	tool     action.Tool
	metrics  *observe.Metrics
	probe    *health.Probe
	player   *playback.Player
	resetter *conversation.Resetter

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCapture injects the capture source instead of running the configured
// recorder command.
func WithCapture(c audio.Capture) Option {
	return func(a *App) { a.capture = c }
}

// WithSink injects the playback sink instead of running the configured player
// command. It takes effect even when playback is disabled in the config.
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithVAD injects the VAD engine instead of the RMS detector.
func WithVAD(e vad.Engine) Option {
	return func(a *App) { a.vad = e }
}

// WithRegistry injects the action registry instead of building one from the
// configured commands.
func WithRegistry(r *action.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithProbe sets the probe updated with the session's connection state.
func WithProbe(p *health.Probe) Option {
	return func(a *App) { a.probe = p }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Sessions are opened through provider on every
// Run. Use Option functions to inject test doubles for any subsystem.
func New(cfg *config.Config, provider realtime.Provider, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: realtime provider is required")
	}
	a := &App{cfg: cfg, provider: provider}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.probe == nil {
		a.probe = &health.Probe{}
	}
	a.probe.Set(ErrNotConnected)

	tool, err := action.ToolByName(cfg.Actions.Tool)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.tool = tool

	if err := a.initRegistry(); err != nil {
		return nil, fmt.Errorf("app: init actions: %w", err)
	}
	a.initAudio()
	a.resetter = conversation.NewResetter()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initRegistry() error {
	if a.registry != nil {
		return nil
	}
	handlers, err := action.HandlersFromCommands(a.cfg.Actions.Commands, a.cfg.Actions.HandlerTimeout)
	if err != nil {
		return err
	}
	a.registry = action.NewRegistry(handlers)
	return nil
}

// initAudio sets up capture, VAD and, when enabled, playback.
func (a *App) initAudio() {
	ac := a.cfg.Audio
	if a.capture == nil {
		command := ac.CaptureCommand
		if command == "" {
			command = audio.DefaultCaptureCommand(ac.CaptureDevice)
		}
		a.capture = &audio.CommandCapture{
			Command: command,
			Device:  ac.CaptureDevice,
			Source:  audio.Format{SampleRate: ac.CaptureRate, Channels: ac.CaptureChannels},
		}
	}
	if a.vad == nil {
		a.vad = rms.New()
	}

	if a.sink == nil && ac.Playback() {
		a.sink = &audio.CommandSink{Command: ac.PlaybackCommand}
	}
	if a.sink == nil {
		slog.Info("playback disabled")
		return
	}
	a.player = playback.New(a.sink, a.format(),
		playback.WithPolicy(playback.Policy(ac.PlaybackPolicy)),
		playback.WithQueueCapacity(ac.PlaybackQueueDepth),
		playback.WithErrorHandler(func(err error) {
			slog.Error("playback failed", "err", err)
			a.metrics.RecordPlayback(context.Background(), "error")
		}),
		playback.WithCompletionHandler(func(d time.Duration) {
			a.metrics.PlaybackDuration.Record(context.Background(), d.Seconds())
			a.metrics.RecordPlayback(context.Background(), "ok")
		}),
	)
	a.closers = append(a.closers, a.player.Close)
}

// format is the PCM format exchanged with the service.
func (a *App) format() audio.Format {
	return audio.Mono(a.cfg.Audio.SampleRate)
}

// Tool returns the declared tool preset.
func (a *App) Tool() action.Tool { return a.tool }

// sessionConfig builds the realtime session configuration.
func (a *App) sessionConfig() realtime.SessionConfig {
	rc := a.cfg.Realtime
	instructions := rc.Instructions
	if instructions == "" {
		instructions = DefaultInstructions(a.tool)
	}
	return realtime.SessionConfig{
		Voice:              rc.Voice,
		Instructions:       instructions,
		Tools:              []realtime.ToolSpec{a.tool.Spec},
		TranscriptionModel: rc.TranscriptionModel,
	}
}

// DefaultInstructions returns the system prompt used when none is configured.
// It asks the model to classify every turn with tool and keep spoken replies
// short.
func DefaultInstructions(tool action.Tool) string {
	return "You are the voice of a small companion device. After every user turn, call the " +
		tool.Spec.Name + " function exactly once with the " + tool.Arg + " that fits the utterance, " +
		"using 'none' when nothing fits. Keep any spoken reply to one short sentence."
}

// connect opens a session and marks it ready.
func (a *App) connect(ctx context.Context) (realtime.SessionHandle, error) {
	cfg := a.sessionConfig()
	sess, err := a.provider.Connect(ctx, cfg)
	if err != nil {
		a.probe.Set(err)
		if !errors.Is(err, realtime.ErrConnection) {
			err = fmt.Errorf("%w: %w", realtime.ErrConnection, err)
		}
		return nil, err
	}
	a.metrics.ActiveSessions.Add(ctx, 1)
	a.probe.Set(nil)
	slog.Info("realtime session connected", "tool", a.tool.Spec.Name, "voice", cfg.Voice)
	return sess, nil
}

// disconnect closes sess and marks the probe not ready.
func (a *App) disconnect(sess realtime.SessionHandle) {
	if err := sess.Close(); err != nil {
		slog.Warn("realtime session close error", "err", err)
	}
	a.metrics.ActiveSessions.Add(context.Background(), -1)
	a.probe.Set(ErrNotConnected)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
