// Command emotivox listens to a microphone, lets a realtime model classify
// each utterance and runs the matching local action.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/emotivox/internal/app"
	"github.com/MrWong99/emotivox/internal/config"
	"github.com/MrWong99/emotivox/internal/health"
	"github.com/MrWong99/emotivox/internal/observe"
	"github.com/MrWong99/emotivox/pkg/audio"
	"github.com/MrWong99/emotivox/pkg/provider/realtime/openai"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	text := flag.String("text", "", "send a single text turn instead of listening")
	input := flag.String("input", "", "raw s16le PCM file to use instead of the microphone")
	envPath := flag.String("env", ".env", "dotenv file with credentials (ignored when missing)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath, *envPath, os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emotivox: %v\n", err)
		return exitUsage
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	slog.Info("emotivox starting",
		"config", *configPath,
		"model", cfg.Realtime.Model,
		"tool", cfg.Actions.Tool,
		"silence", cfg.Turn.Silence(),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Model:          cfg.Realtime.Model,
		Tool:           cfg.Actions.Tool,
		Voice:          cfg.Realtime.Voice,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitFailure
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()
	probe := &health.Probe{}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if len(d.RestartRequired) > 0 {
				slog.Warn("config changed, restart to apply", "sections", d.RestartRequired)
			}
		})
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return exitFailure
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("config watcher stopped", "err", err)
			}
		}()
	}

	// ── Observability endpoint (optional) ─────────────────────────────────────
	if addr := cfg.Server.ListenAddr; addr != "" {
		srv := newObservabilityServer(addr, tel.Handler(), metrics, probe)
		go func() {
			slog.Info("observability endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("observability endpoint failed", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	// ── Application ───────────────────────────────────────────────────────────
	var provOpts []openai.Option
	provOpts = append(provOpts, openai.WithModel(cfg.Realtime.Model))
	if cfg.Realtime.BaseURL != "" {
		provOpts = append(provOpts, openai.WithBaseURL(cfg.Realtime.BaseURL))
	}
	provider := openai.New(cfg.Realtime.APIKey, provOpts...)

	appOpts := []app.Option{app.WithMetrics(metrics), app.WithProbe(probe)}
	if *input != "" {
		appOpts = append(appOpts, app.WithCapture(&audio.FileCapture{
			Path:     *input,
			Source:   audio.Format{SampleRate: cfg.Audio.CaptureRate, Channels: cfg.Audio.CaptureChannels},
			Realtime: true,
		}))
	}
	application, err := app.New(cfg, provider, appOpts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return exitFailure
	}

	var code int
	if *text != "" {
		code = runText(ctx, application, *text)
	} else {
		code = listen(ctx, application, cfg, metrics)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return exitFailure
	}
	slog.Info("goodbye")
	return code
}

// loadConfig reads the YAML file at configPath (defaults when empty), then
// applies environment overrides and checks the credential. Variables from
// the dotenv file at envPath fill in what lookup does not set; a missing file
// is not an error.
func loadConfig(configPath, envPath string, lookup func(string) (string, bool)) (*config.Config, error) {
	dotenv, err := godotenv.Read(envPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	env := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := config.ApplyEnv(cfg, env); err != nil {
		return nil, err
	}
	if err := config.RequireCredential(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// listen runs the voice pipeline, reconnecting after recoverable failures.
func listen(ctx context.Context, application *app.App, cfg *config.Config, m *observe.Metrics) int {
	retrier := app.NewRetrier(app.RetrierConfig{
		Delay:       cfg.Retry.Delay,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Metrics:     m,
	})
	slog.Info("listening, press Ctrl+C to stop")
	if err := retrier.Run(ctx, application.Run); err != nil {
		slog.Error("run error", "err", err)
		return exitFailure
	}
	return exitOK
}

// runText sends one text turn and prints the acknowledged action.
func runText(ctx context.Context, application *app.App, text string) int {
	res, err := application.RunText(ctx, text)
	if err != nil {
		slog.Error("text turn failed", "err", err)
		return exitFailure
	}
	if res == nil {
		fmt.Println("none")
		return exitOK
	}
	fmt.Println(res.Value)
	if res.HandlerErr != nil || res.AckErr != nil {
		return exitFailure
	}
	return exitOK
}

// ── Observability ──────────────────────────────────────────────────────────────

func newObservabilityServer(addr string, metricsHandler http.Handler, m *observe.Metrics, probe *health.Probe) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	health.New(probe.Checker("realtime")).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m, "/metrics", "/healthz", "/readyz")(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
