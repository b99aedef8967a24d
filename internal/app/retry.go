package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/emotivox/internal/observe"
	"github.com/MrWong99/emotivox/pkg/audio"
	"github.com/MrWong99/emotivox/pkg/provider/realtime"
)

// Default retry parameters.
const (
	defaultRetryDelay = 5 * time.Second

	// stableRun is how long a run must last before its failure no longer
	// counts towards MaxAttempts.
	stableRun = time.Minute
)

// Retrier reruns a session after recoverable failures with a fixed delay
// between attempts.
//
// Connection failures ([realtime.ErrConnection]) and capture failures
// ([audio.ErrCapture]) are retried; any other error, a clean return and
// cancellation end the loop.
type Retrier struct {
	delay       time.Duration
	maxAttempts int
	metrics     *observe.Metrics
	onRetry     func(attempt int, err error)

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// RetrierConfig configures a [Retrier].
type RetrierConfig struct {
	// Delay between attempts. Defaults to 5s if zero.
	Delay time.Duration

	// MaxAttempts caps consecutive failed attempts. Zero retries forever.
	MaxAttempts int

	// Metrics counts reconnects. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnRetry is called before each wait with the failed attempt's number and
	// error. May be nil.
	OnRetry func(attempt int, err error)
}

// ErrRetriesExhausted is returned by [Retrier.Run] once MaxAttempts
// consecutive attempts have failed. It wraps the last failure.
var ErrRetriesExhausted = errors.New("app: retries exhausted")

// NewRetrier creates a [Retrier] with the given configuration.
func NewRetrier(cfg RetrierConfig) *Retrier {
	delay := cfg.Delay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Retrier{
		delay:       delay,
		maxAttempts: cfg.MaxAttempts,
		metrics:     m,
		onRetry:     cfg.OnRetry,
		sleep:       sleepCtx,
	}
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, realtime.ErrConnection) || errors.Is(err, audio.ErrCapture)
}

// Run calls fn until it returns nil, a non-retryable error, or ctx is done. A
// run that lasted at least a minute resets the attempt count.
func (r *Retrier) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	for {
		start := time.Now()
		err := fn(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}

		if time.Since(start) >= stableRun {
			attempt = 0
		}
		attempt++
		if r.maxAttempts > 0 && attempt >= r.maxAttempts {
			slog.Error("giving up after repeated failures", "attempts", attempt, "err", err)
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		slog.Warn("session failed, retrying",
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
			"delay", r.delay,
			"err", err,
		)
		if r.onRetry != nil {
			r.onRetry(attempt, err)
		}
		if err := r.sleep(ctx, r.delay); err != nil {
			return nil
		}
		r.metrics.Reconnects.Add(ctx, 1)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
