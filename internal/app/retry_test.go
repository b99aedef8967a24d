package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/emotivox/pkg/audio"
	"github.com/MrWong99/emotivox/pkg/provider/realtime"
)

// newTestRetrier returns a Retrier that records its waits instead of
// sleeping.
func newTestRetrier(cfg RetrierConfig) (*Retrier, *[]time.Duration) {
	r := NewRetrier(cfg)
	var waits []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return r, &waits
}

func TestRetrier_RetriesRecoverableErrors(t *testing.T) {
	t.Parallel()

	failures := []error{
		fmt.Errorf("%w: dial: refused", realtime.ErrConnection),
		fmt.Errorf("%w: unplugged", audio.ErrCapture),
	}
	var retried []int
	r, waits := newTestRetrier(RetrierConfig{OnRetry: func(attempt int, _ error) { retried = append(retried, attempt) }})

	calls := 0
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls <= len(failures) {
			return failures[calls-1]
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(*waits) != 2 || (*waits)[0] != 5*time.Second || (*waits)[1] != 5*time.Second {
		t.Errorf("waits = %v, want two fixed 5s delays", *waits)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", retried)
	}
}

func TestRetrier_StopsOnOtherErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("invalid configuration")
	r, waits := newTestRetrier(RetrierConfig{})
	calls := 0
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 || len(*waits) != 0 {
		t.Errorf("Run = %v after %d calls and %d waits, want the error after one call", err, calls, len(*waits))
	}
}

func TestRetrier_MaxAttempts(t *testing.T) {
	t.Parallel()

	r, waits := newTestRetrier(RetrierConfig{Delay: time.Second, MaxAttempts: 3})
	calls := 0
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return realtime.ErrConnection
	})
	if !errors.Is(err, ErrRetriesExhausted) || !errors.Is(err, realtime.ErrConnection) {
		t.Fatalf("Run = %v, want ErrRetriesExhausted wrapping ErrConnection", err)
	}
	if calls != 3 || len(*waits) != 2 {
		t.Errorf("calls = %d, waits = %d; want 3 and 2", calls, len(*waits))
	}
	if (*waits)[0] != time.Second {
		t.Errorf("delay = %v, want 1s", (*waits)[0])
	}
}

func TestRetrier_CancelledDuringWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(RetrierConfig{Delay: time.Hour})
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(context.Context) error { return realtime.ErrConnection })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("wrap: %w", realtime.ErrConnection), true},
		{audio.ErrCapture, true},
		{realtime.ErrStream, false},
		{context.Canceled, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
