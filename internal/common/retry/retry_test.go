package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendErr struct{ attempt int }

func (e *backendErr) Error() string { return "backend down" }

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	for _, k := range []int{0, 1, 2, 4} {
		calls := 0
		got, err := Do(context.Background(), fastConfig(5), func(ctx context.Context) (string, error) {
			calls++
			if calls <= k {
				return "", errors.New("transient")
			}
			return "ok", nil
		})

		require.NoError(t, err)
		assert.Equal(t, "ok", got)
		assert.Equal(t, k+1, calls, "failures=%d", k)
	}
}

func TestDo_ReturnsLastErrorVerbatim(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, &backendErr{attempt: calls}
	})

	assert.Equal(t, 3, calls)
	var be *backendErr
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 3, be.attempt)
}

func TestDo_ShouldRetryStopsEarly(t *testing.T) {
	permanent := errors.New("permanent")
	cfg := fastConfig(5)
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, permanent) }

	calls := 0
	_, err := Do(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})

	assert.Same(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetryObservesWaits(t *testing.T) {
	cfg := Config{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 3 * time.Millisecond}
	var waits []time.Duration
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		waits = append(waits, wait)
	}

	_ = DoErr(context.Background(), cfg, func(ctx context.Context) error {
		return errors.New("fail")
	})

	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, waits)
}

func TestDo_ContextCancelInterruptsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
	cfg.OnRetry = func(int, error, time.Duration) { cancel() }

	fail := errors.New("fail")
	start := time.Now()
	calls := 0
	err := DoErr(ctx, cfg, func(ctx context.Context) error {
		calls++
		return fail
	})

	assert.Same(t, fail, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBackoff(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(cfg, tt.attempt), "attempt %d", tt.attempt)
	}

	cfg.Constant = true
	assert.Equal(t, time.Second, Backoff(cfg, 4))

	assert.Zero(t, Backoff(Config{}, 3))
}

func TestConfigDefaults(t *testing.T) {
	calls := 0
	_ = DoErr(context.Background(), Config{BaseDelay: time.Microsecond}, func(ctx context.Context) error {
		calls++
		return errors.New("fail")
	})
	assert.Equal(t, 3, calls)
}
