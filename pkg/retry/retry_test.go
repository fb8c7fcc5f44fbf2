package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) *Config {
	return &Config{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

type judgeError struct{ retryable bool }

func (e *judgeError) Error() string     { return "judge failed" }
func (e *judgeError) IsRetryable() bool { return e.retryable }

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.Equal(t, 5, cfg.MaxSameErrorType)
}

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		failFirst int
		wantCalls int
		wantErr   bool
	}{
		{"first try", 0, 1, false},
		{"after two failures", 2, 3, false},
		{"exhausted", 10, 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastConfig(3), func() error {
				calls++
				if calls <= tt.failFirst {
					return fmt.Errorf("attempt %d failed", calls)
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.EqualError(t, err, "attempt 4 failed")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	calls := 0
	start := time.Now()
	err := Do(ctx, cfg, func() error {
		calls++
		return errors.New("down")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := newBackoff(&Config{InitialDelay: time.Millisecond, MaxDelay: 3 * time.Millisecond, Multiplier: 2})
	ctx := context.Background()

	require.NoError(t, b.wait(ctx))
	assert.Equal(t, 2*time.Millisecond, b.delay)
	require.NoError(t, b.wait(ctx))
	assert.Equal(t, 3*time.Millisecond, b.delay)
	require.NoError(t, b.wait(ctx))
	assert.Equal(t, 3*time.Millisecond, b.delay)
}

func TestApplyJitter(t *testing.T) {
	assert.Equal(t, time.Second, applyJitter(time.Second, 0))
	for i := 0; i < 50; i++ {
		d := applyJitter(time.Second, 0.1)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(3), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDoWithResult_NilConfigUsesDefaults(t *testing.T) {
	got, err := DoWithResult(context.Background(), nil, func() (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: Connection Refused"), true},
		{"reset", errors.New("connection reset by peer"), true},
		{"timeout", errors.New("i/o timeout"), true},
		{"deadlock", errors.New("deadlock detected"), true},
		{"http 503", errors.New("HTTP 503 service unavailable"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"auth", errors.New("authentication failed"), false},
		{"syntax", errors.New("syntax error at position 10"), false},
		{"self-declared retryable", &judgeError{retryable: true}, true},
		{"self-declared permanent", &judgeError{retryable: false}, false},
		{"wrapped self-declared", fmt.Errorf("evaluate: %w", &judgeError{retryable: true}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestDoIfRetryable_StopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := &judgeError{retryable: false}
	err := DoIfRetryable(context.Background(), fastConfig(3), func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoIfRetryable_RetriesTransientErrors(t *testing.T) {
	calls := 0
	err := DoIfRetryable(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoIfRetryable_Exhausted(t *testing.T) {
	calls := 0
	err := DoIfRetryable(context.Background(), fastConfig(2), func() error {
		calls++
		return errors.New("connection refused")
	})
	assert.EqualError(t, err, "connection refused")
	assert.Equal(t, 3, calls)
}

func TestDoIfRetryable_EscalatesRepeatedErrorKind(t *testing.T) {
	cfg := fastConfig(10)
	cfg.MaxSameErrorType = 3

	calls := 0
	err := DoIfRetryable(context.Background(), cfg, func() error {
		calls++
		return errors.New("HTTP 503 service unavailable")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repeated error (3 times, type=503)")
	assert.Equal(t, 3, calls)
}

func TestDoIfRetryableWithResult(t *testing.T) {
	calls := 0
	got, err := DoIfRetryableWithResult(context.Background(), fastConfig(3), func() (float64, error) {
		calls++
		if calls == 1 {
			return 0, &judgeError{retryable: true}
		}
		return 0.9, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0.9, got)
	assert.Equal(t, 2, calls)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "429", errorKind(errors.New("status 429")))
	assert.Equal(t, "connection", errorKind(errors.New("connection reset")))
	assert.Equal(t, "timeout", errorKind(errors.New("request timed out")))
	assert.Equal(t, "rate_limit", errorKind(errors.New("Too Many Requests")))
	assert.Equal(t, "unknown", errorKind(errors.New("odd")))
}
