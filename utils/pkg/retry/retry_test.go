package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string   { return http.StatusText(e.statusCode) }
func (e *httpError) StatusCode() int { return e.statusCode }

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestRetry_Do_SucceedsAfterTransientErrors(t *testing.T) {
	t.Parallel()

	attempts := 0
	var retried []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

	err := Do(t.Context(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, []int{1, 2}, retried)
}

func TestRetry_Do_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	original := errors.New("connection refused")
	attempts := 0
	err := Do(t.Context(), fastConfig(3), func() error {
		attempts++
		return original
	})
	require.ErrorIs(t, err, original)
	require.Contains(t, err.Error(), "failed after 3 attempts")
	require.Equal(t, 3, attempts)
}

func TestRetry_Do_NonRetryableReturnsImmediately(t *testing.T) {
	t.Parallel()

	original := errors.New("matrix: invalid status transition")
	attempts := 0
	err := Do(t.Context(), fastConfig(5), func() error {
		attempts++
		return original
	})
	require.Equal(t, original, err)
	require.Equal(t, 1, attempts)
}

func TestRetry_Do_PermanentUnwraps(t *testing.T) {
	t.Parallel()

	original := errors.New("timeout while validating ruleset")
	attempts := 0
	err := Do(t.Context(), fastConfig(5), func() error {
		attempts++
		return Permanent(original)
	})
	require.Equal(t, original, err)
	require.Equal(t, 1, attempts)
}

func TestRetry_Do_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cfg := Config{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Second}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		cancel()
		return errors.New("connection reset")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
}

func TestRetry_DoValue_ReturnsValue(t *testing.T) {
	t.Parallel()

	attempts := 0
	v, err := DoValue(t.Context(), fastConfig(3), func() (int, error) {
		attempts++
		if attempts == 1 {
			return 0, errors.New("EOF")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestRetry_DoValue_ZeroAttemptsRunsOnce(t *testing.T) {
	t.Parallel()

	attempts := 0
	_, err := DoValue(t.Context(), Config{}, func() (string, error) {
		attempts++
		return "", errors.New("broken pipe")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestRetry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"net timeout", &net.DNSError{Err: "i/o timeout", IsTimeout: true}, true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"rate limited", errors.New("rate limit exceeded"), true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"http 503", &httpError{statusCode: http.StatusServiceUnavailable}, true},
		{"http 429", &httpError{statusCode: http.StatusTooManyRequests}, true},
		{"http 400", &httpError{statusCode: http.StatusBadRequest}, false},
		{"validation", errors.New("depth weights must sum to 100"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetry_CalculateBackoff_Bounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		min     time.Duration
		upper   time.Duration
	}{
		{"first retry", 200 * time.Millisecond, 5 * time.Second, 1, 200 * time.Millisecond, 400 * time.Millisecond},
		{"second retry", 200 * time.Millisecond, 5 * time.Second, 2, 400 * time.Millisecond, 800 * time.Millisecond},
		{"capped", 200 * time.Millisecond, time.Second, 6, 500 * time.Millisecond, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for range 50 {
				got := calculateBackoff(tt.base, tt.max, tt.attempt)
				require.GreaterOrEqual(t, got, tt.min)
				require.LessOrEqual(t, got, tt.upper)
			}
		})
	}
}
