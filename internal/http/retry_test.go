package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/stagexfer/internal/cloud/storage"
)

func fastConfig(attempts int) Config {
	return Config{MaxRetries: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ErrorTypeSuccess},
		{"not found", fmt.Errorf("head k: %w", storage.ErrNotFound), ErrorTypeFatal},
		{"canceled", fmt.Errorf("get: %w", context.Canceled), ErrorTypeFatal},
		{"attempt deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), ErrorTypeNetwork},
		{"status 503", &StatusError{Op: "put", Code: 503}, ErrorTypeRetryable},
		{"status 429", &StatusError{Op: "put", Code: 429}, ErrorTypeRetryable},
		{"status 403", &StatusError{Op: "put", Code: 403}, ErrorTypeCredential},
		{"status 400", &StatusError{Op: "put", Code: 400, Body: "InvalidArgument"}, ErrorTypeFatal},
		{"wrapped status", fmt.Errorf("part 3: %w", &StatusError{Op: "put", Code: 502}), ErrorTypeRetryable},
		{"conn reset errno", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, ErrorTypeNetwork},
		{"unexpected eof", fmt.Errorf("body: %w", io.ErrUnexpectedEOF), ErrorTypeNetwork},
		{"azure busy text", errors.New("RESPONSE 503: 503 Server Busy\nERROR CODE: ServerBusy"), ErrorTypeRetryable},
		{"s3 slowdown text", errors.New("api error SlowDown: Please reduce your request rate"), ErrorTypeRetryable},
		{"expired token text", errors.New("api error ExpiredToken: token has expired"), ErrorTypeCredential},
		{"bad sas text", errors.New("AuthenticationFailed: signature not valid"), ErrorTypeCredential},
		{"reset text", errors.New("read tcp: connection reset by peer"), ErrorTypeNetwork},
		{"unknown", errors.New("something odd"), ErrorTypeFatal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err), "got %s", ClassifyError(tc.err))
		})
	}
}

func TestErrorTypeString(t *testing.T) {
	assert.Equal(t, "retryable", ErrorTypeRetryable.String())
	assert.Equal(t, "credential", ErrorTypeCredential.String())
	assert.Equal(t, "unknown", ErrorType(42).String())
}

func TestStatusError(t *testing.T) {
	err := &StatusError{Op: "gcs PUT k", Code: 401, Body: "bad token"}
	assert.Equal(t, "gcs PUT k: status 401: bad token", err.Error())
	assert.Equal(t, "gcs PUT k: status 404", (&StatusError{Op: "gcs PUT k", Code: 404}).Error())
}

func TestExecuteWithRetrySuccess(t *testing.T) {
	calls := 0
	err := ExecuteWithRetry(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetryFatalIsNotRetried(t *testing.T) {
	calls := 0
	err := ExecuteWithRetry(context.Background(), fastConfig(5), func() error {
		calls++
		return &StatusError{Op: "put", Code: 400}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetryPermanentIsNotRetried(t *testing.T) {
	calls := 0
	inner := &StatusError{Op: "get", Code: 503}
	err := ExecuteWithRetry(context.Background(), fastConfig(5), func() error {
		calls++
		return Permanent(inner)
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, inner, err)
	assert.Equal(t, ErrorTypeRetryable, ClassifyError(err))
	assert.NoError(t, Permanent(nil))
}

func TestExecuteWithRetryRetriesThenSucceeds(t *testing.T) {
	cfg := fastConfig(5)
	var retries []int
	cfg.OnRetry = func(attempt int, _ error, typ ErrorType) {
		assert.Equal(t, ErrorTypeRetryable, typ)
		retries = append(retries, attempt)
	}

	calls := 0
	err := ExecuteWithRetry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return &StatusError{Op: "put", Code: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestExecuteWithRetryExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("connection reset by peer")
	calls := 0
	err := ExecuteWithRetry(context.Background(), fastConfig(3), func() error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestExecuteWithRetryNotFound(t *testing.T) {
	calls := 0
	err := ExecuteWithRetry(context.Background(), DefaultConfig(), func() error {
		calls++
		return fmt.Errorf("head bucket/key: %w", storage.ErrNotFound)
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetryCredentials(t *testing.T) {
	t.Run("without refresh", func(t *testing.T) {
		calls := 0
		err := ExecuteWithRetry(context.Background(), fastConfig(5), func() error {
			calls++
			return &StatusError{Op: "put", Code: 403}
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("refresh failure", func(t *testing.T) {
		cfg := fastConfig(5)
		cfg.CredentialRefresh = func(context.Context) error { return errors.New("no new token") }
		err := ExecuteWithRetry(context.Background(), cfg, func() error {
			return &StatusError{Op: "put", Code: 403}
		})
		assert.ErrorContains(t, err, "credential refresh failed")
	})
}

func TestExecuteWithRetryCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 5, InitialDelay: 5 * time.Second, MaxDelay: 30 * time.Second}

	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	err := ExecuteWithRetry(ctx, cfg, func() error {
		return errors.New("connection reset")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteWithRetryDeadlineShorterThanWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	cfg := Config{MaxRetries: 5, InitialDelay: 5 * time.Second, MaxDelay: 30 * time.Second}

	start := time.Now()
	err := ExecuteWithRetry(ctx, cfg, func() error {
		return errors.New("i/o timeout")
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCalculateBackoffBounds(t *testing.T) {
	assert.Zero(t, CalculateBackoff(0, time.Second, time.Minute))
	assert.Zero(t, CalculateBackoff(3, 0, 0))
	for range 100 {
		d := CalculateBackoff(10, time.Second, 2*time.Second)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, 2*time.Second)
	}
	for range 100 {
		require.Less(t, CalculateBackoff(1, 10*time.Millisecond, time.Minute), 20*time.Millisecond)
	}
	assert.Less(t, CalculateBackoff(200, time.Second, 3*time.Second), 3*time.Second)
}
