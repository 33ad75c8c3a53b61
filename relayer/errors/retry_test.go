package errors

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	assert.Equal(t, 3, config.MaxAttempts)
	assert.Equal(t, 1*time.Second, config.InitialDelay)
	assert.Equal(t, 30*time.Second, config.MaxDelay)
	assert.Equal(t, 2.0, config.Multiplier)
}

func TestRetry_Success(t *testing.T) {
	tests := []struct {
		name              string
		attemptsToSucceed int
	}{
		{name: "succeeds on first attempt", attemptsToSucceed: 1},
		{name: "succeeds on second attempt", attemptsToSucceed: 2},
		{name: "succeeds on last attempt", attemptsToSucceed: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			fn := func(context.Context) error {
				attempts++
				if attempts < tt.attemptsToSucceed {
					return NewNetworkError("test", "network error", nil)
				}
				return nil
			}

			err := Retry(context.Background(), fastConfig(3), "op", fn, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.attemptsToSucceed, attempts)
		})
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	var attempts int32
	var notified []int
	err := Retry(context.Background(), fastConfig(4), "flaky", func(context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return NewRPCError("eip155:1", "rpc down", nil)
	}, func(attempt int, err error, next time.Duration) {
		notified = append(notified, attempt)
	})

	require.Error(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&attempts))
	assert.Equal(t, []int{1, 2, 3}, notified)
	assert.True(t, IsChainError(err, ErrCodeRPC))
	assert.Contains(t, err.Error(), "flaky failed after 4 attempts")
}

func TestRetry_StopsOnTerminal(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(5), "op", func(context.Context) error {
		attempts++
		return NewTerminalError("duplicate request", nil)
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, IsTerminal(err))
	assert.Equal(t, "duplicate request", Reason(err))
}

func TestRetry_UnknownErrorsAreRetried(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(2), "op", func(context.Context) error {
		attempts++
		return errors.New("boom")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Retry(ctx, fastConfig(5), "op", func(context.Context) error {
		attempts++
		return NewNetworkError("", "down", nil)
	}, nil)

	require.Error(t, err)
	assert.LessOrEqual(t, attempts, 1)
}

func TestExponentialBackoff(t *testing.T) {
	base := 2 * time.Second
	maxDelay := 30 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExponentialBackoff(tt.attempt, base, maxDelay), "attempt %d", tt.attempt)
	}
	assert.Equal(t, time.Duration(0), ExponentialBackoff(3, 0, maxDelay))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class Class
	}{
		{"network", NewNetworkError("c", "m", nil), ClassTransient},
		{"plain", errors.New("x"), ClassTransient},
		{"precondition", NewPreconditionError("ciphertext not uploaded", nil), ClassPrecondition},
		{"terminal", NewTerminalError("integrity mismatch", nil), ClassTerminal},
		{"validation", NewValidationError("c", "bad"), ClassTerminal},
		{"fatal", NewFatalError("store down", nil), ClassFatal},
		{"wrapped terminal", fmt.Errorf("step: %w", NewTerminalError("t", nil)), ClassTerminal},
		{"config", NewConfigError("c", "no adapter"), ClassTerminal},
		{"transaction", NewTransactionError("c", "reverted", nil), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, ClassOf(tt.err))
		})
	}
}

func TestChainErrorFormatting(t *testing.T) {
	cause := errors.New("eof")
	err := NewRPCError("eip155:1", "get block", cause)
	assert.Equal(t, "[eip155:1:RPC] get block: eof", err.Error())
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "[TERMINAL] duplicate request", NewTerminalError("duplicate request", nil).Error())
	assert.True(t, IsChainError(fmt.Errorf("outer: %w", err), ErrCodeRPC))
	assert.False(t, IsChainError(cause, ErrCodeRPC))
}

func TestReason(t *testing.T) {
	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "integrity mismatch", Reason(fmt.Errorf("step: %w", NewTerminalError("integrity mismatch", errors.New("x")))))
	assert.Equal(t, "plain", Reason(errors.New("plain")))
}
