package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5copier/internal/models"
	"mt5copier/internal/mt5"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func fastManager(maxAttempts int) *Manager {
	return NewManager(Config{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
	}, quietLogger())
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	m := fastManager(3)
	op := m.NewOperation(models.OpOpen, 1, "slave1")

	var gotResult *mt5.OrderResult
	calls := 0
	ok := m.Do(context.Background(), op, func(ctx context.Context) (*mt5.OrderResult, error) {
		calls++
		return &mt5.OrderResult{Retcode: mt5.RetcodeDone, Order: 7001}, nil
	}, func(r *mt5.OrderResult) { gotResult = r }, nil)

	assert.True(t, ok)
	assert.Equal(t, 1, calls)
	assert.Equal(t, models.OpCompleted, op.Status)
	require.NotNil(t, gotResult)
	assert.Equal(t, int64(7001), gotResult.Order)
	assert.NotNil(t, op.CompletedAt)
}

func TestNonRetryableRetcodeFailsImmediately(t *testing.T) {
	// NO_MONEY must never trigger a second attempt.
	m := fastManager(3)
	op := m.NewOperation(models.OpOpen, 1, "slave1")

	calls := 0
	failures := 0
	ok := m.Do(context.Background(), op, func(ctx context.Context) (*mt5.OrderResult, error) {
		calls++
		return &mt5.OrderResult{Retcode: mt5.RetcodeNoMoney, Comment: "No money"}, nil
	}, nil, func(string) { failures++ })

	assert.False(t, ok)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, failures)
	assert.Equal(t, models.OpFailed, op.Status)
	assert.Contains(t, op.ErrorMessage, "10019")
}

func TestAllNonRetryableCodes(t *testing.T) {
	for _, code := range []int{
		mt5.RetcodeReject,
		mt5.RetcodeInvalidVolume,
		mt5.RetcodeInvalidPrice,
		mt5.RetcodeInvalidStops,
		mt5.RetcodeNoMoney,
	} {
		assert.False(t, Retryable(code), "retcode %d must not be retryable", code)
	}
	assert.True(t, Retryable(mt5.RetcodeMarketClosed))
	assert.True(t, Retryable(mt5.RetcodeConnection))
	assert.True(t, Retryable(mt5.RetcodePlaced))
}

func TestTransportErrorIsRetriedThenSucceeds(t *testing.T) {
	m := fastManager(3)
	op := m.NewOperation(models.OpClose, 2, "slave1")

	calls := 0
	ok := m.Do(context.Background(), op, func(ctx context.Context) (*mt5.OrderResult, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return &mt5.OrderResult{Retcode: mt5.RetcodeDone}, nil
	}, nil, nil)

	assert.True(t, ok)
	assert.Equal(t, 3, calls)
	assert.Equal(t, models.OpCompleted, op.Status)
}

func TestRetryableRetcodeExhaustsAttempts(t *testing.T) {
	m := fastManager(3)
	op := m.NewOperation(models.OpOpen, 3, "slave1")

	calls := 0
	failures := 0
	successes := 0
	ok := m.Do(context.Background(), op, func(ctx context.Context) (*mt5.OrderResult, error) {
		calls++
		return &mt5.OrderResult{Retcode: mt5.RetcodeMarketClosed, Comment: "Market closed"}, nil
	}, func(*mt5.OrderResult) { successes++ }, func(string) { failures++ })

	assert.False(t, ok)
	assert.Equal(t, 3, calls)
	// Terminal callbacks fire exactly once.
	assert.Equal(t, 1, failures)
	assert.Equal(t, 0, successes)
	assert.Equal(t, models.OpFailed, op.Status)
}

func TestNilResultNilErrorIsNoOpSuccess(t *testing.T) {
	m := fastManager(3)
	op := m.NewOperation(models.OpClose, 4, "slave1")

	calls := 0
	var successes int
	ok := m.Do(context.Background(), op, func(ctx context.Context) (*mt5.OrderResult, error) {
		calls++
		return nil, nil
	}, func(*mt5.OrderResult) { successes++ }, nil)

	assert.True(t, ok)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, successes)
	assert.Equal(t, models.OpCompleted, op.Status)
}

func TestDelaySchedule(t *testing.T) {
	m := NewManager(Config{
		MaxAttempts: 10,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}, quietLogger())

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{7, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, m.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	m := NewManager(Config{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Second, // long enough that only cancel ends the wait
		MaxDelay:    30 * time.Second,
	}, quietLogger())
	op := m.NewOperation(models.OpOpen, 5, "slave1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	ok := m.Do(ctx, op, func(ctx context.Context) (*mt5.OrderResult, error) {
		return nil, errors.New("timeout")
	}, nil, nil)

	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, models.OpFailed, op.Status)
}

func TestNewOperationDefaults(t *testing.T) {
	m := fastManager(3)
	op := m.NewOperation(models.OpPartialClose, 42, "slave2")

	assert.NotEmpty(t, op.ID)
	assert.Equal(t, models.OpPending, op.Status)
	assert.Equal(t, 3, op.MaxAttempts)
	assert.Equal(t, int64(42), op.MasterTicket)
	assert.Equal(t, "slave2", op.SlaveName)
}
