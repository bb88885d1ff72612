// Package retry executes trade operations under bounded exponential
// backoff, separating transient broker trouble from retcodes that will
// never succeed on a second attempt.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"mt5copier/internal/models"
	"mt5copier/internal/mt5"
)

// Config bounds the retry loop.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig matches the broker's tolerance for resubmission: three
// attempts at 1s, 2s.
var DefaultConfig = Config{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	MaxDelay:    30 * time.Second,
}

// nonRetryable retcodes fail the operation immediately; resending the
// same request cannot change the outcome.
var nonRetryable = map[int]struct{}{
	mt5.RetcodeReject:        {},
	mt5.RetcodeInvalidVolume: {},
	mt5.RetcodeInvalidPrice:  {},
	mt5.RetcodeInvalidStops:  {},
	mt5.RetcodeNoMoney:       {},
}

// Retryable reports whether a retcode may succeed on a later attempt.
func Retryable(retcode int) bool {
	_, terminal := nonRetryable[retcode]
	return !terminal
}

// ExecuteFunc performs one attempt of a trade operation. A nil result
// with a nil error means the operation had nothing to do (for example a
// close whose position is already gone); it terminates the loop as a
// no-op success.
type ExecuteFunc func(ctx context.Context) (*mt5.OrderResult, error)

// Manager runs operations through the retry state machine:
// PENDING -> PROCESSING -> (COMPLETED | FAILED), looping back to
// PENDING after a retryable failure until MaxAttempts.
type Manager struct {
	cfg Config
	log *logrus.Logger
}

// NewManager creates a manager. Zero config fields select the defaults.
func NewManager(cfg Config, log *logrus.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if log == nil {
		log = logrus.New()
	}
	return &Manager{cfg: cfg, log: log}
}

// NewOperation builds a fresh operation for tracking through Do.
func (m *Manager) NewOperation(opType models.OperationType, masterTicket int64, slaveName string) *models.QueuedOperation {
	return &models.QueuedOperation{
		ID:           uuid.NewString(),
		Type:         opType,
		MasterTicket: masterTicket,
		SlaveName:    slaveName,
		MaxAttempts:  m.cfg.MaxAttempts,
		Status:       models.OpPending,
		CreatedAt:    time.Now(),
	}
}

// Delay returns the backoff scheduled after attempt k (1-based):
// min(base * 2^(k-1), max).
func (m *Manager) Delay(attempt int) time.Duration {
	b := &backoff.Backoff{
		Min:    m.cfg.BaseDelay,
		Max:    m.cfg.MaxDelay,
		Factor: 2,
		Jitter: false,
	}
	return b.ForAttempt(float64(attempt - 1))
}

// Do runs fn until it succeeds, fails terminally or exhausts
// op.MaxAttempts. The onSuccess and onFailure callbacks fire exactly
// once, on the terminal transition. Returns true on success.
func (m *Manager) Do(
	ctx context.Context,
	op *models.QueuedOperation,
	fn ExecuteFunc,
	onSuccess func(*mt5.OrderResult),
	onFailure func(errMsg string),
) bool {
	fields := logrus.Fields{
		"operation":     op.Type,
		"master_ticket": op.MasterTicket,
		"slave":         op.SlaveName,
	}

	for op.Attempts < op.MaxAttempts {
		op.Attempts++
		op.Status = models.OpProcessing

		result, err := fn(ctx)

		switch {
		case err == nil && result == nil:
			// Nothing to do; the desired end state already holds.
			m.complete(op)
			if onSuccess != nil {
				onSuccess(nil)
			}
			return true

		case err == nil && result.Retcode == mt5.RetcodeDone:
			m.complete(op)
			m.log.WithFields(fields).WithField("attempts", op.Attempts).Info("operation succeeded")
			if onSuccess != nil {
				onSuccess(result)
			}
			return true

		case err == nil && !Retryable(result.Retcode):
			op.ErrorMessage = fmt.Sprintf("retcode %d: %s", result.Retcode, result.Comment)
			m.fail(op)
			m.log.WithFields(fields).WithFields(logrus.Fields{
				"retcode": result.Retcode,
				"comment": result.Comment,
			}).Error("operation failed, not retryable")
			if onFailure != nil {
				onFailure(op.ErrorMessage)
			}
			return false

		case err == nil:
			op.ErrorMessage = fmt.Sprintf("retcode %d: %s", result.Retcode, result.Comment)

		default:
			op.ErrorMessage = err.Error()
		}

		if op.Attempts >= op.MaxAttempts {
			break
		}

		delay := m.Delay(op.Attempts)
		next := time.Now().Add(delay)
		op.NextRetryAt = &next
		op.Status = models.OpPending

		m.log.WithFields(fields).WithFields(logrus.Fields{
			"attempt":  op.Attempts,
			"retry_in": delay.String(),
			"error":    op.ErrorMessage,
		}).Info("operation retry scheduled")

		select {
		case <-ctx.Done():
			op.ErrorMessage = ctx.Err().Error()
			m.fail(op)
			if onFailure != nil {
				onFailure(op.ErrorMessage)
			}
			return false
		case <-time.After(delay):
		}
	}

	m.fail(op)
	m.log.WithFields(fields).WithFields(logrus.Fields{
		"attempts":   op.Attempts,
		"last_error": op.ErrorMessage,
	}).Error("operation failed, retries exhausted")
	if onFailure != nil {
		onFailure(op.ErrorMessage)
	}
	return false
}

func (m *Manager) complete(op *models.QueuedOperation) {
	now := time.Now()
	op.Status = models.OpCompleted
	op.CompletedAt = &now
}

func (m *Manager) fail(op *models.QueuedOperation) {
	now := time.Now()
	op.Status = models.OpFailed
	op.CompletedAt = &now
}
