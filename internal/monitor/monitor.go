// Package monitor polls the master account and turns its position list
// into change sets for the engine.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"mt5copier/internal/detector"
	"mt5copier/internal/models"
	"mt5copier/internal/mt5"
)

// Circuit breaker defaults for the position poll. The poll runs every
// few hundred milliseconds, so a short open interval is enough to shed
// load from a dead bridge without masking a brief hiccup.
const (
	breakerTimeout      = 30 * time.Second
	breakerMaxFailures  = 5
	breakerHalfOpenMax  = 1
)

// Monitor owns the master connection. It refreshes account state,
// fetches open positions behind a circuit breaker and feeds them to the
// change detector.
type Monitor struct {
	cfg      models.MasterConfig
	client   mt5.Client
	detector *detector.Detector
	breaker  *gobreaker.CircuitBreaker
	log      *logrus.Logger

	mu    sync.RWMutex
	state models.AccountState
}

// New creates a monitor for the master account. The client is not
// connected until Initialize.
func New(cfg models.MasterConfig, client mt5.Client, log *logrus.Logger) *Monitor {
	if log == nil {
		log = logrus.New()
	}
	m := &Monitor{
		cfg:      cfg,
		client:   client,
		detector: detector.New(0, 0, log),
		log:      log,
		state: models.AccountState{
			Name: cfg.Name,
			Role: "master",
			Host: cfg.Host,
			Port: cfg.Port,
		},
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "master-positions",
		MaxRequests: breakerHalfOpenMax,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
	return m
}

// Initialize connects to the master terminal, retrying up to maxRetries
// times, and seeds the detector with the positions already open so they
// are never copied retroactively.
func (m *Monitor) Initialize(ctx context.Context, maxRetries int, retryDelay time.Duration) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			m.log.WithFields(logrus.Fields{
				"account": m.cfg.Name,
				"attempt": attempt,
			}).Info("retrying master connection")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		if lastErr = m.connect(ctx); lastErr == nil {
			return nil
		}
		m.log.WithError(lastErr).WithField("account", m.cfg.Name).Warn("master connection attempt failed")
	}
	return fmt.Errorf("connecting master %s after %d attempts: %w", m.cfg.Name, maxRetries, lastErr)
}

func (m *Monitor) connect(ctx context.Context) error {
	if err := m.client.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing terminal: %w", err)
	}
	if m.cfg.Login != 0 {
		if err := m.client.Login(ctx, m.cfg.Login, m.cfg.Password, m.cfg.Server); err != nil {
			return fmt.Errorf("logging in account %d: %w (%s)", m.cfg.Login, err, m.client.LastError())
		}
	}

	info, err := m.client.AccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("reading account info: %w", err)
	}

	positions, err := m.client.PositionsGet(ctx)
	if err != nil {
		return fmt.Errorf("reading open positions: %w", err)
	}
	m.detector.SetInitial(snapshotMap(positions))

	m.mu.Lock()
	m.state.ApplyAccountInfo(info.Balance, info.Equity, info.MarginLevel)
	m.state.PositionsCount = len(positions)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"account":   m.cfg.Name,
		"login":     info.Login,
		"balance":   info.Balance,
		"positions": len(positions),
	}).Info("master connected")
	return nil
}

// DetectChanges polls the master positions and diffs them against the
// previous poll. On a fetch failure (including an open breaker) the
// baseline is left untouched and an empty change set is returned, so a
// transient outage never manifests as phantom closes.
func (m *Monitor) DetectChanges(ctx context.Context) (models.ChangeSet, error) {
	res, err := m.breaker.Execute(func() (interface{}, error) {
		return m.client.PositionsGet(ctx)
	})
	if err != nil {
		m.mu.Lock()
		m.state.RecordError(err.Error())
		m.mu.Unlock()
		return models.ChangeSet{}, fmt.Errorf("fetching master positions: %w", err)
	}
	positions := res.([]mt5.Position)

	m.mu.Lock()
	m.state.PositionsCount = len(positions)
	m.state.Connected = true
	m.mu.Unlock()

	return m.detector.Diff(snapshotMap(positions)), nil
}

// UpdateAccountInfo refreshes balance, equity and margin level.
func (m *Monitor) UpdateAccountInfo(ctx context.Context) error {
	info, err := m.client.AccountInfo(ctx)
	if err != nil {
		m.mu.Lock()
		m.state.RecordError(err.Error())
		m.mu.Unlock()
		return fmt.Errorf("refreshing master account info: %w", err)
	}
	m.mu.Lock()
	m.state.ApplyAccountInfo(info.Balance, info.Equity, info.MarginLevel)
	m.mu.Unlock()
	return nil
}

// Shutdown disconnects from the terminal. Idempotent.
func (m *Monitor) Shutdown() {
	if err := m.client.Shutdown(); err != nil {
		m.log.WithError(err).Warn("master shutdown error")
	}
	m.mu.Lock()
	m.state.Connected = false
	m.mu.Unlock()
}

// IsConnected reports whether the last broker interaction succeeded.
func (m *Monitor) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Connected
}

// Balance returns the last observed master balance.
func (m *Monitor) Balance() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Balance
}

// State returns a copy of the master account state.
func (m *Monitor) State() models.AccountState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Name returns the configured master account name.
func (m *Monitor) Name() string { return m.cfg.Name }

func snapshotMap(positions []mt5.Position) map[int64]models.PositionSnapshot {
	snapshots := make(map[int64]models.PositionSnapshot, len(positions))
	for _, p := range positions {
		snapshots[p.Ticket] = models.PositionSnapshot{
			Ticket:    p.Ticket,
			Symbol:    p.Symbol,
			Side:      p.Type,
			Volume:    p.Volume,
			PriceOpen: p.PriceOpen,
			SL:        p.SL,
			TP:        p.TP,
			Magic:     p.Magic,
			Comment:   p.Comment,
			Time:      p.Time,
			Profit:    p.Profit,
		}
	}
	return snapshots
}
