// Package executor mirrors master trade events onto a single slave
// account: it sizes, prices and sends the orders that keep the slave in
// step with the master.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mt5copier/internal/lots"
	"mt5copier/internal/models"
	"mt5copier/internal/mt5"
)

// OpenResult reports what was actually sent for a copied open. Volume
// and Direction come back to the engine so the stored mapping reflects
// the constrained lot and the possibly inverted side, not a recompute.
type OpenResult struct {
	Result    *mt5.OrderResult
	Volume    float64
	Direction int
	Price     float64
}

// Executor owns one slave connection and applies the slave's copy
// policy to every order it sends.
type Executor struct {
	client mt5.Client
	log    *logrus.Logger

	mu    sync.RWMutex
	cfg   models.SlaveConfig
	calc  *lots.Calculator
	state models.AccountState
}

// New creates an executor for a slave. masterBalance seeds proportional
// sizing until the first heartbeat refresh.
func New(cfg models.SlaveConfig, client mt5.Client, masterBalance float64, log *logrus.Logger) *Executor {
	if log == nil {
		log = logrus.New()
	}
	return &Executor{
		client: client,
		log:    log,
		cfg:    cfg,
		calc:   lots.New(cfg, masterBalance, log),
		state: models.AccountState{
			Name: cfg.Name,
			Role: "slave",
			Host: cfg.Host,
			Port: cfg.Port,
		},
	}
}

// Initialize connects to the slave terminal, retrying up to maxRetries
// times.
func (e *Executor) Initialize(ctx context.Context, maxRetries int, retryDelay time.Duration) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		if lastErr = e.connect(ctx); lastErr == nil {
			return nil
		}
		e.log.WithError(lastErr).WithFields(logrus.Fields{
			"slave":   e.Name(),
			"attempt": attempt,
		}).Warn("slave connection attempt failed")
	}
	return fmt.Errorf("connecting slave %s after %d attempts: %w", e.Name(), maxRetries, lastErr)
}

func (e *Executor) connect(ctx context.Context) error {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	if err := e.client.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing terminal: %w", err)
	}
	if cfg.Login != 0 {
		if err := e.client.Login(ctx, cfg.Login, cfg.Password, cfg.Server); err != nil {
			return fmt.Errorf("logging in account %d: %w (%s)", cfg.Login, err, e.client.LastError())
		}
	}

	info, err := e.client.AccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("reading account info: %w", err)
	}

	e.Calculator().UpdateSlaveBalance(info.Balance)
	e.mu.Lock()
	e.state.ApplyAccountInfo(info.Balance, info.Equity, info.MarginLevel)
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"slave":   cfg.Name,
		"login":   info.Login,
		"balance": info.Balance,
	}).Info("slave connected")
	return nil
}

// OpenPosition copies a master open onto this slave. SL/TP are re-anchored
// to the slave's fill price so the stop distances match the master's
// regardless of entry slippage; zero master stops stay zero.
func (e *Executor) OpenPosition(ctx context.Context, master models.PositionSnapshot) (*OpenResult, error) {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	si, err := e.symbolInfoSelected(ctx, master.Symbol)
	if err != nil {
		return nil, e.recordError(err)
	}

	volume := e.Calculator().Calculate(master.Volume, si)
	if volume <= 0 {
		return nil, fmt.Errorf("calculated volume %.2f for %s is not tradable", volume, master.Symbol)
	}

	direction := master.Side
	if cfg.InvertTrades {
		direction = 1 - direction
	}

	tick, err := e.client.SymbolInfoTick(ctx, master.Symbol)
	if err != nil {
		return nil, e.recordError(fmt.Errorf("reading tick for %s: %w", master.Symbol, err))
	}
	price := tick.Ask
	if direction == mt5.OrderTypeSell {
		price = tick.Bid
	}

	sl, tp := AnchorStops(direction, price, master.PriceOpen, master.SL, master.TP)

	req := &mt5.OrderRequest{
		Action:      mt5.ActionDeal,
		Symbol:      master.Symbol,
		Volume:      volume,
		Type:        direction,
		Price:       price,
		SL:          sl,
		TP:          tp,
		Deviation:   cfg.MaxSlippage,
		Magic:       cfg.MagicNumber,
		Comment:     fmt.Sprintf("CT:%d", master.Ticket),
		TypeFilling: fillingFor(si),
	}

	result, err := e.client.OrderSend(ctx, req)
	if err != nil {
		return nil, e.recordError(fmt.Errorf("sending open for master ticket %d: %w", master.Ticket, err))
	}
	return &OpenResult{Result: result, Volume: volume, Direction: direction, Price: price}, nil
}

// ClosePosition closes volume lots of the slave position with the given
// ticket by sending the counter deal. Volume <= 0 closes the whole
// position. A ticket that is no longer open returns (nil, nil): the
// desired end state already holds.
func (e *Executor) ClosePosition(ctx context.Context, ticket int64, volume float64) (*mt5.OrderResult, error) {
	pos, err := e.PositionByTicket(ctx, ticket)
	if err != nil {
		return nil, e.recordError(err)
	}
	if pos == nil {
		e.log.WithFields(logrus.Fields{
			"slave":  e.Name(),
			"ticket": ticket,
		}).Debug("close skipped, position already gone")
		return nil, nil
	}

	if volume <= 0 || volume > pos.Volume {
		volume = pos.Volume
	}

	tick, err := e.client.SymbolInfoTick(ctx, pos.Symbol)
	if err != nil {
		return nil, e.recordError(fmt.Errorf("reading tick for %s: %w", pos.Symbol, err))
	}

	counterType := mt5.OrderTypeSell
	price := tick.Bid
	if pos.Type == mt5.OrderTypeSell {
		counterType = mt5.OrderTypeBuy
		price = tick.Ask
	}

	si, err := e.client.SymbolInfo(ctx, pos.Symbol)
	if err != nil {
		return nil, e.recordError(fmt.Errorf("reading symbol info for %s: %w", pos.Symbol, err))
	}

	e.mu.RLock()
	deviation := e.cfg.MaxSlippage
	magic := e.cfg.MagicNumber
	e.mu.RUnlock()

	req := &mt5.OrderRequest{
		Action:      mt5.ActionDeal,
		Symbol:      pos.Symbol,
		Volume:      volume,
		Type:        counterType,
		Price:       price,
		Deviation:   deviation,
		Magic:       magic,
		Comment:     "CT:close",
		Position:    ticket,
		TypeFilling: fillingFor(si),
	}

	result, err := e.client.OrderSend(ctx, req)
	if err != nil {
		return nil, e.recordError(fmt.Errorf("sending close for ticket %d: %w", ticket, err))
	}
	return result, nil
}

// ModifyPosition sets the SL/TP of an open slave position.
func (e *Executor) ModifyPosition(ctx context.Context, ticket int64, sl, tp float64) (*mt5.OrderResult, error) {
	pos, err := e.PositionByTicket(ctx, ticket)
	if err != nil {
		return nil, e.recordError(err)
	}
	if pos == nil {
		return nil, nil
	}

	req := &mt5.OrderRequest{
		Action:   mt5.ActionSLTP,
		Symbol:   pos.Symbol,
		Position: ticket,
		SL:       sl,
		TP:       tp,
	}

	result, err := e.client.OrderSend(ctx, req)
	if err != nil {
		return nil, e.recordError(fmt.Errorf("sending modify for ticket %d: %w", ticket, err))
	}
	return result, nil
}

// recordError notes a failed broker interaction on the account state and
// passes the error through.
func (e *Executor) recordError(err error) error {
	e.mu.Lock()
	e.state.RecordError(err.Error())
	e.mu.Unlock()
	return err
}

// PositionByTicket returns the open position with the given ticket, or
// nil when none exists. The bridge has no per-ticket lookup, so this
// scans positions_get.
func (e *Executor) PositionByTicket(ctx context.Context, ticket int64) (*mt5.Position, error) {
	positions, err := e.client.PositionsGet(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading slave positions: %w", err)
	}
	for i := range positions {
		if positions[i].Ticket == ticket {
			return &positions[i], nil
		}
	}
	return nil, nil
}

func (e *Executor) symbolInfoSelected(ctx context.Context, symbol string) (*mt5.SymbolInfo, error) {
	si, err := e.client.SymbolInfo(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("reading symbol info for %s: %w", symbol, err)
	}
	if si == nil {
		return nil, fmt.Errorf("symbol %s not available on slave %s", symbol, e.Name())
	}
	if !si.Visible {
		if err := e.client.SymbolSelect(ctx, symbol, true); err != nil {
			return nil, fmt.Errorf("selecting symbol %s: %w", symbol, err)
		}
		if si, err = e.client.SymbolInfo(ctx, symbol); err != nil || si == nil {
			return nil, fmt.Errorf("symbol %s not selectable on slave %s", symbol, e.Name())
		}
	}
	return si, nil
}

// AnchorStops rebuilds SL/TP around the slave entry price, preserving
// the master's absolute stop distances. A zero master level stays zero.
// The engine reuses it when translating master SL/TP modifications.
func AnchorStops(direction int, entry, masterEntry, masterSL, masterTP float64) (sl, tp float64) {
	if masterSL != 0 {
		dist := abs(masterEntry - masterSL)
		if direction == mt5.OrderTypeBuy {
			sl = entry - dist
		} else {
			sl = entry + dist
		}
	}
	if masterTP != 0 {
		dist := abs(masterEntry - masterTP)
		if direction == mt5.OrderTypeBuy {
			tp = entry + dist
		} else {
			tp = entry - dist
		}
	}
	return sl, tp
}

// fillingFor picks an order filling policy from the symbol's supported
// modes bitmask, preferring FOK, then IOC, then RETURN.
func fillingFor(si *mt5.SymbolInfo) int {
	if si == nil {
		return mt5.FillingFOK
	}
	switch {
	case si.FillingMode&mt5.SymbolFillingFOK != 0:
		return mt5.FillingFOK
	case si.FillingMode&mt5.SymbolFillingIOC != 0:
		return mt5.FillingIOC
	default:
		return mt5.FillingReturn
	}
}

// ShouldCopySymbol applies the slave's symbol filter.
func (e *Executor) ShouldCopySymbol(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.ShouldCopySymbol(symbol)
}

// UpdateMasterBalance forwards the latest master balance to the lot
// calculator.
func (e *Executor) UpdateMasterBalance(balance float64) {
	e.Calculator().UpdateMasterBalance(balance)
}

// UpdateAccountInfo refreshes the slave's balance and account state.
func (e *Executor) UpdateAccountInfo(ctx context.Context) error {
	info, err := e.client.AccountInfo(ctx)
	if err != nil {
		e.mu.Lock()
		e.state.RecordError(err.Error())
		e.mu.Unlock()
		return fmt.Errorf("refreshing slave %s account info: %w", e.Name(), err)
	}
	e.Calculator().UpdateSlaveBalance(info.Balance)
	e.mu.Lock()
	e.state.ApplyAccountInfo(info.Balance, info.Equity, info.MarginLevel)
	e.mu.Unlock()
	return nil
}

// Calculator returns the slave's current lot calculator. The engine
// reuses it for partial-close sizing.
func (e *Executor) Calculator() *lots.Calculator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.calc
}

// ApplyUpdate patches the slave's copy policy and rebuilds the lot
// calculator, preserving the observed balances.
func (e *Executor) ApplyUpdate(update models.SlaveUpdate) models.SlaveConfig {
	e.mu.Lock()
	defer e.mu.Unlock()

	if update.LotMode != nil {
		e.cfg.LotMode = *update.LotMode
	}
	if update.LotValue != nil {
		e.cfg.LotValue = *update.LotValue
	}
	if update.MinLot != nil {
		e.cfg.MinLot = *update.MinLot
	}
	if update.MaxLot != nil {
		e.cfg.MaxLot = *update.MaxLot
	}
	if update.SymbolsFilter != nil {
		e.cfg.SymbolsFilter = *update.SymbolsFilter
	}
	if update.MagicNumber != nil {
		e.cfg.MagicNumber = *update.MagicNumber
	}
	if update.InvertTrades != nil {
		e.cfg.InvertTrades = *update.InvertTrades
	}
	if update.MaxSlippage != nil {
		e.cfg.MaxSlippage = *update.MaxSlippage
	}

	master, slave := e.calc.Balances()
	e.calc = lots.New(e.cfg, master, e.log)
	e.calc.UpdateSlaveBalance(slave)
	return e.cfg
}

// SetEnabled flips the slave's enabled flag.
func (e *Executor) SetEnabled(enabled bool) {
	e.mu.Lock()
	e.cfg.Enabled = enabled
	e.mu.Unlock()
}

// Enabled reports whether the slave participates in copying.
func (e *Executor) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Enabled
}

// Shutdown disconnects from the terminal. Idempotent.
func (e *Executor) Shutdown() {
	if err := e.client.Shutdown(); err != nil {
		e.log.WithError(err).WithField("slave", e.Name()).Warn("slave shutdown error")
	}
	e.mu.Lock()
	e.state.Connected = false
	e.mu.Unlock()
}

// IsConnected reports whether the last broker interaction succeeded.
func (e *Executor) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Connected
}

// State returns a copy of the slave account state.
func (e *Executor) State() models.AccountState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Config returns a copy of the slave's current config.
func (e *Executor) Config() models.SlaveConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Name returns the slave's stable name.
func (e *Executor) Name() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Name
}

// SymbolInfo exposes the slave's symbol constraints for partial-close
// sizing in the engine.
func (e *Executor) SymbolInfo(ctx context.Context, symbol string) (*mt5.SymbolInfo, error) {
	return e.client.SymbolInfo(ctx, symbol)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
