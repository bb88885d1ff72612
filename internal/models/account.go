package models

import "time"

// LotMode selects how a slave's trade volume is derived from the master's.
type LotMode string

const (
	LotExact        LotMode = "exact"        // same lot size as master
	LotFixed        LotMode = "fixed"        // fixed lot size for all trades
	LotMultiplier   LotMode = "multiplier"   // master lot * lot_value
	LotProportional LotMode = "proportional" // scaled by balance ratio
)

// Valid reports whether m is one of the defined lot modes.
func (m LotMode) Valid() bool {
	switch m {
	case LotExact, LotFixed, LotMultiplier, LotProportional:
		return true
	}
	return false
}

// MasterConfig identifies the master account and its bridge endpoint.
type MasterConfig struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Login    int64  `json:"login,omitempty"` // 0 = no auto-login
	Password string `json:"password,omitempty"`
	Server   string `json:"server,omitempty"`
}

// SlaveConfig is the full per-slave transformation policy plus the
// bridge endpoint. Name is the stable key for the slave.
type SlaveConfig struct {
	Name          string   `json:"name"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	Enabled       bool     `json:"enabled"`
	Login         int64    `json:"login,omitempty"` // 0 = no auto-login
	Password      string   `json:"password,omitempty"`
	Server        string   `json:"server,omitempty"`
	LotMode       LotMode  `json:"lot_mode"`
	LotValue      float64  `json:"lot_value,omitempty"`
	MinLot        float64  `json:"min_lot"`
	MaxLot        float64  `json:"max_lot"`
	SymbolsFilter []string `json:"symbols_filter,omitempty"` // nil = copy all symbols
	MagicNumber   int32    `json:"magic_number,omitempty"`
	InvertTrades  bool     `json:"invert_trades"`
	MaxSlippage   int      `json:"max_slippage"` // points
}

// ShouldCopySymbol reports whether this slave copies trades on symbol.
func (c *SlaveConfig) ShouldCopySymbol(symbol string) bool {
	if c.SymbolsFilter == nil {
		return true
	}
	for _, s := range c.SymbolsFilter {
		if s == symbol {
			return true
		}
	}
	return false
}

// SlaveUpdate is the whitelisted patch applied by the control surface.
// Nil fields are left unchanged.
type SlaveUpdate struct {
	LotMode       *LotMode  `json:"lot_mode,omitempty"`
	LotValue      *float64  `json:"lot_value,omitempty"`
	MinLot        *float64  `json:"min_lot,omitempty"`
	MaxLot        *float64  `json:"max_lot,omitempty"`
	SymbolsFilter *[]string `json:"symbols_filter,omitempty"`
	MagicNumber   *int32    `json:"magic_number,omitempty"`
	InvertTrades  *bool     `json:"invert_trades,omitempty"`
	MaxSlippage   *int      `json:"max_slippage,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (u SlaveUpdate) IsEmpty() bool {
	return u.LotMode == nil && u.LotValue == nil && u.MinLot == nil &&
		u.MaxLot == nil && u.SymbolsFilter == nil && u.MagicNumber == nil &&
		u.InvertTrades == nil && u.MaxSlippage == nil
}

// AccountState is the runtime-only mirror of the last observed broker
// state for one account connection.
type AccountState struct {
	Name           string     `json:"name"`
	Role           string     `json:"role"` // "master" or "slave"
	Host           string     `json:"host"`
	Port           int        `json:"port"`
	Connected      bool       `json:"connected"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
	PositionsCount int        `json:"positions_count"`
	Balance        float64    `json:"balance"`
	Equity         float64    `json:"equity"`
	MarginLevel    float64    `json:"margin_level"`
	ErrorCount     int        `json:"error_count"`
	LastError      string     `json:"last_error,omitempty"`
}

// ApplyAccountInfo records a successful account info refresh: balances
// are updated, the connection is marked healthy and the error state is
// cleared.
func (s *AccountState) ApplyAccountInfo(balance, equity, marginLevel float64) {
	now := time.Now()
	s.Balance = balance
	s.Equity = equity
	s.MarginLevel = marginLevel
	s.LastHeartbeat = &now
	s.Connected = true
	s.ErrorCount = 0
	s.LastError = ""
}

// RecordError notes a failed broker interaction and marks the
// connection unhealthy.
func (s *AccountState) RecordError(err string) {
	s.ErrorCount++
	s.LastError = err
	s.Connected = false
}
