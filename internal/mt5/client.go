// Package mt5 defines the capability interface the copier consumes to
// talk to a MetaTrader 5 terminal through its RPC bridge, along with the
// wire types and trade constants of that surface.
package mt5

import "context"

// Trade return codes from the trade server.
const (
	RetcodeDone          = 10009 // request completed
	RetcodePlaced        = 10008 // order placed
	RetcodeReject        = 10006 // request rejected
	RetcodeCancel        = 10007 // request canceled
	RetcodeInvalidVolume = 10014
	RetcodeInvalidPrice  = 10015
	RetcodeInvalidStops  = 10016
	RetcodeMarketClosed  = 10018
	RetcodeNoMoney       = 10019
	RetcodeConnection    = 10031 // no connection to trade server
)

// Trade request actions.
const (
	ActionDeal = 1 // market order
	ActionSLTP = 6 // modify SL/TP of an open position
)

// Order types for market deals.
const (
	OrderTypeBuy  = 0
	OrderTypeSell = 1
)

// Order filling policies.
const (
	FillingFOK    = 0
	FillingIOC    = 1
	FillingReturn = 2
)

// Symbol filling_mode bitmask bits.
const (
	SymbolFillingFOK = 1
	SymbolFillingIOC = 2
)

// AccountInfo is the subset of account state the copier reads.
type AccountInfo struct {
	Login       int64   `json:"login"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	MarginLevel float64 `json:"margin_level"`
}

// Position is one open position as reported by positions_get.
type Position struct {
	Ticket    int64   `json:"ticket"`
	Symbol    string  `json:"symbol"`
	Type      int     `json:"type"` // 0=BUY, 1=SELL
	Volume    float64 `json:"volume"`
	PriceOpen float64 `json:"price_open"`
	SL        float64 `json:"sl"`
	TP        float64 `json:"tp"`
	Magic     int32   `json:"magic"`
	Comment   string  `json:"comment"`
	Time      int64   `json:"time"`
	Profit    float64 `json:"profit"`
}

// SymbolInfo carries the trading constraints the copier needs when
// sizing and sending orders for a symbol.
type SymbolInfo struct {
	Visible     bool    `json:"visible"`
	FillingMode int     `json:"filling_mode"` // bitmask of SymbolFilling* bits
	VolumeMin   float64 `json:"volume_min"`
	VolumeMax   float64 `json:"volume_max"`
	VolumeStep  float64 `json:"volume_step"`
}

// Tick is the current best bid/ask for a symbol.
type Tick struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

// OrderRequest is a trade request passed to order_send.
type OrderRequest struct {
	Action      int     `json:"action"`
	Symbol      string  `json:"symbol,omitempty"`
	Volume      float64 `json:"volume,omitempty"`
	Type        int     `json:"type"`
	Price       float64 `json:"price,omitempty"`
	SL          float64 `json:"sl"`
	TP          float64 `json:"tp"`
	Deviation   int     `json:"deviation,omitempty"`
	Magic       int32   `json:"magic,omitempty"`
	Comment     string  `json:"comment,omitempty"`
	Position    int64   `json:"position,omitempty"`
	TypeFilling int     `json:"type_filling"`
}

// OrderResult is the trade server's response to order_send.
type OrderResult struct {
	Retcode int     `json:"retcode"`
	Order   int64   `json:"order"`
	Deal    int64   `json:"deal"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	Comment string  `json:"comment"`
}

// Client is the synchronous facade over the MT5 bridge RPC. One client
// owns one terminal connection; calls are processed sequentially.
//
// Every method that performs a network round trip takes a context; the
// bridge's IPC latency can be large, so callers should rely on the
// client's configured per-call timeout rather than tight deadlines.
type Client interface {
	// Initialize establishes the terminal connection.
	Initialize(ctx context.Context) error
	// Login authorizes on a trading account. It uses the client's login
	// timeout, which is independent of the per-call timeout.
	Login(ctx context.Context, login int64, password, server string) error
	// LastError returns the terminal's last error description.
	LastError() string
	// Shutdown tears down the connection. Safe to call more than once.
	Shutdown() error

	AccountInfo(ctx context.Context) (*AccountInfo, error)
	PositionsGet(ctx context.Context) ([]Position, error)
	SymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	SymbolInfoTick(ctx context.Context, symbol string) (*Tick, error)
	SymbolSelect(ctx context.Context, symbol string, enable bool) error
	OrderSend(ctx context.Context, req *OrderRequest) (*OrderResult, error)
}

// Factory builds a client for a bridge endpoint. The engine uses it to
// construct executors for dynamically added slaves.
type Factory func(host string, port int) Client
