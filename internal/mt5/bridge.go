package mt5

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Default timeouts. The bridge proxies calls into a terminal running
// under Wine, so round trips can take far longer than a plain TCP
// service; 30s proved too short in practice.
const (
	DefaultCallTimeout  = 120 * time.Second
	DefaultLoginTimeout = 60 * time.Second
	defaultDialTimeout  = 10 * time.Second
)

// BridgeClient talks to an MT5 bridge over newline-delimited JSON on
// TCP. Each request carries an id, a method name and a params object;
// the bridge answers with the matching id and either a result or an
// error string.
//
// The zero value is not usable; construct with NewBridgeClient.
type BridgeClient struct {
	host string
	port int

	callTimeout  time.Duration
	loginTimeout time.Duration
	dialTimeout  time.Duration

	mu       sync.Mutex // serializes calls and guards the fields below
	conn     net.Conn
	rd       *bufio.Reader
	nextID   uint64
	lastErr  string
	shutdown bool
}

var _ Client = (*BridgeClient)(nil)

// NewBridgeClient creates a client for the bridge at host:port. The
// connection is established by Initialize, not here.
func NewBridgeClient(host string, port int) *BridgeClient {
	return &BridgeClient{
		host:         host,
		port:         port,
		callTimeout:  DefaultCallTimeout,
		loginTimeout: DefaultLoginTimeout,
		dialTimeout:  defaultDialTimeout,
	}
}

// SetDialTimeout adjusts the TCP connect timeout used by Initialize.
func (c *BridgeClient) SetDialTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.dialTimeout = d
	}
}

// SetCallTimeout adjusts the per-call timeout for subsequent requests.
func (c *BridgeClient) SetCallTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.callTimeout = d
	}
}

type bridgeRequest struct {
	ID     uint64         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type bridgeResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// call performs one round trip under the client mutex. The out argument
// receives the decoded result and may be nil when the caller only needs
// success/failure.
func (c *BridgeClient) call(ctx context.Context, timeout time.Duration, method string, params map[string]any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("mt5: %s: not connected", method)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mt5: %s: %w", method, err)
	}

	c.nextID++
	req := bridgeRequest{ID: c.nextID, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("mt5: encoding %s request: %w", method, err)
	}
	payload = append(payload, '\n')

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("mt5: %s: setting deadline: %w", method, err)
	}

	if _, err := c.conn.Write(payload); err != nil {
		c.lastErr = err.Error()
		return fmt.Errorf("mt5: sending %s: %w", method, err)
	}

	line, err := c.rd.ReadBytes('\n')
	if err != nil {
		c.lastErr = err.Error()
		return fmt.Errorf("mt5: reading %s response: %w", method, err)
	}

	var resp bridgeResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("mt5: decoding %s response: %w", method, err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("mt5: %s: response id %d does not match request id %d", method, resp.ID, req.ID)
	}
	if resp.Error != "" {
		c.lastErr = resp.Error
		return fmt.Errorf("mt5: %s: %s", method, resp.Error)
	}
	if out != nil && len(resp.Result) > 0 && string(resp.Result) != "null" {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("mt5: decoding %s result: %w", method, err)
		}
	}
	return nil
}

// Initialize dials the bridge and asks the terminal to initialize.
func (c *BridgeClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.conn == nil {
		dialer := net.Dialer{Timeout: c.dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.host, c.port))
		if err != nil {
			c.lastErr = err.Error()
			c.mu.Unlock()
			return fmt.Errorf("mt5: dialing bridge %s:%d: %w", c.host, c.port, err)
		}
		c.conn = conn
		c.rd = bufio.NewReader(conn)
		c.shutdown = false
	}
	c.mu.Unlock()

	var ok bool
	if err := c.call(ctx, c.callTimeout, "initialize", nil, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mt5: initialize failed: %s", c.LastError())
	}
	return nil
}

// Login authorizes on the trading account.
func (c *BridgeClient) Login(ctx context.Context, login int64, password, server string) error {
	params := map[string]any{
		"login":    login,
		"password": password,
		"server":   server,
		"timeout":  c.loginTimeout.Milliseconds(),
	}
	var ok bool
	if err := c.call(ctx, c.loginTimeout, "login", params, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mt5: login %d failed: %s", login, c.LastError())
	}
	return nil
}

// LastError returns the most recent terminal or transport error text.
func (c *BridgeClient) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Shutdown asks the terminal to shut down the connection and closes the
// socket. Idempotent.
func (c *BridgeClient) Shutdown() error {
	c.mu.Lock()
	if c.shutdown || c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.shutdown = true
	c.conn = nil
	c.rd = nil
	c.mu.Unlock()

	// Best-effort notification; the socket close is what matters.
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if payload, err := json.Marshal(bridgeRequest{Method: "shutdown"}); err == nil {
		_, _ = conn.Write(append(payload, '\n'))
	}
	return conn.Close()
}

// AccountInfo fetches login, balance, equity and margin level.
func (c *BridgeClient) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.call(ctx, c.callTimeout, "account_info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PositionsGet lists all open positions on the account.
func (c *BridgeClient) PositionsGet(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := c.call(ctx, c.callTimeout, "positions_get", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// SymbolInfo fetches the trading constraints for a symbol. A missing
// symbol yields (nil, nil).
func (c *BridgeClient) SymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	var info *SymbolInfo
	if err := c.call(ctx, c.callTimeout, "symbol_info", map[string]any{"symbol": symbol}, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// SymbolInfoTick fetches the current bid/ask for a symbol.
func (c *BridgeClient) SymbolInfoTick(ctx context.Context, symbol string) (*Tick, error) {
	var tick *Tick
	if err := c.call(ctx, c.callTimeout, "symbol_info_tick", map[string]any{"symbol": symbol}, &tick); err != nil {
		return nil, err
	}
	return tick, nil
}

// SymbolSelect shows or hides a symbol in the terminal's market watch.
func (c *BridgeClient) SymbolSelect(ctx context.Context, symbol string, enable bool) error {
	var ok bool
	params := map[string]any{"symbol": symbol, "enable": enable}
	if err := c.call(ctx, c.callTimeout, "symbol_select", params, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mt5: symbol_select %s failed: %s", symbol, c.LastError())
	}
	return nil
}

// OrderSend submits a trade request and returns the server's result.
// A non-DONE retcode is not an error at this layer; classification
// belongs to the retry manager.
func (c *BridgeClient) OrderSend(ctx context.Context, req *OrderRequest) (*OrderResult, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mt5: encoding order request: %w", err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("mt5: encoding order request: %w", err)
	}

	var result *OrderResult
	if err := c.call(ctx, c.callTimeout, "order_send", map[string]any{"request": params}, &result); err != nil {
		return nil, err
	}
	return result, nil
}
