package mt5

import (
	"context"
	"errors"
	"sync"
)

// MockClient is an in-memory Client for tests. Behavior is scripted via
// the exported fields and the optional hook functions; every order sent
// is recorded for assertions.
type MockClient struct {
	mu sync.Mutex

	InitializeErr error
	LoginErr      error
	LastErrText   string

	Account   AccountInfo
	Positions []Position
	Symbols   map[string]*SymbolInfo
	Ticks     map[string]*Tick

	// PositionsErr makes PositionsGet fail, simulating a transport error.
	PositionsErr error

	// OnOrderSend, when set, overrides the default DONE response.
	OnOrderSend func(req *OrderRequest) (*OrderResult, error)

	// NextOrderTicket seeds the tickets handed out for successful deals.
	NextOrderTicket int64

	SentOrders     []OrderRequest
	InitializeCall int
	ShutdownCalls  int
	LoginCalls     int
	SelectedSymbol map[string]bool
}

var _ Client = (*MockClient)(nil)

// NewMockClient returns a mock with a connected, empty account.
func NewMockClient() *MockClient {
	return &MockClient{
		Account:         AccountInfo{Login: 1000, Balance: 10000, Equity: 10000, MarginLevel: 0},
		Symbols:         make(map[string]*SymbolInfo),
		Ticks:           make(map[string]*Tick),
		SelectedSymbol:  make(map[string]bool),
		NextOrderTicket: 7001,
	}
}

// AddSymbol registers a visible symbol with the given constraints and tick.
func (m *MockClient) AddSymbol(symbol string, info SymbolInfo, tick Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	si := info
	m.Symbols[symbol] = &si
	tk := tick
	m.Ticks[symbol] = &tk
}

// SetPositions replaces the open position list returned by PositionsGet.
func (m *MockClient) SetPositions(positions []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Positions = append([]Position(nil), positions...)
}

func (m *MockClient) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InitializeCall++
	return m.InitializeErr
}

func (m *MockClient) Login(ctx context.Context, login int64, password, server string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoginCalls++
	return m.LoginErr
}

func (m *MockClient) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastErrText
}

func (m *MockClient) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShutdownCalls++
	return nil
}

func (m *MockClient) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.Account
	return &info, nil
}

func (m *MockClient) PositionsGet(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	return append([]Position(nil), m.Positions...), nil
}

func (m *MockClient) SymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.Symbols[symbol]
	if !ok {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

func (m *MockClient) SymbolInfoTick(ctx context.Context, symbol string) (*Tick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tick, ok := m.Ticks[symbol]
	if !ok {
		return nil, errors.New("mock: no tick for " + symbol)
	}
	cp := *tick
	return &cp, nil
}

func (m *MockClient) SymbolSelect(ctx context.Context, symbol string, enable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SelectedSymbol[symbol] = enable
	return nil
}

func (m *MockClient) OrderSend(ctx context.Context, req *OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	m.SentOrders = append(m.SentOrders, *req)
	hook := m.OnOrderSend
	ticket := m.NextOrderTicket
	m.NextOrderTicket++
	m.mu.Unlock()

	if hook != nil {
		return hook(req)
	}
	return &OrderResult{Retcode: RetcodeDone, Order: ticket, Volume: req.Volume, Price: req.Price}, nil
}

// Orders returns a copy of every order request sent so far.
func (m *MockClient) Orders() []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderRequest(nil), m.SentOrders...)
}
