package monitor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
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

func masterConfig() models.MasterConfig {
	return models.MasterConfig{Name: "master", Host: "localhost", Port: 8001}
}

func TestInitializeSeedsBaseline(t *testing.T) {
	client := mt5.NewMockClient()
	client.SetPositions([]mt5.Position{
		{Ticket: 100, Symbol: "EURUSD", Type: mt5.OrderTypeBuy, Volume: 0.50, PriceOpen: 1.0850},
	})

	m := New(masterConfig(), client, quietLogger())
	require.NoError(t, m.Initialize(context.Background(), 1, time.Millisecond))

	assert.True(t, m.IsConnected())
	assert.Equal(t, 10000.0, m.Balance())
	assert.Equal(t, 1, m.State().PositionsCount)

	// The pre-existing position must not surface as an open.
	changes, err := m.DetectChanges(context.Background())
	require.NoError(t, err)
	assert.True(t, changes.IsEmpty())
}

func TestInitializeSkipsLoginWithoutCredentials(t *testing.T) {
	client := mt5.NewMockClient()
	m := New(masterConfig(), client, quietLogger())
	require.NoError(t, m.Initialize(context.Background(), 1, time.Millisecond))
	assert.Equal(t, 0, client.LoginCalls)
}

func TestInitializeLogsInWhenConfigured(t *testing.T) {
	client := mt5.NewMockClient()
	cfg := masterConfig()
	cfg.Login = 12345
	cfg.Password = "pw"
	cfg.Server = "Demo-Server"

	m := New(cfg, client, quietLogger())
	require.NoError(t, m.Initialize(context.Background(), 1, time.Millisecond))
	assert.Equal(t, 1, client.LoginCalls)
}

func TestInitializeRetriesAndReportsLastError(t *testing.T) {
	client := mt5.NewMockClient()
	client.InitializeErr = errors.New("bridge unreachable")

	m := New(masterConfig(), client, quietLogger())
	err := m.Initialize(context.Background(), 3, time.Millisecond)

	require.Error(t, err)
	assert.Equal(t, 3, client.InitializeCall)
	assert.Contains(t, err.Error(), "bridge unreachable")
}

func TestDetectChangesEmitsOpen(t *testing.T) {
	client := mt5.NewMockClient()
	m := New(masterConfig(), client, quietLogger())
	require.NoError(t, m.Initialize(context.Background(), 1, time.Millisecond))

	client.SetPositions([]mt5.Position{
		{Ticket: 1, Symbol: "EURUSD", Type: mt5.OrderTypeBuy, Volume: 0.10, PriceOpen: 1.0850, SL: 1.0800, TP: 1.0950},
	})

	changes, err := m.DetectChanges(context.Background())
	require.NoError(t, err)
	require.Len(t, changes.Opens, 1)
	open := changes.Opens[0]
	assert.Equal(t, int64(1), open.Ticket)
	assert.Equal(t, "EURUSD", open.Symbol)
	assert.Equal(t, models.SideBuy, open.Side)
	assert.Equal(t, 0.10, open.Volume)
	assert.Equal(t, 1, m.State().PositionsCount)
}

func TestDetectChangesFetchFailureReturnsEmptySet(t *testing.T) {
	client := mt5.NewMockClient()
	m := New(masterConfig(), client, quietLogger())
	require.NoError(t, m.Initialize(context.Background(), 1, time.Millisecond))

	client.SetPositions([]mt5.Position{{Ticket: 1, Symbol: "EURUSD", Volume: 0.10}})
	_, err := m.DetectChanges(context.Background())
	require.NoError(t, err)

	// A failed poll must not turn the live position into a phantom close.
	client.PositionsErr = errors.New("read timeout")
	changes, err := m.DetectChanges(context.Background())
	require.Error(t, err)
	assert.True(t, changes.IsEmpty())
	assert.False(t, m.IsConnected())
	assert.Equal(t, "fetching master positions: read timeout", err.Error())

	// Once the fetch recovers, the position is still just "unchanged".
	client.PositionsErr = nil
	changes, err = m.DetectChanges(context.Background())
	require.NoError(t, err)
	assert.True(t, changes.IsEmpty())
	assert.True(t, m.IsConnected())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client := mt5.NewMockClient()
	m := New(masterConfig(), client, quietLogger())
	require.NoError(t, m.Initialize(context.Background(), 1, time.Millisecond))

	client.PositionsErr = errors.New("connection refused")
	for i := 0; i < breakerMaxFailures; i++ {
		_, err := m.DetectChanges(context.Background())
		require.Error(t, err)
	}

	_, err := m.DetectChanges(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestUpdateAccountInfo(t *testing.T) {
	client := mt5.NewMockClient()
	m := New(masterConfig(), client, quietLogger())
	require.NoError(t, m.Initialize(context.Background(), 1, time.Millisecond))

	client.Account = mt5.AccountInfo{Login: 1000, Balance: 10500, Equity: 10432.10, MarginLevel: 850}
	require.NoError(t, m.UpdateAccountInfo(context.Background()))

	state := m.State()
	assert.Equal(t, 10500.0, state.Balance)
	assert.Equal(t, 10432.10, state.Equity)
	assert.Equal(t, 850.0, state.MarginLevel)
	require.NotNil(t, state.LastHeartbeat)
}

func TestShutdownMarksDisconnected(t *testing.T) {
	client := mt5.NewMockClient()
	m := New(masterConfig(), client, quietLogger())
	require.NoError(t, m.Initialize(context.Background(), 1, time.Millisecond))

	m.Shutdown()
	assert.False(t, m.IsConnected())
	assert.Equal(t, 1, client.ShutdownCalls)
}
