package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5copier/internal/deploy"
	"mt5copier/internal/engine"
	"mt5copier/internal/models"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// stubEngine scripts EngineService responses for handler tests.
type stubEngine struct {
	running bool
	master  models.AccountState
	slaves  map[string]engine.SlaveInfo

	addErr           error
	lastUpdate       models.SlaveUpdate
	lastDisableClose bool
	mappings         []models.PositionMapping
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		running: true,
		master:  models.AccountState{Name: "master", Role: "master", Connected: true, Balance: 10000},
		slaves: map[string]engine.SlaveInfo{
			"slave1": {
				Config: models.SlaveConfig{Name: "slave1", Enabled: true, LotMode: models.LotExact, Password: "secret"},
				State:  models.AccountState{Name: "slave1", Role: "slave", Connected: true, Balance: 2500},
			},
		},
	}
}

func (s *stubEngine) IsRunning() bool                  { return s.running }
func (s *stubEngine) MasterState() models.AccountState { return s.master }

func (s *stubEngine) Status() engine.Status {
	return engine.Status{Running: s.running, Master: s.master, Slaves: s.ListSlaves(), OpenMappings: len(s.mappings)}
}

func (s *stubEngine) ListSlaves() []engine.SlaveInfo {
	out := make([]engine.SlaveInfo, 0, len(s.slaves))
	for _, info := range s.slaves {
		out = append(out, info)
	}
	return out
}

func (s *stubEngine) GetSlave(name string) (engine.SlaveInfo, error) {
	info, ok := s.slaves[name]
	if !ok {
		return engine.SlaveInfo{}, fmt.Errorf("slave %s not found", name)
	}
	return info, nil
}

func (s *stubEngine) AddSlave(ctx context.Context, cfg models.SlaveConfig) error {
	if s.addErr != nil {
		return s.addErr
	}
	if _, exists := s.slaves[cfg.Name]; exists {
		return fmt.Errorf("slave %s already exists", cfg.Name)
	}
	s.slaves[cfg.Name] = engine.SlaveInfo{Config: cfg}
	return nil
}

func (s *stubEngine) RemoveSlave(ctx context.Context, name string, closePositions bool) error {
	if _, ok := s.slaves[name]; !ok {
		return fmt.Errorf("slave %s not found", name)
	}
	delete(s.slaves, name)
	return nil
}

func (s *stubEngine) EnableSlave(ctx context.Context, name string) error {
	_, err := s.GetSlave(name)
	return err
}

func (s *stubEngine) DisableSlave(ctx context.Context, name string, closePositions bool) error {
	if _, err := s.GetSlave(name); err != nil {
		return err
	}
	s.lastDisableClose = closePositions
	return nil
}

func (s *stubEngine) UpdateSlave(ctx context.Context, name string, update models.SlaveUpdate) (models.SlaveConfig, error) {
	info, ok := s.slaves[name]
	if !ok {
		return models.SlaveConfig{}, fmt.Errorf("slave %s not found", name)
	}
	s.lastUpdate = update
	return info.Config, nil
}

func (s *stubEngine) Reconnect(ctx context.Context, name string) error {
	_, err := s.GetSlave(name)
	return err
}

func (s *stubEngine) PositionMappings() []models.PositionMapping { return s.mappings }

func (s *stubEngine) MappingsForMaster(ticket int64) []models.PositionMapping {
	var out []models.PositionMapping
	for _, m := range s.mappings {
		if m.MasterTicket == ticket {
			out = append(out, m)
		}
	}
	return out
}

func (s *stubEngine) Stats() engine.MappingStats {
	return engine.MappingStats{TotalOpen: len(s.mappings), BySlave: map[string]int{}, BySymbol: map[string]int{}}
}

type stubDeployer struct {
	created []deploy.SlaveRequest
	waited  []string
	removed []string
	waitErr error
}

func (d *stubDeployer) CreateSlaveContainer(ctx context.Context, req deploy.SlaveRequest) (*deploy.SlaveDeployment, error) {
	d.created = append(d.created, req)
	return &deploy.SlaveDeployment{Name: req.Name, ContainerName: "mt5-" + req.Name, Port: 3101}, nil
}

func (d *stubDeployer) WaitForReady(ctx context.Context, name string, timeout time.Duration) error {
	d.waited = append(d.waited, name)
	return d.waitErr
}

func (d *stubDeployer) RemoveContainer(ctx context.Context, name string) error {
	d.removed = append(d.removed, name)
	return nil
}

func newTestServer(eng EngineService, dep Deployer) *Server {
	return NewServer(Config{Host: "127.0.0.1", Port: 0}, eng, dep, quietLogger())
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthHealthy(t *testing.T) {
	srv := newTestServer(newStubEngine(), nil)
	rec := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	out := decode(t, rec)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, true, out["running"])
	assert.Equal(t, true, out["master_connected"])
	assert.Equal(t, float64(1), out["slaves_connected"])
	assert.Equal(t, float64(1), out["slaves_total"])
	assert.Equal(t, float64(0), out["active_mappings"])
}

func TestHealthDegradedWhenSlaveDown(t *testing.T) {
	eng := newStubEngine()
	info := eng.slaves["slave1"]
	info.State.Connected = false
	eng.slaves["slave1"] = info

	srv := newTestServer(eng, nil)
	rec := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestHealthUnhealthyWhenMasterDown(t *testing.T) {
	eng := newStubEngine()
	eng.master.Connected = false

	srv := newTestServer(eng, nil)
	rec := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decode(t, rec)["status"])
}

func TestReady(t *testing.T) {
	eng := newStubEngine()
	srv := newTestServer(eng, nil)

	rec := do(t, srv, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	eng.running = false
	rec = do(t, srv, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusStripsPasswords(t *testing.T) {
	srv := newTestServer(newStubEngine(), nil)
	rec := do(t, srv, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	assert.True(t, decode(t, rec)["running"].(bool))
}

func TestListSlavesStripsPasswords(t *testing.T) {
	srv := newTestServer(newStubEngine(), nil)
	rec := do(t, srv, http.MethodGet, "/accounts/slaves", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestAddSlave(t *testing.T) {
	eng := newStubEngine()
	srv := newTestServer(eng, nil)

	body := `{"name":"slave2","host":"localhost","port":3102,"enabled":true,"lot_mode":"multiplier","lot_value":2.0}`
	rec := do(t, srv, http.MethodPost, "/accounts/slaves", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	_, err := eng.GetSlave("slave2")
	assert.NoError(t, err)
}

func TestAddSlaveDuplicateIs400(t *testing.T) {
	srv := newTestServer(newStubEngine(), nil)
	rec := do(t, srv, http.MethodPost, "/accounts/slaves", `{"name":"slave1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddSlaveBadJSONIs400(t *testing.T) {
	srv := newTestServer(newStubEngine(), nil)
	rec := do(t, srv, http.MethodPost, "/accounts/slaves", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateSlave(t *testing.T) {
	eng := newStubEngine()
	srv := newTestServer(eng, nil)

	rec := do(t, srv, http.MethodPut, "/accounts/slaves/slave1", `{"lot_mode":"fixed","lot_value":0.5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, eng.lastUpdate.LotMode)
	assert.Equal(t, models.LotFixed, *eng.lastUpdate.LotMode)
	require.NotNil(t, eng.lastUpdate.LotValue)
	assert.Equal(t, 0.5, *eng.lastUpdate.LotValue)
}

func TestUpdateUnknownSlaveIs404(t *testing.T) {
	srv := newTestServer(newStubEngine(), nil)
	rec := do(t, srv, http.MethodPut, "/accounts/slaves/nope", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoveSlave(t *testing.T) {
	eng := newStubEngine()
	srv := newTestServer(eng, nil)

	rec := do(t, srv, http.MethodDelete, "/accounts/slaves/slave1?close_positions=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "slave1", out["removed"])
	assert.Equal(t, true, out["closed_positions"])
	assert.Empty(t, eng.slaves)
}

func TestEnableDisableReconnect(t *testing.T) {
	srv := newTestServer(newStubEngine(), nil)

	for _, path := range []string{
		"/accounts/slaves/slave1/enable",
		"/accounts/slaves/slave1/disable",
		"/accounts/slave1/reconnect",
	} {
		rec := do(t, srv, http.MethodPost, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := do(t, srv, http.MethodPost, "/accounts/slaves/nope/enable", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAccountMasterAndSlave(t *testing.T) {
	srv := newTestServer(newStubEngine(), nil)

	rec := do(t, srv, http.MethodGet, "/accounts/master", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "master", decode(t, rec)["name"])

	rec = do(t, srv, http.MethodGet, "/accounts/slave1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/accounts/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPositionsByMasterUnknownTicketIsFoundFalse(t *testing.T) {
	eng := newStubEngine()
	eng.mappings = []models.PositionMapping{{MasterTicket: 42, SlaveName: "slave1", SlaveTicket: 9001}}
	srv := newTestServer(eng, nil)

	rec := do(t, srv, http.MethodGet, "/positions/master/42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["found"])

	rec = do(t, srv, http.MethodGet, "/positions/master/999", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["found"])

	rec = do(t, srv, http.MethodGet, "/positions/master/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPositionsAndStats(t *testing.T) {
	eng := newStubEngine()
	eng.mappings = []models.PositionMapping{{MasterTicket: 1, SlaveName: "slave1"}}
	srv := newTestServer(eng, nil)

	rec := do(t, srv, http.MethodGet, "/positions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/positions/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["total_open"])
}

func TestDeploySlaveRegistersWithEngine(t *testing.T) {
	dep := &stubDeployer{}
	eng := newStubEngine()
	srv := newTestServer(eng, dep)

	rec := do(t, srv, http.MethodPost, "/deploy/slave", `{"name":"slave9","login":5005,"server":"Demo-Server"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, decode(t, rec)["registered"])

	require.Len(t, dep.created, 1)
	assert.Equal(t, "slave9", dep.created[0].Name)
	assert.Equal(t, []string{"slave9"}, dep.waited)

	// The ready container is registered on its published bridge port.
	info, err := eng.GetSlave("slave9")
	require.NoError(t, err)
	assert.Equal(t, "localhost", info.Config.Host)
	assert.Equal(t, 3101, info.Config.Port)
	assert.Equal(t, int64(5005), info.Config.Login)
	assert.True(t, info.Config.Enabled)

	// Second call inside the rate window is rejected.
	rec = do(t, srv, http.MethodPost, "/deploy/slave", `{"name":"slave10"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestDeploySlaveNotReadyIsCreatedButUnregistered(t *testing.T) {
	dep := &stubDeployer{waitErr: errors.New("bridge not listening")}
	eng := newStubEngine()
	srv := newTestServer(eng, dep)

	rec := do(t, srv, http.MethodPost, "/deploy/slave", `{"name":"slave9"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	out := decode(t, rec)
	assert.Equal(t, false, out["registered"])
	assert.Contains(t, out["message"], "not ready")

	_, err := eng.GetSlave("slave9")
	assert.Error(t, err)
}

func TestUndeploySlaveDeregistersAndRemovesContainer(t *testing.T) {
	dep := &stubDeployer{}
	eng := newStubEngine()
	srv := newTestServer(eng, dep)

	rec := do(t, srv, http.MethodDelete, "/deploy/slave/slave1?close_positions=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["deregistered"])
	assert.Equal(t, []string{"slave1"}, dep.removed)

	_, err := eng.GetSlave("slave1")
	assert.Error(t, err)
}

func TestUndeployUnknownSlaveStillRemovesContainer(t *testing.T) {
	dep := &stubDeployer{}
	srv := newTestServer(newStubEngine(), dep)

	rec := do(t, srv, http.MethodDelete, "/deploy/slave/ghost", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["deregistered"])
	assert.Equal(t, []string{"ghost"}, dep.removed)
}

func TestDisableSlavePassesClosePositions(t *testing.T) {
	eng := newStubEngine()
	srv := newTestServer(eng, nil)

	rec := do(t, srv, http.MethodPost, "/accounts/slaves/slave1/disable?close_positions=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, eng.lastDisableClose)
	assert.Equal(t, true, decode(t, rec)["closed_positions"])
}

func TestDeployEndpointsAbsentWithoutDeployer(t *testing.T) {
	srv := newTestServer(newStubEngine(), nil)
	rec := do(t, srv, http.MethodPost, "/deploy/slave", `{"name":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
