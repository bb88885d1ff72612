// Package engine drives the copy loop: it polls the master for changes
// and replays every open, close, partial close and SL/TP change onto
// the configured slave accounts, persisting the master-to-slave ticket
// mappings as it goes.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mt5copier/internal/executor"
	"mt5copier/internal/models"
	"mt5copier/internal/monitor"
	"mt5copier/internal/mt5"
	"mt5copier/internal/retry"
	"mt5copier/internal/store"
	"mt5copier/internal/util"
)

// Config holds the engine's timing knobs. Zero values select defaults;
// InitialDelay defaults to none.
type Config struct {
	// InitialDelay is waited out before the first connection attempt,
	// giving freshly started terminal containers time to boot.
	InitialDelay      time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MasterRetries     int
	MasterRetryDelay  time.Duration
	SlaveRetries      int
	SlaveRetryDelay   time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.MasterRetries <= 0 {
		c.MasterRetries = 10
	}
	if c.MasterRetryDelay <= 0 {
		c.MasterRetryDelay = 15 * time.Second
	}
	if c.SlaveRetries <= 0 {
		c.SlaveRetries = 3
	}
	if c.SlaveRetryDelay <= 0 {
		c.SlaveRetryDelay = 5 * time.Second
	}
}

// pollErrorBackoff is the pause after a failed master poll before the
// next attempt.
const pollErrorBackoff = 1 * time.Second

// SlaveInfo is a slave's config and runtime state, as exposed to the
// control surface.
type SlaveInfo struct {
	Config models.SlaveConfig  `json:"config"`
	State  models.AccountState `json:"state"`
}

// Status is the engine-wide snapshot returned by the control surface.
type Status struct {
	Running      bool                `json:"running"`
	Master       models.AccountState `json:"master"`
	Slaves       []SlaveInfo         `json:"slaves"`
	OpenMappings int                 `json:"open_mappings"`
}

// MappingStats aggregates the live mappings for the stats endpoint.
type MappingStats struct {
	TotalOpen int            `json:"total_open"`
	BySlave   map[string]int `json:"by_slave"`
	BySymbol  map[string]int `json:"by_symbol"`
}

// Engine coordinates the monitor, the slave executors, the retry
// manager and the mapping store.
type Engine struct {
	cfg     Config
	master  *monitor.Monitor
	store   store.Store
	retry   *retry.Manager
	factory mt5.Factory
	log     *logrus.Logger

	mu          sync.RWMutex
	slaves      map[string]*executor.Executor
	positionMap map[int64][]*models.PositionMapping
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New creates an engine. Slaves are registered with AddSlave before
// Start.
func New(master *monitor.Monitor, st store.Store, factory mt5.Factory, retryMgr *retry.Manager, cfg Config, log *logrus.Logger) *Engine {
	cfg.applyDefaults()
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		cfg:         cfg,
		master:      master,
		store:       st,
		retry:       retryMgr,
		factory:     factory,
		log:         log,
		slaves:      make(map[string]*executor.Executor),
		positionMap: make(map[int64][]*models.PositionMapping),
	}
}

// Start connects the master and every enabled slave, reloads the open
// mappings from the store and launches the poll and heartbeat loops.
// Slaves that fail to connect are disabled rather than aborting the
// whole engine, but at least one slave must come up.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.mu.Unlock()

	if e.cfg.InitialDelay > 0 {
		e.log.WithField("delay", e.cfg.InitialDelay.String()).Info("waiting before first connection")
		select {
		case <-ctx.Done():
			return fmt.Errorf("starting engine: %w", ctx.Err())
		case <-time.After(e.cfg.InitialDelay):
		}
	}

	if err := e.master.Initialize(ctx, e.cfg.MasterRetries, e.cfg.MasterRetryDelay); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	connected := 0
	for _, exec := range e.snapshotSlaves() {
		if !exec.Enabled() {
			continue
		}
		if err := exec.Initialize(ctx, e.cfg.SlaveRetries, e.cfg.SlaveRetryDelay); err != nil {
			e.log.WithError(err).WithField("slave", exec.Name()).Error("slave failed to connect, disabling")
			exec.SetEnabled(false)
			e.audit(ctx, models.AuditEvent{
				Type:      "slave_connect_failed",
				SlaveName: exec.Name(),
				Details:   map[string]any{"error": err.Error()},
			})
			continue
		}
		exec.UpdateMasterBalance(e.master.Balance())
		connected++
	}
	if connected == 0 {
		e.master.Shutdown()
		return fmt.Errorf("starting engine: no slave connected")
	}

	loaded, err := e.store.LoadOpenMappings(ctx)
	if err != nil {
		return fmt.Errorf("loading open mappings: %w", err)
	}

	e.mu.Lock()
	e.positionMap = make(map[int64][]*models.PositionMapping, len(loaded))
	for ticket, mappings := range loaded {
		for i := range mappings {
			m := mappings[i]
			e.positionMap[ticket] = append(e.positionMap[ticket], &m)
		}
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"slaves":        connected,
		"open_mappings": len(loaded),
		"poll_interval": e.cfg.PollInterval.String(),
	}).Info("engine started")
	e.audit(ctx, models.AuditEvent{Type: "engine_started", Details: map[string]any{"slaves": connected}})

	e.wg.Add(2)
	go e.run(ctx)
	go e.heartbeat(ctx)
	return nil
}

// Stop halts the loops and disconnects every account. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()

	e.master.Shutdown()
	for _, exec := range e.snapshotSlaves() {
		exec.Shutdown()
	}
	e.audit(context.Background(), models.AuditEvent{Type: "engine_stopped"})
	e.log.Info("engine stopped")
}

// IsRunning reports whether the copy loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		changes, err := e.master.DetectChanges(ctx)
		if err != nil {
			e.log.WithError(err).Warn("master poll failed")
			if !e.sleep(ctx, pollErrorBackoff) {
				return
			}
			continue
		}

		if !changes.IsEmpty() {
			e.process(ctx, changes)
		}

		if !e.sleep(ctx, e.cfg.PollInterval) {
			return
		}
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-e.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// process replays one change set. Opens go first so that a position
// opened and modified between two polls lands before its modification.
func (e *Engine) process(ctx context.Context, changes models.ChangeSet) {
	for _, open := range changes.Opens {
		e.handleOpen(ctx, open)
	}
	for _, closed := range changes.Closes {
		e.handleClose(ctx, closed)
	}
	for _, partial := range changes.Partials {
		e.handlePartial(ctx, partial)
	}
	for _, mod := range changes.Modifications {
		e.handleModify(ctx, mod)
	}
}

func (e *Engine) handleOpen(ctx context.Context, master models.PositionSnapshot) {
	var eligible []*executor.Executor
	for _, exec := range e.snapshotSlaves() {
		if exec.Enabled() && exec.ShouldCopySymbol(master.Symbol) {
			eligible = append(eligible, exec)
		}
	}
	if len(eligible) == 0 {
		e.log.WithFields(logrus.Fields{
			"ticket": master.Ticket,
			"symbol": master.Symbol,
		}).Info("no eligible slave for new position")
		return
	}

	var (
		mappingMu sync.Mutex
		mappings  []models.PositionMapping
	)

	g := new(errgroup.Group)
	for _, exec := range eligible {
		exec := exec
		g.Go(func() error {
			op := e.retry.NewOperation(models.OpOpen, master.Ticket, exec.Name())

			var last *executor.OpenResult
			e.retry.Do(ctx, op, func(ctx context.Context) (*mt5.OrderResult, error) {
				res, err := exec.OpenPosition(ctx, master)
				if err != nil {
					return nil, err
				}
				last = res
				return res.Result, nil
			}, func(result *mt5.OrderResult) {
				if result == nil || last == nil {
					return
				}
				mapping := models.PositionMapping{
					MasterTicket: master.Ticket,
					SlaveName:    exec.Name(),
					SlaveTicket:  result.Order,
					MasterVolume: master.Volume,
					SlaveVolume:  last.Volume,
					Symbol:       master.Symbol,
					Direction:    last.Direction,
					Status:       models.StatusOpen,
					CreatedAt:    time.Now(),
				}
				mappingMu.Lock()
				mappings = append(mappings, mapping)
				mappingMu.Unlock()

				e.audit(ctx, models.AuditEvent{
					Type:         "position_opened",
					MasterTicket: master.Ticket,
					SlaveName:    exec.Name(),
					SlaveTicket:  result.Order,
					Details: map[string]any{
						"symbol": master.Symbol,
						"volume": last.Volume,
						"price":  last.Price,
					},
				})
			}, func(errMsg string) {
				e.audit(ctx, models.AuditEvent{
					Type:         "copy_failed",
					MasterTicket: master.Ticket,
					SlaveName:    exec.Name(),
					Details:      map[string]any{"symbol": master.Symbol, "error": errMsg},
				})
			})
			return nil
		})
	}
	_ = g.Wait()

	if len(mappings) == 0 {
		return
	}
	if err := e.store.SaveMappings(ctx, master.Ticket, mappings); err != nil {
		e.log.WithError(err).WithField("ticket", master.Ticket).Error("persisting mappings failed")
	}

	e.mu.Lock()
	for i := range mappings {
		m := mappings[i]
		e.positionMap[master.Ticket] = append(e.positionMap[master.Ticket], &m)
	}
	e.mu.Unlock()
}

func (e *Engine) handleClose(ctx context.Context, master models.PositionSnapshot) {
	mappings := e.mappingsFor(master.Ticket)
	if len(mappings) == 0 {
		e.log.WithField("ticket", master.Ticket).Info("close for untracked position, skipping")
		return
	}

	g := new(errgroup.Group)
	for _, mapping := range mappings {
		mapping := mapping
		exec := e.slaveByName(mapping.SlaveName)
		if exec == nil {
			continue
		}
		g.Go(func() error {
			op := e.retry.NewOperation(models.OpClose, master.Ticket, mapping.SlaveName)
			e.retry.Do(ctx, op, func(ctx context.Context) (*mt5.OrderResult, error) {
				return exec.ClosePosition(ctx, mapping.SlaveTicket, 0)
			}, func(result *mt5.OrderResult) {
				e.audit(ctx, models.AuditEvent{
					Type:         "position_closed",
					MasterTicket: master.Ticket,
					SlaveName:    mapping.SlaveName,
					SlaveTicket:  mapping.SlaveTicket,
					Details:      map[string]any{"symbol": mapping.Symbol},
				})
			}, func(errMsg string) {
				e.audit(ctx, models.AuditEvent{
					Type:         "close_failed",
					MasterTicket: master.Ticket,
					SlaveName:    mapping.SlaveName,
					SlaveTicket:  mapping.SlaveTicket,
					Details:      map[string]any{"error": errMsg},
				})
			})
			return nil
		})
	}
	_ = g.Wait()

	if err := e.store.UpdateMappingsStatus(ctx, master.Ticket, models.StatusClosed); err != nil {
		e.log.WithError(err).WithField("ticket", master.Ticket).Error("closing mappings failed")
	}

	e.mu.Lock()
	delete(e.positionMap, master.Ticket)
	e.mu.Unlock()
}

func (e *Engine) handlePartial(ctx context.Context, partial models.PartialClose) {
	mappings := e.mappingsFor(partial.Ticket)
	if len(mappings) == 0 {
		e.log.WithField("ticket", partial.Ticket).Info("partial close for untracked position, skipping")
		return
	}

	g := new(errgroup.Group)
	for _, mapping := range mappings {
		mapping := mapping
		exec := e.slaveByName(mapping.SlaveName)
		if exec == nil {
			continue
		}
		g.Go(func() error {
			si, err := exec.SymbolInfo(ctx, mapping.Symbol)
			if err != nil {
				e.log.WithError(err).WithFields(logrus.Fields{
					"slave":  mapping.SlaveName,
					"symbol": mapping.Symbol,
				}).Warn("symbol info unavailable for partial close")
				return nil
			}

			// SlaveVolume is mutated by the success callback under e.mu; take
			// a consistent snapshot for the sizing and remainder math.
			e.mu.RLock()
			slaveVolume := mapping.SlaveVolume
			e.mu.RUnlock()

			closeVolume := exec.Calculator().PartialCloseVolume(
				partial.ClosedVolume, partial.OriginalVolume, slaveVolume, si)
			if closeVolume <= 0 {
				return nil
			}

			op := e.retry.NewOperation(models.OpPartialClose, partial.Ticket, mapping.SlaveName)
			e.retry.Do(ctx, op, func(ctx context.Context) (*mt5.OrderResult, error) {
				return exec.ClosePosition(ctx, mapping.SlaveTicket, closeVolume)
			}, func(result *mt5.OrderResult) {
				remaining := util.Round2(slaveVolume - closeVolume)
				if remaining < 0 {
					remaining = 0
				}
				e.mu.Lock()
				mapping.SlaveVolume = remaining
				e.mu.Unlock()

				if err := e.store.UpdateMappingVolume(ctx, partial.Ticket, mapping.SlaveName, remaining); err != nil {
					e.log.WithError(err).WithField("ticket", partial.Ticket).Error("persisting partial close failed")
				}
				e.audit(ctx, models.AuditEvent{
					Type:         "partial_close",
					MasterTicket: partial.Ticket,
					SlaveName:    mapping.SlaveName,
					SlaveTicket:  mapping.SlaveTicket,
					Details: map[string]any{
						"closed_volume":    closeVolume,
						"remaining_volume": remaining,
					},
				})
			}, func(errMsg string) {
				e.audit(ctx, models.AuditEvent{
					Type:         "partial_close_failed",
					MasterTicket: partial.Ticket,
					SlaveName:    mapping.SlaveName,
					SlaveTicket:  mapping.SlaveTicket,
					Details:      map[string]any{"error": errMsg},
				})
			})
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) handleModify(ctx context.Context, mod models.Modification) {
	mappings := e.mappingsFor(mod.Ticket)
	if len(mappings) == 0 {
		e.log.WithField("ticket", mod.Ticket).Info("modification for untracked position, skipping")
		return
	}

	g := new(errgroup.Group)
	for _, mapping := range mappings {
		mapping := mapping
		exec := e.slaveByName(mapping.SlaveName)
		if exec == nil {
			continue
		}
		g.Go(func() error {
			op := e.retry.NewOperation(models.OpModify, mod.Ticket, mapping.SlaveName)
			e.retry.Do(ctx, op, func(ctx context.Context) (*mt5.OrderResult, error) {
				slavePos, err := exec.PositionByTicket(ctx, mapping.SlaveTicket)
				if err != nil {
					return nil, err
				}
				if slavePos == nil {
					return nil, nil
				}
				// Translate the master's new levels into distances from its
				// entry, then re-anchor them around the slave's own entry.
				sl, tp := executor.AnchorStops(mapping.Direction, slavePos.PriceOpen, mod.PriceOpen, mod.NewSL, mod.NewTP)
				return exec.ModifyPosition(ctx, mapping.SlaveTicket, sl, tp)
			}, func(result *mt5.OrderResult) {
				e.audit(ctx, models.AuditEvent{
					Type:         "position_modified",
					MasterTicket: mod.Ticket,
					SlaveName:    mapping.SlaveName,
					SlaveTicket:  mapping.SlaveTicket,
					Details:      map[string]any{"new_sl": mod.NewSL, "new_tp": mod.NewTP},
				})
			}, nil)
			return nil
		})
	}
	_ = g.Wait()
}

// heartbeat refreshes account balances so proportional sizing tracks
// equity drift and the control surface sees live connection health.
func (e *Engine) heartbeat(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := e.master.UpdateAccountInfo(ctx); err != nil {
			e.log.WithError(err).Warn("master heartbeat failed")
		}
		balance := e.master.Balance()

		for _, exec := range e.snapshotSlaves() {
			exec.UpdateMasterBalance(balance)
			if !exec.Enabled() {
				continue
			}
			if err := exec.UpdateAccountInfo(ctx); err != nil {
				e.log.WithError(err).WithField("slave", exec.Name()).Warn("slave heartbeat failed")
			}
		}
	}
}

// AddSlave registers a new slave. When the engine is running and the
// slave is enabled it is connected immediately; a connection failure
// rejects the registration.
func (e *Engine) AddSlave(ctx context.Context, cfg models.SlaveConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("slave name is required")
	}
	if cfg.LotMode == "" {
		cfg.LotMode = models.LotExact
	}
	if !cfg.LotMode.Valid() {
		return fmt.Errorf("invalid lot mode %q", cfg.LotMode)
	}
	// Lot bounds of zero would clamp every trade to nothing.
	if cfg.MinLot <= 0 {
		cfg.MinLot = 0.01
	}
	if cfg.MaxLot <= 0 {
		cfg.MaxLot = 100
	}
	if cfg.MaxSlippage <= 0 {
		cfg.MaxSlippage = 20
	}

	e.mu.Lock()
	if _, exists := e.slaves[cfg.Name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("slave %s already exists", cfg.Name)
	}
	exec := executor.New(cfg, e.factory(cfg.Host, cfg.Port), e.master.Balance(), e.log)
	e.slaves[cfg.Name] = exec
	running := e.running
	e.mu.Unlock()

	if running && cfg.Enabled {
		if err := exec.Initialize(ctx, e.cfg.SlaveRetries, e.cfg.SlaveRetryDelay); err != nil {
			e.mu.Lock()
			delete(e.slaves, cfg.Name)
			e.mu.Unlock()
			return fmt.Errorf("connecting slave %s: %w", cfg.Name, err)
		}
		exec.UpdateMasterBalance(e.master.Balance())
	}

	e.audit(ctx, models.AuditEvent{Type: "slave_added", SlaveName: cfg.Name})
	e.log.WithField("slave", cfg.Name).Info("slave added")
	return nil
}

// RemoveSlave deregisters a slave. With closePositions set, every open
// position copied to that slave is closed first; the corresponding
// mappings are marked closed either way.
func (e *Engine) RemoveSlave(ctx context.Context, name string, closePositions bool) error {
	exec := e.slaveByName(name)
	if exec == nil {
		return fmt.Errorf("slave %s not found", name)
	}

	e.closeSlaveMappings(ctx, name, exec, closePositions)

	e.mu.Lock()
	delete(e.slaves, name)
	e.mu.Unlock()

	exec.Shutdown()
	e.audit(ctx, models.AuditEvent{
		Type:      "slave_removed",
		SlaveName: name,
		Details:   map[string]any{"close_positions": closePositions},
	})
	e.log.WithField("slave", name).Info("slave removed")
	return nil
}

// EnableSlave turns a slave back on, connecting it if needed.
func (e *Engine) EnableSlave(ctx context.Context, name string) error {
	exec := e.slaveByName(name)
	if exec == nil {
		return fmt.Errorf("slave %s not found", name)
	}
	exec.SetEnabled(true)
	if e.IsRunning() && !exec.IsConnected() {
		if err := exec.Initialize(ctx, e.cfg.SlaveRetries, e.cfg.SlaveRetryDelay); err != nil {
			return fmt.Errorf("connecting slave %s: %w", name, err)
		}
		exec.UpdateMasterBalance(e.master.Balance())
	}
	e.audit(ctx, models.AuditEvent{Type: "slave_enabled", SlaveName: name})
	return nil
}

// DisableSlave stops copying to a slave and shuts its bridge connection
// down. With closePositions set, the positions copied to it are closed
// first and their mappings marked closed; otherwise the mappings stay
// tracked until the slave is re-enabled.
func (e *Engine) DisableSlave(ctx context.Context, name string, closePositions bool) error {
	exec := e.slaveByName(name)
	if exec == nil {
		return fmt.Errorf("slave %s not found", name)
	}
	exec.SetEnabled(false)
	if closePositions {
		e.closeSlaveMappings(ctx, name, exec, true)
	}
	exec.Shutdown()
	e.audit(ctx, models.AuditEvent{
		Type:      "slave_disabled",
		SlaveName: name,
		Details:   map[string]any{"close_positions": closePositions},
	})
	return nil
}

// closeSlaveMappings marks every live mapping of a slave closed and
// drops it from the in-memory map. With closeOnBroker set, the slave's
// positions are closed at the broker first, best effort.
func (e *Engine) closeSlaveMappings(ctx context.Context, name string, exec *executor.Executor, closeOnBroker bool) {
	for _, mapping := range e.mappingsForSlave(name) {
		if closeOnBroker {
			if _, err := exec.ClosePosition(ctx, mapping.SlaveTicket, 0); err != nil {
				e.log.WithError(err).WithFields(logrus.Fields{
					"slave":  name,
					"ticket": mapping.SlaveTicket,
				}).Warn("closing slave position failed")
			}
		}
		now := time.Now()
		mapping.Status = models.StatusClosed
		mapping.ClosedAt = &now
		if err := e.store.SaveMappings(ctx, mapping.MasterTicket, []models.PositionMapping{mapping}); err != nil {
			e.log.WithError(err).WithField("slave", name).Warn("closing mapping failed")
		}
	}

	e.mu.Lock()
	for ticket, mappings := range e.positionMap {
		kept := mappings[:0]
		for _, m := range mappings {
			if m.SlaveName != name {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			delete(e.positionMap, ticket)
		} else {
			e.positionMap[ticket] = kept
		}
	}
	e.mu.Unlock()
}

// UpdateSlave applies a config patch to a slave and returns the new
// effective config.
func (e *Engine) UpdateSlave(ctx context.Context, name string, update models.SlaveUpdate) (models.SlaveConfig, error) {
	exec := e.slaveByName(name)
	if exec == nil {
		return models.SlaveConfig{}, fmt.Errorf("slave %s not found", name)
	}
	if update.LotMode != nil && !update.LotMode.Valid() {
		return models.SlaveConfig{}, fmt.Errorf("invalid lot mode %q", *update.LotMode)
	}
	if update.IsEmpty() {
		return exec.Config(), nil
	}

	cfg := exec.ApplyUpdate(update)
	e.audit(ctx, models.AuditEvent{Type: "slave_updated", SlaveName: name})
	e.log.WithField("slave", name).Info("slave config updated")
	return cfg, nil
}

// Reconnect tears down and re-establishes a slave's bridge connection.
func (e *Engine) Reconnect(ctx context.Context, name string) error {
	exec := e.slaveByName(name)
	if exec == nil {
		return fmt.Errorf("slave %s not found", name)
	}
	exec.Shutdown()
	if err := exec.Initialize(ctx, e.cfg.SlaveRetries, e.cfg.SlaveRetryDelay); err != nil {
		return fmt.Errorf("reconnecting slave %s: %w", name, err)
	}
	exec.UpdateMasterBalance(e.master.Balance())
	e.audit(ctx, models.AuditEvent{Type: "slave_reconnected", SlaveName: name})
	return nil
}

// ListSlaves returns every registered slave, sorted by name.
func (e *Engine) ListSlaves() []SlaveInfo {
	slaves := e.snapshotSlaves()
	infos := make([]SlaveInfo, 0, len(slaves))
	for _, exec := range slaves {
		infos = append(infos, SlaveInfo{Config: exec.Config(), State: exec.State()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Config.Name < infos[j].Config.Name })
	return infos
}

// GetSlave returns one slave's info.
func (e *Engine) GetSlave(name string) (SlaveInfo, error) {
	exec := e.slaveByName(name)
	if exec == nil {
		return SlaveInfo{}, fmt.Errorf("slave %s not found", name)
	}
	return SlaveInfo{Config: exec.Config(), State: exec.State()}, nil
}

// MasterState returns the master account's runtime state.
func (e *Engine) MasterState() models.AccountState {
	return e.master.State()
}

// Status returns the engine-wide snapshot.
func (e *Engine) Status() Status {
	e.mu.RLock()
	openMappings := 0
	for _, mappings := range e.positionMap {
		openMappings += len(mappings)
	}
	e.mu.RUnlock()

	return Status{
		Running:      e.IsRunning(),
		Master:       e.master.State(),
		Slaves:       e.ListSlaves(),
		OpenMappings: openMappings,
	}
}

// PositionMappings returns a copy of all live mappings, sorted by
// master ticket then slave name.
func (e *Engine) PositionMappings() []models.PositionMapping {
	e.mu.RLock()
	var out []models.PositionMapping
	for _, mappings := range e.positionMap {
		for _, m := range mappings {
			out = append(out, *m)
		}
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].MasterTicket != out[j].MasterTicket {
			return out[i].MasterTicket < out[j].MasterTicket
		}
		return out[i].SlaveName < out[j].SlaveName
	})
	return out
}

// MappingsForMaster returns the live mappings for one master ticket.
func (e *Engine) MappingsForMaster(ticket int64) []models.PositionMapping {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mappings := e.positionMap[ticket]
	out := make([]models.PositionMapping, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, *m)
	}
	return out
}

// Stats aggregates the live mappings.
func (e *Engine) Stats() MappingStats {
	stats := MappingStats{
		BySlave:  make(map[string]int),
		BySymbol: make(map[string]int),
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, mappings := range e.positionMap {
		for _, m := range mappings {
			stats.TotalOpen++
			stats.BySlave[m.SlaveName]++
			stats.BySymbol[m.Symbol]++
		}
	}
	return stats
}

func (e *Engine) snapshotSlaves() []*executor.Executor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*executor.Executor, 0, len(e.slaves))
	for _, exec := range e.slaves {
		out = append(out, exec)
	}
	return out
}

func (e *Engine) slaveByName(name string) *executor.Executor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.slaves[name]
}

func (e *Engine) mappingsFor(ticket int64) []*models.PositionMapping {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*models.PositionMapping(nil), e.positionMap[ticket]...)
}

// mappingsForSlave returns value copies so callers never touch the
// shared mappings outside e.mu.
func (e *Engine) mappingsForSlave(name string) []models.PositionMapping {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []models.PositionMapping
	for _, mappings := range e.positionMap {
		for _, m := range mappings {
			if m.SlaveName == name {
				out = append(out, *m)
			}
		}
	}
	return out
}

func (e *Engine) audit(ctx context.Context, event models.AuditEvent) {
	if err := e.store.LogEvent(ctx, event); err != nil {
		e.log.WithError(err).WithField("event", event.Type).Warn("audit log write failed")
	}
}
