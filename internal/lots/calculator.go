// Package lots derives slave trade volumes from master volumes under a
// slave's lot-sizing policy and the symbol's broker constraints.
package lots

import (
	"sync"

	"github.com/sirupsen/logrus"

	"mt5copier/internal/models"
	"mt5copier/internal/mt5"
	"mt5copier/internal/util"
)

// Calculator computes slave lot sizes. The arithmetic is a pure
// function of (master lot, config, balances, symbol constraints);
// balances are the only mutable inputs and are guarded for the
// heartbeat updater.
type Calculator struct {
	cfg models.SlaveConfig
	log *logrus.Logger

	mu            sync.RWMutex
	masterBalance float64
	slaveBalance  float64
}

// New creates a calculator for a slave's config with a starting master
// balance.
func New(cfg models.SlaveConfig, masterBalance float64, log *logrus.Logger) *Calculator {
	if log == nil {
		log = logrus.New()
	}
	return &Calculator{cfg: cfg, masterBalance: masterBalance, log: log}
}

// UpdateMasterBalance records the latest master balance for
// PROPORTIONAL sizing.
func (c *Calculator) UpdateMasterBalance(balance float64) {
	c.mu.Lock()
	c.masterBalance = balance
	c.mu.Unlock()
}

// UpdateSlaveBalance records the latest slave balance for PROPORTIONAL
// sizing.
func (c *Calculator) UpdateSlaveBalance(balance float64) {
	c.mu.Lock()
	c.slaveBalance = balance
	c.mu.Unlock()
}

// Balances returns the current (master, slave) balances.
func (c *Calculator) Balances() (master, slave float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.masterBalance, c.slaveBalance
}

// Calculate returns the slave lot for a master lot. The result is
// clamped to the config's [min_lot, max_lot], then to the symbol's
// [volume_min, volume_max], snapped to volume_step and rounded to two
// decimals. Identical inputs always produce identical outputs.
func (c *Calculator) Calculate(masterLot float64, si *mt5.SymbolInfo) float64 {
	c.mu.RLock()
	masterBalance, slaveBalance := c.masterBalance, c.slaveBalance
	c.mu.RUnlock()

	var lot float64
	switch c.cfg.LotMode {
	case models.LotFixed:
		lot = c.cfg.LotValue
	case models.LotMultiplier:
		lot = masterLot * c.cfg.LotValue
	case models.LotProportional:
		if masterBalance > 0 {
			lot = masterLot * (slaveBalance / masterBalance)
		} else {
			lot = masterLot
			c.log.WithFields(logrus.Fields{
				"slave":  c.cfg.Name,
				"reason": "master balance unknown",
			}).Warn("proportional sizing fell back to exact copy")
		}
	default: // models.LotExact
		lot = masterLot
	}

	lot = util.Clamp(lot, c.cfg.MinLot, c.cfg.MaxLot)

	if si != nil {
		lot = util.Clamp(lot, si.VolumeMin, si.VolumeMax)
		lot = util.RoundToTick(lot, si.VolumeStep)
	}

	return util.Round2(lot)
}

// PartialCloseVolume returns the volume to close on the slave for a
// master partial close, keeping the master's close ratio. The result is
// raised to volume_min when below it (closing less than the minimum
// would be rejected), snapped to volume_step and rounded to two
// decimals. Returns 0 when the master's original volume is not positive.
func (c *Calculator) PartialCloseVolume(masterClosed, masterOriginal, slaveCurrent float64, si *mt5.SymbolInfo) float64 {
	if masterOriginal <= 0 {
		return 0
	}

	closeVolume := slaveCurrent * (masterClosed / masterOriginal)

	if si != nil {
		if closeVolume < si.VolumeMin {
			closeVolume = si.VolumeMin
		}
		closeVolume = util.RoundToTick(closeVolume, si.VolumeStep)
	}

	return util.Round2(closeVolume)
}

// Config returns the config the calculator was built with.
func (c *Calculator) Config() models.SlaveConfig {
	return c.cfg
}
