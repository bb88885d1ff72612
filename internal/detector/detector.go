// Package detector turns consecutive position snapshots into a typed
// change set. The broker RPC offers no event subscription, so the whole
// pipeline is driven by diffing polls.
package detector

import (
	"sort"

	"github.com/sirupsen/logrus"

	"mt5copier/internal/models"
	"mt5copier/internal/util"
)

// Default comparison tolerances. Volumes arrive as floats of lots;
// prices as floats of quote units.
const (
	DefaultVolumeTolerance = 0.001
	DefaultPriceTolerance  = 1e-5
)

// Detector compares the current open-position set of an account against
// the previously observed one. Not safe for concurrent use; the master
// monitor is its only caller.
type Detector struct {
	previous map[int64]models.PositionSnapshot
	volTol   float64
	priceTol float64
	log      *logrus.Logger
}

// New creates a detector. Zero tolerances select the defaults.
func New(volTol, priceTol float64, log *logrus.Logger) *Detector {
	if volTol <= 0 {
		volTol = DefaultVolumeTolerance
	}
	if priceTol <= 0 {
		priceTol = DefaultPriceTolerance
	}
	if log == nil {
		log = logrus.New()
	}
	return &Detector{
		previous: make(map[int64]models.PositionSnapshot),
		volTol:   volTol,
		priceTol: priceTol,
		log:      log,
	}
}

// SetInitial installs the baseline snapshot without emitting changes.
// Used at startup so positions that predate the copier are not copied
// retroactively.
func (d *Detector) SetInitial(positions map[int64]models.PositionSnapshot) {
	d.previous = make(map[int64]models.PositionSnapshot, len(positions))
	for t, p := range positions {
		d.previous[t] = p
	}
	d.log.WithField("position_count", len(positions)).Info("initial snapshot set")
}

// Reset clears the baseline.
func (d *Detector) Reset() {
	d.previous = make(map[int64]models.PositionSnapshot)
}

// Diff compares current against the stored baseline, returns the
// detected changes and installs current as the new baseline.
//
// A ticket lands in at most one sequence: a volume decrease takes
// precedence over an SL/TP change seen in the same pass. Volume
// increases on an existing ticket are not a defined change and are
// ignored.
func (d *Detector) Diff(current map[int64]models.PositionSnapshot) models.ChangeSet {
	var changes models.ChangeSet

	for _, ticket := range sortedTickets(current) {
		if _, seen := d.previous[ticket]; !seen {
			pos := current[ticket]
			changes.Opens = append(changes.Opens, pos)
			d.log.WithFields(logrus.Fields{
				"ticket": ticket,
				"symbol": pos.Symbol,
				"volume": pos.Volume,
				"side":   pos.Side,
			}).Info("new position detected")
		}
	}

	for _, ticket := range sortedTickets(d.previous) {
		prev := d.previous[ticket]
		curr, alive := current[ticket]
		if !alive {
			changes.Closes = append(changes.Closes, prev)
			d.log.WithFields(logrus.Fields{
				"ticket": ticket,
				"symbol": prev.Symbol,
			}).Info("closed position detected")
			continue
		}

		if curr.Volume < prev.Volume-d.volTol {
			partial := models.PartialClose{
				Ticket:          ticket,
				ClosedVolume:    util.Round2(prev.Volume - curr.Volume),
				RemainingVolume: curr.Volume,
				OriginalVolume:  prev.Volume,
			}
			changes.Partials = append(changes.Partials, partial)
			d.log.WithFields(logrus.Fields{
				"ticket":           ticket,
				"closed_volume":    partial.ClosedVolume,
				"remaining_volume": partial.RemainingVolume,
			}).Info("partial close detected")
			continue
		}

		slChanged := abs(curr.SL-prev.SL) > d.priceTol
		tpChanged := abs(curr.TP-prev.TP) > d.priceTol
		if slChanged || tpChanged {
			mod := models.Modification{
				Ticket:    ticket,
				OldSL:     prev.SL,
				NewSL:     curr.SL,
				OldTP:     prev.TP,
				NewTP:     curr.TP,
				PriceOpen: curr.PriceOpen,
			}
			changes.Modifications = append(changes.Modifications, mod)
			d.log.WithFields(logrus.Fields{
				"ticket": ticket,
				"old_sl": mod.OldSL,
				"new_sl": mod.NewSL,
				"old_tp": mod.OldTP,
				"new_tp": mod.NewTP,
			}).Info("modification detected")
		}
	}

	d.previous = make(map[int64]models.PositionSnapshot, len(current))
	for t, p := range current {
		d.previous[t] = p
	}

	return changes
}

func sortedTickets(m map[int64]models.PositionSnapshot) []int64 {
	tickets := make([]int64, 0, len(m))
	for t := range m {
		tickets = append(tickets, t)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })
	return tickets
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
