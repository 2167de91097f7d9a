// State extraction and storage state-of-charge integration for the local
// backend.

package local

import (
	"fmt"
	"math"
	"time"

	"github.com/gridsim/gridsim/grid"
)

// CurrentState returns the latest solved snapshot.
//
// Before the first solve it returns a flat-start snapshot (nominal voltages,
// zero flows, converged=false). After a failed solve it returns
// (nil, ErrStateInvalid) until a solve succeeds again; it never returns a
// partially populated snapshot.
func (e *Engine) CurrentState() (*grid.GridState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.stateInvalid {
		return nil, fmt.Errorf("after failed power flow: %w", grid.ErrStateInvalid)
	}

	state := &grid.GridState{
		Timestamp:  time.Now().UTC(),
		Converged:  e.sol != nil,
		Buses:      make(map[int]*grid.BusState, len(e.net.Buses)),
		Lines:      make(map[int]*grid.LineState, len(e.net.Lines)),
		Generators: make(map[int]*grid.GeneratorState, len(e.net.Generators)),
		Loads:      make(map[int]*grid.LoadState, len(e.net.Loads)),
		Storage:    make(map[int]*grid.StorageState, len(e.net.Storage)),
	}
	if e.lastResult != nil {
		state.Iterations = e.lastResult.Iterations
	}

	for id, b := range e.net.Buses {
		if !b.InService {
			continue
		}
		bs := &grid.BusState{VoltagePU: 1.0}
		if e.sol != nil {
			bs.VoltagePU = e.sol.vm[id]
			bs.AngleDeg = e.sol.va[id] * 180 / math.Pi
		}
		state.Buses[id] = bs
	}

	for id, l := range e.net.Lines {
		ls := &grid.LineState{InService: l.InService}
		if e.sol != nil {
			if f, ok := e.sol.lineFlows[id]; ok {
				ls.PFromMW = f.pFromMW
				ls.QFromMVAr = f.qFromMVAr
				ls.PToMW = f.pToMW
				ls.QToMVAr = f.qToMVAr
				ls.LoadingPercent = f.loadingPercent
			}
		}
		state.Lines[id] = ls
	}

	for id, g := range e.net.Generators {
		if !g.InService {
			continue
		}
		state.Generators[id] = &grid.GeneratorState{PMW: g.PMW, QMVAr: g.QMVAr}
		state.TotalGenerationMW += g.PMW
	}
	for id, l := range e.net.Loads {
		if !l.InService {
			continue
		}
		state.Loads[id] = &grid.LoadState{PMW: l.PMW, QMVAr: l.QMVAr}
		state.TotalLoadMW += l.PMW
	}
	for id, s := range e.net.Storage {
		if !s.InService {
			continue
		}
		state.Storage[id] = &grid.StorageState{PMW: s.PMW, SOCPercent: s.SOCPercent}
		if s.PMW > 0 {
			state.TotalGenerationMW += s.PMW
		} else {
			state.TotalLoadMW += -s.PMW
		}
	}
	if e.sol != nil {
		state.TotalGenerationMW += e.sol.slackPMW
		state.TotalLossesMW = state.TotalGenerationMW - state.TotalLoadMW
	}
	return state, nil
}

// UpdateStorageSOC integrates each in-service storage unit's energy over the
// elapsed wall time. Charging (negative dispatch) gains energy scaled by the
// charge efficiency; discharging loses energy divided by the discharge
// efficiency. The resulting state of charge is clamped to the unit's SOC
// window; over- and under-charge clamp rather than fail.
func (e *Engine) UpdateStorageSOC(elapsedSeconds float64) error {
	if elapsedSeconds < 0 {
		return fmt.Errorf("elapsed seconds %f: %w", elapsedSeconds, grid.ErrInvalidValue)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	hours := elapsedSeconds / 3600
	for _, s := range e.net.Storage {
		if !s.InService || s.MaxEnergyMWh <= 0 {
			continue
		}
		effCharge := s.EfficiencyCharge
		if effCharge <= 0 {
			effCharge = 1
		}
		effDischarge := s.EfficiencyDischarge
		if effDischarge <= 0 {
			effDischarge = 1
		}
		energy := s.SOCPercent / 100 * s.MaxEnergyMWh
		switch {
		case s.PMW < 0: // charging
			energy += math.Abs(s.PMW) * effCharge * hours
		case s.PMW > 0: // discharging
			energy -= math.Abs(s.PMW) / effDischarge * hours
		}
		soc := energy / s.MaxEnergyMWh * 100
		soc = math.Max(soc, math.Max(s.SOCMinPercent, 0))
		soc = math.Min(soc, math.Min(s.SOCMaxPercent, 100))
		s.SOCPercent = soc
	}
	return nil
}
