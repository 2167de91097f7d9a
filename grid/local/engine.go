// Package local implements the in-process solver backend: the grid.Engine
// contract over a network.Network solved by Newton-Raphson power flow.
package local

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gridsim/gridsim/grid"
	"github.com/gridsim/gridsim/grid/network"
)

// Engine wraps a network model. The element slice indices of the network are
// the dense IDs exposed through the contract; name lookup maps are built once
// at construction and never renumbered while the instance lives.
type Engine struct {
	mu  sync.RWMutex
	net *network.Network

	busNameToID     map[string]int
	lineNameToID    map[string]int
	genNameToID     map[string]int
	loadNameToID    map[string]int
	storageNameToID map[string]int
	trafoNameToID   map[string]int

	lastResult   *grid.SimulationResult
	sol          *solution
	stateInvalid bool
}

// NewEngine builds an engine over the given network.
func NewEngine(net *network.Network) *Engine {
	e := &Engine{net: net}
	e.buildNameMaps()
	return e
}

// Reload replaces the network and rebuilds the ID mappings atomically.
// Any previous solution is discarded.
func (e *Engine) Reload(net *network.Network) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.net = net
	e.buildNameMaps()
	e.sol = nil
	e.lastResult = nil
	e.stateInvalid = false
}

func (e *Engine) buildNameMaps() {
	e.busNameToID = make(map[string]int, len(e.net.Buses))
	for id, b := range e.net.Buses {
		e.busNameToID[b.Name] = id
	}
	e.lineNameToID = make(map[string]int, len(e.net.Lines))
	for id, l := range e.net.Lines {
		e.lineNameToID[l.Name] = id
	}
	e.genNameToID = make(map[string]int, len(e.net.Generators))
	for id, g := range e.net.Generators {
		e.genNameToID[g.Name] = id
	}
	e.loadNameToID = make(map[string]int, len(e.net.Loads))
	for id, l := range e.net.Loads {
		e.loadNameToID[l.Name] = id
	}
	e.storageNameToID = make(map[string]int, len(e.net.Storage))
	for id, s := range e.net.Storage {
		e.storageNameToID[s.Name] = id
	}
	e.trafoNameToID = make(map[string]int, len(e.net.Transformers))
	for id, t := range e.net.Transformers {
		e.trafoNameToID[t.Name] = id
	}
}

// Network exposes the underlying model for test setup and tooling.
func (e *Engine) Network() *network.Network {
	return e.net
}

// Topology assembles the structural snapshot from the live model. IDs and
// names are fixed at load time; setpoint fields reflect executed commands.
func (e *Engine) Topology() *grid.Topology {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t := &grid.Topology{
		Name:         e.net.Name,
		Version:      e.net.Version,
		BaseMVA:      e.net.BaseMVA,
		FrequencyHz:  e.net.FrequencyHz,
		Buses:        make(map[int]*grid.BusInfo, len(e.net.Buses)),
		Lines:        make(map[int]*grid.LineInfo, len(e.net.Lines)),
		Generators:   make(map[int]*grid.GeneratorInfo, len(e.net.Generators)),
		Loads:        make(map[int]*grid.LoadInfo, len(e.net.Loads)),
		Storage:      make(map[int]*grid.StorageInfo, len(e.net.Storage)),
		Transformers: make(map[int]*grid.TransformerInfo, len(e.net.Transformers)),
	}
	for id := range e.net.Buses {
		t.Buses[id] = e.busInfoLocked(id)
	}
	for id := range e.net.Lines {
		t.Lines[id] = e.lineInfoLocked(id)
	}
	for id := range e.net.Generators {
		t.Generators[id] = e.generatorInfoLocked(id)
	}
	for id := range e.net.Loads {
		t.Loads[id] = e.loadInfoLocked(id)
	}
	for id := range e.net.Storage {
		t.Storage[id] = e.storageInfoLocked(id)
	}
	for id := range e.net.Transformers {
		t.Transformers[id] = e.transformerInfoLocked(id)
	}
	return t
}

func (e *Engine) busInfoLocked(id int) *grid.BusInfo {
	b := e.net.Buses[id]
	// Generators are fixed P/Q injections here, so generator buses stay PQ;
	// only the ext-grid connection is classified differently.
	busType := grid.BusTypePQ
	for _, eg := range e.net.ExtGrids {
		if eg.InService && eg.Bus == id {
			busType = grid.BusTypeSlack
		}
	}
	return &grid.BusInfo{ID: id, Name: b.Name, VnKV: b.VnKV, Type: busType, InService: b.InService}
}

func (e *Engine) lineInfoLocked(id int) *grid.LineInfo {
	l := e.net.Lines[id]
	return &grid.LineInfo{
		ID:        id,
		Name:      l.Name,
		FromBus:   l.FromBus,
		ToBus:     l.ToBus,
		ROhm:      l.ROhmPerKM * l.LengthKM,
		XOhm:      l.XOhmPerKM * l.LengthKM,
		CNf:       l.CNfPerKM * l.LengthKM,
		MaxIKA:    l.MaxIKA,
		InService: l.InService,
	}
}

func (e *Engine) generatorInfoLocked(id int) *grid.GeneratorInfo {
	g := e.net.Generators[id]
	status := grid.DeviceStatusOnline
	if !g.InService {
		status = grid.DeviceStatusOffline
	}
	return &grid.GeneratorInfo{
		ID:        id,
		Name:      g.Name,
		Bus:       g.Bus,
		PMW:       g.PMW,
		QMVAr:     g.QMVAr,
		PMinMW:    g.PMinMW,
		PMaxMW:    g.PMaxMW,
		DERType:   g.DERType,
		Status:    status,
		InService: g.InService,
	}
}

func (e *Engine) loadInfoLocked(id int) *grid.LoadInfo {
	l := e.net.Loads[id]
	return &grid.LoadInfo{ID: id, Name: l.Name, Bus: l.Bus, PMW: l.PMW, QMVAr: l.QMVAr, InService: l.InService}
}

func (e *Engine) storageInfoLocked(id int) *grid.StorageInfo {
	s := e.net.Storage[id]
	return &grid.StorageInfo{
		ID:                  id,
		Name:                s.Name,
		Bus:                 s.Bus,
		PMW:                 s.PMW,
		MaxEnergyMWh:        s.MaxEnergyMWh,
		MinEnergyMWh:        s.MinEnergyMWh,
		PMinMW:              s.PMinMW,
		PMaxMW:              s.PMaxMW,
		SOCPercent:          s.SOCPercent,
		SOCMinPercent:       s.SOCMinPercent,
		SOCMaxPercent:       s.SOCMaxPercent,
		EfficiencyCharge:    s.EfficiencyCharge,
		EfficiencyDischarge: s.EfficiencyDischarge,
		InService:           s.InService,
	}
}

func (e *Engine) transformerInfoLocked(id int) *grid.TransformerInfo {
	t := e.net.Transformers[id]
	return &grid.TransformerInfo{
		ID:             id,
		Name:           t.Name,
		HVBus:          t.HVBus,
		LVBus:          t.LVBus,
		SnMVA:          t.SnMVA,
		VnHVKV:         t.VnHVKV,
		VnLVKV:         t.VnLVKV,
		VKPercent:      t.VKPercent,
		VKRPercent:     t.VKRPercent,
		TapSide:        t.TapSide,
		TapNeutral:     t.TapNeutral,
		TapMin:         t.TapMin,
		TapMax:         t.TapMax,
		TapStepPercent: t.TapStepPercent,
		TapPos:         t.TapPos,
		InService:      t.InService,
	}
}

// BusInfo returns the info record for a bus ID.
func (e *Engine) BusInfo(id int) (*grid.BusInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if id < 0 || id >= len(e.net.Buses) {
		return nil, fmt.Errorf("bus %d: %w", id, grid.ErrNotFound)
	}
	return e.busInfoLocked(id), nil
}

// LineInfo returns the info record for a line ID.
func (e *Engine) LineInfo(id int) (*grid.LineInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if id < 0 || id >= len(e.net.Lines) {
		return nil, fmt.Errorf("line %d: %w", id, grid.ErrNotFound)
	}
	return e.lineInfoLocked(id), nil
}

// GeneratorInfo returns the info record for a generator ID.
func (e *Engine) GeneratorInfo(id int) (*grid.GeneratorInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if id < 0 || id >= len(e.net.Generators) {
		return nil, fmt.Errorf("generator %d: %w", id, grid.ErrNotFound)
	}
	return e.generatorInfoLocked(id), nil
}

// LoadInfo returns the info record for a load ID.
func (e *Engine) LoadInfo(id int) (*grid.LoadInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if id < 0 || id >= len(e.net.Loads) {
		return nil, fmt.Errorf("load %d: %w", id, grid.ErrNotFound)
	}
	return e.loadInfoLocked(id), nil
}

// StorageInfo returns the info record for a storage ID.
func (e *Engine) StorageInfo(id int) (*grid.StorageInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if id < 0 || id >= len(e.net.Storage) {
		return nil, fmt.Errorf("storage %d: %w", id, grid.ErrNotFound)
	}
	return e.storageInfoLocked(id), nil
}

// TransformerInfo returns the info record for a transformer ID.
func (e *Engine) TransformerInfo(id int) (*grid.TransformerInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if id < 0 || id >= len(e.net.Transformers) {
		return nil, fmt.Errorf("transformer %d: %w", id, grid.ErrNotFound)
	}
	return e.transformerInfoLocked(id), nil
}

// SetBreakerStatus opens or closes a line's breaker.
func (e *Engine) SetBreakerStatus(lineID int, closed bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lineID < 0 || lineID >= len(e.net.Lines) {
		return fmt.Errorf("line %d: %w", lineID, grid.ErrNotFound)
	}
	e.net.Lines[lineID].InService = closed
	return nil
}

// SetGeneratorSetpoint updates a generator's active (and optionally reactive)
// power. Setpoints outside a declared [PMin, PMax] window are rejected.
func (e *Engine) SetGeneratorSetpoint(id int, pMW float64, qMVAr *float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id < 0 || id >= len(e.net.Generators) {
		return fmt.Errorf("generator %d: %w", id, grid.ErrNotFound)
	}
	g := e.net.Generators[id]
	if g.PMaxMW > g.PMinMW && (pMW < g.PMinMW || pMW > g.PMaxMW) {
		return fmt.Errorf("generator %d setpoint %f outside [%f, %f]: %w", id, pMW, g.PMinMW, g.PMaxMW, grid.ErrInvalidValue)
	}
	g.PMW = pMW
	if qMVAr != nil {
		g.QMVAr = *qMVAr
	}
	return nil
}

// SetLoadDemand updates a load's demand. Negative demand is accepted and
// models behind-the-meter injection.
func (e *Engine) SetLoadDemand(id int, pMW float64, qMVAr *float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id < 0 || id >= len(e.net.Loads) {
		return fmt.Errorf("load %d: %w", id, grid.ErrNotFound)
	}
	l := e.net.Loads[id]
	l.PMW = pMW
	if qMVAr != nil {
		l.QMVAr = *qMVAr
	}
	return nil
}

// SetStoragePower dispatches a storage unit within its power limits.
func (e *Engine) SetStoragePower(id int, pMW float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id < 0 || id >= len(e.net.Storage) {
		return fmt.Errorf("storage %d: %w", id, grid.ErrNotFound)
	}
	s := e.net.Storage[id]
	if s.PMaxMW > s.PMinMW && (pMW < s.PMinMW || pMW > s.PMaxMW) {
		return fmt.Errorf("storage %d dispatch %f outside [%f, %f]: %w", id, pMW, s.PMinMW, s.PMaxMW, grid.ErrInvalidValue)
	}
	s.PMW = pMW
	return nil
}

// SetTransformerTap moves a tap changer to a position within its range.
func (e *Engine) SetTransformerTap(id int, position int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id < 0 || id >= len(e.net.Transformers) {
		return fmt.Errorf("transformer %d: %w", id, grid.ErrNotFound)
	}
	t := e.net.Transformers[id]
	if position < t.TapMin || position > t.TapMax {
		return fmt.Errorf("transformer %d tap %d outside [%d, %d]: %w", id, position, t.TapMin, t.TapMax, grid.ErrInvalidValue)
	}
	t.TapPos = position
	return nil
}

// ExecuteCommand dispatches a command to the matching setter. The variant set
// is closed; an unknown variant is a programming error surfaced as one.
func (e *Engine) ExecuteCommand(cmd grid.Command) error {
	switch c := cmd.(type) {
	case *grid.BreakerCommand:
		return e.SetBreakerStatus(c.LineID, c.Closed)
	case *grid.GeneratorCommand:
		return e.SetGeneratorSetpoint(c.GeneratorID, c.PMW, c.QMVAr)
	case *grid.LoadCommand:
		return e.SetLoadDemand(c.LoadID, c.PMW, c.QMVAr)
	case *grid.StorageCommand:
		return e.SetStoragePower(c.StorageID, c.PMW)
	case *grid.TransformerTapCommand:
		return e.SetTransformerTap(c.TransformerID, c.TapPosition)
	default:
		return fmt.Errorf("unhandled command type %q: %w", cmd.Type(), grid.ErrInvalidValue)
	}
}

// RunSimulation performs one power flow solve. A nil config selects the
// defaults. The Gauss-Seidel algorithm name is accepted but solved with the
// same Newton kernel; the config is echoed back unchanged in the result.
func (e *Engine) RunSimulation(cfg *grid.PowerFlowConfig) *grid.SimulationResult {
	if cfg == nil {
		cfg = grid.DefaultPowerFlowConfig()
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	sol, result := runPowerFlow(e.net, cfg)
	result.Duration = time.Since(start)

	e.lastResult = result
	if result.Converged {
		e.sol = sol
		e.stateInvalid = false
	} else {
		// A failed solve leaves no trustworthy state; CurrentState reports
		// ErrStateInvalid until a later solve succeeds.
		e.stateInvalid = true
		logrus.Debugf("power flow failed on %s: %s", e.net.Name, result.Error)
	}
	return result
}

// ConvergenceStatus reports whether the last solve converged.
func (e *Engine) ConvergenceStatus() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastResult != nil && e.lastResult.Converged
}

var _ grid.Engine = (*Engine)(nil)
