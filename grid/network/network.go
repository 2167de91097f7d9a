// Package network holds the mutable grid model that the in-process backend
// solves: buses, branches and the devices attached to them. The builder API
// mirrors how distribution feeders are assembled element by element; indices
// returned by the Add helpers are the dense element IDs used everywhere else.
package network

import "github.com/gridsim/gridsim/grid"

// Bus is an electrical node.
type Bus struct {
	Name      string
	VnKV      float64
	InService bool
}

// Line is a branch between two buses with per-km parameters. InService
// doubles as the breaker position.
type Line struct {
	Name      string
	FromBus   int
	ToBus     int
	LengthKM  float64
	ROhmPerKM float64
	XOhmPerKM float64
	CNfPerKM  float64
	MaxIKA    float64
	InService bool
}

// ExtGrid is the external network connection; its bus is the slack reference.
type ExtGrid struct {
	Bus       int
	VmPU      float64
	InService bool
}

// Generator is a generating unit modelled as a fixed P/Q injection.
type Generator struct {
	Name      string
	Bus       int
	PMW       float64
	QMVAr     float64
	PMinMW    float64
	PMaxMW    float64
	DERType   grid.DERType
	InService bool
}

// Load is a demand at a bus. Negative power models injection.
type Load struct {
	Name      string
	Bus       int
	PMW       float64
	QMVAr     float64
	InService bool
}

// Storage is a battery unit. Negative PMW charges, positive discharges.
type Storage struct {
	Name                string
	Bus                 int
	PMW                 float64
	MaxEnergyMWh        float64
	MinEnergyMWh        float64
	PMinMW              float64
	PMaxMW              float64
	SOCPercent          float64
	SOCMinPercent       float64
	SOCMaxPercent       float64
	EfficiencyCharge    float64
	EfficiencyDischarge float64
	InService           bool
}

// Transformer is a two-winding transformer with an on-load tap changer.
type Transformer struct {
	Name           string
	HVBus          int
	LVBus          int
	SnMVA          float64
	VnHVKV         float64
	VnLVKV         float64
	VKPercent      float64
	VKRPercent     float64
	TapSide        string
	TapNeutral     int
	TapMin         int
	TapMax         int
	TapStepPercent float64
	TapPos         int
	InService      bool
}

// Network is the complete grid model. Element slices are append-only; the
// slice index is the element's dense ID for the life of the network.
type Network struct {
	Name         string
	Version      string
	BaseMVA      float64
	FrequencyHz  float64
	Buses        []*Bus
	Lines        []*Line
	ExtGrids     []*ExtGrid
	Generators   []*Generator
	Loads        []*Load
	Storage      []*Storage
	Transformers []*Transformer
}

// New creates an empty network with 1 MVA base and 50 Hz system frequency.
func New(name string) *Network {
	return &Network{
		Name:        name,
		Version:     "1.0",
		BaseMVA:     1.0,
		FrequencyHz: 50.0,
	}
}

// AddBus appends a bus and returns its ID.
func (n *Network) AddBus(vnKV float64, name string) int {
	n.Buses = append(n.Buses, &Bus{Name: name, VnKV: vnKV, InService: true})
	return len(n.Buses) - 1
}

// AddLine appends a line between two buses and returns its ID.
func (n *Network) AddLine(fromBus, toBus int, lengthKM, rOhmPerKM, xOhmPerKM, cNfPerKM, maxIKA float64, name string) int {
	n.Lines = append(n.Lines, &Line{
		Name:      name,
		FromBus:   fromBus,
		ToBus:     toBus,
		LengthKM:  lengthKM,
		ROhmPerKM: rOhmPerKM,
		XOhmPerKM: xOhmPerKM,
		CNfPerKM:  cNfPerKM,
		MaxIKA:    maxIKA,
		InService: true,
	})
	return len(n.Lines) - 1
}

// AddExtGrid attaches the external grid connection at a bus, making it the
// slack reference for the solve.
func (n *Network) AddExtGrid(bus int, vmPU float64) int {
	n.ExtGrids = append(n.ExtGrids, &ExtGrid{Bus: bus, VmPU: vmPU, InService: true})
	return len(n.ExtGrids) - 1
}

// AddGenerator appends a generating unit and returns its ID.
func (n *Network) AddGenerator(bus int, pMW, qMVAr, pMinMW, pMaxMW float64, derType grid.DERType, name string) int {
	n.Generators = append(n.Generators, &Generator{
		Name:      name,
		Bus:       bus,
		PMW:       pMW,
		QMVAr:     qMVAr,
		PMinMW:    pMinMW,
		PMaxMW:    pMaxMW,
		DERType:   derType,
		InService: true,
	})
	return len(n.Generators) - 1
}

// AddLoad appends a load and returns its ID.
func (n *Network) AddLoad(bus int, pMW, qMVAr float64, name string) int {
	n.Loads = append(n.Loads, &Load{Name: name, Bus: bus, PMW: pMW, QMVAr: qMVAr, InService: true})
	return len(n.Loads) - 1
}

// AddStorage appends a storage unit with 1C power limits, 95% one-way
// efficiencies and a full [0,100] SOC window; callers tune the returned
// element directly for anything tighter.
func (n *Network) AddStorage(bus int, pMW, maxEnergyMWh, socPercent float64, name string) int {
	n.Storage = append(n.Storage, &Storage{
		Name:                name,
		Bus:                 bus,
		PMW:                 pMW,
		MaxEnergyMWh:        maxEnergyMWh,
		PMinMW:              -maxEnergyMWh,
		PMaxMW:              maxEnergyMWh,
		SOCPercent:          socPercent,
		SOCMinPercent:       0.0,
		SOCMaxPercent:       100.0,
		EfficiencyCharge:    0.95,
		EfficiencyDischarge: 0.95,
		InService:           true,
	})
	return len(n.Storage) - 1
}

// AddTransformer appends a two-winding transformer with the tap changer on
// the HV side at neutral position and returns its ID.
func (n *Network) AddTransformer(hvBus, lvBus int, snMVA, vnHVKV, vnLVKV, vkPercent, vkrPercent float64, tapMin, tapMax int, tapStepPercent float64, name string) int {
	n.Transformers = append(n.Transformers, &Transformer{
		Name:           name,
		HVBus:          hvBus,
		LVBus:          lvBus,
		SnMVA:          snMVA,
		VnHVKV:         vnHVKV,
		VnLVKV:         vnLVKV,
		VKPercent:      vkPercent,
		VKRPercent:     vkrPercent,
		TapSide:        "hv",
		TapNeutral:     0,
		TapMin:         tapMin,
		TapMax:         tapMax,
		TapStepPercent: tapStepPercent,
		TapPos:         0,
		InService:      true,
	})
	return len(n.Transformers) - 1
}
