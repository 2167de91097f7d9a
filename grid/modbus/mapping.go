// Point mapping: the fixed assignment of grid elements to protocol
// addresses. Built once at attach time, dense and deterministic from the
// topology's ID ordering, immutable for the adapter's lifetime.
//
// Address map (one logical unit serves all ranges):
//
//	Bus   holding register     0- 999  voltage x1000
//	Line  holding register  1000-1999  active flow from-end x1000
//	Line  holding register  2000-2999  reactive flow from-end x1000
//	Line  holding register  3000-3999  loading percent x100
//	Line  coil                 0- 999  in-service/closed (1/0)
//	Load  holding register  5000-5999  active power x1000

package modbus

import (
	"sort"

	"github.com/gridsim/gridsim/grid"
)

const (
	busHRBase       = 0
	linePFromBase   = 1000
	lineQFromBase   = 2000
	lineLoadingBase = 3000
	loadHRBase      = 5000
	lineCoilBase    = 0

	holdingRegisterCount = 6000
	coilCount            = 1000
)

// LineRegisters is the trio of holding-register addresses serving one line.
type LineRegisters struct {
	PFrom   int `json:"p_from"`
	QFrom   int `json:"q_from"`
	Loading int `json:"loading"`
}

// LinePoints groups the line address assignments by register kind. Coils and
// holding registers are separate address spaces; their ranges overlap only
// numerically.
type LinePoints struct {
	HoldingRegisters map[int]LineRegisters `json:"holding_registers"`
	Coils            map[int]int           `json:"coils"`
}

// PointMapping is the full element-to-address dictionary, exposed for
// external SCADA configuration tooling.
type PointMapping struct {
	Buses map[int]int `json:"buses"`
	Lines LinePoints  `json:"lines"`
	Loads map[int]int `json:"loads"`
}

// buildPointMapping assigns addresses densely from the sorted element IDs of
// the topology.
func buildPointMapping(topo *grid.Topology) *PointMapping {
	m := &PointMapping{
		Buses: make(map[int]int, len(topo.Buses)),
		Lines: LinePoints{
			HoldingRegisters: make(map[int]LineRegisters, len(topo.Lines)),
			Coils:            make(map[int]int, len(topo.Lines)),
		},
		Loads: make(map[int]int, len(topo.Loads)),
	}
	for i, id := range sortedKeys(topo.Buses) {
		m.Buses[id] = busHRBase + i
	}
	for i, id := range sortedKeys(topo.Lines) {
		m.Lines.HoldingRegisters[id] = LineRegisters{
			PFrom:   linePFromBase + i,
			QFrom:   lineQFromBase + i,
			Loading: lineLoadingBase + i,
		}
		m.Lines.Coils[id] = lineCoilBase + i
	}
	for i, id := range sortedKeys(topo.Loads) {
		m.Loads[id] = loadHRBase + i
	}
	return m
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// scale converts a measurement to the signed 16-bit register encoding,
// saturating at the type bounds. The wire carries integers, not floats.
func scale(value float64, factor float64) uint16 {
	v := value * factor
	if v > 32767 {
		v = 32767
	}
	if v < -32768 {
		v = -32768
	}
	return uint16(int16(v))
}
