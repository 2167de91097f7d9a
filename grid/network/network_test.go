package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsim/gridsim/grid"
)

func TestNew_SystemDefaults(t *testing.T) {
	n := New("test-net")
	assert.Equal(t, "test-net", n.Name)
	assert.Equal(t, 1.0, n.BaseMVA)
	assert.Equal(t, 50.0, n.FrequencyHz)
	assert.Empty(t, n.Buses)
}

func TestAddHelpers_DenseSequentialIDs(t *testing.T) {
	// GIVEN elements appended one by one
	n := New("ids")
	b0 := n.AddBus(0.4, "A")
	b1 := n.AddBus(0.4, "B")
	b2 := n.AddBus(0.4, "C")
	l0 := n.AddLine(b0, b1, 0.1, 0.642, 0.083, 210, 0.142, "L0")
	l1 := n.AddLine(b1, b2, 0.1, 0.642, 0.083, 210, 0.142, "L1")

	// THEN IDs are the dense append order
	assert.Equal(t, []int{0, 1, 2}, []int{b0, b1, b2})
	assert.Equal(t, []int{0, 1}, []int{l0, l1})
	assert.Equal(t, "B", n.Buses[b1].Name)
	assert.Equal(t, b2, n.Lines[l1].ToBus)
}

func TestAddStorage_Defaults(t *testing.T) {
	// GIVEN a storage unit added with the builder defaults
	n := New("bess")
	b := n.AddBus(0.4, "Bus")
	id := n.AddStorage(b, 0.0, 0.05, 50.0, "BESS")

	s := n.Storage[id]
	// THEN power limits are 1C, efficiencies 95%, SOC window fully open
	assert.Equal(t, -0.05, s.PMinMW)
	assert.Equal(t, 0.05, s.PMaxMW)
	assert.Equal(t, 0.95, s.EfficiencyCharge)
	assert.Equal(t, 0.95, s.EfficiencyDischarge)
	assert.Equal(t, 0.0, s.SOCMinPercent)
	assert.Equal(t, 100.0, s.SOCMaxPercent)
	assert.True(t, s.InService)
}

func TestAddTransformer_TapDefaults(t *testing.T) {
	n := New("trafo")
	hv := n.AddBus(20.0, "MV")
	lv := n.AddBus(0.4, "LV")
	id := n.AddTransformer(hv, lv, 0.4, 20.0, 0.4, 4.0, 1.325, -2, 2, 2.5, "T1")

	tr := n.Transformers[id]
	assert.Equal(t, "hv", tr.TapSide)
	assert.Equal(t, 0, tr.TapNeutral)
	assert.Equal(t, 0, tr.TapPos)
	assert.Equal(t, -2, tr.TapMin)
	assert.Equal(t, 2, tr.TapMax)
}

func TestTwoBusTestNetwork_Shape(t *testing.T) {
	n := TwoBusTestNetwork()
	require.Len(t, n.Buses, 2)
	require.Len(t, n.Lines, 1)
	require.Len(t, n.Loads, 1)
	require.Len(t, n.ExtGrids, 1)
	assert.Equal(t, 0, n.ExtGrids[0].Bus)
	assert.Equal(t, 0.05, n.Loads[0].PMW)
	assert.Equal(t, 0.01, n.Loads[0].QMVAr)
}

func TestLVTestFeeder_Shape(t *testing.T) {
	// GIVEN the default CLI feeder
	n := LVTestFeeder()

	// THEN it carries one of each device class behind the MV/LV transformer
	require.Len(t, n.Buses, 5)
	require.Len(t, n.Lines, 3)
	require.Len(t, n.Transformers, 1)
	require.Len(t, n.Loads, 3)
	require.Len(t, n.Generators, 1)
	require.Len(t, n.Storage, 1)
	assert.Equal(t, grid.DERTypeSolarPV, n.Generators[0].DERType)

	// Slack sits on the MV side, everything else on the 0.4 kV feeder
	assert.Equal(t, 20.0, n.Buses[n.ExtGrids[0].Bus].VnKV)
	for _, l := range n.Loads {
		assert.Equal(t, 0.4, n.Buses[l.Bus].VnKV)
	}
}
