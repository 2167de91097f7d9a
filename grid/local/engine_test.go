package local

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsim/gridsim/grid"
	"github.com/gridsim/gridsim/grid/network"
)

func TestTopology_TwoBusAssembly(t *testing.T) {
	// GIVEN the two-bus benchmark network
	e := NewEngine(network.TwoBusTestNetwork())

	topo := e.Topology()

	// THEN the snapshot carries the slack classification and aggregated
	// per-length line parameters
	require.Len(t, topo.Buses, 2)
	assert.Equal(t, grid.BusTypeSlack, topo.Buses[0].Type)
	assert.Equal(t, grid.BusTypePQ, topo.Buses[1].Type)
	require.Len(t, topo.Lines, 1)
	assert.InDelta(t, 0.0642, topo.Lines[0].ROhm, 1e-12)
	assert.InDelta(t, 0.0083, topo.Lines[0].XOhm, 1e-12)
	assert.False(t, topo.HasStorage())
}

func TestTopology_GeneratorBusClassifiedPQ(t *testing.T) {
	// Generation is a fixed P/Q injection, never voltage-controlled, so the
	// PV bus does not appear: only the ext-grid bus leaves the PQ class
	e := NewEngine(network.LVTestFeeder())
	topo := e.Topology()

	pvBus := topo.Generators[0].Bus
	assert.Equal(t, grid.BusTypePQ, topo.Buses[pvBus].Type)
	for id, bus := range topo.Buses {
		if id == 0 {
			assert.Equal(t, grid.BusTypeSlack, bus.Type)
			continue
		}
		assert.Equal(t, grid.BusTypePQ, bus.Type, "bus %d", id)
	}
}

func TestInfoQueries_UnknownID(t *testing.T) {
	e := NewEngine(network.TwoBusTestNetwork())

	tests := []struct {
		name string
		call func() error
	}{
		{"bus", func() error { _, err := e.BusInfo(99); return err }},
		{"negative bus", func() error { _, err := e.BusInfo(-1); return err }},
		{"line", func() error { _, err := e.LineInfo(5); return err }},
		{"generator", func() error { _, err := e.GeneratorInfo(0); return err }},
		{"load", func() error { _, err := e.LoadInfo(3); return err }},
		{"storage", func() error { _, err := e.StorageInfo(0); return err }},
		{"transformer", func() error { _, err := e.TransformerInfo(0); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), grid.ErrNotFound)
		})
	}
}

func TestSetBreakerStatus_TogglesLine(t *testing.T) {
	// GIVEN a closed breaker
	e := NewEngine(network.TwoBusTestNetwork())
	info, err := e.LineInfo(0)
	require.NoError(t, err)
	require.True(t, info.InService)

	// WHEN opened and re-closed
	require.NoError(t, e.SetBreakerStatus(0, false))
	info, _ = e.LineInfo(0)
	assert.False(t, info.InService)

	require.NoError(t, e.SetBreakerStatus(0, true))
	info, _ = e.LineInfo(0)
	assert.True(t, info.InService)
}

func TestSetGeneratorSetpoint_Limits(t *testing.T) {
	// GIVEN the LV feeder's PV unit with a [0, 0.03] MW window
	e := NewEngine(network.LVTestFeeder())

	// WHEN setting inside and outside the window
	q := 0.002
	require.NoError(t, e.SetGeneratorSetpoint(0, 0.02, &q))
	info, err := e.GeneratorInfo(0)
	require.NoError(t, err)
	assert.Equal(t, 0.02, info.PMW)
	assert.Equal(t, 0.002, info.QMVAr)

	err = e.SetGeneratorSetpoint(0, 0.05, nil)
	assert.ErrorIs(t, err, grid.ErrInvalidValue)
	info, _ = e.GeneratorInfo(0)
	assert.Equal(t, 0.02, info.PMW, "rejected setpoint must leave state unchanged")
}

func TestSetGeneratorSetpoint_NilQLeavesReactive(t *testing.T) {
	e := NewEngine(network.LVTestFeeder())
	q := 0.004
	require.NoError(t, e.SetGeneratorSetpoint(0, 0.01, &q))
	require.NoError(t, e.SetGeneratorSetpoint(0, 0.015, nil))
	info, _ := e.GeneratorInfo(0)
	assert.Equal(t, 0.015, info.PMW)
	assert.Equal(t, 0.004, info.QMVAr)
}

func TestSetLoadDemand_NegativeAccepted(t *testing.T) {
	// Negative demand models behind-the-meter injection
	e := NewEngine(network.TwoBusTestNetwork())
	require.NoError(t, e.SetLoadDemand(0, -0.02, nil))
	info, err := e.LoadInfo(0)
	require.NoError(t, err)
	assert.Equal(t, -0.02, info.PMW)
}

func TestSetStoragePower_Limits(t *testing.T) {
	// GIVEN the LV feeder's battery with 1C limits of +-0.05 MW
	e := NewEngine(network.LVTestFeeder())

	require.NoError(t, e.SetStoragePower(0, -0.03))
	info, err := e.StorageInfo(0)
	require.NoError(t, err)
	assert.Equal(t, -0.03, info.PMW)

	assert.ErrorIs(t, e.SetStoragePower(0, 0.2), grid.ErrInvalidValue)
	assert.ErrorIs(t, e.SetStoragePower(99, 0.01), grid.ErrNotFound)
}

func TestSetTransformerTap_Limits(t *testing.T) {
	// GIVEN the MV/LV transformer with taps in [-2, 2]
	e := NewEngine(network.LVTestFeeder())

	require.NoError(t, e.SetTransformerTap(0, 2))
	info, err := e.TransformerInfo(0)
	require.NoError(t, err)
	assert.Equal(t, 2, info.TapPos)

	assert.ErrorIs(t, e.SetTransformerTap(0, 3), grid.ErrInvalidValue)
	assert.ErrorIs(t, e.SetTransformerTap(0, -3), grid.ErrInvalidValue)
	info, _ = e.TransformerInfo(0)
	assert.Equal(t, 2, info.TapPos, "rejected tap must leave position unchanged")
}

func TestExecuteCommand_DispatchesByVariant(t *testing.T) {
	e := NewEngine(network.LVTestFeeder())

	require.NoError(t, e.ExecuteCommand(grid.NewBreakerCommand(1, false)))
	line, _ := e.LineInfo(1)
	assert.False(t, line.InService)

	require.NoError(t, e.ExecuteCommand(grid.NewLoadCommand(2, 0.03, nil)))
	load, _ := e.LoadInfo(2)
	assert.Equal(t, 0.03, load.PMW)

	require.NoError(t, e.ExecuteCommand(grid.NewStorageCommand(0, 0.01)))
	st, _ := e.StorageInfo(0)
	assert.Equal(t, 0.01, st.PMW)

	require.NoError(t, e.ExecuteCommand(grid.NewTransformerTapCommand(0, -1)))
	tr, _ := e.TransformerInfo(0)
	assert.Equal(t, -1, tr.TapPos)

	assert.ErrorIs(t, e.ExecuteCommand(grid.NewBreakerCommand(77, true)), grid.ErrNotFound)
}

func TestRunSimulation_TwoBusConverges(t *testing.T) {
	// GIVEN the two-bus benchmark
	e := NewEngine(network.TwoBusTestNetwork())

	// WHEN solved with defaults
	result := e.RunSimulation(nil)

	// THEN the solve converges quickly with a tight mismatch
	require.True(t, result.Converged, "two-bus solve must converge: %s", result.Error)
	assert.Greater(t, result.Iterations, 0)
	assert.Less(t, result.Iterations, 10)
	assert.Less(t, result.MaxMismatchMW, 1e-5)
	assert.True(t, e.ConvergenceStatus())

	state, err := e.CurrentState()
	require.NoError(t, err)
	assert.True(t, state.Converged)

	// Load bus sits below nominal voltage but well inside a sane band
	v := state.Buses[1].VoltagePU
	assert.Greater(t, v, 0.9)
	assert.Less(t, v, 1.0)

	// Generation covers the load plus small positive losses
	assert.InDelta(t, 0.05, state.TotalLoadMW, 1e-9)
	assert.Greater(t, state.TotalGenerationMW, state.TotalLoadMW)
	assert.Greater(t, state.TotalLossesMW, 0.0)
	assert.Less(t, state.TotalLossesMW, 0.01)

	// Line flow enters at the slack end and exits at the load end
	line := state.Lines[0]
	assert.Greater(t, line.PFromMW, 0.0)
	assert.Less(t, line.PToMW, 0.0)
	assert.InDelta(t, 0.05, -line.PToMW, 1e-6)
	assert.Greater(t, line.LoadingPercent, 0.0)
}

func TestRunSimulation_LVFeederConverges(t *testing.T) {
	e := NewEngine(network.LVTestFeeder())
	result := e.RunSimulation(nil)
	require.True(t, result.Converged, "lv feeder solve must converge: %s", result.Error)

	state, err := e.CurrentState()
	require.NoError(t, err)
	for id, bus := range state.Buses {
		assert.Greater(t, bus.VoltagePU, 0.9, "bus %d", id)
		assert.Less(t, bus.VoltagePU, 1.1, "bus %d", id)
	}
}

func TestRunSimulation_NoSlackReference(t *testing.T) {
	// GIVEN a network with no external grid
	n := network.New("islanded")
	b0 := n.AddBus(0.4, "A")
	b1 := n.AddBus(0.4, "B")
	n.AddLine(b0, b1, 0.1, 0.642, 0.083, 210, 0.142, "L")
	n.AddLoad(b1, 0.05, 0.01, "Load")
	e := NewEngine(n)

	result := e.RunSimulation(nil)

	// THEN non-convergence is reported in the result, not as a panic
	assert.False(t, result.Converged)
	assert.Contains(t, result.Error, "slack")
	assert.False(t, e.ConvergenceStatus())
}

func TestCurrentState_InvalidAfterFailedSolve(t *testing.T) {
	// GIVEN a converged solve
	e := NewEngine(network.TwoBusTestNetwork())
	require.True(t, e.RunSimulation(nil).Converged)
	_, err := e.CurrentState()
	require.NoError(t, err)

	// WHEN the next solve runs out of its iteration budget
	tight := &grid.PowerFlowConfig{
		Algorithm:     grid.AlgorithmNewtonRaphson,
		MaxIterations: 1,
		ToleranceMVA:  1e-12,
	}
	result := e.RunSimulation(tight)
	require.False(t, result.Converged)

	// THEN the state is invalid until a later solve succeeds
	_, err = e.CurrentState()
	assert.True(t, errors.Is(err, grid.ErrStateInvalid))

	require.True(t, e.RunSimulation(nil).Converged)
	_, err = e.CurrentState()
	assert.NoError(t, err)
}

func TestRunSimulation_SpareBusStaysAtFlatStart(t *testing.T) {
	// GIVEN the two-bus feeder plus an unconnected spare bus
	n := network.TwoBusTestNetwork()
	spare := n.AddBus(0.4, "Spare Bus")
	e := NewEngine(n)

	result := e.RunSimulation(nil)

	// THEN the healthy part of the network still solves
	require.True(t, result.Converged, "spare bus must not break the solve: %s", result.Error)
	state, err := e.CurrentState()
	require.NoError(t, err)
	assert.Less(t, state.Buses[1].VoltagePU, 1.0)

	// and the spare bus reports its flat-start voltage
	assert.Equal(t, 1.0, state.Buses[spare].VoltagePU)
	assert.Equal(t, 0.0, state.Buses[spare].AngleDeg)
}

func TestRunSimulation_IslandedBusLeftFlat(t *testing.T) {
	// GIVEN the two-bus feeder with its only line breaker open
	e := NewEngine(network.TwoBusTestNetwork())
	require.NoError(t, e.SetBreakerStatus(0, false))

	result := e.RunSimulation(nil)

	// THEN the remaining network (just the slack) converges; the islanded
	// load bus is left at flat start rather than failing the whole solve
	require.True(t, result.Converged, "islanded bus must not break the solve: %s", result.Error)
	state, err := e.CurrentState()
	require.NoError(t, err)
	assert.Equal(t, 1.0, state.Buses[1].VoltagePU)
	assert.False(t, state.Lines[0].InService)
	assert.Zero(t, state.Lines[0].PFromMW)
}

func TestRunSimulation_OutOfServiceBusExcluded(t *testing.T) {
	// GIVEN the LV feeder with the tail bus and its segment switched off
	n := network.LVTestFeeder()
	n.Buses[4].InService = false
	n.Lines[2].InService = false
	n.Loads[2].InService = false
	n.Storage[0].InService = false
	e := NewEngine(n)

	result := e.RunSimulation(nil)

	require.True(t, result.Converged, "out-of-service bus must not break the solve: %s", result.Error)
	state, err := e.CurrentState()
	require.NoError(t, err)
	// The switched-off bus is absent from the state snapshot
	assert.NotContains(t, state.Buses, 4)
	assert.Contains(t, state.Buses, 3)
}

func TestCurrentState_FlatStartBeforeFirstSolve(t *testing.T) {
	// GIVEN a freshly loaded engine
	e := NewEngine(network.TwoBusTestNetwork())

	state, err := e.CurrentState()
	require.NoError(t, err)

	// THEN the snapshot is a non-converged flat start
	assert.False(t, state.Converged)
	assert.Equal(t, 1.0, state.Buses[0].VoltagePU)
	assert.Equal(t, 1.0, state.Buses[1].VoltagePU)
	assert.Zero(t, state.Lines[0].PFromMW)
}

func TestReload_ReplacesNetwork(t *testing.T) {
	// GIVEN an engine that solved one network
	e := NewEngine(network.TwoBusTestNetwork())
	require.True(t, e.RunSimulation(nil).Converged)

	// WHEN reloaded with a different model
	e.Reload(network.LVTestFeeder())

	// THEN the solution is discarded and the new topology is live
	assert.False(t, e.ConvergenceStatus())
	topo := e.Topology()
	assert.Len(t, topo.Buses, 5)
	assert.True(t, topo.HasStorage())
	state, err := e.CurrentState()
	require.NoError(t, err)
	assert.False(t, state.Converged)
}
