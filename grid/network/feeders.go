// Benchmark feeders used by the CLI and the test suite. Line parameters are
// typical NAYY 4x150 LV cable values.

package network

import "github.com/gridsim/gridsim/grid"

// TwoBusTestNetwork builds the minimal solvable feeder: a slack bus feeding a
// single 0.05 MW / 0.01 MVAr load over one cable segment.
func TwoBusTestNetwork() *Network {
	n := New("two-bus-test")
	b0 := n.AddBus(0.4, "Slack Bus")
	b1 := n.AddBus(0.4, "Load Bus")
	n.AddExtGrid(b0, 1.0)
	n.AddLine(b0, b1, 0.1, 0.642, 0.083, 210, 0.142, "Feeder Cable")
	n.AddLoad(b1, 0.05, 0.01, "Load 1")
	return n
}

// LVTestFeeder builds a radial low-voltage feeder behind an MV/LV
// transformer, with household loads, a rooftop PV unit and a battery. This is
// the default network served by the CLI when no circuit file is given.
func LVTestFeeder() *Network {
	n := New("lv-test-feeder")

	mv := n.AddBus(20.0, "MV Bus")
	n.AddExtGrid(mv, 1.0)

	lv0 := n.AddBus(0.4, "LV Main Bus")
	n.AddTransformer(mv, lv0, 0.4, 20.0, 0.4, 4.0, 1.325, -2, 2, 2.5, "MV/LV Trafo")

	lv1 := n.AddBus(0.4, "Feeder Bus 1")
	lv2 := n.AddBus(0.4, "Feeder Bus 2")
	lv3 := n.AddBus(0.4, "Feeder Bus 3")
	n.AddLine(lv0, lv1, 0.08, 0.208, 0.08, 261, 0.27, "Segment 1")
	n.AddLine(lv1, lv2, 0.08, 0.208, 0.08, 261, 0.27, "Segment 2")
	n.AddLine(lv2, lv3, 0.08, 0.208, 0.08, 261, 0.27, "Segment 3")

	n.AddLoad(lv1, 0.015, 0.005, "Household 1")
	n.AddLoad(lv2, 0.02, 0.007, "Household 2")
	n.AddLoad(lv3, 0.025, 0.008, "Household 3")

	n.AddGenerator(lv2, 0.01, 0.0, 0.0, 0.03, grid.DERTypeSolarPV, "Rooftop PV")
	n.AddStorage(lv3, 0.0, 0.05, 50.0, "Community BESS")

	return n
}
