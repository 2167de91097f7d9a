// Newton-Raphson AC power flow over the network model. Everything here works
// in per-unit on the network's MVA base; conversion back to physical units
// happens when the solution is read out.

package local

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"

	"github.com/gridsim/gridsim/grid"
	"github.com/gridsim/gridsim/grid/network"
)

// branchModel is a line or transformer reduced to the common pi model.
type branchModel struct {
	from, to   int
	ySeries    complex128
	bShuntHalf float64 // line charging susceptance per end, pu
	tapRatio   float64 // off-nominal ratio on the from side, 1.0 for lines
}

// flow holds solved branch quantities in physical units.
type flow struct {
	pFromMW        float64
	qFromMVAr      float64
	pToMW          float64
	qToMVAr        float64
	loadingPercent float64
}

// solution is the outcome of one converged solve.
type solution struct {
	vm, va     []float64    // per bus, pu and radians
	lineFlows  map[int]flow // keyed by line ID, in-service lines only
	slackPMW   float64      // net ext-grid active injection
	slackQMVAr float64
}

// lineBranch reduces a line to its pi model. Zero-impedance segments get a
// small series reactance so the admittance stays finite.
func lineBranch(n *network.Network, ln *network.Line, sBase float64) branchModel {
	zBase := n.Buses[ln.FromBus].VnKV * n.Buses[ln.FromBus].VnKV / sBase
	r := ln.ROhmPerKM * ln.LengthKM / zBase
	x := ln.XOhmPerKM * ln.LengthKM / zBase
	if r == 0 && x == 0 {
		x = 1e-6
	}
	omega := 2 * math.Pi * n.FrequencyHz
	bShunt := omega * ln.CNfPerKM * 1e-9 * ln.LengthKM * zBase
	return branchModel{
		from:       ln.FromBus,
		to:         ln.ToBus,
		ySeries:    1 / complex(r, x),
		bShuntHalf: bShunt / 2,
		tapRatio:   1.0,
	}
}

// trafoBranch reduces a transformer to a tap-adjusted series impedance on the
// system base, tap on the HV (from) side.
func trafoBranch(tr *network.Transformer, sBase float64) branchModel {
	z := tr.VKPercent / 100 * sBase / tr.SnMVA
	r := tr.VKRPercent / 100 * sBase / tr.SnMVA
	x := math.Sqrt(math.Max(z*z-r*r, 1e-12))
	tap := 1 + float64(tr.TapPos-tr.TapNeutral)*tr.TapStepPercent/100
	if tap == 0 {
		tap = 1
	}
	return branchModel{
		from:     tr.HVBus,
		to:       tr.LVBus,
		ySeries:  1 / complex(r, x),
		tapRatio: tap,
	}
}

// buildBranches collects the pi models of all in-service branches.
func buildBranches(n *network.Network) []branchModel {
	branches := make([]branchModel, 0, len(n.Lines)+len(n.Transformers))
	for _, ln := range n.Lines {
		if !ln.InService {
			continue
		}
		branches = append(branches, lineBranch(n, ln, n.BaseMVA))
	}
	for _, tr := range n.Transformers {
		if !tr.InService {
			continue
		}
		branches = append(branches, trafoBranch(tr, n.BaseMVA))
	}
	return branches
}

// buildYbus assembles the bus admittance matrix from the branch models.
func buildYbus(nBus int, branches []branchModel) [][]complex128 {
	y := make([][]complex128, nBus)
	for i := range y {
		y[i] = make([]complex128, nBus)
	}
	for _, br := range branches {
		ys := br.ySeries
		t := complex(br.tapRatio, 0)
		sh := complex(0, br.bShuntHalf)
		y[br.from][br.from] += ys/(t*t) + sh
		y[br.to][br.to] += ys + sh
		y[br.from][br.to] -= ys / t
		y[br.to][br.from] -= ys / t
	}
	return y
}

// specInjections computes the specified per-bus P/Q injections in pu.
// Generators and discharging storage inject, loads and charging storage draw.
func specInjections(n *network.Network) (p, q []float64) {
	p = make([]float64, len(n.Buses))
	q = make([]float64, len(n.Buses))
	for _, g := range n.Generators {
		if !g.InService {
			continue
		}
		p[g.Bus] += g.PMW / n.BaseMVA
		q[g.Bus] += g.QMVAr / n.BaseMVA
	}
	for _, l := range n.Loads {
		if !l.InService {
			continue
		}
		p[l.Bus] -= l.PMW / n.BaseMVA
		q[l.Bus] -= l.QMVAr / n.BaseMVA
	}
	for _, st := range n.Storage {
		if !st.InService {
			continue
		}
		p[st.Bus] += st.PMW / n.BaseMVA
	}
	return p, q
}

// calcInjections evaluates the power flow equations at the current voltage
// estimate, returning per-bus P/Q in pu.
func calcInjections(ybus [][]complex128, vm, va []float64) (p, q []float64) {
	nBus := len(vm)
	p = make([]float64, nBus)
	q = make([]float64, nBus)
	for i := 0; i < nBus; i++ {
		for j := 0; j < nBus; j++ {
			g := real(ybus[i][j])
			b := imag(ybus[i][j])
			if g == 0 && b == 0 {
				continue
			}
			dth := va[i] - va[j]
			p[i] += vm[i] * vm[j] * (g*math.Cos(dth) + b*math.Sin(dth))
			q[i] += vm[i] * vm[j] * (g*math.Sin(dth) - b*math.Cos(dth))
		}
	}
	return p, q
}

// solveNewton iterates the Newton-Raphson update until the largest mismatch
// drops below tolerance. The pq slice lists the unknown buses; every other
// bus keeps its starting voltage. Returns the iteration count, the final max
// mismatch in pu, and whether the solve converged.
func solveNewton(ybus [][]complex128, pSpec, qSpec, vm, va []float64, pq []int, maxIter int, tolPU float64) (int, float64, bool, error) {
	m := len(pq)
	if m == 0 {
		return 0, 0, true, nil
	}

	maxMismatch := math.Inf(1)
	for iter := 1; iter <= maxIter; iter++ {
		pCalc, qCalc := calcInjections(ybus, vm, va)

		f := mat.NewVecDense(2*m, nil)
		maxMismatch = 0
		for k, i := range pq {
			dp := pCalc[i] - pSpec[i]
			dq := qCalc[i] - qSpec[i]
			f.SetVec(k, dp)
			f.SetVec(m+k, dq)
			maxMismatch = math.Max(maxMismatch, math.Max(math.Abs(dp), math.Abs(dq)))
		}
		if maxMismatch < tolPU {
			return iter - 1, maxMismatch, true, nil
		}

		jac := mat.NewDense(2*m, 2*m, nil)
		for ki, i := range pq {
			for kj, j := range pq {
				g := real(ybus[i][j])
				b := imag(ybus[i][j])
				if i == j {
					jac.Set(ki, kj, -qCalc[i]-b*vm[i]*vm[i])
					jac.Set(ki, m+kj, pCalc[i]/vm[i]+g*vm[i])
					jac.Set(m+ki, kj, pCalc[i]-g*vm[i]*vm[i])
					jac.Set(m+ki, m+kj, qCalc[i]/vm[i]-b*vm[i])
					continue
				}
				dth := va[i] - va[j]
				jac.Set(ki, kj, vm[i]*vm[j]*(g*math.Sin(dth)-b*math.Cos(dth)))
				jac.Set(ki, m+kj, vm[i]*(g*math.Cos(dth)+b*math.Sin(dth)))
				jac.Set(m+ki, kj, -vm[i]*vm[j]*(g*math.Cos(dth)+b*math.Sin(dth)))
				jac.Set(m+ki, m+kj, vm[i]*(g*math.Sin(dth)-b*math.Cos(dth)))
			}
		}

		var dx mat.VecDense
		if err := dx.SolveVec(jac, f); err != nil {
			return iter, maxMismatch, false, fmt.Errorf("singular jacobian: %w", err)
		}
		for k, i := range pq {
			va[i] -= dx.AtVec(k)
			vm[i] -= dx.AtVec(m + k)
		}
	}
	return maxIter, maxMismatch, false, nil
}

// runPowerFlow solves the network and extracts branch flows. Non-convergence
// and degenerate topologies are reported through the result, never panics.
func runPowerFlow(n *network.Network, cfg *grid.PowerFlowConfig) (*solution, *grid.SimulationResult) {
	result := &grid.SimulationResult{Config: cfg}
	nBus := len(n.Buses)

	slack := make([]bool, nBus)
	vm := make([]float64, nBus)
	va := make([]float64, nBus)
	for i := range vm {
		vm[i] = 1.0
	}
	haveSlack := false
	for _, eg := range n.ExtGrids {
		if !eg.InService {
			continue
		}
		slack[eg.Bus] = true
		vm[eg.Bus] = eg.VmPU
		haveSlack = true
	}
	if !haveSlack {
		result.Error = "no in-service slack reference bus"
		return nil, result
	}

	branches := buildBranches(n)
	ybus := buildYbus(nBus, branches)
	pSpec, qSpec := specInjections(n)
	pq := unknownBuses(n, ybus, slack)

	tolPU := cfg.ToleranceMVA / n.BaseMVA
	iters, mismatch, converged, err := solveNewton(ybus, pSpec, qSpec, vm, va, pq, cfg.MaxIterations, tolPU)
	result.Iterations = iters
	result.MaxMismatchMW = mismatch * n.BaseMVA
	result.Converged = converged
	if err != nil {
		result.Error = err.Error()
	} else if !converged {
		result.Error = fmt.Sprintf("did not converge within %d iterations", cfg.MaxIterations)
	}
	if !converged {
		return nil, result
	}
	for i := range vm {
		if !isFinite(vm[i]) || !isFinite(va[i]) {
			result.Converged = false
			result.Error = "solution contains non-finite voltages"
			return nil, result
		}
	}

	sol := &solution{vm: vm, va: va, lineFlows: extractLineFlows(n, vm, va)}
	sol.slackPMW, sol.slackQMVAr = extGridInjection(n, ybus, vm, va, pSpec, qSpec, slack)
	return sol, result
}

// unknownBuses selects the buses the solve iterates on: in service, not the
// slack, and with at least one branch connection in the admittance matrix.
// Spare or islanded buses would contribute all-zero Jacobian rows and make an
// otherwise healthy solve singular; they stay at flat start instead.
func unknownBuses(n *network.Network, ybus [][]complex128, slack []bool) []int {
	var pq []int
	for i, b := range n.Buses {
		if slack[i] || !b.InService {
			continue
		}
		connected := false
		for j := range ybus[i] {
			if j != i && ybus[i][j] != 0 {
				connected = true
				break
			}
		}
		if connected {
			pq = append(pq, i)
		}
	}
	return pq
}

// extractLineFlows computes both-end flows and loading for in-service lines.
func extractLineFlows(n *network.Network, vm, va []float64) map[int]flow {
	flows := make(map[int]flow, len(n.Lines))
	for id, ln := range n.Lines {
		if !ln.InService {
			continue
		}
		br := lineBranch(n, ln, n.BaseMVA)
		vf := cmplx.Rect(vm[ln.FromBus], va[ln.FromBus])
		vt := cmplx.Rect(vm[ln.ToBus], va[ln.ToBus])

		iFrom := br.ySeries*(vf-vt) + complex(0, br.bShuntHalf)*vf
		iTo := br.ySeries*(vt-vf) + complex(0, br.bShuntHalf)*vt
		sFrom := vf * cmplx.Conj(iFrom)
		sTo := vt * cmplx.Conj(iTo)

		f := flow{
			pFromMW:   real(sFrom) * n.BaseMVA,
			qFromMVAr: imag(sFrom) * n.BaseMVA,
			pToMW:     real(sTo) * n.BaseMVA,
			qToMVAr:   imag(sTo) * n.BaseMVA,
		}
		if ln.MaxIKA > 0 {
			iBaseFrom := n.BaseMVA / (math.Sqrt(3) * n.Buses[ln.FromBus].VnKV)
			iBaseTo := n.BaseMVA / (math.Sqrt(3) * n.Buses[ln.ToBus].VnKV)
			iKA := math.Max(cmplx.Abs(iFrom)*iBaseFrom, cmplx.Abs(iTo)*iBaseTo)
			f.loadingPercent = iKA / ln.MaxIKA * 100
		}
		flows[id] = f
	}
	return flows
}

// extGridInjection computes the net power the external grid feeds in: the
// calculated injection at slack buses minus the devices attached there.
func extGridInjection(n *network.Network, ybus [][]complex128, vm, va, pSpec, qSpec []float64, slack []bool) (pMW, qMVAr float64) {
	pCalc, qCalc := calcInjections(ybus, vm, va)
	for i := range slack {
		if !slack[i] {
			continue
		}
		pMW += (pCalc[i] - pSpec[i]) * n.BaseMVA
		qMVAr += (qCalc[i] - qSpec[i]) * n.BaseMVA
	}
	return pMW, qMVAr
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
