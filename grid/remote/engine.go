// Package remote implements the grid.Engine contract as a proxy to an
// out-of-process solver service reached over HTTP. Every call carries the
// client's timeout; a timeout or network failure surfaces as ErrTransport
// and never hangs the caller's tick loop.
//
// The service loads circuits from its own filesystem: the circuit path given
// at construction is resolved server-side. Storage and transformer-tap
// capabilities are absent in this backend and report ErrNotImplemented,
// which callers must treat distinctly from ErrNotFound.
package remote

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/gridsim/gridsim/grid"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Engine proxies the contract to a solver service. The topology snapshot and
// its dense ID space are fetched once at construction and replaced atomically
// on Reload.
type Engine struct {
	baseURL     string
	circuitPath string
	client      *http.Client

	mu            sync.RWMutex
	topo          *grid.Topology
	lastConverged bool
}

// NewEngine connects to the solver service, asks it to load the circuit at
// the given server-side path, and caches the resulting topology.
func NewEngine(baseURL, circuitPath string, timeout time.Duration) (*Engine, error) {
	e := &Engine{
		baseURL:     baseURL,
		circuitPath: circuitPath,
		client:      &http.Client{Timeout: timeout},
	}
	if err := e.Reload(); err != nil {
		return nil, fmt.Errorf("failed to load circuit %s: %w", circuitPath, err)
	}
	return e, nil
}

// Reload asks the service to reload the circuit and swaps in the fresh
// topology snapshot atomically.
func (e *Engine) Reload() error {
	var resp loadResponse
	if err := e.post("/api/v1/load", loadRequest{CircuitPath: e.circuitPath}, &resp); err != nil {
		return err
	}
	if resp.Topology == nil {
		return fmt.Errorf("solver service returned no topology: %w", grid.ErrTransport)
	}
	e.mu.Lock()
	e.topo = resp.Topology
	e.mu.Unlock()
	return nil
}

// post sends one RPC round-trip and decodes the response envelope.
func (e *Engine) post(path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	resp, err := e.client.Post(e.baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("solver service %s: %v: %w", path, err, grid.ErrTransport)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("solver service %s: reading response: %v: %w", path, err, grid.ErrTransport)
	}
	if err := json.Unmarshal(data, respBody); err != nil {
		return fmt.Errorf("solver service %s: decoding response: %v: %w", path, err, grid.ErrTransport)
	}
	return nil
}

// mapError converts a service error envelope to the matching sentinel.
func mapError(rpc *rpcError) error {
	if rpc == nil {
		return nil
	}
	switch rpc.Code {
	case codeNotFound:
		return fmt.Errorf("%s: %w", rpc.Message, grid.ErrNotFound)
	case codeInvalidValue:
		return fmt.Errorf("%s: %w", rpc.Message, grid.ErrInvalidValue)
	case codeNotImplemented:
		return fmt.Errorf("%s: %w", rpc.Message, grid.ErrNotImplemented)
	case codeStateInvalid:
		return fmt.Errorf("%s: %w", rpc.Message, grid.ErrStateInvalid)
	default:
		return fmt.Errorf("solver service error %s: %s: %w", rpc.Code, rpc.Message, grid.ErrTransport)
	}
}

// Topology returns the cached structural snapshot.
func (e *Engine) Topology() *grid.Topology {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.topo
}

// BusInfo returns the info record for a bus ID from the cached topology.
func (e *Engine) BusInfo(id int) (*grid.BusInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if info, ok := e.topo.Buses[id]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("bus %d: %w", id, grid.ErrNotFound)
}

// LineInfo returns the info record for a line ID from the cached topology.
func (e *Engine) LineInfo(id int) (*grid.LineInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if info, ok := e.topo.Lines[id]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("line %d: %w", id, grid.ErrNotFound)
}

// GeneratorInfo returns the info record for a generator ID.
func (e *Engine) GeneratorInfo(id int) (*grid.GeneratorInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if info, ok := e.topo.Generators[id]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("generator %d: %w", id, grid.ErrNotFound)
}

// LoadInfo returns the info record for a load ID.
func (e *Engine) LoadInfo(id int) (*grid.LoadInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if info, ok := e.topo.Loads[id]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("load %d: %w", id, grid.ErrNotFound)
}

// StorageInfo reports the missing storage capability of this backend.
func (e *Engine) StorageInfo(id int) (*grid.StorageInfo, error) {
	return nil, fmt.Errorf("storage queries: %w", grid.ErrNotImplemented)
}

// TransformerInfo reports the missing transformer capability of this backend.
func (e *Engine) TransformerInfo(id int) (*grid.TransformerInfo, error) {
	return nil, fmt.Errorf("transformer queries: %w", grid.ErrNotImplemented)
}

// control marshals a command and executes it on the service.
func (e *Engine) control(cmd grid.Command) error {
	payload, err := grid.MarshalCommand(cmd)
	if err != nil {
		return err
	}
	resp, err := e.client.Post(e.baseURL+"/api/v1/control", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("solver service control: %v: %w", err, grid.ErrTransport)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("solver service control: reading response: %v: %w", err, grid.ErrTransport)
	}
	var ack controlResponse
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("solver service control: decoding response: %v: %w", err, grid.ErrTransport)
	}
	return mapError(ack.Error)
}

// SetBreakerStatus opens or closes a line breaker on the service.
func (e *Engine) SetBreakerStatus(lineID int, closed bool) error {
	return e.control(grid.NewBreakerCommand(lineID, closed))
}

// SetGeneratorSetpoint updates a generator setpoint on the service.
func (e *Engine) SetGeneratorSetpoint(id int, pMW float64, qMVAr *float64) error {
	return e.control(grid.NewGeneratorCommand(id, pMW, qMVAr))
}

// SetLoadDemand updates a load's demand on the service.
func (e *Engine) SetLoadDemand(id int, pMW float64, qMVAr *float64) error {
	return e.control(grid.NewLoadCommand(id, pMW, qMVAr))
}

// SetStoragePower reports the missing storage capability of this backend.
func (e *Engine) SetStoragePower(id int, pMW float64) error {
	return fmt.Errorf("storage control: %w", grid.ErrNotImplemented)
}

// SetTransformerTap reports the missing transformer capability.
func (e *Engine) SetTransformerTap(id int, position int) error {
	return fmt.Errorf("transformer tap control: %w", grid.ErrNotImplemented)
}

// ExecuteCommand dispatches a command, short-circuiting the capabilities this
// backend lacks before going on the wire.
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

// RunSimulation asks the service for one solve. Transport failures are
// reported as a non-converged result so the caller's loop keeps ticking.
func (e *Engine) RunSimulation(cfg *grid.PowerFlowConfig) *grid.SimulationResult {
	if cfg == nil {
		cfg = grid.DefaultPowerFlowConfig()
	}
	start := time.Now()
	var resp simulateResponse
	if err := e.post("/api/v1/simulate", simulateRequest{Config: cfg}, &resp); err != nil {
		logrus.Warnf("remote simulate failed: %v", err)
		return &grid.SimulationResult{
			Converged: false,
			Duration:  time.Since(start),
			Error:     err.Error(),
			Config:    cfg,
		}
	}
	if resp.Error != nil {
		err := mapError(resp.Error)
		return &grid.SimulationResult{
			Converged: false,
			Duration:  time.Since(start),
			Error:     err.Error(),
			Config:    cfg,
		}
	}
	result := resp.Result
	if result == nil {
		result = &grid.SimulationResult{Error: "solver service returned no result"}
	}
	result.Duration = time.Since(start)
	result.Config = cfg

	e.mu.Lock()
	e.lastConverged = result.Converged
	e.mu.Unlock()
	return result
}

// UpdateStorageSOC reports the missing storage capability of this backend.
func (e *Engine) UpdateStorageSOC(elapsedSeconds float64) error {
	return fmt.Errorf("storage SOC tracking: %w", grid.ErrNotImplemented)
}

// CurrentState fetches the latest solved snapshot from the service.
func (e *Engine) CurrentState() (*grid.GridState, error) {
	var resp stateResponse
	if err := e.post("/api/v1/state", struct{}{}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, mapError(resp.Error)
	}
	if resp.State == nil {
		return nil, fmt.Errorf("solver service returned no state: %w", grid.ErrTransport)
	}
	e.mu.Lock()
	e.lastConverged = resp.State.Converged
	e.mu.Unlock()
	return resp.State, nil
}

// ConvergenceStatus reports the last convergence flag seen from the service.
func (e *Engine) ConvergenceStatus() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastConverged
}

var _ grid.Engine = (*Engine)(nil)
