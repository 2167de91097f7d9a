// The Engine contract: the boundary between the control loop and any solver
// backend. Backends are independent implementations selected at construction
// time; the Simulator holds exactly one.

package grid

import "time"

// PowerFlowAlgorithm names a solve method.
type PowerFlowAlgorithm string

const (
	AlgorithmNewtonRaphson PowerFlowAlgorithm = "newton_raphson"
	AlgorithmGaussSeidel   PowerFlowAlgorithm = "gauss_seidel"
)

// PowerFlowConfig parameterizes a single solve.
type PowerFlowConfig struct {
	Algorithm     PowerFlowAlgorithm `json:"algorithm" yaml:"algorithm"`
	MaxIterations int                `json:"max_iterations" yaml:"max_iterations"`
	ToleranceMVA  float64            `json:"tolerance_mva" yaml:"tolerance_mva"`
	EnforceQLims  bool               `json:"enforce_q_limits" yaml:"enforce_q_limits"`
}

// DefaultPowerFlowConfig returns the solve parameters used when the caller
// passes nil to RunSimulation.
func DefaultPowerFlowConfig() *PowerFlowConfig {
	return &PowerFlowConfig{
		Algorithm:     AlgorithmNewtonRaphson,
		MaxIterations: 20,
		ToleranceMVA:  1e-6,
	}
}

// SimulationResult reports the outcome of one solve. Convergence failure is
// encoded here, never returned as an error.
type SimulationResult struct {
	Converged     bool             `json:"converged"`
	Iterations    int              `json:"iterations"`
	MaxMismatchMW float64          `json:"max_mismatch_mw"`
	Duration      time.Duration    `json:"duration"`
	Error         string           `json:"error,omitempty"`
	Config        *PowerFlowConfig `json:"config"`
}

// Engine is the capability contract any solver backend implements.
//
// Mutating operations fail with ErrNotFound for unmapped IDs and
// ErrInvalidValue for out-of-range payloads. A backend lacking a capability
// (storage, transformer taps) returns ErrNotImplemented, which callers must
// treat distinctly from ErrNotFound.
//
// Backends maintain a stable bidirectional name-to-dense-ID mapping per
// element class, built once at load time; a reload replaces it atomically.
type Engine interface {
	// Topology returns the current structural snapshot.
	Topology() *Topology

	// Per-element info queries.
	BusInfo(id int) (*BusInfo, error)
	LineInfo(id int) (*LineInfo, error)
	GeneratorInfo(id int) (*GeneratorInfo, error)
	LoadInfo(id int) (*LoadInfo, error)
	StorageInfo(id int) (*StorageInfo, error)
	TransformerInfo(id int) (*TransformerInfo, error)

	// Control mutations.
	SetBreakerStatus(lineID int, closed bool) error
	SetGeneratorSetpoint(id int, pMW float64, qMVAr *float64) error
	SetLoadDemand(id int, pMW float64, qMVAr *float64) error
	SetStoragePower(id int, pMW float64) error
	SetTransformerTap(id int, position int) error

	// ExecuteCommand dispatches by command tag to the matching setter.
	ExecuteCommand(cmd Command) error

	// RunSimulation performs one solve. A nil config selects defaults.
	// Non-convergence is reported in the result, never as a panic or error.
	RunSimulation(cfg *PowerFlowConfig) *SimulationResult

	// UpdateStorageSOC integrates storage state of charge over the elapsed
	// wall time. It must be invoked explicitly after each solve when storage
	// is present; RunSimulation does not do it implicitly.
	UpdateStorageSOC(elapsedSeconds float64) error

	// CurrentState returns the latest solved snapshot. After a failed solve
	// the state may contain non-finite values, in which case CurrentState
	// returns (nil, ErrStateInvalid) rather than a partial snapshot.
	CurrentState() (*GridState, error)

	// ConvergenceStatus reports whether the last solve converged.
	ConvergenceStatus() bool
}

// CommandSink accepts control commands for asynchronous execution. The
// Simulator implements it; the Modbus adapter uses it to turn coil writes
// into breaker commands.
type CommandSink interface {
	QueueCommand(cmd Command)
}
