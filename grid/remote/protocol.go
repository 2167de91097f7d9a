// Wire shapes for the solver-service RPC surface. Requests and responses
// mirror the Engine contract operations one to one.

package remote

import "github.com/gridsim/gridsim/grid"

// Error codes reported by the solver service.
const (
	codeNotFound       = "not_found"
	codeInvalidValue   = "invalid_value"
	codeNotImplemented = "not_implemented"
	codeStateInvalid   = "state_invalid"
)

// rpcError is the error envelope carried in non-2xx responses.
type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// loadRequest asks the service to load a circuit from a path on its own
// filesystem and reply with the topology snapshot.
type loadRequest struct {
	CircuitPath string `json:"circuit_path"`
}

type loadResponse struct {
	Topology *grid.Topology `json:"topology"`
	Error    *rpcError      `json:"error,omitempty"`
}

type simulateRequest struct {
	Config *grid.PowerFlowConfig `json:"config,omitempty"`
}

type simulateResponse struct {
	Result *grid.SimulationResult `json:"result"`
	Error  *rpcError              `json:"error,omitempty"`
}

type stateResponse struct {
	State *grid.GridState `json:"state"`
	Error *rpcError       `json:"error,omitempty"`
}

// controlResponse acknowledges a command execution. The request body is the
// tagged command envelope produced by grid.MarshalCommand.
type controlResponse struct {
	Error *rpcError `json:"error,omitempty"`
}
