// Package grid provides the control-and-serving core for a simulated
// electrical distribution grid.
//
// # Reading Guide
//
// Start with these three files to understand the control loop:
//   - command.go: the closed set of control commands (breaker, setpoints, storage, taps)
//   - engine.go: the Engine contract every solver backend implements
//   - simulator.go: the command-queue-driven tick loop and subscriber fan-out
//
// # Architecture
//
// The grid package defines the contract and the orchestration loop;
// implementations live in sub-packages:
//   - grid/network: the mutable network model and benchmark feeders
//   - grid/local: in-process Newton-Raphson backend over a network.Network
//   - grid/remote: backend proxying the contract to an out-of-process solver over HTTP
//   - grid/modbus: register-protocol adapter serving live state to SCADA clients
//
// Data flows one way: callers queue Commands, the Simulator drains them into
// the Engine each tick, runs a solve, and publishes the resulting GridState
// to registered subscribers (the Modbus adapter among them).
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - Engine: topology/state queries, control mutation, simulate
//   - CommandSink: anything that accepts queued commands (the Simulator)
package grid
