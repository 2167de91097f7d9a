// grid/simulator.go
//
// The Simulator owns one Engine and advances it on a fixed cadence: drain
// queued commands, solve, integrate storage, publish state to subscribers.

package grid

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StateCallback receives each new GridState after a successful tick.
// Panics inside a callback are recovered and counted, never propagated.
type StateCallback func(state *GridState)

// Statistics holds the simulator's monotonically increasing counters.
type Statistics struct {
	TotalTicks        uint64 `json:"total_ticks"`
	FailedTicks       uint64 `json:"failed_ticks"`
	CommandsProcessed uint64 `json:"commands_processed"`
	CommandFailures   uint64 `json:"command_failures"`
	SubscriberPanics  uint64 `json:"subscriber_panics"`
}

// Simulator is the orchestration core: a command-queue-driven control loop
// around a single Engine. At most one tick is in flight at a time; the
// background loop is the only goroutine that mutates engine state.
type Simulator struct {
	engine   Engine
	timestep time.Duration

	commands *CommandQueue

	mu        sync.Mutex // guards lifecycle, callbacks, config, and stats
	running   bool
	stop      chan struct{}
	done      chan struct{}
	callbacks []StateCallback
	stats     Statistics
	pfConfig  *PowerFlowConfig

	tickMu sync.Mutex // serializes ticks between Step() and the loop
}

// NewSimulator builds a stopped simulator around the given engine.
func NewSimulator(engine Engine, timestep time.Duration) *Simulator {
	return &Simulator{
		engine:   engine,
		timestep: timestep,
		commands: &CommandQueue{},
	}
}

// Engine returns the backend this simulator drives.
func (s *Simulator) Engine() Engine {
	return s.engine
}

// SetPowerFlowConfig sets the solve parameters every tick passes to the
// engine. A nil config (the default) selects the engine's defaults.
func (s *Simulator) SetPowerFlowConfig(cfg *PowerFlowConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pfConfig = cfg
}

func (s *Simulator) powerFlowConfig() *PowerFlowConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pfConfig
}

// QueueCommand appends a command to the FIFO queue without blocking.
// Validity is checked at execution time, not here.
func (s *Simulator) QueueCommand(cmd Command) {
	s.commands.Push(cmd)
	logrus.Debugf("queued %s command %s (target %d)", cmd.Type(), cmd.CorrelationID(), cmd.TargetID())
}

// QueueDepth returns the number of commands waiting for the next tick.
func (s *Simulator) QueueDepth() int {
	return s.commands.Len()
}

// AddStateCallback registers a subscriber invoked with each new state.
func (s *Simulator) AddStateCallback(cb StateCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Running reports whether the background loop is active.
func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Statistics returns a copy of the current counters.
func (s *Simulator) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Start launches the background tick loop. Starting a running simulator is a
// no-op, not an error.
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		logrus.Debug("simulator already running, start ignored")
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	go s.loop(s.stop, s.done)
	logrus.Infof("simulator started, timestep=%s", s.timestep)
}

// Stop signals the loop and waits for it to exit. A tick in flight is
// allowed to complete; the loop observes the signal at the next sleep.
// Stopping a stopped simulator is a no-op, but every Stop call returns only
// after the loop has actually exited, so concurrent stoppers all get the
// same guarantee.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		done := s.done
		s.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	close(s.stop)
	done := s.done
	s.running = false
	s.mu.Unlock()

	<-done
	logrus.Info("simulator stopped")
}

// loop executes ticks at the nominal cadence with drift correction: each
// deadline is the previous deadline plus one timestep, so an overrunning
// tick does not push later ticks out. If a deadline has already passed the
// tick fires immediately and the cadence restarts from now.
func (s *Simulator) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(s.timestep)
	defer timer.Stop()
	deadline := time.Now().Add(s.timestep)

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		s.tick()

		deadline = deadline.Add(s.timestep)
		wait := time.Until(deadline)
		if wait < 0 {
			// Already late: fire immediately and re-anchor the cadence.
			deadline = time.Now()
			wait = 0
		}
		timer.Reset(wait)
	}
}

// Step performs exactly one tick synchronously. It is usable whether or not
// the background loop is running, for deterministic testing and scripting.
func (s *Simulator) Step() {
	s.tick()
}

func (s *Simulator) tick() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	var processed, failures uint64

	// Drain only the commands present at tick start, in FIFO order.
	for _, cmd := range s.commands.DrainN(s.commands.Len()) {
		if err := s.engine.ExecuteCommand(cmd); err != nil {
			failures++
			logrus.Warnf("command failed: %v", &CommandError{Command: cmd, Wrapped: err})
			continue
		}
		processed++
	}

	result := s.engine.RunSimulation(s.powerFlowConfig())
	tickFailed := !result.Converged
	if tickFailed {
		logrus.Warnf("power flow did not converge after %d iterations: %s", result.Iterations, result.Error)
	}

	if s.engine.Topology().HasStorage() {
		if err := s.engine.UpdateStorageSOC(s.timestep.Seconds()); err != nil {
			// A backend without storage support simply skips SOC tracking.
			logrus.Debugf("storage SOC update skipped: %v", err)
		}
	}

	state, err := s.engine.CurrentState()
	if err != nil {
		tickFailed = true
		logrus.Warnf("state unavailable this tick: %v", err)
	}

	var callbacks []StateCallback
	s.mu.Lock()
	s.stats.TotalTicks++
	s.stats.CommandsProcessed += processed
	s.stats.CommandFailures += failures
	if tickFailed {
		s.stats.FailedTicks++
	}
	callbacks = append(callbacks, s.callbacks...)
	s.mu.Unlock()

	if state == nil {
		return
	}
	for _, cb := range callbacks {
		s.invoke(cb, state)
	}
}

// invoke runs one subscriber with a recover boundary so a failing subscriber
// cannot block or crash the tick or later subscribers.
func (s *Simulator) invoke(cb StateCallback, state *GridState) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.stats.SubscriberPanics++
			s.mu.Unlock()
			logrus.Errorf("state callback panicked: %v", r)
		}
	}()
	cb(state)
}
