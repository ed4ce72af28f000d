package lifecycle

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// ComponentHost is the subset of internal/component's Host the supervisor
// drives. SetupAll/ShutdownAll run every installed component concurrently
// and return a per-component error map; a component failing its hook never
// aborts the others.
type ComponentHost interface {
	SetupAll(ctx context.Context) map[string]error
	ShutdownAll(ctx context.Context, reason string) map[string]error
}

// Reporter is the subset of internal/instance's Reporter the supervisor
// drives: started once the server is READY, stopped (with a final record)
// on stop(reason).
type Reporter interface {
	Start()
	Stop(stopReason string) error
}

// Dependencies wires the supervisor to the rest of the process. Each func
// is invoked at a fixed point in the startup/shutdown sequence; callers
// compose cmd/morrigan-server by filling these in against the concrete
// logger/config/store/HTTP types.
type Dependencies struct {
	// LoadSetup loads the logger, component specs, state store, server
	// info, and HTTP listener config. Called once, from setup().
	LoadSetup func(ctx context.Context) error

	// OpenDataStore opens the data store. Called from start(), entering
	// STARTING_CONNECTED on success.
	OpenDataStore func(ctx context.Context) (io.Closer, error)

	// StartHTTPListener starts accepting connections. Called from
	// start(), entering STARTED on success.
	StartHTTPListener func(ctx context.Context) (io.Closer, error)

	// Components hosts the installed component set.
	Components ComponentHost

	// InstallOpenAPI mounts the aggregated OpenAPI document. Called from
	// start(), after component setup completes.
	InstallOpenAPI func(ctx context.Context) error

	// Reporter is the instance liveness reporter.
	Reporter Reporter
}

// Supervisor drives the server's strict startup/shutdown state sequence
// and fans out exactly one event per transition via its Bus.
type Supervisor struct {
	mu       sync.Mutex
	state    State
	err      error
	compErrs map[string]error

	deps Dependencies
	bus  *Bus

	dataStore io.Closer
	listener  io.Closer

	metrics  *Metrics
	stopOnce sync.Once
}

// New creates a Supervisor in state INSTANCED. metrics may be nil if the
// caller does not want Prometheus gauges updated.
func New(deps Dependencies, metrics *Metrics) *Supervisor {
	return &Supervisor{
		state:   StateInstanced,
		deps:    deps,
		bus:     NewBus(),
		metrics: metrics,
	}
}

// Bus exposes the event bus for observers.
func (s *Supervisor) Bus() *Bus { return s.bus }

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the captured error, if the supervisor ever entered ERROR.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ComponentErrors returns the per-component per-hook error map captured by
// the most recent start() or stop() call.
func (s *Supervisor) ComponentErrors() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]error, len(s.compErrs))
	for k, v := range s.compErrs {
		out[k] = v
	}
	return out
}

func (s *Supervisor) transition(state State) {
	s.state = state
	if s.metrics != nil {
		s.metrics.State.Set(stateValue(state))
	}
}

func (s *Supervisor) publish(name string, err error) {
	s.bus.Publish(Event{Name: name, State: s.state, Err: err, ComponentErrors: s.ComponentErrors()})
}

func (s *Supervisor) fail(ctx context.Context, name string, err error) error {
	s.mu.Lock()
	s.err = err
	s.transition(StateError)
	s.mu.Unlock()
	s.publish("error", err)
	return err
}

// Setup is valid only from INSTANCED; it rejects if already initializing or
// initialized. On failure the supervisor enters ERROR with the error
// retained for inspection via Err().
func (s *Supervisor) Setup(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateInstanced {
		s.mu.Unlock()
		return fmt.Errorf("lifecycle: setup invalid from state %s", s.state)
	}
	s.transition(StateInitializing)
	s.mu.Unlock()
	s.publish("initializing", nil)

	if s.deps.LoadSetup != nil {
		if err := s.deps.LoadSetup(ctx); err != nil {
			return s.fail(ctx, "setup", err)
		}
	}

	s.mu.Lock()
	s.transition(StateInitialized)
	s.mu.Unlock()
	s.publish("initialized", nil)
	return nil
}

// Start is valid from INITIALIZED, auto-invoking Setup from earlier
// states. It opens the data store, starts the HTTP listener, runs every
// component's setup hook concurrently, installs the OpenAPI endpoint, and
// starts the instance reporter, finishing at READY.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateInstanced || state == StateInitializing {
		if err := s.Setup(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.state != StateInitialized {
		s.mu.Unlock()
		return fmt.Errorf("lifecycle: start invalid from state %s", s.state)
	}
	s.transition(StateStarting)
	s.mu.Unlock()
	s.publish("starting", nil)

	if s.deps.OpenDataStore != nil {
		ds, err := s.deps.OpenDataStore(ctx)
		if err != nil {
			return s.fail(ctx, "start", err)
		}
		s.dataStore = ds
	}
	s.mu.Lock()
	s.transition(StateStartingConnected)
	s.mu.Unlock()
	s.publish("startingConnected", nil)

	if s.deps.StartHTTPListener != nil {
		ln, err := s.deps.StartHTTPListener(ctx)
		if err != nil {
			return s.fail(ctx, "start", err)
		}
		s.listener = ln
	}
	s.mu.Lock()
	s.transition(StateStarted)
	s.mu.Unlock()
	s.publish("started", nil)

	var compErrs map[string]error
	if s.deps.Components != nil {
		compErrs = s.deps.Components.SetupAll(ctx)
	}
	s.mu.Lock()
	s.compErrs = compErrs
	s.mu.Unlock()

	if s.deps.InstallOpenAPI != nil {
		if err := s.deps.InstallOpenAPI(ctx); err != nil {
			return s.fail(ctx, "start", err)
		}
	}

	if s.deps.Reporter != nil {
		s.deps.Reporter.Start()
	}

	s.mu.Lock()
	s.transition(StateReady)
	s.mu.Unlock()
	s.publish("ready", nil)
	return nil
}

// Stop is valid only from READY; called from any other state it is a
// no-op, to preserve idempotence of process-exit handlers. Concurrent
// calls collapse to one execution.
func (s *Supervisor) Stop(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return nil
	}
	s.transition(StateStopping)
	s.mu.Unlock()
	s.publish("stopping", nil)

	var stopErr error
	s.stopOnce.Do(func() {
		var compErrs map[string]error
		if s.deps.Components != nil {
			compErrs = s.deps.Components.ShutdownAll(ctx, reason)
		}
		s.mu.Lock()
		s.compErrs = compErrs
		s.mu.Unlock()

		if s.listener != nil {
			_ = s.listener.Close()
		}
		if s.deps.Reporter != nil {
			if err := s.deps.Reporter.Stop(reason); err != nil {
				stopErr = err
			}
		}
		if s.dataStore != nil {
			_ = s.dataStore.Close()
		}

		s.mu.Lock()
		s.transition(StateStopped)
		if s.metrics != nil {
			s.metrics.Stopped.Inc()
		}
		s.mu.Unlock()
		s.publish("stopped", stopErr)
	})
	return stopErr
}
