package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/debench/debench/core/fixtures"
	"github.com/felixgeelhaar/statekit"
)

// Lifecycle states of a fixture instance.
const (
	StateUninitialized      statekit.StateID = "UNINITIALIZED"
	StateSetupInProgress    statekit.StateID = "SETUP_IN_PROGRESS"
	StateReady              statekit.StateID = "READY"
	StateTeardownInProgress statekit.StateID = "TEARDOWN_IN_PROGRESS"
	StateTornDown           statekit.StateID = "TORN_DOWN"
)

// Lifecycle events.
const (
	EventSetup    statekit.EventType = "SETUP"
	EventSetupOK  statekit.EventType = "SETUP_OK"
	EventTeardown statekit.EventType = "TEARDOWN"
	EventFail     statekit.EventType = "FAIL"
	EventDone     statekit.EventType = "DONE"
)

// ErrInvalidTransition is returned when an operation does not fit the
// instance's current state, e.g. setting up a fixture twice.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

type lifecycleContext struct {
	ResourceType string
}

// newLifecycle builds an interpreter for one instance, already started in
// UNINITIALIZED.
func newLifecycle(resourceType string) (*statekit.Interpreter[lifecycleContext], error) {
	machine, err := statekit.NewMachine[lifecycleContext]("fixture-lifecycle:" + resourceType).
		WithInitial(StateUninitialized).
		// An instance may be abandoned before setup ever starts.
		State(StateUninitialized).
		On(EventSetup).Target(StateSetupInProgress).
		On(EventFail).Target(StateTeardownInProgress).
		Done().
		State(StateSetupInProgress).
		On(EventSetupOK).Target(StateReady).
		On(EventFail).Target(StateTeardownInProgress).
		Done().
		State(StateReady).
		On(EventTeardown).Target(StateTeardownInProgress).
		On(EventFail).Target(StateTeardownInProgress).
		Done().
		State(StateTeardownInProgress).
		On(EventDone).Target(StateTornDown).
		Done().
		State(StateTornDown).
		Final().
		Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("build lifecycle machine: %w", err)
	}
	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return interp, nil
}

// Instance is one fixture bound to one test, driven through the lifecycle
// machine. Setup and teardown never overlap on the same instance.
type Instance struct {
	fixture fixtures.Fixture
	config  fixtures.Config

	op     sync.Mutex // held across setup and teardown calls
	mu     sync.Mutex
	interp *statekit.Interpreter[lifecycleContext]
	data   fixtures.ResourceData
	err    error
}

func newInstance(f fixtures.Fixture, cfg fixtures.Config) (*Instance, error) {
	interp, err := newLifecycle(f.ResourceType())
	if err != nil {
		return nil, err
	}
	return &Instance{fixture: f, config: cfg, interp: interp}, nil
}

// Fixture returns the wrapped fixture.
func (i *Instance) Fixture() fixtures.Fixture { return i.fixture }

// ResourceType is shorthand for Fixture().ResourceType().
func (i *Instance) ResourceType() string { return i.fixture.ResourceType() }

// Config is the resolved setup config.
func (i *Instance) Config() fixtures.Config { return i.config }

// State returns the current lifecycle state.
func (i *Instance) State() statekit.StateID {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.interp.State().Value
}

// Data returns the resource data produced by setup, possibly partial.
func (i *Instance) Data() fixtures.ResourceData {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.data
}

// Err returns the setup error, if any.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

// Setup runs the fixture's setup. On failure the instance stays in
// SETUP_IN_PROGRESS holding whatever partial data the fixture returned.
func (i *Instance) Setup(ctx context.Context) error {
	i.op.Lock()
	defer i.op.Unlock()
	if err := i.send(EventSetup, StateSetupInProgress); err != nil {
		return err
	}
	data, err := safeSetup(ctx, i.fixture, i.config)
	i.mu.Lock()
	i.data = data
	i.err = err
	i.mu.Unlock()
	if err != nil {
		return err
	}
	return i.send(EventSetupOK, StateReady)
}

// HasResource reports whether teardown has anything to release.
func (i *Instance) HasResource() bool {
	return len(i.Data()) > 0
}

// Teardown moves the instance to TORN_DOWN, calling the fixture's teardown
// only when setup produced data. Calling it again is a no-op.
func (i *Instance) Teardown(ctx context.Context) error {
	i.op.Lock()
	defer i.op.Unlock()
	switch i.State() {
	case StateTornDown:
		return nil
	case StateTeardownInProgress:
	case StateReady:
		if err := i.send(EventTeardown, StateTeardownInProgress); err != nil {
			return err
		}
	default:
		if err := i.send(EventFail, StateTeardownInProgress); err != nil {
			return err
		}
	}
	var err error
	if data := i.Data(); len(data) > 0 {
		err = safeTeardown(ctx, i.fixture, data)
	}
	if sendErr := i.send(EventDone, StateTornDown); sendErr != nil && err == nil {
		err = sendErr
	}
	return err
}

func (i *Instance) send(ev statekit.EventType, want statekit.StateID) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	from := i.interp.State().Value
	i.interp.Send(statekit.Event{Type: ev})
	if got := i.interp.State().Value; got != want {
		return fmt.Errorf("%w: %s on %s (%s)", ErrInvalidTransition, ev, from, i.fixture.ResourceType())
	}
	return nil
}

func safeSetup(ctx context.Context, f fixtures.Fixture, cfg fixtures.Config) (data fixtures.ResourceData, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("setup panicked: %v", r)
		}
	}()
	return f.SetupResource(ctx, cfg)
}

func safeTeardown(ctx context.Context, f fixtures.Fixture, data fixtures.ResourceData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("teardown panicked: %v", r)
		}
	}()
	return f.TeardownResource(ctx, data)
}
