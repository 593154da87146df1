package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/debench/debench/core/fixtures"
	"github.com/debench/debench/core/infra/bus"
	"github.com/debench/debench/core/infra/logging"
	"github.com/debench/debench/core/infra/metrics"
	"github.com/debench/debench/core/infra/secrets"
	"github.com/google/uuid"
)

// ErrContextClosed is returned by SetupAll once the context was torn down,
// typically by a global cleanup racing the test.
var ErrContextClosed = errors.New("test context already torn down")

// SetupError reports the fixture whose setup failed a test.
type SetupError struct {
	Test         string
	ResourceType string
	Err          error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("test %s: setup %s: %v", e.Test, e.ResourceType, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// TestContext owns the fixture instances of one test execution. Instances
// are torn down in the reverse of the order they were set up.
type TestContext struct {
	ID   string
	Name string

	orch      *Orchestrator
	instances []*Instance

	mu     sync.Mutex
	stack  []*Instance
	closed bool
}

func newTestContext(o *Orchestrator, name string, instances []*Instance) *TestContext {
	return &TestContext{ID: uuid.NewString(), Name: name, orch: o, instances: instances}
}

// Instances returns the instances in declaration order.
func (tc *TestContext) Instances() []*Instance {
	return append([]*Instance(nil), tc.instances...)
}

// Fixtures returns the live fixtures in declaration order.
func (tc *TestContext) Fixtures() []fixtures.Fixture {
	out := make([]fixtures.Fixture, 0, len(tc.instances))
	for _, inst := range tc.instances {
		out = append(out, inst.Fixture())
	}
	return out
}

// ConfigSections merges the config sections of every ready fixture.
func (tc *TestContext) ConfigSections() map[string]any {
	sections := make([]map[string]any, 0, len(tc.instances))
	for _, inst := range tc.instances {
		if inst.State() != StateReady {
			continue
		}
		sections = append(sections, inst.Fixture().ConfigSection())
	}
	return fixtures.MergeSections(sections...)
}

// SetupAll sets up every fixture in declaration order. When one fails, every
// fixture already set up, plus the failed one if it left partial data, is
// torn down in reverse order before the *SetupError is returned.
func (tc *TestContext) SetupAll(ctx context.Context) error {
	for _, inst := range tc.instances {
		tc.mu.Lock()
		closed := tc.closed
		tc.mu.Unlock()
		if closed {
			return &SetupError{Test: tc.Name, ResourceType: inst.ResourceType(), Err: ErrContextClosed}
		}
		if err := ctx.Err(); err != nil {
			tc.TeardownAll(ctx)
			return &SetupError{Test: tc.Name, ResourceType: inst.ResourceType(), Err: err}
		}

		err := inst.Setup(ctx)
		tc.mu.Lock()
		if tc.closed {
			// Cleanup ran while this setup was in flight.
			tc.mu.Unlock()
			tc.orch.teardownInstance(ctx, tc.Name, inst)
			return &SetupError{Test: tc.Name, ResourceType: inst.ResourceType(), Err: ErrContextClosed}
		}
		if err == nil || inst.HasResource() {
			tc.stack = append(tc.stack, inst)
		}
		tc.mu.Unlock()

		if err != nil {
			tc.orch.recordSetup(ctx, tc.Name, inst, err)
			tc.TeardownAll(ctx)
			return &SetupError{Test: tc.Name, ResourceType: inst.ResourceType(), Err: err}
		}
		tc.orch.recordSetup(ctx, tc.Name, inst, nil)
	}
	return nil
}

// TeardownAll pops the setup stack, tearing each instance down. Errors are
// logged and never returned. Safe to call repeatedly and concurrently.
func (tc *TestContext) TeardownAll(ctx context.Context) {
	tc.mu.Lock()
	tc.closed = true
	stack := tc.stack
	tc.stack = nil
	tc.mu.Unlock()

	for i := len(stack) - 1; i >= 0; i-- {
		tc.orch.teardownInstance(ctx, tc.Name, stack[i])
	}
	// Instances that never produced a resource only need their state closed.
	for _, inst := range tc.instances {
		if inst.State() != StateTornDown && !inst.HasResource() {
			_ = inst.Teardown(ctx)
		}
	}
}

// Closed reports whether the context has been torn down.
func (tc *TestContext) Closed() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.closed
}

func (o *Orchestrator) recordSetup(ctx context.Context, test string, inst *Instance, err error) {
	ev := bus.NewEvent(bus.EventFixtureReady)
	ev.Holder = o.holder
	ev.Test = test
	ev.Resource = inst.ResourceType()
	status := metrics.StatusOK
	if err != nil {
		status = metrics.StatusFailed
		ev.Type = bus.EventFixtureFailed
		ev.Error = err.Error()
		logging.Error("orchestrator", "fixture setup failed", "test", test, "resource_type", inst.ResourceType(), "partial", inst.HasResource(), "error", err)
	} else {
		ev.Labels = secrets.Labels(inst.Data())
		logging.Debug("orchestrator", "fixture ready", "test", test, "resource_type", inst.ResourceType())
	}
	ev.Status = status
	o.metrics.IncFixtureSetup(inst.ResourceType(), status)
	bus.Emit(ctx, o.events, ev)
}

func (o *Orchestrator) teardownInstance(ctx context.Context, test string, inst *Instance) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.teardownTimeout)
	defer cancel()
	status := metrics.StatusOK
	ev := bus.NewEvent(bus.EventFixtureTornDown)
	ev.Holder = o.holder
	ev.Test = test
	ev.Resource = inst.ResourceType()
	if err := inst.Teardown(tctx); err != nil {
		status = metrics.StatusFailed
		ev.Error = err.Error()
		logging.Error("orchestrator", "fixture teardown failed", "test", test, "resource_type", inst.ResourceType(), "error", err)
	}
	ev.Status = status
	o.metrics.IncFixtureTeardown(inst.ResourceType(), status)
	bus.Emit(tctx, o.events, ev)
}
