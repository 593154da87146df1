// Package runner evaluates tests: it sets up each test's fixtures, hands the
// task to the model runner, validates the result and always tears down.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/debench/debench/core/fixtures"
	"github.com/debench/debench/core/infra/bus"
	"github.com/debench/debench/core/infra/logging"
	"github.com/debench/debench/core/infra/metrics"
	"github.com/debench/debench/core/orchestrator"
	"golang.org/x/sync/errgroup"
)

// Result statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Test is one evaluation task. Fixtures must return fresh instances on every
// call.
type Test struct {
	Name     string
	Task     string
	Fixtures func() []fixtures.Request
	Validate Validator
	Timeout  time.Duration
}

// Result is the outcome of one test.
type Result struct {
	Name     string
	Status   string
	Err      error
	Output   Output
	Duration time.Duration
}

// Driver runs batches of tests against one orchestrator.
type Driver struct {
	orch    *orchestrator.Orchestrator
	model   ModelRunner
	workers int
	holder  string
	metrics metrics.Metrics
	events  bus.Publisher
}

// DriverOption customizes a Driver.
type DriverOption func(*Driver)

// WithWorkers sets how many tests run concurrently.
func WithWorkers(n int) DriverOption {
	return func(d *Driver) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithHolder(holder string) DriverOption {
	return func(d *Driver) { d.holder = holder }
}

func WithMetrics(m metrics.Metrics) DriverOption {
	return func(d *Driver) { d.metrics = metrics.OrNoop(m) }
}

func WithEvents(p bus.Publisher) DriverOption {
	return func(d *Driver) { d.events = bus.OrNoop(p) }
}

// NewDriver builds a driver.
func NewDriver(orch *orchestrator.Orchestrator, model ModelRunner, opts ...DriverOption) *Driver {
	d := &Driver{
		orch:    orch,
		model:   model,
		workers: 1,
		metrics: metrics.Noop{},
		events:  bus.Noop{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run sets up the session tier, evaluates tests with up to Workers in
// parallel and tears the session tier down. Results keep the order of tests.
// The error is non-nil only when the batch could not start.
func (d *Driver) Run(ctx context.Context, tests []Test) ([]Result, error) {
	declared := make([][]fixtures.Request, 0, len(tests))
	for _, t := range tests {
		if t.Fixtures != nil {
			declared = append(declared, t.Fixtures())
		}
	}
	if err := d.orch.SessionSetup(ctx, declared); err != nil {
		return nil, err
	}
	defer d.orch.SessionTeardown(context.WithoutCancel(ctx))

	results := make([]Result, len(tests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, t := range tests {
		g.Go(func() error {
			results[i] = d.runTest(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	passed := 0
	for _, r := range results {
		if r.Status == StatusPassed {
			passed++
		}
	}
	logging.Info("runner", "batch finished", "tests", len(tests), "passed", passed)
	return results, nil
}

func (d *Driver) runTest(ctx context.Context, t Test) (res Result) {
	res = Result{Name: t.Name}
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		d.record(ctx, res)
	}()
	if err := ctx.Err(); err != nil {
		res.Status = StatusSkipped
		res.Err = err
		return res
	}
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	var reqs []fixtures.Request
	if t.Fixtures != nil {
		reqs = t.Fixtures()
	}
	tc, err := d.orch.NewTestContext(t.Name, reqs)
	if err != nil {
		res.Status = StatusError
		res.Err = err
		return res
	}
	if err := tc.SetupAll(ctx); err != nil {
		d.orch.Release(ctx, tc)
		res.Status = StatusError
		res.Err = err
		return res
	}

	cfg := tc.ConfigSections()
	out, err := d.model.Run(ctx, t.Task, cfg)
	res.Output = out
	if err != nil {
		d.orch.Release(ctx, tc)
		res.Status = StatusError
		res.Err = fmt.Errorf("model runner: %w", err)
		return res
	}

	err = d.validate(ctx, tc, t, out, cfg)
	switch {
	case err == nil:
		res.Status = StatusPassed
	case errors.Is(err, ErrValidation):
		res.Status = StatusFailed
		res.Err = err
	default:
		res.Status = StatusError
		res.Err = err
	}
	return res
}

// validate runs the validator against the live fixtures; teardown happens in
// its deferred release so connections stay open while validating.
func (d *Driver) validate(ctx context.Context, tc *orchestrator.TestContext, t Test, out Output, cfg map[string]any) (err error) {
	defer d.orch.Release(ctx, tc)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panicked: %v", r)
		}
	}()
	if t.Validate == nil {
		return nil
	}
	instances := tc.Instances()
	data := make([]fixtures.ResourceData, 0, len(instances))
	for _, inst := range instances {
		data = append(data, inst.Data())
	}
	return t.Validate(ctx, Evaluation{Test: t.Name, Output: out, Config: cfg, Fixtures: tc.Fixtures(), Data: data})
}

func (d *Driver) record(ctx context.Context, res Result) {
	status := metrics.StatusOK
	if res.Status != StatusPassed {
		status = metrics.StatusFailed
	}
	d.metrics.IncTestsCompleted(res.Status)
	d.metrics.ObserveTestDuration(status, res.Duration.Seconds())

	ev := bus.NewEvent(bus.EventTestCompleted)
	ev.Holder = d.holder
	ev.Test = res.Name
	ev.Status = res.Status
	if res.Err != nil {
		ev.Error = res.Err.Error()
		logging.Warn("runner", "test finished", "test", res.Name, "status", res.Status, "duration", res.Duration.String(), "error", res.Err)
	} else {
		logging.Info("runner", "test finished", "test", res.Name, "status", res.Status, "duration", res.Duration.String())
	}
	bus.Emit(context.WithoutCancel(ctx), d.events, ev)
}
