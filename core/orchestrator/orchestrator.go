// Package orchestrator drives fixtures through their lifecycle: a session
// tier shared by the whole batch, a per-test tier owned by TestContexts, and
// an idempotent global cleanup for interrupts.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/debench/debench/core/fixtures"
	"github.com/debench/debench/core/infra/bus"
	"github.com/debench/debench/core/infra/logging"
	"github.com/debench/debench/core/infra/metrics"
)

const (
	defaultTeardownTimeout = 10 * time.Minute
	defaultCleanupTimeout  = 15 * time.Minute
)

type sessionEntry struct {
	key     string
	fixture fixtures.SessionFixture
	data    fixtures.SessionData
	done    bool
}

// Orchestrator tracks every live test context and session fixture of one
// process.
type Orchestrator struct {
	holder          string
	metrics         metrics.Metrics
	events          bus.Publisher
	teardownTimeout time.Duration
	cleanupTimeout  time.Duration

	mu       sync.Mutex
	custom   map[string]fixtures.Config
	sessions []*sessionEntry
	byKey    map[string]*sessionEntry
	contexts []*TestContext

	cleaned atomic.Bool
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithHolder(holder string) Option {
	return func(o *Orchestrator) { o.holder = holder }
}

func WithMetrics(m metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics.OrNoop(m) }
}

func WithEvents(p bus.Publisher) Option {
	return func(o *Orchestrator) { o.events = bus.OrNoop(p) }
}

// WithTeardownTimeout bounds each fixture teardown.
func WithTeardownTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.teardownTimeout = d
		}
	}
}

// WithCleanupTimeout bounds the signal-triggered cleanup as a whole.
func WithCleanupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.cleanupTimeout = d
		}
	}
}

// New returns an empty orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		metrics:         metrics.Noop{},
		events:          bus.Noop{},
		teardownTimeout: defaultTeardownTimeout,
		cleanupTimeout:  defaultCleanupTimeout,
		custom:          map[string]fixtures.Config{},
		byKey:           map[string]*sessionEntry{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetCustomConfig sets the config used for resourceType when a test gives no
// explicit one. A nil cfg clears it.
func (o *Orchestrator) SetCustomConfig(resourceType string, cfg fixtures.Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cfg == nil {
		delete(o.custom, resourceType)
		return
	}
	o.custom[resourceType] = cfg
}

func (o *Orchestrator) customConfig(resourceType string) fixtures.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.custom[resourceType]
}

func sessionKey(f fixtures.Fixture) string {
	return fmt.Sprintf("%T", f)
}

// SessionSetup runs session setup once per concrete fixture type found in
// declared. Types already set up by an earlier call are skipped. On failure,
// session fixtures set up by this call are torn down in reverse order.
func (o *Orchestrator) SessionSetup(ctx context.Context, declared [][]fixtures.Request) error {
	var started []*sessionEntry
	for _, reqs := range declared {
		for _, req := range reqs {
			sf, ok := fixtures.NeedsSession(req.Fixture)
			if !ok {
				continue
			}
			key := sessionKey(sf)
			o.mu.Lock()
			_, exists := o.byKey[key]
			o.mu.Unlock()
			if exists {
				continue
			}
			cfg := fixtures.ResolveConfig(nil, o.customConfig(sf.ResourceType()), sf.DefaultConfig())
			logging.Info("orchestrator", "session setup", "fixture", key)
			data, err := sf.SessionSetup(ctx, cfg)
			if err != nil {
				for i := len(started) - 1; i >= 0; i-- {
					o.teardownSession(ctx, started[i])
				}
				return fmt.Errorf("session setup %s: %w", sf.ResourceType(), err)
			}
			entry := &sessionEntry{key: key, fixture: sf, data: data}
			o.mu.Lock()
			o.byKey[key] = entry
			o.sessions = append(o.sessions, entry)
			o.mu.Unlock()
			started = append(started, entry)
		}
	}
	return nil
}

// SessionData returns the session data recorded for f's concrete type.
func (o *Orchestrator) SessionData(f fixtures.Fixture) (fixtures.SessionData, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.byKey[sessionKey(f)]
	if !ok || entry.done {
		return nil, false
	}
	return entry.data, true
}

// SessionTeardown tears session fixtures down once each, in reverse order of
// setup. Errors are logged.
func (o *Orchestrator) SessionTeardown(ctx context.Context) {
	o.mu.Lock()
	sessions := append([]*sessionEntry(nil), o.sessions...)
	o.mu.Unlock()
	for i := len(sessions) - 1; i >= 0; i-- {
		o.teardownSession(ctx, sessions[i])
	}
}

func (o *Orchestrator) teardownSession(ctx context.Context, entry *sessionEntry) {
	o.mu.Lock()
	if entry.done {
		o.mu.Unlock()
		return
	}
	entry.done = true
	delete(o.byKey, entry.key)
	o.mu.Unlock()

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.teardownTimeout)
	defer cancel()
	if err := entry.fixture.SessionTeardown(tctx, entry.data); err != nil {
		logging.Error("orchestrator", "session teardown failed", "fixture", entry.key, "error", err)
		return
	}
	logging.Info("orchestrator", "session torn down", "fixture", entry.key)
}

// NewTestContext binds fresh instances for one test and registers the
// context for global cleanup. Config priority is explicit, then custom, then
// the fixture default.
func (o *Orchestrator) NewTestContext(name string, reqs []fixtures.Request) (*TestContext, error) {
	instances := make([]*Instance, 0, len(reqs))
	for _, req := range reqs {
		if req.Fixture == nil {
			return nil, fmt.Errorf("test %s: nil fixture", name)
		}
		if sf, ok := fixtures.NeedsSession(req.Fixture); ok {
			if data, ok := o.SessionData(sf); ok {
				sf.UseSession(data)
			}
		}
		cfg := fixtures.ResolveConfig(req.Config, o.customConfig(req.Fixture.ResourceType()), req.Fixture.DefaultConfig())
		inst, err := newInstance(req.Fixture, cfg)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	tc := newTestContext(o, name, instances)
	o.mu.Lock()
	o.contexts = append(o.contexts, tc)
	o.mu.Unlock()
	return tc, nil
}

// Release tears tc down and forgets it.
func (o *Orchestrator) Release(ctx context.Context, tc *TestContext) {
	tc.TeardownAll(ctx)
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, c := range o.contexts {
		if c == tc {
			o.contexts = append(o.contexts[:i], o.contexts[i+1:]...)
			break
		}
	}
}

// Active returns the number of registered test contexts.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.contexts)
}

// Cleanup tears down every registered test context, newest first, then the
// session tier. Only the first call does anything; it reports whether this
// call ran the cleanup.
func (o *Orchestrator) Cleanup(ctx context.Context) bool {
	if !o.cleaned.CompareAndSwap(false, true) {
		return false
	}
	o.mu.Lock()
	contexts := append([]*TestContext(nil), o.contexts...)
	o.contexts = nil
	o.mu.Unlock()

	logging.Warn("orchestrator", "global cleanup", "contexts", len(contexts))
	for i := len(contexts) - 1; i >= 0; i-- {
		contexts[i].TeardownAll(ctx)
	}
	o.SessionTeardown(ctx)

	ev := bus.NewEvent(bus.EventCleanup)
	ev.Holder = o.holder
	ev.Labels = map[string]string{"contexts": fmt.Sprint(len(contexts))}
	bus.Emit(context.WithoutCancel(ctx), o.events, ev)
	return true
}

// HandleSignals returns a context cancelled on SIGINT/SIGTERM (or sigs).
// The first signal also runs Cleanup. The returned stop function stops
// listening and waits for an in-flight cleanup to finish.
func (o *Orchestrator) HandleSignals(parent context.Context, sigs ...os.Signal) (context.Context, func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	return o.watchSignals(parent, ch, func() { signal.Stop(ch) })
}

// watchSignals runs Cleanup on the first value from ch. unsubscribe is called
// as soon as that signal arrives, so a second one gets the default action and
// can kill a process stuck in cleanup.
func (o *Orchestrator) watchSignals(parent context.Context, ch <-chan os.Signal, unsubscribe func()) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	quit := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		select {
		case sig := <-ch:
			unsubscribe()
			logging.Warn("orchestrator", "interrupt received, cleaning up; signal again to force quit", "signal", sig.String())
			cancel()
			cctx, ccancel := context.WithTimeout(context.WithoutCancel(parent), o.cleanupTimeout)
			o.Cleanup(cctx)
			ccancel()
		case <-quit:
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			unsubscribe()
			close(quit)
			<-finished
			cancel()
		})
	}
	return ctx, stop
}
