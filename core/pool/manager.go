package pool

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/debench/debench/core/infra/bus"
	"github.com/debench/debench/core/infra/locks"
	"github.com/debench/debench/core/infra/logging"
	"github.com/debench/debench/core/infra/metrics"
)

// Lock resource ids guarding the shared pool state.
const (
	PoolLockID = "deployment-pool"
	InitLockID = "deployment-pool-init"
)

const (
	defaultInitWait  = 300 * time.Second
	defaultLockWait  = 30 * time.Second
	defaultLockPoll  = time.Second
	leaseLockPrefix  = "deployment-lease:"
	backendOpTimeout = 10 * time.Second
	minLeaseRenewal  = 10 * time.Millisecond
)

// LeaseID is the lock resource that marks a deployment as actively used by
// its allocating process. The sweeper reclaims allocations whose lease expired.
func LeaseID(name string) string {
	return leaseLockPrefix + name
}

// Manager is the process-local handle on the shared deployment pool. Every
// mutation runs while holding PoolLockID; backend failures degrade to the
// conservative answer (nil entry, false) instead of failing the caller.
type Manager struct {
	// mu serializes this process's workers; the pool lock is reentrant for
	// one holder id and so only excludes other processes.
	mu       sync.Mutex
	store    Store
	lock     *locks.Lock
	prefix   string
	initWait time.Duration
	lockWait time.Duration
	poll     time.Duration
	now      func() time.Time
	metrics  metrics.Metrics
	events   bus.Publisher

	leaseMu sync.Mutex
	leases  map[string]*lease
}

// lease is the renewal loop of one held deployment lease.
type lease struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *lease) stop() {
	l.cancel()
	<-l.done
}

// Option customizes a Manager.
type Option func(*Manager)

// WithPrefix restricts Populate to deployments whose name has prefix.
func WithPrefix(prefix string) Option {
	return func(m *Manager) { m.prefix = prefix }
}

// WithInitWait bounds how long Populate waits for a concurrent populator.
func WithInitWait(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.initWait = d
		}
	}
}

// WithLockWait bounds how long mutations wait for the pool lock.
func WithLockWait(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.lockWait = d
		}
	}
}

// WithPollInterval sets the lock retry interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.poll = d
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMetrics records allocation outcomes.
func WithMetrics(mt metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics.OrNoop(mt) }
}

// WithEvents publishes allocation events.
func WithEvents(p bus.Publisher) Option {
	return func(m *Manager) { m.events = bus.OrNoop(p) }
}

// NewManager wires a pool manager over store, serialized by lock.
func NewManager(store Store, lock *locks.Lock, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		lock:     lock,
		initWait: defaultInitWait,
		lockWait: defaultLockWait,
		poll:     defaultLockPoll,
		now:      time.Now,
		metrics:  metrics.Noop{},
		events:   bus.Noop{},
		leases:   map[string]*lease{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Populate seeds the pool from a provider listing. The first process to take
// InitLockID seeds; others wait up to the init wait and then seed whatever is
// missing, since Seed never overwrites tracked entries. If the wait runs out
// the caller continues with the current, possibly partial, view.
func (m *Manager) Populate(ctx context.Context, discovered []Discovered) error {
	entries := make([]Entry, 0, len(discovered))
	now := m.now().UTC()
	for _, d := range discovered {
		if d.Name == "" || (m.prefix != "" && !strings.HasPrefix(d.Name, m.prefix)) {
			continue
		}
		entries = append(entries, Entry{Name: d.Name, ID: d.ID, State: StateHibernating, UpdatedAt: now})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lock.WithLock(ctx, InitLockID, m.initWait, m.poll, func(ctx context.Context, acquired bool) error {
		if !acquired {
			logging.Warn("pool", "init lock not obtained, continuing with current pool view", "wait", m.initWait)
			return nil
		}
		added, err := m.store.Seed(ctx, entries)
		if err != nil {
			logging.Error("pool", "seed failed", "error", err)
			return nil
		}
		logging.Info("pool", "populated", "discovered", len(discovered), "tracked", len(entries), "added", added)
		return nil
	})
}

// Allocate claims a hibernating deployment for requestedBy/pid. It returns nil
// when the pool is exhausted or unavailable; the caller then creates a new
// deployment and records it with Register.
func (m *Manager) Allocate(ctx context.Context, requestedBy string, pid int) *Entry {
	var claimed *Entry
	err := m.withPoolLock(ctx, "allocate", func(ctx context.Context) error {
		e, err := m.store.Claim(ctx, requestedBy, pid, m.now())
		if err != nil {
			return err
		}
		claimed = e
		return nil
	})
	if err != nil {
		logging.Error("pool", "allocation failed", "requested_by", requestedBy, "error", err)
		m.metrics.IncPoolAllocation(metrics.OutcomeError)
		return nil
	}
	if claimed == nil {
		m.metrics.IncPoolAllocation(metrics.OutcomeExhausted)
		bus.Emit(ctx, m.events, bus.Event{Type: bus.EventPoolExhausted, Holder: m.lock.Holder(), Test: requestedBy})
		logging.Info("pool", "no free deployment", "requested_by", requestedBy, "pid", pid)
		return nil
	}
	m.takeLease(ctx, claimed.Name)
	m.metrics.IncPoolAllocation(metrics.OutcomeHit)
	bus.Emit(ctx, m.events, bus.Event{Type: bus.EventPoolAllocated, Holder: m.lock.Holder(), Test: requestedBy, Resource: claimed.Name})
	logging.Info("pool", "allocated", "deployment", claimed.Name, "id", claimed.ID, "requested_by", requestedBy, "pid", pid)
	return claimed
}

// Register records a deployment created on the slow path as allocated to pid.
func (m *Manager) Register(ctx context.Context, e Entry) error {
	if e.State == "" {
		e.State = StateAllocated
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = m.now().UTC()
	}
	err := m.withPoolLock(ctx, "register", func(ctx context.Context) error {
		return m.store.Register(ctx, e)
	})
	if err != nil {
		logging.Error("pool", "register failed", "deployment", e.Name, "error", err)
		return err
	}
	if e.State == StateAllocated {
		m.takeLease(ctx, e.Name)
	}
	logging.Info("pool", "registered", "deployment", e.Name, "id", e.ID, "state", e.State)
	return nil
}

// Release returns name to hibernating, recording newID when the deployment
// was recreated. It reports whether the entry changed state. The lease stops
// being renewed either way.
func (m *Manager) Release(ctx context.Context, name string, pid int, newID string) bool {
	m.stopLease(name)
	released := false
	_ = m.withPoolLock(ctx, "release", func(ctx context.Context) error {
		ok, err := m.store.Return(ctx, name, pid, newID, m.now())
		if err != nil {
			logging.Error("pool", "return failed", "deployment", name, "error", err)
			return nil
		}
		released = ok
		return nil
	})
	if released {
		m.lock.Release(ctx, LeaseID(name))
		bus.Emit(ctx, m.events, bus.Event{Type: bus.EventPoolReleased, Holder: m.lock.Holder(), Resource: name})
		logging.Info("pool", "released", "deployment", name, "pid", pid, "new_id", newID)
	} else {
		logging.Warn("pool", "release ignored", "deployment", name, "pid", pid)
	}
	return released
}

// Abandon gives up this process's claim on name without returning it: the
// entry stays allocated and its lease lapses, so the sweeper reclaims it once
// the grace period passes.
func (m *Manager) Abandon(ctx context.Context, name string) {
	m.stopLease(name)
	m.lock.Release(ctx, LeaseID(name))
	logging.Warn("pool", "allocation abandoned, left for the sweeper", "deployment", name)
}

// Close stops renewing every lease held by this manager. Entries stay
// allocated; used when the process shuts down without releasing.
func (m *Manager) Close() {
	m.leaseMu.Lock()
	held := make([]*lease, 0, len(m.leases))
	for name, l := range m.leases {
		held = append(held, l)
		delete(m.leases, name)
	}
	m.leaseMu.Unlock()
	for _, l := range held {
		l.stop()
	}
}

// GetAll returns a snapshot of every entry; empty on backend failure.
func (m *Manager) GetAll(ctx context.Context) []Entry {
	entries, err := m.store.List(ctx)
	if err != nil {
		logging.Error("pool", "list failed", "error", err)
		return nil
	}
	return entries
}

// Remove stops tracking name.
func (m *Manager) Remove(ctx context.Context, name string) bool {
	removed := false
	_ = m.withPoolLock(ctx, "remove", func(ctx context.Context) error {
		ok, err := m.store.Remove(ctx, name)
		if err != nil {
			logging.Error("pool", "remove failed", "deployment", name, "error", err)
			return nil
		}
		removed = ok
		return nil
	})
	return removed
}

// Lock exposes the lock client the manager coordinates with.
func (m *Manager) Lock() *locks.Lock {
	return m.lock
}

func (m *Manager) withPoolLock(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lock.WithLock(ctx, PoolLockID, m.lockWait, m.poll, func(ctx context.Context, acquired bool) error {
		if !acquired {
			logging.Warn("pool", "pool lock not obtained", "op", op, "wait", m.lockWait)
			return errPoolBusy
		}
		opCtx, cancel := context.WithTimeout(ctx, backendOpTimeout)
		defer cancel()
		return fn(opCtx)
	})
}

// takeLease acquires the lease on name and keeps it alive at a third of the
// lock TTL until Release, Abandon or Close.
func (m *Manager) takeLease(ctx context.Context, name string) {
	if !m.lock.Acquire(ctx, LeaseID(name), 0, 0) {
		logging.Warn("pool", "lease not taken", "deployment", name)
	}
	every := m.lock.TTL() / 3
	if every < minLeaseRenewal {
		every = minLeaseRenewal
	}
	m.stopLease(name)
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &lease{cancel: cancel, done: make(chan struct{})}

	m.leaseMu.Lock()
	m.leases[name] = l
	m.leaseMu.Unlock()

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-ticker.C:
				if !m.lock.Acquire(rctx, LeaseID(name), 0, 0) && rctx.Err() == nil {
					logging.Warn("pool", "lease renewal failed", "deployment", name)
				}
			}
		}
	}()
}

func (m *Manager) stopLease(name string) {
	m.leaseMu.Lock()
	l, ok := m.leases[name]
	delete(m.leases, name)
	m.leaseMu.Unlock()
	if ok {
		l.stop()
	}
}
