package pool

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/debench/debench/core/infra/locks"
	"github.com/debench/debench/core/infra/metrics"
	"github.com/redis/go-redis/v9"
)

type harness struct {
	store   *RedisStore
	backend locks.Backend
	mr      *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backend, err := locks.OpenSQLStore(context.Background(), locks.DialectSQLite, filepath.Join(t.TempDir(), "locks.db"))
	if err != nil {
		t.Fatalf("open lock store: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return &harness{store: NewRedisStoreFromClient(client, ""), backend: backend, mr: mr}
}

// manager returns a Manager for a simulated independent worker process.
func (h *harness) manager(holder string, opts ...Option) *Manager {
	base := []Option{WithLockWait(5 * time.Second), WithPollInterval(5 * time.Millisecond), WithInitWait(time.Second)}
	return NewManager(h.store, locks.New(h.backend, holder), append(base, opts...)...)
}

func discovered(names ...string) []Discovered {
	out := make([]Discovered, 0, len(names))
	for _, n := range names {
		out = append(out, Discovered{Name: n, ID: "id-" + n, Status: "HIBERNATING"})
	}
	return out
}

func TestPopulateSeedsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.manager("w1", WithPrefix("debench-"))

	if err := m.Populate(ctx, discovered("debench-a", "debench-b", "prod-x")); err != nil {
		t.Fatalf("populate: %v", err)
	}
	all := m.GetAll(ctx)
	if len(all) != 2 || all[0].Name != "debench-a" || all[1].Name != "debench-b" {
		t.Fatalf("unexpected entries: %+v", all)
	}

	// A racing worker populates again after debench-a was allocated; the
	// existing allocation must survive.
	if got := m.Allocate(ctx, "test-1", 100); got == nil || got.Name != "debench-a" {
		t.Fatalf("expected debench-a allocated, got %+v", got)
	}
	if err := h.manager("w2", WithPrefix("debench-")).Populate(ctx, discovered("debench-a", "debench-b", "debench-c")); err != nil {
		t.Fatalf("second populate: %v", err)
	}
	all = m.GetAll(ctx)
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %+v", all)
	}
	if all[0].State != StateAllocated || all[0].PID != 100 {
		t.Fatalf("expected allocation preserved, got %+v", all[0])
	}
}

func TestPopulateGivesUpWhenInitLockHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other := locks.New(h.backend, "stuck-populator")
	if !other.Acquire(ctx, InitLockID, 0, 0) {
		t.Fatalf("expected init lock")
	}
	m := h.manager("w1", WithInitWait(50*time.Millisecond))
	start := time.Now()
	if err := m.Populate(ctx, discovered("debench-a")); err != nil {
		t.Fatalf("populate should degrade, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("expected populate to wait for the init lock")
	}
	if got := m.GetAll(ctx); len(got) != 0 {
		t.Fatalf("expected empty best-effort view, got %+v", got)
	}
}

func TestAllocateIsExclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.manager("seed").Populate(ctx, discovered("d1", "d2")); err != nil {
		t.Fatalf("populate: %v", err)
	}

	const workers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted = map[string]int{}
		misses  atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := h.manager(fmt.Sprintf("worker-%d", i))
			e := m.Allocate(ctx, fmt.Sprintf("test-%d", i), 1000+i)
			if e == nil {
				misses.Add(1)
				return
			}
			mu.Lock()
			granted[e.Name]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(granted) != 2 || granted["d1"] != 1 || granted["d2"] != 1 {
		t.Fatalf("expected each entry granted exactly once, got %v", granted)
	}
	if got := misses.Load(); got != workers-2 {
		t.Fatalf("expected %d misses, got %d", workers-2, got)
	}
}

func TestExhaustionFallsBackToCreateOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.manager("seed").Populate(ctx, discovered("d1", "d2")); err != nil {
		t.Fatalf("populate: %v", err)
	}

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := h.manager(fmt.Sprintf("worker-%d", i))
			if e := m.Allocate(ctx, "test", 2000+i); e != nil {
				return
			}
			created.Add(1)
			name := fmt.Sprintf("d-new-%d", i)
			if err := m.Register(ctx, Entry{Name: name, ID: "fresh", AllocatedTo: "test", PID: 2000 + i}); err != nil {
				t.Errorf("register: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := created.Load(); got != 1 {
		t.Fatalf("expected create-new fallback exactly once, got %d", got)
	}
	all := h.manager("observer").GetAll(ctx)
	if len(all) != 3 {
		t.Fatalf("expected registered entry tracked, got %+v", all)
	}
	for _, e := range all {
		if e.State != StateAllocated {
			t.Fatalf("expected every entry allocated, got %+v", e)
		}
	}
}

func TestReleaseRoundTripUpdatesID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.manager("w1")
	if err := m.Populate(ctx, discovered("d1")); err != nil {
		t.Fatalf("populate: %v", err)
	}
	e := m.Allocate(ctx, "test-a", 42)
	if e == nil || e.ID != "id-d1" {
		t.Fatalf("unexpected allocation %+v", e)
	}
	if m.Release(ctx, "d1", 7, "") {
		t.Fatalf("expected release by a different pid to be refused")
	}
	if !m.Release(ctx, "d1", 42, "id-recreated") {
		t.Fatalf("expected release")
	}
	if m.Release(ctx, "d1", 42, "") {
		t.Fatalf("expected second release to be a no-op")
	}
	again := m.Allocate(ctx, "test-b", 43)
	if again == nil || again.ID != "id-recreated" {
		t.Fatalf("expected new id on next allocation, got %+v", again)
	}
	if m.Release(ctx, "missing", 43, "") {
		t.Fatalf("expected unknown deployment release to be false")
	}
}

func TestAllocateTakesLeaseAndReleaseDropsIt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.manager("w1")
	_ = m.Populate(ctx, discovered("d1"))
	if m.Allocate(ctx, "t", 1) == nil {
		t.Fatalf("expected allocation")
	}
	if !m.Lock().Peek(ctx, LeaseID("d1")) {
		t.Fatalf("expected lease lock held after allocation")
	}
	m.Release(ctx, "d1", 1, "")
	if m.Lock().Peek(ctx, LeaseID("d1")) {
		t.Fatalf("expected lease lock released")
	}
}

func TestRemove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.manager("w1")
	_ = m.Populate(ctx, discovered("d1", "d2"))
	if !m.Remove(ctx, "d1") {
		t.Fatalf("expected removal")
	}
	if m.Remove(ctx, "d1") {
		t.Fatalf("expected second removal to report false")
	}
	if got := m.GetAll(ctx); len(got) != 1 || got[0].Name != "d2" {
		t.Fatalf("unexpected entries %+v", got)
	}
}

type allocationCounter struct {
	metrics.Noop
	mu       sync.Mutex
	outcomes map[string]int
}

func (c *allocationCounter) IncPoolAllocation(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = map[string]int{}
	}
	c.outcomes[outcome]++
}

func TestBackendOutageDegrades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	counter := &allocationCounter{}
	m := h.manager("w1", WithMetrics(counter))
	_ = m.Populate(ctx, discovered("d1"))
	h.mr.Close()

	if e := m.Allocate(ctx, "t", 1); e != nil {
		t.Fatalf("expected nil allocation during outage, got %+v", e)
	}
	if counter.outcomes[metrics.OutcomeError] != 1 || counter.outcomes[metrics.OutcomeExhausted] != 0 {
		t.Fatalf("outage must count once as error, got %v", counter.outcomes)
	}
	if m.Release(ctx, "d1", 1, "") {
		t.Fatalf("expected release to report false during outage")
	}
	if got := m.GetAll(ctx); got != nil {
		t.Fatalf("expected nil snapshot during outage, got %+v", got)
	}
}

func TestRedisStoreClaimIsCompareAndSwap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.store.Seed(ctx, []Entry{
		{Name: "a", ID: "1", State: StateHibernating},
		{Name: "b", ID: "2", State: StateHibernating},
		{Name: "c", ID: "3", State: StateHibernating},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := h.store.Claim(ctx, "direct", i+1, time.Now())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if e != nil {
				results <- e.Name
			}
		}(i)
	}
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for name := range results {
		if seen[name] {
			t.Fatalf("entry %s claimed twice", name)
		}
		seen[name] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 claims, got %v", seen)
	}
}

func TestSweeperReclaimsLapsedAllocations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	crashed := NewManager(h.store, locks.New(h.backend, "crashed", locks.WithTTL(100*time.Millisecond)),
		WithLockWait(time.Second), WithPollInterval(5*time.Millisecond))
	alive := h.manager("alive")
	_ = alive.Populate(ctx, discovered("d1", "d2"))

	if crashed.Allocate(ctx, "t-crashed", 1) == nil {
		t.Fatalf("expected crashed worker allocation")
	}
	// The worker dies: its lease stops being renewed.
	crashed.Close()
	if alive.Allocate(ctx, "t-alive", 2) == nil {
		t.Fatalf("expected alive worker allocation")
	}

	sweeper := NewSweeper(h.manager("sweeper"), 0, time.Minute)
	time.Sleep(150 * time.Millisecond)
	if got := sweeper.Tick(ctx); got != 1 {
		t.Fatalf("expected exactly one reclaimed allocation, got %d", got)
	}
	for _, e := range alive.GetAll(ctx) {
		switch e.Name {
		case "d1":
			if e.State != StateHibernating {
				t.Fatalf("expected d1 reclaimed, got %+v", e)
			}
		case "d2":
			if e.State != StateAllocated || e.PID != 2 {
				t.Fatalf("expected d2 untouched, got %+v", e)
			}
		}
	}

	graceful := NewSweeper(h.manager("sweeper-2"), time.Hour, time.Minute)
	if got := graceful.ReclaimStale(ctx); got != 0 {
		t.Fatalf("expected grace period to protect fresh allocations, got %d", got)
	}
}

func TestSweeperSparesAllocationHeldPastTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	busy := NewManager(h.store, locks.New(h.backend, "busy", locks.WithTTL(100*time.Millisecond)),
		WithLockWait(time.Second), WithPollInterval(5*time.Millisecond))
	defer busy.Close()
	_ = busy.Populate(ctx, discovered("d1"))
	if busy.Allocate(ctx, "long-test", 1) == nil {
		t.Fatalf("expected allocation")
	}

	// Hold the deployment for several TTLs without releasing it.
	time.Sleep(350 * time.Millisecond)
	sweeper := NewSweeper(h.manager("sweeper"), 0, time.Minute)
	if got := sweeper.Tick(ctx); got != 0 {
		t.Fatalf("live allocation reclaimed (%d)", got)
	}
	second := h.manager("second")
	defer second.Close()
	if e := second.Allocate(ctx, "second-test", 2); e != nil {
		t.Fatalf("deployment %s handed to a second process while still in use", e.Name)
	}

	if !busy.Release(ctx, "d1", 1, "") {
		t.Fatalf("expected release")
	}
	if busy.Lock().Peek(ctx, LeaseID("d1")) {
		t.Fatalf("expected lease gone after release")
	}
	time.Sleep(150 * time.Millisecond)
	if busy.Lock().Peek(ctx, LeaseID("d1")) {
		t.Fatalf("lease renewed after release")
	}
	if e := second.Allocate(ctx, "second-test", 2); e == nil || e.Name != "d1" {
		t.Fatalf("expected released deployment to be allocatable, got %+v", e)
	}
}

func TestSweeperStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(h.manager("sweeper"), 0, 5*time.Millisecond).Start(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop")
	}
}
