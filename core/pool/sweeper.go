package pool

import (
	"context"
	"time"

	"github.com/debench/debench/core/infra/logging"
)

const defaultSweepInterval = time.Minute

// Sweeper periodically removes expired lock rows and hands allocations whose
// lease lapsed (their process crashed) back to the pool.
type Sweeper struct {
	manager  *Manager
	grace    time.Duration
	interval time.Duration
	reclaim  ReclaimFunc
}

// ReclaimFunc puts a lapsed deployment back into a poolable condition, e.g.
// hibernates it. An error keeps the entry allocated until the next sweep.
type ReclaimFunc func(ctx context.Context, e Entry) error

// SweeperOption customizes a Sweeper.
type SweeperOption func(*Sweeper)

// WithReclaim runs fn on every lapsed allocation before it is returned.
func WithReclaim(fn ReclaimFunc) SweeperOption {
	return func(s *Sweeper) { s.reclaim = fn }
}

// NewSweeper builds a sweeper. Allocations younger than grace are never
// reclaimed, which covers the window between Claim and taking the lease.
func NewSweeper(manager *Manager, grace, interval time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if grace < 0 {
		grace = 0
	}
	s := &Sweeper{manager: manager, grace: grace, interval: interval}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep and returns the number of reclaimed entries.
func (s *Sweeper) Tick(ctx context.Context) int {
	s.manager.lock.CleanupExpired(ctx)
	return s.ReclaimStale(ctx)
}

// ReclaimStale returns allocated entries nobody holds a lease on.
func (s *Sweeper) ReclaimStale(ctx context.Context) int {
	cutoff := s.manager.now().Add(-s.grace)
	reclaimed := 0
	for _, e := range s.manager.GetAll(ctx) {
		if e.State != StateAllocated || e.UpdatedAt.After(cutoff) {
			continue
		}
		if s.manager.lock.Peek(ctx, LeaseID(e.Name)) {
			continue
		}
		if s.reclaim != nil {
			if err := s.reclaim(ctx, e); err != nil {
				logging.Error("sweeper", "reclaim hook failed, entry kept allocated", "deployment", e.Name, "error", err)
				continue
			}
		}
		if s.manager.Release(ctx, e.Name, 0, "") {
			reclaimed++
			logging.Info("sweeper", "reclaimed stale allocation", "deployment", e.Name, "allocated_to", e.AllocatedTo, "pid", e.PID)
		}
	}
	return reclaimed
}
