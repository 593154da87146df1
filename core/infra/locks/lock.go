package locks

import (
	"context"
	"time"

	"github.com/debench/debench/core/infra/logging"
	"github.com/debench/debench/core/infra/metrics"
)

const (
	// DefaultTTL outlives the slowest provisioning call (deployment creation).
	DefaultTTL = 45 * time.Minute
	// DefaultPollInterval is used when a waiting acquire gets no interval.
	DefaultPollInterval = time.Second
)

// Lock hands out time-bounded exclusive ownership of named resources to one
// holder at a time across processes. Backend failures never escape: they are
// logged and reported as "not acquired", "not released" or "no lock".
type Lock struct {
	backend Backend
	holder  string
	ttl     time.Duration
	now     func() time.Time
	metrics metrics.Metrics
}

// Option customizes a Lock.
type Option func(*Lock)

// WithTTL overrides the expiry stamped on each acquisition.
func WithTTL(ttl time.Duration) Option {
	return func(l *Lock) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithClock overrides the clock used to compute expiries.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMetrics records acquisition outcomes.
func WithMetrics(m metrics.Metrics) Option {
	return func(l *Lock) {
		l.metrics = metrics.OrNoop(m)
	}
}

// New constructs a Lock for holderID. An empty holderID gets a generated one.
func New(backend Backend, holderID string, opts ...Option) *Lock {
	if holderID == "" {
		holderID = NewHolderID()
	}
	l := &Lock{
		backend: backend,
		holder:  holderID,
		ttl:     DefaultTTL,
		now:     time.Now,
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Holder returns the identity stamped on acquired locks.
func (l *Lock) Holder() string {
	return l.holder
}

// TTL returns the expiry applied on acquisition.
func (l *Lock) TTL() time.Duration {
	return l.ttl
}

// Acquire tries to take resourceID. With timeout <= 0 it makes one attempt;
// otherwise it retries every pollInterval, recomputing the expiry each time,
// until it succeeds, the timeout elapses or ctx is done.
func (l *Lock) Acquire(ctx context.Context, resourceID string, timeout, pollInterval time.Duration) bool {
	if l.tryOnce(ctx, resourceID) {
		return true
	}
	if timeout <= 0 {
		l.metrics.IncLockAcquire(metrics.OutcomeContended)
		return false
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	for attempt := 2; ; attempt++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := pollInterval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.metrics.IncLockAcquire(metrics.OutcomeTimeout)
			return false
		case <-timer.C:
		}
		logging.Debug("locks", "retrying acquire", "resource_id", resourceID, "attempt", attempt)
		if l.tryOnce(ctx, resourceID) {
			return true
		}
	}
	logging.Warn("locks", "acquire timed out", "resource_id", resourceID, "holder_id", l.holder, "timeout", timeout)
	l.metrics.IncLockAcquire(metrics.OutcomeTimeout)
	return false
}

func (l *Lock) tryOnce(ctx context.Context, resourceID string) bool {
	if l.backend == nil {
		logging.Error("locks", "acquire failed", "resource_id", resourceID, "error", ErrBackendUnavailable)
		l.metrics.IncLockAcquire(metrics.OutcomeError)
		return false
	}
	ok, err := l.backend.TryAcquire(ctx, resourceID, l.holder, l.now().Add(l.ttl))
	if err != nil {
		logging.Error("locks", "acquire failed", "resource_id", resourceID, "holder_id", l.holder, "error", err)
		l.metrics.IncLockAcquire(metrics.OutcomeError)
		return false
	}
	if ok {
		l.metrics.IncLockAcquire(metrics.OutcomeAcquired)
	}
	return ok
}

// Release drops resourceID if this holder owns it. Releasing a lock that is
// not held is a no-op returning false.
func (l *Lock) Release(ctx context.Context, resourceID string) bool {
	if l.backend == nil {
		return false
	}
	ok, err := l.backend.Release(ctx, resourceID, l.holder)
	if err != nil {
		logging.Error("locks", "release failed", "resource_id", resourceID, "holder_id", l.holder, "error", err)
		return false
	}
	return ok
}

// Peek reports whether anyone currently holds an unexpired lock on resourceID.
func (l *Lock) Peek(ctx context.Context, resourceID string) bool {
	if l.backend == nil {
		return false
	}
	held, err := l.backend.Peek(ctx, resourceID)
	if err != nil {
		logging.Error("locks", "peek failed", "resource_id", resourceID, "error", err)
		return false
	}
	return held
}

// Inspect returns the raw lock row when the backend supports it.
func (l *Lock) Inspect(ctx context.Context, resourceID string) *Record {
	insp, ok := l.backend.(Inspector)
	if !ok {
		return nil
	}
	rec, err := insp.Inspect(ctx, resourceID)
	if err != nil {
		logging.Error("locks", "inspect failed", "resource_id", resourceID, "error", err)
		return nil
	}
	return rec
}

// WithLock runs fn while holding resourceID. fn always runs and learns whether
// the lock was obtained; the lock is released on exit when it was.
func (l *Lock) WithLock(ctx context.Context, resourceID string, timeout, pollInterval time.Duration, fn func(ctx context.Context, acquired bool) error) error {
	acquired := l.Acquire(ctx, resourceID, timeout, pollInterval)
	if acquired {
		defer func() {
			// ctx may already be cancelled when fn returns.
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if !l.Release(relCtx, resourceID) {
				logging.Warn("locks", "lock was not held at release", "resource_id", resourceID, "holder_id", l.holder)
			}
		}()
	}
	return fn(ctx, acquired)
}

// CleanupExpired removes every expired lock row and returns how many went.
// Crashed holders never release, so this is what reclaims their locks.
func (l *Lock) CleanupExpired(ctx context.Context) int {
	if l.backend == nil {
		return 0
	}
	n, err := l.backend.CleanupExpired(ctx)
	if err != nil {
		logging.Error("locks", "cleanup expired failed", "error", err)
		return 0
	}
	if n > 0 {
		logging.Info("locks", "removed expired locks", "count", n)
	}
	return n
}
