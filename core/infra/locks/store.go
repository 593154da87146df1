package locks

import (
	"context"
	"errors"
	"time"
)

// ErrBackendUnavailable is returned by backends that were never connected.
var ErrBackendUnavailable = errors.New("lock backend unavailable")

// Record captures the current lock row for a resource.
type Record struct {
	ResourceID string    `json:"resource_id"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// Backend is the atomic conditional-write contract a shared store must offer.
// TryAcquire succeeds only when no row exists, the row is expired, or the row
// is already held by holderID.
type Backend interface {
	TryAcquire(ctx context.Context, resourceID, holderID string, expiresAt time.Time) (bool, error)
	Release(ctx context.Context, resourceID, holderID string) (bool, error)
	Peek(ctx context.Context, resourceID string) (bool, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// Inspector is implemented by backends that can return the raw lock row.
type Inspector interface {
	Inspect(ctx context.Context, resourceID string) (*Record, error)
}

func toMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}
