// Package pool mediates exclusive allocation of reusable, hibernatable
// deployments across worker processes.
package pool

import (
	"context"
	"errors"
	"time"
)

// State of a pool entry.
type State string

const (
	StateHibernating State = "hibernating"
	StateAllocated   State = "allocated"
)

// ErrUnknownDeployment is returned when a name is not tracked by the pool.
var ErrUnknownDeployment = errors.New("unknown deployment")

// Entry is one reusable deployment.
type Entry struct {
	Name        string    `json:"name"`
	ID          string    `json:"id"`
	State       State     `json:"state"`
	AllocatedTo string    `json:"allocated_to,omitempty"`
	PID         int       `json:"pid,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Available reports whether the entry can be claimed.
func (e Entry) Available() bool {
	return e.State == StateHibernating
}

// Discovered is a deployment reported by the provider listing.
type Discovered struct {
	Name   string
	ID     string
	Status string
}

// Store persists pool entries shared by every worker process. Claim and
// Return must be atomic with respect to concurrent callers.
type Store interface {
	// Seed adds entries that are not tracked yet and leaves existing ones untouched.
	Seed(ctx context.Context, entries []Entry) (int, error)
	// Claim marks one hibernating entry allocated; nil when none is free.
	Claim(ctx context.Context, requestedBy string, pid int, now time.Time) (*Entry, error)
	// Register upserts an entry, typically a freshly created deployment.
	Register(ctx context.Context, e Entry) error
	// Return moves an allocated entry back to hibernating. pid 0 matches any holder.
	Return(ctx context.Context, name string, pid int, newID string, now time.Time) (bool, error)
	List(ctx context.Context) ([]Entry, error)
	Remove(ctx context.Context, name string) (bool, error)
}

var errPoolBusy = errors.New("pool lock not obtained")
