// Package bus publishes harness lifecycle events so that operators can follow
// a batch run from outside the worker processes.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubjectPrefix is prepended to every event type to form the NATS subject.
const SubjectPrefix = "debench."

// Event types.
const (
	EventLockAcquired    = "lock.acquired"
	EventLockReleased    = "lock.released"
	EventPoolAllocated   = "pool.allocated"
	EventPoolExhausted   = "pool.exhausted"
	EventPoolReleased    = "pool.released"
	EventFixtureReady    = "fixture.ready"
	EventFixtureFailed   = "fixture.failed"
	EventFixtureTornDown = "fixture.torn_down"
	EventTestCompleted   = "test.completed"
	EventCleanup         = "harness.cleanup"
)

// Event is a single lifecycle notification, encoded as JSON on the wire.
type Event struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Time     time.Time         `json:"time"`
	Holder   string            `json:"holder,omitempty"`
	Test     string            `json:"test,omitempty"`
	Resource string            `json:"resource,omitempty"`
	Status   string            `json:"status,omitempty"`
	Error    string            `json:"error,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(eventType string) Event {
	return Event{ID: uuid.NewString(), Type: eventType, Time: time.Now().UTC()}
}

// Subject returns the NATS subject the event is published on.
func (e Event) Subject() string {
	return SubjectPrefix + e.Type
}

// Publisher emits lifecycle events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Noop discards every event. Used when NATS_URL is unset.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close()                               {}

// OrNoop returns p, or Noop when p is nil.
func OrNoop(p Publisher) Publisher {
	if p == nil {
		return Noop{}
	}
	return p
}

// Emit publishes ev and logs instead of failing; events are advisory.
func Emit(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := p.Publish(ctx, ev); err != nil {
		logPublishError(ev, err)
	}
}
