package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
)

func TestEventSubject(t *testing.T) {
	ev := NewEvent(EventPoolAllocated)
	if ev.Subject() != "debench.pool.allocated" {
		t.Fatalf("unexpected subject %s", ev.Subject())
	}
	if ev.ID == "" || ev.Time.IsZero() {
		t.Fatalf("expected id and time to be stamped")
	}
}

func TestDecodeEvent(t *testing.T) {
	ev := NewEvent(EventTestCompleted)
	ev.Test = "dag-basic"
	ev.Status = "ok"
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := decodeEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Test != "dag-basic" || got.Status != "ok" || got.ID != ev.ID {
		t.Fatalf("unexpected decoded event %+v", got)
	}
	if _, err := decodeEvent([]byte(`{"id":"x"}`)); !errors.Is(err, errEmptyType) {
		t.Fatalf("expected empty type error, got %v", err)
	}
	if _, err := decodeEvent([]byte("{")); err == nil {
		t.Fatalf("expected json error")
	}
}

func TestNatsBusPublishErrors(t *testing.T) {
	var nilBus *NatsBus
	if err := nilBus.Publish(context.Background(), NewEvent(EventCleanup)); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	b := &NatsBus{nc: &nats.Conn{}}
	if err := b.Publish(context.Background(), Event{}); !errors.Is(err, errEmptyType) {
		t.Fatalf("expected empty type error, got %v", err)
	}
}

func TestNatsBusSubscribeErrors(t *testing.T) {
	var nilBus *NatsBus
	if _, err := nilBus.Subscribe("", func(Event) {}); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	b := &NatsBus{nc: &nats.Conn{}}
	if _, err := b.Subscribe("", nil); !errors.Is(err, errNilHandler) {
		t.Fatalf("expected nil handler error, got %v", err)
	}
	if nilBus.IsConnected() {
		t.Fatalf("expected nil bus disconnected")
	}
}

func TestTLSOptionsFromEnv(t *testing.T) {
	t.Setenv(envNATSTLSCA, "")
	t.Setenv(envNATSTLSCert, "")
	t.Setenv(envNATSTLSKey, "")
	t.Setenv(envNATSTLSInsecure, "")
	if opts := tlsOptionsFromEnv(); len(opts) != 0 {
		t.Fatalf("expected no tls options, got %d", len(opts))
	}
	t.Setenv(envNATSTLSCA, "/etc/ca.pem")
	t.Setenv(envNATSTLSCert, "/etc/cert.pem")
	t.Setenv(envNATSTLSKey, "/etc/key.pem")
	t.Setenv(envNATSTLSInsecure, "yes")
	if opts := tlsOptionsFromEnv(); len(opts) != 3 {
		t.Fatalf("expected 3 tls options, got %d", len(opts))
	}
	t.Setenv(envNATSTLSKey, "")
	if opts := tlsOptionsFromEnv(); len(opts) != 2 {
		t.Fatalf("expected cert without key to be ignored, got %d", len(opts))
	}
}

type recordingPublisher struct {
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingPublisher) Close() {}

func TestEmitStampsAndSwallows(t *testing.T) {
	rec := &recordingPublisher{err: errors.New("nats down")}
	Emit(context.Background(), rec, Event{Type: EventLockAcquired, Resource: "res-1"})
	if len(rec.events) != 1 {
		t.Fatalf("expected one event, got %d", len(rec.events))
	}
	if rec.events[0].ID == "" || rec.events[0].Time.IsZero() {
		t.Fatalf("expected emitted event to be stamped: %+v", rec.events[0])
	}
	Emit(context.Background(), nil, NewEvent(EventCleanup))
	if err := OrNoop(nil).Publish(context.Background(), NewEvent(EventCleanup)); err != nil {
		t.Fatalf("noop publish: %v", err)
	}
}
