package bus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/debench/debench/core/infra/logging"
	"github.com/nats-io/nats.go"
)

const (
	envUseJetStream    = "DEBENCH_NATS_JETSTREAM"
	envJSMaxAge        = "DEBENCH_NATS_JS_MAX_AGE"
	envNATSTLSCA       = "DEBENCH_NATS_TLS_CA"
	envNATSTLSCert     = "DEBENCH_NATS_TLS_CERT"
	envNATSTLSKey      = "DEBENCH_NATS_TLS_KEY"
	envNATSTLSInsecure = "DEBENCH_NATS_TLS_INSECURE"

	defaultMaxAge = 72 * time.Hour
	streamEvents  = "DEBENCH_EVENTS"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errEmptyType  = errors.New("empty event type")
	errNilHandler = errors.New("nil handler")
)

// NatsBus publishes events as JSON over NATS, through JetStream when enabled.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
}

// NewNatsBus dials NATS at url.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("debench"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
	}
	opts = append(opts, tlsOptionsFromEnv()...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close drains pending publishes and closes the connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

// Publish encodes ev as JSON on its subject.
func (b *NatsBus) Publish(ctx context.Context, ev Event) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if strings.TrimSpace(ev.Type) == "" {
		return errEmptyType
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if b.jsEnabled {
		pubOpts := []nats.PubOpt{nats.Context(ctx)}
		if ev.ID != "" {
			pubOpts = append(pubOpts, nats.MsgId(ev.ID))
		}
		_, err = b.js.Publish(ev.Subject(), data, pubOpts...)
		return err
	}
	return b.nc.Publish(ev.Subject(), data)
}

// Subscribe decodes events matching subject (e.g. "debench.>") and passes
// them to handler until the returned stop func is called.
func (b *NatsBus) Subscribe(subject string, handler func(Event)) (func() error, error) {
	if b == nil || b.nc == nil {
		return nil, errNilBus
	}
	if handler == nil {
		return nil, errNilHandler
	}
	if subject == "" {
		subject = SubjectPrefix + ">"
	}
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := decodeEvent(msg.Data)
		if err != nil {
			logging.Warn("bus", "dropping undecodable event", "subject", msg.Subject, "error", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

// IsConnected reports whether the underlying connection is up.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	if ev.Type == "" {
		return Event{}, errEmptyType
	}
	return ev, nil
}

func logPublishError(ev Event, err error) {
	logging.Warn("bus", "event publish failed", "type", ev.Type, "resource", ev.Resource, "error", err)
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func tlsOptionsFromEnv() []nats.Option {
	var opts []nats.Option
	if ca := strings.TrimSpace(os.Getenv(envNATSTLSCA)); ca != "" {
		opts = append(opts, nats.RootCAs(ca))
	}
	cert := strings.TrimSpace(os.Getenv(envNATSTLSCert))
	key := strings.TrimSpace(os.Getenv(envNATSTLSKey))
	if cert != "" && key != "" {
		opts = append(opts, nats.ClientCert(cert, key))
	}
	if parseBool(os.Getenv(envNATSTLSInsecure)) {
		opts = append(opts, nats.Secure(&tlsInsecure))
	}
	return opts
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil || !parseBool(os.Getenv(envUseJetStream)) {
		return
	}
	maxAge := defaultMaxAge
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}
	js, err := b.nc.JetStream()
	if err != nil {
		logging.Warn("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn("bus", "jetstream not available", "error", err)
		return
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamEvents,
		Subjects:   []string{SubjectPrefix + ">"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		// Stream may already exist.
		if _, infoErr := js.StreamInfo(streamEvents); infoErr != nil {
			logging.Warn("bus", "jetstream ensure stream failed", "stream", streamEvents, "error", err)
			return
		}
	}
	b.js = js
	b.jsEnabled = true
	logging.Info("bus", "jetstream enabled", "stream", streamEvents, "max_age", maxAge)
}
