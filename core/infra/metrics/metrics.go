package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the lock, pool and fixture lifecycle.
type Metrics interface {
	IncLockAcquire(outcome string)
	IncPoolAllocation(outcome string)
	IncFixtureSetup(resourceType, status string)
	IncFixtureTeardown(resourceType, status string)
	IncTestsCompleted(status string)
	ObserveTestDuration(status string, durationSeconds float64)
}

// Outcome labels shared by callers.
const (
	OutcomeAcquired  = "acquired"
	OutcomeContended = "contended"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
	OutcomeHit       = "hit"
	OutcomeExhausted = "exhausted"
	StatusOK         = "ok"
	StatusFailed     = "failed"
)

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncLockAcquire(string)               {}
func (Noop) IncPoolAllocation(string)            {}
func (Noop) IncFixtureSetup(string, string)      {}
func (Noop) IncFixtureTeardown(string, string)   {}
func (Noop) IncTestsCompleted(string)            {}
func (Noop) ObserveTestDuration(string, float64) {}

// OrNoop returns m, or Noop when m is nil.
func OrNoop(m Metrics) Metrics {
	if m == nil {
		return Noop{}
	}
	return m
}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	lockAcquire     *prometheus.CounterVec
	poolAllocations *prometheus.CounterVec
	fixtureSetup    *prometheus.CounterVec
	fixtureTeardown *prometheus.CounterVec
	testsCompleted  *prometheus.CounterVec
	testDuration    *prometheus.HistogramVec
	once            sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		lockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquire_total",
			Help:      "Distributed lock acquisitions by outcome",
		}, []string{"outcome"}),
		poolAllocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_allocations_total",
			Help:      "Deployment pool allocation attempts by outcome",
		}, []string{"outcome"}),
		fixtureSetup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fixture_setup_total",
			Help:      "Fixture setups by resource type and status",
		}, []string{"resource_type", "status"}),
		fixtureTeardown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fixture_teardown_total",
			Help:      "Fixture teardowns by resource type and status",
		}, []string{"resource_type", "status"}),
		testsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tests_completed_total",
			Help:      "Evaluated tests by status",
		}, []string{"status"}),
		testDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "test_duration_seconds",
			Help:      "Test execution duration by status",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"status"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.lockAcquire, p.poolAllocations, p.fixtureSetup, p.fixtureTeardown, p.testsCompleted, p.testDuration)
	})
}

func (p *Prom) IncLockAcquire(outcome string) {
	p.lockAcquire.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncPoolAllocation(outcome string) {
	p.poolAllocations.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncFixtureSetup(resourceType, status string) {
	p.fixtureSetup.WithLabelValues(resourceType, status).Inc()
}

func (p *Prom) IncFixtureTeardown(resourceType, status string) {
	p.fixtureTeardown.WithLabelValues(resourceType, status).Inc()
}

func (p *Prom) IncTestsCompleted(status string) {
	p.testsCompleted.WithLabelValues(status).Inc()
}

func (p *Prom) ObserveTestDuration(status string, durationSeconds float64) {
	p.testDuration.WithLabelValues(status).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
