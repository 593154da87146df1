package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	m := OrNoop(nil)
	m.IncLockAcquire(OutcomeAcquired)
	m.IncPoolAllocation(OutcomeHit)
	m.IncFixtureSetup("database", StatusOK)
	m.IncFixtureTeardown("database", StatusOK)
	m.IncTestsCompleted(StatusOK)
	m.ObserveTestDuration(StatusOK, 1.5)
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("debench")
	m.IncLockAcquire(OutcomeContended)
	m.IncPoolAllocation(OutcomeExhausted)
	m.IncFixtureSetup("airflow", StatusFailed)
	m.IncFixtureTeardown("airflow", StatusOK)
	m.IncTestsCompleted(StatusOK)
	m.ObserveTestDuration(StatusOK, 12)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "debench_lock_acquire_total", map[string]string{"outcome": "contended"}) {
		t.Fatalf("expected lock_acquire metric")
	}
	if !hasMetric(families, "debench_pool_allocations_total", map[string]string{"outcome": "exhausted"}) {
		t.Fatalf("expected pool_allocations metric")
	}
	if !hasMetric(families, "debench_fixture_setup_total", map[string]string{"resource_type": "airflow", "status": "failed"}) {
		t.Fatalf("expected fixture_setup metric")
	}
	if !hasMetric(families, "debench_fixture_teardown_total", map[string]string{"resource_type": "airflow", "status": "ok"}) {
		t.Fatalf("expected fixture_teardown metric")
	}
	if !hasMetric(families, "debench_tests_completed_total", map[string]string{"status": "ok"}) {
		t.Fatalf("expected tests_completed metric")
	}
	if !hasMetric(families, "debench_test_duration_seconds", map[string]string{"status": "ok"}) {
		t.Fatalf("expected test_duration metric")
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	withTestRegistry(t)
	NewProm("debench_handler")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func labelsMatch(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if want, ok := labels[pair.GetName()]; ok && want == pair.GetValue() {
			found++
		}
	}
	return found == len(labels)
}
