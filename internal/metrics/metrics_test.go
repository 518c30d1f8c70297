package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	m := New()
	m.RunStarted()
	m.RunFinished(0.01, errors.New("boom"))
	m.CacheHit()
	m.CacheMiss()
	m.CacheMiss()
	m.Executed("demo", 0.002)
	m.SetLive("documents", 3)

	if got := testutil.ToFloat64(m.runs); got != 1 {
		t.Errorf("runs = %v", got)
	}
	if got := testutil.ToFloat64(m.runErrors); got != 1 {
		t.Errorf("run errors = %v", got)
	}
	if got := testutil.ToFloat64(m.cacheMisses); got != 2 {
		t.Errorf("cache misses = %v", got)
	}
	if got := testutil.ToFloat64(m.executions.WithLabelValues("demo")); got != 1 {
		t.Errorf("executions = %v", got)
	}
	if got := testutil.ToFloat64(m.liveObjects.WithLabelValues("documents")); got != 3 {
		t.Errorf("live = %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RunStarted()
	m.CacheHit()
	m.SetLive("texts", 1)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Partitioned()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "fednlp_partitions_total 1") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}

func TestSeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.CacheHit()
	if got := testutil.ToFloat64(b.cacheHits); got != 0 {
		t.Errorf("registries should be independent, got %v", got)
	}
}
