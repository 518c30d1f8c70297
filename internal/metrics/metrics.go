// Package metrics holds the Prometheus collectors of a worker node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors of one node. Each node owns its registry so several workers
// can share a process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs          prometheus.Counter
	runErrors     prometheus.Counter
	executions    *prometheus.CounterVec
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	cacheEvicted  prometheus.Counter
	partitions    prometheus.Counter
	statesDenied  prometheus.Counter
	liveObjects   *prometheus.GaugeVec
	runDuration   prometheus.Histogram
	execDuration  prometheus.Histogram
	remoteFailure *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	buckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	m := &Metrics{
		registry:      prometheus.NewRegistry(),
		runs:          prometheus.NewCounter(prometheus.CounterOpts{Name: "fednlp_pipeline_runs_total", Help: "Pipeline runs started"}),
		runErrors:     prometheus.NewCounter(prometheus.CounterOpts{Name: "fednlp_pipeline_run_errors_total", Help: "Pipeline runs that failed"}),
		executions:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fednlp_subpipeline_executions_total", Help: "Subpipeline executions on this worker"}, []string{"pipeline"}),
		cacheHits:     prometheus.NewCounter(prometheus.CounterOpts{Name: "fednlp_subpipeline_cache_hits_total", Help: "Subpipeline instances reused from the cache"}),
		cacheMisses:   prometheus.NewCounter(prometheus.CounterOpts{Name: "fednlp_subpipeline_cache_misses_total", Help: "Subpipeline instances created"}),
		cacheEvicted:  prometheus.NewCounter(prometheus.CounterOpts{Name: "fednlp_subpipeline_cache_evictions_total", Help: "Subpipeline instances released by the cache"}),
		partitions:    prometheus.NewCounter(prometheus.CounterOpts{Name: "fednlp_partitions_total", Help: "Partitionings computed for new data owners"}),
		statesDenied:  prometheus.NewCounter(prometheus.CounterOpts{Name: "fednlp_state_denied_total", Help: "State transfers refused by access policy"}),
		liveObjects:   prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "fednlp_live_objects", Help: "Objects held in the worker store"}, []string{"kind"}),
		runDuration:   prometheus.NewHistogram(prometheus.HistogramOpts{Name: "fednlp_pipeline_run_seconds", Help: "Pipeline run duration", Buckets: buckets}),
		execDuration:  prometheus.NewHistogram(prometheus.HistogramOpts{Name: "fednlp_subpipeline_execute_seconds", Help: "Subpipeline execution duration", Buckets: buckets}),
		remoteFailure: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fednlp_remote_failures_total", Help: "Remote calls that failed, by kind"}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.runs, m.runErrors, m.executions,
		m.cacheHits, m.cacheMisses, m.cacheEvicted,
		m.partitions, m.statesDenied, m.liveObjects,
		m.runDuration, m.execDuration, m.remoteFailure,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RunStarted() {
	if m != nil {
		m.runs.Inc()
	}
}

func (m *Metrics) RunFinished(seconds float64, err error) {
	if m == nil {
		return
	}
	m.runDuration.Observe(seconds)
	if err != nil {
		m.runErrors.Inc()
	}
}

func (m *Metrics) Executed(pipeline string, seconds float64) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(pipeline).Inc()
	m.execDuration.Observe(seconds)
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) CacheEvicted() {
	if m != nil {
		m.cacheEvicted.Inc()
	}
}

func (m *Metrics) Partitioned() {
	if m != nil {
		m.partitions.Inc()
	}
}

func (m *Metrics) StateDenied() {
	if m != nil {
		m.statesDenied.Inc()
	}
}

// SetLive records the number of stored objects of one kind.
func (m *Metrics) SetLive(kind string, n int) {
	if m != nil {
		m.liveObjects.WithLabelValues(kind).Set(float64(n))
	}
}

func (m *Metrics) RemoteFailed(kind string) {
	if m != nil {
		m.remoteFailure.WithLabelValues(kind).Inc()
	}
}
