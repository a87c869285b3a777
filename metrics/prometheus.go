package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is an Observer backed by prometheus counters and histograms.
// Register it once per process; the serve path exposes the registry on
// /metrics.
type Prometheus struct {
	adapterSelected *prometheus.CounterVec
	adapterResults  *prometheus.CounterVec
	adapterLatency  *prometheus.HistogramVec
	breakerChanges  *prometheus.CounterVec
	poolEvents      *prometheus.CounterVec
	cacheEvents     *prometheus.CounterVec
	proxyRotations  prometheus.Counter
}

// NewPrometheus creates the collectors and registers them on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		adapterSelected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_adapter_selected_total",
			Help: "Times each adapter was selected by the router.",
		}, []string{"adapter"}),
		adapterResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_adapter_results_total",
			Help: "Adapter execution outcomes.",
		}, []string{"adapter", "outcome"}),
		adapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_adapter_duration_seconds",
			Help:    "Adapter execution latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"adapter"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"breaker", "to"}),
		poolEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_pool_resource_events_total",
			Help: "Resource pool lifecycle events.",
		}, []string{"pool", "event"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_cache_events_total",
			Help: "Cache hits, misses and evictions.",
		}, []string{"event"}),
		proxyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_proxy_rotations_total",
			Help: "Proxy identity rotations.",
		}),
	}

	reg.MustRegister(
		p.adapterSelected, p.adapterResults, p.adapterLatency,
		p.breakerChanges, p.poolEvents, p.cacheEvents, p.proxyRotations,
	)
	return p
}

func (p *Prometheus) AdapterSelected(_, adapter, _ string) {
	p.adapterSelected.WithLabelValues(adapter).Inc()
}

func (p *Prometheus) AdapterResult(adapter string, success bool, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	p.adapterResults.WithLabelValues(adapter, outcome).Inc()
	p.adapterLatency.WithLabelValues(adapter).Observe(elapsed.Seconds())
}

func (p *Prometheus) BreakerTransition(name, _, to string) {
	p.breakerChanges.WithLabelValues(name, to).Inc()
}

func (p *Prometheus) PoolResource(pool, event string) {
	p.poolEvents.WithLabelValues(pool, event).Inc()
}

func (p *Prometheus) CacheEvent(event string) {
	p.cacheEvents.WithLabelValues(event).Inc()
}

func (p *Prometheus) ProxyRotated(string) {
	p.proxyRotations.Inc()
}
