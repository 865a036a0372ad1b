package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use through a nil pointer, which records nothing.
type Metrics struct {
	CacheLookups      *prometheus.CounterVec
	UpstreamRequests  *prometheus.CounterVec
	UpstreamDuration  *prometheus.HistogramVec
	Resolutions       *prometheus.CounterVec
	ForceRefreshTotal prometheus.Counter
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkpointcams_cache_lookups_total",
			Help: "Cache lookups by key and result (hit, miss)",
		}, []string{"key", "result"}),
		UpstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkpointcams_upstream_requests_total",
			Help: "Outbound requests by endpoint (metadata, image) and outcome",
		}, []string{"endpoint", "outcome"}),
		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "checkpointcams_upstream_request_duration_seconds",
			Help:    "Duration of outbound requests including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"endpoint"}),
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkpointcams_resolutions_total",
			Help: "Checkpoint resolutions by outcome",
		}, []string{"outcome"}),
		ForceRefreshTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "checkpointcams_force_refresh_total",
			Help: "Total number of forced cache refreshes",
		}),
	}
}

func (m *Metrics) CacheHit(key string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(key, "hit").Inc()
}

func (m *Metrics) CacheMiss(key string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(key, "miss").Inc()
}

// ObserveUpstream records one outbound request that started at start.
func (m *Metrics) ObserveUpstream(endpoint string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.UpstreamRequests.WithLabelValues(endpoint, outcome).Inc()
	m.UpstreamDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Resolution(outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementForceRefresh() {
	if m == nil {
		return
	}
	m.ForceRefreshTotal.Inc()
}
