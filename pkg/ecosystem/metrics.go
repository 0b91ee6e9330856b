package ecosystem

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/locator/pkg/cache"
)

const namespace = "locator"

// Metrics exports request and cache figures on a private registry
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	sweeps   prometheus.Counter
	expired  prometheus.Counter
}

// NewMetrics registers the collectors; stats feeds the cache gauges
func NewMetrics(stats func() cache.Stats) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Location requests by strategy and result",
		}, []string{"strategy", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Location request duration",
			Buckets:   []float64{0.5, 1, 2, 5},
		}, []string{"strategy"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed location requests by error type",
		}, []string{"type"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_sweeps_total",
			Help:      "Completed cache expiry sweeps",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_expired_total",
			Help:      "Entries removed by expiry sweeps",
		}),
	}

	gauge := func(name, help string, value func(cache.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(stats()) })
	}

	m.registry.MustRegister(
		m.requests, m.duration, m.errors, m.sweeps, m.expired,
		gauge("entries", "Current cache entries", func(s cache.Stats) float64 { return float64(s.CurrentSize) }),
		gauge("capacity", "Cache capacity", func(s cache.Stats) float64 { return float64(s.MaxSize) }),
		gauge("hit_rate", "Cache hit rate", func(s cache.Stats) float64 { return s.HitRate }),
		gauge("storage_bytes", "Size of the last persisted snapshot", func(s cache.Stats) float64 { return float64(s.StorageSize) }),
	)
	return m
}

func (m *Metrics) observeRequest(strategyName string, elapsed time.Duration, errType string) {
	result := "success"
	if errType != "" {
		result = "failure"
		m.errors.WithLabelValues(errType).Inc()
	}
	m.requests.WithLabelValues(strategyName, result).Inc()
	m.duration.WithLabelValues(strategyName).Observe(elapsed.Seconds())
}

func (m *Metrics) observeSweep(removed int) {
	m.sweeps.Inc()
	m.expired.Add(float64(removed))
}

// Registry exposes the registry for custom gathering
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
