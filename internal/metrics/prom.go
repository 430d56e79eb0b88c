package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the server's Prometheus metrics.
type Collector struct {
	FallReports atomic.Uint64
	EnvReadings atomic.Uint64
	EnvAlerts   atomic.Uint64

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	registry *prometheus.Registry
}

// NewCollector creates a Collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ward_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	c.registry.MustRegister(c.requests, c.latency)

	c.GaugeFunc("ward_fall_reports_total", "Fall reports accepted", func() float64 {
		return float64(c.FallReports.Load())
	})
	c.GaugeFunc("ward_env_readings_total", "Environment readings evaluated", func() float64 {
		return float64(c.EnvReadings.Load())
	})
	c.GaugeFunc("ward_env_alerts_total", "Environment readings outside limits", func() float64 {
		return float64(c.EnvAlerts.Load())
	})
	return c
}

// GaugeFunc registers a gauge read from fn at scrape time.
func (c *Collector) GaugeFunc(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

// ObserveRequest records one HTTP request.
func (c *Collector) ObserveRequest(route string, status int, d time.Duration) {
	c.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	c.latency.WithLabelValues(route).Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
