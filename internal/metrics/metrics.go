// Package metrics exposes Prometheus collectors for the engine's own
// HTTP surface and queue gauges. Crawl throughput metrics live in the
// progress Prometheus sink; this package covers what the event stream
// cannot see.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	linksPending               *prometheus.GaugeVec
	statusValue                *prometheus.GaugeVec

	once sync.Once
)

// Init registers the collectors with reg. Safe to call multiple times;
// only the first registration wins.
func Init(reg prometheus.Registerer) {
	once.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		factory := promauto.With(reg)

		httpRequestsTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		linksPending = factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spider_links_pending",
				Help: "Links waiting in the detail queue, labeled by target.",
			},
			[]string{"target"},
		)

		statusValue = factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spider_status",
				Help: "Current job status per target; 1 for the active status label, 0 otherwise.",
			},
			[]string{"target", "status"},
		)
	})
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetLinksPending records the current detail queue depth for a target.
func SetLinksPending(target string, n int64) {
	if linksPending == nil {
		return
	}
	linksPending.WithLabelValues(target).Set(float64(n))
}

// SetStatus marks the given status as active for the target and clears
// the others.
func SetStatus(target, active string, all []string) {
	if statusValue == nil {
		return
	}
	for _, status := range all {
		v := 0.0
		if status == active {
			v = 1.0
		}
		statusValue.WithLabelValues(target, status).Set(v)
	}
}
