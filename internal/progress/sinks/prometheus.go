package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/policyspider/spiderd/internal/progress"
)

// PrometheusSink exports crawl progress metrics. It owns the collectors
// for run lifecycle, link collection throughput and detail crawl
// latency.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runsActive    prometheus.Gauge
	linksQueued   *prometheus.CounterVec
	pagesFetched  *prometheus.CounterVec
	detailsDone   *prometheus.CounterVec
	crawlErrors   *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided
// registry. A nil registry falls back to the default registerer.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_runs_started_total",
			Help: "Crawl runs started, partitioned by target.",
		}, []string{"target"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_runs_finished_total",
			Help: "Crawl runs finished, partitioned by target and outcome.",
		}, []string{"target", "outcome"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spider_runs_active",
			Help: "Crawl runs currently executing.",
		}),
		linksQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_links_queued_total",
			Help: "Links queued for detail crawling, partitioned by target.",
		}, []string{"target"}),
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_list_pages_total",
			Help: "Listing pages fetched, partitioned by target and section.",
		}, []string{"target", "section"}),
		detailsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_details_crawled_total",
			Help: "Detail pages crawled and persisted, partitioned by target.",
		}, []string{"target"}),
		crawlErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_crawl_errors_total",
			Help: "Crawl errors recorded, partitioned by target.",
		}, []string{"target"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spider_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by target and stage.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"target", "stage"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsActive,
		s.linksQueued,
		s.pagesFetched,
		s.detailsDone,
		s.crawlErrors,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.WithLabelValues(evt.Target).Inc()
			s.runsActive.Inc()
		case progress.StageRunDone:
			s.runsFinished.WithLabelValues(evt.Target, "completed").Inc()
			s.runsActive.Dec()
		case progress.StageRunStopped:
			s.runsFinished.WithLabelValues(evt.Target, "stopped").Inc()
			s.runsActive.Dec()
		case progress.StageRunError:
			s.runsFinished.WithLabelValues(evt.Target, "error").Inc()
			s.runsActive.Dec()
		case progress.StagePageDone:
			s.pagesFetched.WithLabelValues(evt.Target, evt.Section).Inc()
			s.linksQueued.WithLabelValues(evt.Target).Add(float64(evt.Links))
			if evt.Dur > 0 {
				s.fetchDuration.WithLabelValues(evt.Target, "list").Observe(evt.Dur.Seconds())
			}
		case progress.StageDetailDone:
			s.detailsDone.WithLabelValues(evt.Target).Add(float64(evt.Details))
			if evt.Dur > 0 {
				s.fetchDuration.WithLabelValues(evt.Target, "detail").Observe(evt.Dur.Seconds())
			}
		case progress.StageCrawlError:
			s.crawlErrors.WithLabelValues(evt.Target).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
