package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "river_gauge"

// Metrics holds the Prometheus counters, histograms, and gauges for the gauge service.
type Metrics struct {
	SchedulerRunning   prometheus.Gauge
	RefreshCycles      *prometheus.CounterVec // labels: outcome={success,partial,error}
	RefreshDuration    prometheus.Histogram
	RefreshesCoalesced prometheus.Counter

	// USGS upstream metrics.
	UpstreamRequests *prometheus.CounterVec   // labels: endpoint={iv,stat}, outcome={success,error}
	UpstreamDuration *prometheus.HistogramVec // labels: endpoint={iv,stat}
	StatsRowsSkipped *prometheus.CounterVec   // labels: reason={field_count,invalid_day,overwritten}
	StatsCache       *prometheus.CounterVec   // labels: result={hit,miss}

	// Current dashboard state.
	SiteLevel  *prometheus.GaugeVec // labels: site
	SiteMedian *prometheus.GaugeVec // labels: site

	SnapshotsPublished prometheus.Counter
	PublishErrors      prometheus.Counter
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.SchedulerRunning,
		m.RefreshCycles,
		m.RefreshDuration,
		m.RefreshesCoalesced,
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.StatsRowsSkipped,
		m.StatsCache,
		m.SiteLevel,
		m.SiteMedian,
		m.SnapshotsPublished,
		m.PublishErrors,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		SchedulerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_running",
			Help:      "1 when the refresh scheduler is active, 0 when shut down.",
		}),
		RefreshCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_cycles_total",
			Help:      "Completed refresh cycles by outcome.",
		}, []string{"outcome"}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of a complete readings and statistics refresh cycle.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		RefreshesCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_coalesced_total",
			Help:      "Refresh requests that joined a cycle already in flight.",
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "USGS Water Services requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "USGS Water Services request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"endpoint"}),
		StatsRowsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_rows_skipped_total",
			Help:      "Statistics rows dropped or overwritten while parsing, by reason.",
		}, []string{"reason"}),
		StatsCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_cache_total",
			Help:      "Statistics table cache lookups by result.",
		}, []string{"result"}),
		SiteLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "site_level_feet",
			Help:      "Most recent gauge height per site.",
		}, []string{"site"}),
		SiteMedian: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "site_median_feet",
			Help:      "Historical median gauge height for today per site.",
		}, []string{"site"}),
		SnapshotsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_published_total",
			Help:      "Site snapshots written to Kafka.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed Kafka snapshot publishes.",
		}),
	}
}
