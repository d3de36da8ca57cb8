// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zonesync"

// Metrics holds the collectors for one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	JobRunning      prometheus.Gauge
	TLDsTotal       *prometheus.CounterVec
	PhaseDuration   *prometheus.HistogramVec
	DownloadBytes   prometheus.Counter
	RecordsIngested *prometheus.CounterVec
	BatchFailures   *prometheus.CounterVec
	ParseWarnings   prometheus.Counter
	RetriesTotal    *prometheus.CounterVec
	SchedulerRuns   *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	durationBuckets := []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200}

	return &Metrics{
		registry: registry,

		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Completed pipeline runs by final status",
			},
			[]string{"status"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of pipeline runs",
				Buckets:   durationBuckets,
			},
		),
		JobRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "job_running",
				Help:      "1 while a pipeline run is in progress",
			},
		),
		TLDsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tlds_total",
				Help:      "Processed TLDs by outcome",
			},
			[]string{"status"},
		),
		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tld_phase_duration_seconds",
				Help:      "Time spent per TLD in each pipeline phase",
				Buckets:   durationBuckets,
			},
			[]string{"phase"},
		),
		DownloadBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_bytes_total",
				Help:      "Bytes of zone files downloaded",
			},
		),
		RecordsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_ingested_total",
				Help:      "Zone records written to storage",
			},
			[]string{"tld"},
		),
		BatchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_failures_total",
				Help:      "Storage batches skipped after exhausting retries",
			},
			[]string{"tld"},
		),
		ParseWarnings: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_warnings_total",
				Help:      "Malformed zone file lines skipped",
			},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retried operations by failure class",
			},
			[]string{"class"},
		),
		SchedulerRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_triggers_total",
				Help:      "Scheduled triggers by result",
			},
			[]string{"result"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunStarted marks a run as in progress
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.JobRunning.Set(1)
}

// RunFinished records a completed run
func (m *Metrics) RunFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobRunning.Set(0)
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// TLDOutcome describes the result of one TLD for metrics purposes
type TLDOutcome struct {
	TLD              string
	Status           string
	Bytes            int64
	Records          int64
	Warnings         int
	BatchFailures    int
	DownloadDuration time.Duration
	ParseDuration    time.Duration
}

// ObserveTLD records the outcome of one TLD
func (m *Metrics) ObserveTLD(o TLDOutcome) {
	if m == nil {
		return
	}
	m.TLDsTotal.WithLabelValues(o.Status).Inc()
	m.DownloadBytes.Add(float64(o.Bytes))
	m.ParseWarnings.Add(float64(o.Warnings))
	if o.Records > 0 {
		m.RecordsIngested.WithLabelValues(o.TLD).Add(float64(o.Records))
	}
	if o.BatchFailures > 0 {
		m.BatchFailures.WithLabelValues(o.TLD).Add(float64(o.BatchFailures))
	}
	if o.DownloadDuration > 0 {
		m.PhaseDuration.WithLabelValues("download").Observe(o.DownloadDuration.Seconds())
	}
	if o.ParseDuration > 0 {
		m.PhaseDuration.WithLabelValues("parse").Observe(o.ParseDuration.Seconds())
	}
}

// ObserveRetry counts one retried attempt
func (m *Metrics) ObserveRetry(class string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(class).Inc()
}

// ObserveTrigger counts a scheduler firing by result ("completed", "skipped", "failed")
func (m *Metrics) ObserveTrigger(result string) {
	if m == nil {
		return
	}
	m.SchedulerRuns.WithLabelValues(result).Inc()
}
