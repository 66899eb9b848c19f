// Package metrics provides Prometheus metrics for an exposure run. A run is
// a batch job, so metrics go to a node-exporter textfile instead of a
// scrape endpoint.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all run metrics on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	RecordsRead     *prometheus.CounterVec // table
	RecordsRejected *prometheus.CounterVec // table
	RecordsDropped  *prometheus.CounterVec // definition, reason
	Episodes        *prometheus.CounterVec // definition, stage
	Overlaps        *prometheus.CounterVec // definition, variant
	Exposures       *prometheus.CounterVec // definition, variant
	ExposureDays    *prometheus.CounterVec // definition, variant
	Definitions     *prometheus.CounterVec // outcome
	StageDuration   *prometheus.HistogramVec
	LastRun         prometheus.Gauge
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RecordsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddi_records_read_total",
			Help: "Input rows read",
		}, []string{"table"}),
		RecordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddi_records_rejected_total",
			Help: "Input rows rejected as unreadable",
		}, []string{"table"}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddi_fills_dropped_total",
			Help: "Resolved fills dropped or altered during cleaning",
		}, []string{"definition", "reason"}),
		Episodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddi_episodes_total",
			Help: "Medication-use episodes built and clipped",
		}, []string{"definition", "stage"}),
		Overlaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddi_overlaps_total",
			Help: "Concurrent-use overlaps found",
		}, []string{"definition", "variant"}),
		Exposures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddi_exposure_episodes_total",
			Help: "Collapsed exposure episodes",
		}, []string{"definition", "variant"}),
		ExposureDays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddi_exposure_days_total",
			Help: "Days of concurrent exposure",
		}, []string{"definition", "variant"}),
		Definitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddi_definitions_total",
			Help: "Definitions processed by outcome",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ddi_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"stage"}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ddi_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}

	m.Registry.MustRegister(
		m.RecordsRead,
		m.RecordsRejected,
		m.RecordsDropped,
		m.Episodes,
		m.Overlaps,
		m.Exposures,
		m.ExposureDays,
		m.Definitions,
		m.StageDuration,
		m.LastRun,
	)
	return m
}

// ObserveStage records how long a stage took since start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// WriteTextfile stamps the finish time and writes every metric to path.
func (m *Metrics) WriteTextfile(path string) error {
	m.LastRun.SetToCurrentTime()
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
