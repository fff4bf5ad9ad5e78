// Package metrics provides Prometheus metrics collection for duplimon.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "duplimon"

// PrometheusMetrics holds the collectors updated by collection runs, the
// overdue check and notification delivery.
type PrometheusMetrics struct {
	CollectionCounter  *prometheus.CounterVec   // collections by result
	CollectionDuration *prometheus.HistogramVec // collection wall time by result
	RunCounter         *prometheus.CounterVec   // log entries by outcome (processed, skipped, error)
	RunStatusCounter   *prometheus.CounterVec   // stored runs by status
	NotificationCount  *prometheus.CounterVec   // deliveries by channel and result
	OverdueGauge       *prometheus.GaugeVec     // overdue jobs by server
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		CollectionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collections_total",
			Help:      "Number of collection runs by result.",
		}, []string{"result"}),
		CollectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_duration_seconds",
			Help:      "Duration of collection runs.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"result"}),
		RunCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_entries_total",
			Help:      "Backup log entries seen during collection by outcome.",
		}, []string{"outcome"}),
		RunStatusCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_runs_stored_total",
			Help:      "Backup runs stored by status.",
		}, []string{"status"}),
		NotificationCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by channel and result.",
		}, []string{"channel", "result"}),
		OverdueGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overdue_jobs",
			Help:      "Jobs currently overdue by server.",
		}, []string{"server"}),
	}

	for _, c := range []prometheus.Collector{
		m.CollectionCounter,
		m.CollectionDuration,
		m.RunCounter,
		m.RunStatusCounter,
		m.NotificationCount,
		m.OverdueGauge,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// RecordCollection records a finished collection run.
func (m *PrometheusMetrics) RecordCollection(result string, d time.Duration) {
	m.CollectionCounter.WithLabelValues(result).Inc()
	m.CollectionDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordEntries adds the per-entry counters of a collection run.
func (m *PrometheusMetrics) RecordEntries(processed, skipped, errors int) {
	m.RunCounter.WithLabelValues("processed").Add(float64(processed))
	m.RunCounter.WithLabelValues("skipped").Add(float64(skipped))
	m.RunCounter.WithLabelValues("error").Add(float64(errors))
}

// RecordRunStatus counts a stored run.
func (m *PrometheusMetrics) RecordRunStatus(status string) {
	m.RunStatusCounter.WithLabelValues(status).Inc()
}

// ObserveDelivery counts a notification delivery attempt.
func (m *PrometheusMetrics) ObserveDelivery(channel string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.NotificationCount.WithLabelValues(channel, result).Inc()
}

// SetOverdueJobs sets the number of overdue jobs of a server.
func (m *PrometheusMetrics) SetOverdueJobs(serverID string, n int) {
	m.OverdueGauge.WithLabelValues(serverID).Set(float64(n))
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
