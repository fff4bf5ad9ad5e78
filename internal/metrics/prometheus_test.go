package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheus_CollectionCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	t.Run("increments success counter", func(t *testing.T) {
		m.RecordCollection("success", 2*time.Second)
		m.RecordCollection("success", 3*time.Second)

		val := getCounterValue(t, m.CollectionCounter, "success")
		if val != 2 {
			t.Errorf("expected 2, got %f", val)
		}
		count, sum := getHistogramValues(t, m.CollectionDuration, "success")
		if count != 2 || sum != 5 {
			t.Errorf("expected count 2 sum 5, got %d %f", count, sum)
		}
	})

	t.Run("increments failure counter independently", func(t *testing.T) {
		m.RecordCollection("failure", time.Second)

		val := getCounterValue(t, m.CollectionCounter, "failure")
		if val != 1 {
			t.Errorf("expected 1, got %f", val)
		}
	})
}

func TestPrometheus_RecordEntries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordEntries(3, 2, 1)
	m.RecordEntries(1, 0, 0)

	if val := getCounterValue(t, m.RunCounter, "processed"); val != 4 {
		t.Errorf("processed = %f, want 4", val)
	}
	if val := getCounterValue(t, m.RunCounter, "skipped"); val != 2 {
		t.Errorf("skipped = %f, want 2", val)
	}
	if val := getCounterValue(t, m.RunCounter, "error"); val != 1 {
		t.Errorf("error = %f, want 1", val)
	}

	m.RecordRunStatus("Warning")
	if val := getCounterValue(t, m.RunStatusCounter, "Warning"); val != 1 {
		t.Errorf("Warning = %f, want 1", val)
	}
}

func TestPrometheus_ObserveDelivery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.ObserveDelivery("ntfy", nil)
	m.ObserveDelivery("ntfy", errors.New("rate limited"))
	m.ObserveDelivery("email", nil)

	var metric dto.Metric
	if err := m.NotificationCount.WithLabelValues("ntfy", "failure").Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.GetCounter().GetValue() != 1 {
		t.Errorf("expected 1 ntfy failure, got %f", metric.GetCounter().GetValue())
	}
}

func TestPrometheus_OverdueGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.SetOverdueJobs("machine-1", 3)
	m.SetOverdueJobs("machine-1", 1)

	if val := getGaugeValue(t, m.OverdueGauge, "machine-1"); val != 1 {
		t.Errorf("expected 1 after update, got %f", val)
	}
}

func TestPrometheus_Registration(t *testing.T) {
	t.Run("creates metrics successfully", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := NewPrometheusMetrics(reg)
		if err != nil {
			t.Fatalf("failed to create metrics: %v", err)
		}
		if m.CollectionCounter == nil || m.RunCounter == nil || m.NotificationCount == nil || m.OverdueGauge == nil {
			t.Error("collectors should not be nil")
		}
	})

	t.Run("fails on duplicate registration", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_, err := NewPrometheusMetrics(reg)
		if err != nil {
			t.Fatalf("first registration failed: %v", err)
		}
		_, err = NewPrometheusMetrics(reg)
		if err == nil {
			t.Fatal("expected error on duplicate registration")
		}
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.RecordCollection("success", time.Second)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `duplimon_collections_total{result="success"} 1`) {
		t.Errorf("metrics output missing collection counter:\n%s", body)
	}
}

// Helper functions for extracting Prometheus metric values.

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	if err := counter.WithLabelValues(label).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	if err := gauge.WithLabelValues(label).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func getHistogramValues(t *testing.T, hist *prometheus.HistogramVec, label string) (uint64, float64) {
	t.Helper()
	observer := hist.WithLabelValues(label)
	var m dto.Metric
	if err := observer.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}
