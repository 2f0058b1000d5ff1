package coordinator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordinator
type Metrics struct {
	CommandsTotal         prometheus.CounterVec
	ArtifactsTotal        prometheus.CounterVec
	ConnectionsTotal      prometheus.CounterVec
	DroppedObserversTotal prometheus.Counter
	NotificationsTotal    prometheus.CounterVec

	ConnectionsActive prometheus.Gauge
	DevicesOnline     prometheus.Gauge
	ObserversActive   prometheus.Gauge

	IngestDuration prometheus.Histogram
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			CommandsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "snapsentinel_commands_total",
					Help: "Total commands dispatched",
				},
				[]string{"command", "status"},
			),
			ArtifactsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "snapsentinel_artifacts_total",
					Help: "Total artifact ingest attempts",
				},
				[]string{"status"},
			),
			ConnectionsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "snapsentinel_connections_total",
					Help: "Total agent connections (accepted/rejected)",
				},
				[]string{"status"},
			),
			DroppedObserversTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "snapsentinel_dropped_observers_total",
					Help: "Observers dropped for not keeping up with broadcasts",
				},
			),
			NotificationsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "snapsentinel_notifications_total",
					Help: "Outbound webhook notifications by outcome",
				},
				[]string{"status"},
			),
			ConnectionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "snapsentinel_connections_active",
					Help: "Current live agent connections",
				},
			),
			DevicesOnline: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "snapsentinel_devices_online",
					Help: "Devices currently online",
				},
			),
			ObserversActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "snapsentinel_observers_active",
					Help: "Observer consoles currently subscribed",
				},
			),
			IngestDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "snapsentinel_ingest_duration_seconds",
					Help:    "Artifact ingestion duration",
					Buckets: prometheus.DefBuckets,
				},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

func (m *Metrics) RecordCommand(command, status string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command, status).Inc()
}

func (m *Metrics) RecordArtifact(status string) {
	if m == nil {
		return
	}
	m.ArtifactsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordConnection(status string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordDroppedObserver() {
	if m == nil {
		return
	}
	m.DroppedObserversTotal.Inc()
}

func (m *Metrics) RecordNotification(status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SetActiveConnections(count int64) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(count))
}

func (m *Metrics) SetOnlineDevices(count int64) {
	if m == nil {
		return
	}
	m.DevicesOnline.Set(float64(count))
}

func (m *Metrics) SetActiveObservers(count int64) {
	if m == nil {
		return
	}
	m.ObserversActive.Set(float64(count))
}

func (m *Metrics) ObserveIngestDuration(seconds float64) {
	if m == nil {
		return
	}
	m.IngestDuration.Observe(seconds)
}
