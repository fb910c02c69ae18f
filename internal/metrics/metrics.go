// Package metrics provides Prometheus metrics for the bus notifier.
package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Provider metrics
	ProviderRequests *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec

	// Tick metrics
	Decisions        *prometheus.CounterVec
	SuppressedErrors prometheus.Counter
	CommandErrors    *prometheus.CounterVec
	TickDuration     prometheus.Histogram
	ActiveDevices    prometheus.Gauge

	// Event sink metrics
	EventsPublished *prometheus.CounterVec

	// Store pool metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge

	logger *slog.Logger

	collectorStarted atomic.Bool
	cancel           context.CancelFunc
	wg               sync.WaitGroup
}

// New creates and registers all metrics with a new registry.
func New() *Metrics {
	return NewWithLogger(nil)
}

// NewWithLogger creates metrics with a logger for error reporting.
func NewWithLogger(logger *slog.Logger) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_notifier_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bus_notifier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_notifier_provider_requests_total",
			Help: "Arrival provider requests by outcome class",
		}, []string{"provider", "class"}),
		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bus_notifier_provider_request_duration_seconds",
			Help:    "Arrival provider request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_notifier_decisions_total",
			Help: "Reconciliation decisions by kind",
		}, []string{"kind"}),
		SuppressedErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bus_notifier_suppressed_errors_total",
			Help: "Prediction failures absorbed by the one-tick grace",
		}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_notifier_command_errors_total",
			Help: "Failed device commands",
		}, []string{"command"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bus_notifier_tick_duration_seconds",
			Help:    "Duration of one device update",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bus_notifier_active_devices",
			Help: "Devices with the notifier switched on",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_notifier_events_published_total",
			Help: "Decision events handed to the event sink",
		}, []string{"result"}),
		DBConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bus_notifier_db_connections_open",
			Help: "Number of open store connections",
		}),
		DBConnectionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bus_notifier_db_connections_in_use",
			Help: "Number of store connections currently in use",
		}),
		logger: logger,
	}

	m.Registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ProviderRequests,
		m.ProviderDuration,
		m.Decisions,
		m.SuppressedErrors,
		m.CommandErrors,
		m.TickDuration,
		m.ActiveDevices,
		m.EventsPublished,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveProviderRequest records one provider call.
func (m *Metrics) ObserveProviderRequest(provider, class string, d time.Duration) {
	m.ProviderRequests.WithLabelValues(provider, class).Inc()
	m.ProviderDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveDecision records the outcome of one tick.
func (m *Metrics) ObserveDecision(kind string, d time.Duration) {
	m.Decisions.WithLabelValues(kind).Inc()
	m.TickDuration.Observe(d.Seconds())
}

// ObserveSuppressed records a failure absorbed by the grace tick.
func (m *Metrics) ObserveSuppressed() {
	m.SuppressedErrors.Inc()
}

// ObserveCommandError records a failed device command.
func (m *Metrics) ObserveCommandError(command string) {
	m.CommandErrors.WithLabelValues(command).Inc()
}

// ObserveEvent records an event sink publish.
func (m *Metrics) ObserveEvent(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(result).Inc()
}

// SetActiveDevices records the number of switched-on devices.
func (m *Metrics) SetActiveDevices(n int) {
	m.ActiveDevices.Set(float64(n))
}

// StartDBStatsCollector periodically copies pool statistics of db into the
// store gauges. Calling it again after the first call has no effect, and a
// nil db is ignored. Shutdown stops the collector.
func (m *Metrics) StartDBStatsCollector(db *sql.DB, interval time.Duration) {
	if db == nil {
		return
	}
	if !m.collectorStarted.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.wg.Add(1)
	m.cancel = cancel

	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil && m.logger != nil {
				m.logger.Error("panic in DB stats collector", "error", r)
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := db.Stats()
				m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
				m.DBConnectionsInUse.Set(float64(stats.InUse))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the DB stats collector and waits for it to exit.
// Safe to call multiple times.
func (m *Metrics) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
