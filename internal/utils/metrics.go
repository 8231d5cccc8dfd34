package utils

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Tracks performance metrics across the system
type MetricsCollector struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	errors           *prometheus.CounterVec
	operationTimes   *prometheus.HistogramVec
	messagesSent     prometheus.Counter
	relayed          *prometheus.CounterVec
	connectedClients prometheus.Gauge
}

func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "househub_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "househub_http_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "route"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "househub_errors_total",
				Help: "Errors returned by core operations",
			},
			[]string{"code"},
		),
		operationTimes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "househub_operation_duration_seconds",
				Help:    "Latency of messaging operations",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
			},
			[]string{"operation"},
		),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "househub_messages_sent_total",
			Help: "Messages persisted",
		}),
		relayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "househub_relay_events_total",
				Help: "Realtime relay attempts by event and outcome",
			},
			[]string{"event", "outcome"},
		),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "househub_realtime_clients",
			Help: "Users with an active realtime connection",
		}),
	}

	mc.registry.MustRegister(
		mc.requests,
		mc.requestDuration,
		mc.errors,
		mc.operationTimes,
		mc.messagesSent,
		mc.relayed,
		mc.connectedClients,
		prometheus.NewGoCollector(),
	)
	return mc
}

// Registry exposes the collector's registry for the /metrics handler.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

func (mc *MetricsCollector) ObserveRequest(method, route string, status int, duration time.Duration) {
	mc.requests.WithLabelValues(method, route, statusClass(status)).Inc()
	mc.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncrementErrors counts a failed operation under its AppError code.
func (mc *MetricsCollector) IncrementErrors(err error) {
	code := ErrDatabase
	if appErr, ok := AsAppError(err); ok {
		code = appErr.Code
	}
	mc.errors.WithLabelValues(code).Inc()
}

func (mc *MetricsCollector) AddOperationLatency(operationName string, duration time.Duration) {
	mc.operationTimes.WithLabelValues(operationName).Observe(duration.Seconds())
}

func (mc *MetricsCollector) IncrementMessagesSent() {
	mc.messagesSent.Inc()
}

// RecordRelay counts one relay attempt; delivered is false when the recipient
// was offline or its buffer was full.
func (mc *MetricsCollector) RecordRelay(event string, delivered bool) {
	outcome := "dropped"
	if delivered {
		outcome = "delivered"
	}
	mc.relayed.WithLabelValues(event, outcome).Inc()
}

func (mc *MetricsCollector) SetConnectedClients(n int) {
	mc.connectedClients.Set(float64(n))
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
