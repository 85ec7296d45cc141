// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Transport metrics
	ClientsConnected prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	InboundMessages  *prometheus.CounterVec
	OutboundDropped  *prometheus.CounterVec
	ProtocolErrors   prometheus.Counter

	// Historical streaming metrics
	SessionsTotal   *prometheus.CounterVec
	TargetsTotal    *prometheus.CounterVec
	ChunksSent      prometheus.Counter
	PointsSent      prometheus.Counter
	SessionDuration prometheus.Histogram
	BucketWidth     prometheus.Histogram

	// Correlation metrics
	SamplesCorrelated *prometheus.CounterVec

	// Live metrics
	LiveFeedsPolling prometheus.Gauge
	LiveTicksTotal   *prometheus.CounterVec
	LivePushes       prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance registered with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "vessel_telemetry"
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Transport metrics
		ClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "clients_connected",
			Help:      "Number of connected WebSocket clients",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections_total",
			Help:      "Total number of accepted WebSocket connections",
		}),
		InboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "inbound_messages_total",
			Help:      "Total number of decoded client requests by type",
		}, []string{"type"}),
		OutboundDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "outbound_dropped_total",
			Help:      "Messages not delivered because the client queue was full or closed",
		}, []string{"type"}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "protocol_errors_total",
			Help:      "Total number of malformed client frames",
		}),

		// Historical streaming metrics
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "sessions_total",
			Help:      "Historical sessions by outcome",
		}, []string{"outcome"}),
		TargetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "targets_total",
			Help:      "Historical targets processed by outcome",
		}, []string{"outcome"}),
		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "chunks_sent_total",
			Help:      "Total number of chunk messages sent",
		}),
		PointsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "points_sent_total",
			Help:      "Total number of correlated points sent in chunks",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "session_duration_seconds",
			Help:      "Historical session duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		BucketWidth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "bucket_width_seconds",
			Help:      "Aggregation bucket width chosen per target",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 3600, 21600, 86400},
		}),

		// Correlation metrics
		SamplesCorrelated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "samples_total",
			Help:      "Value samples by correlation result (exact, nearest, dropped)",
		}, []string{"result"}),

		// Live metrics
		LiveFeedsPolling: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "feeds_polling",
			Help:      "Number of live feeds currently polling",
		}),
		LiveTicksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "ticks_total",
			Help:      "Live poll ticks by outcome (pushed, empty, error)",
		}, []string{"outcome"}),
		LivePushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "pushes_total",
			Help:      "Total number of live points handed to subscribers",
		}),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", prometheus.DefaultRegisterer)

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// RecordCorrelation records per-sample correlation outcomes.
func RecordCorrelation(exact, nearest, dropped int) {
	DefaultMetrics.SamplesCorrelated.WithLabelValues("exact").Add(float64(exact))
	DefaultMetrics.SamplesCorrelated.WithLabelValues("nearest").Add(float64(nearest))
	DefaultMetrics.SamplesCorrelated.WithLabelValues("dropped").Add(float64(dropped))
}

// RecordSession records a finished historical session.
func RecordSession(outcome string, durationSeconds float64) {
	DefaultMetrics.SessionsTotal.WithLabelValues(outcome).Inc()
	DefaultMetrics.SessionDuration.Observe(durationSeconds)
}

// RecordTarget records the outcome of one target within a session.
func RecordTarget(outcome string) {
	DefaultMetrics.TargetsTotal.WithLabelValues(outcome).Inc()
}

// RecordBucketWidth records the aggregation width chosen for a target.
func RecordBucketWidth(seconds float64) {
	DefaultMetrics.BucketWidth.Observe(seconds)
}

// RecordChunk records one chunk of n points sent.
func RecordChunk(points int) {
	DefaultMetrics.ChunksSent.Inc()
	DefaultMetrics.PointsSent.Add(float64(points))
}

// RecordLiveTick records the outcome of one live poll.
func RecordLiveTick(outcome string) {
	DefaultMetrics.LiveTicksTotal.WithLabelValues(outcome).Inc()
}

// RecordLivePush records points handed to live subscribers.
func RecordLivePush(subscribers int) {
	DefaultMetrics.LivePushes.Add(float64(subscribers))
}

// SetLiveFeedsPolling sets the number of polling live feeds.
func SetLiveFeedsPolling(n int) {
	DefaultMetrics.LiveFeedsPolling.Set(float64(n))
}

// RecordConnection records a client connecting (+1) or disconnecting (-1).
func RecordConnection(delta int) {
	if delta > 0 {
		DefaultMetrics.ConnectionsTotal.Inc()
	}
	DefaultMetrics.ClientsConnected.Add(float64(delta))
}

// RecordInbound records a decoded client request.
func RecordInbound(requestType string) {
	DefaultMetrics.InboundMessages.WithLabelValues(requestType).Inc()
}

// RecordProtocolError records a malformed client frame.
func RecordProtocolError() {
	DefaultMetrics.ProtocolErrors.Inc()
}

// RecordOutboundDropped records a message that could not be queued for a client.
func RecordOutboundDropped(messageType string) {
	DefaultMetrics.OutboundDropped.WithLabelValues(messageType).Inc()
}
