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
	// Settlement metrics
	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	SettledVolume      *prometheus.CounterVec
	OpenEscrows        prometheus.Gauge

	// Event fan-out metrics
	EventsEmitted       *prometheus.CounterVec
	EventRecordErrors   prometheus.Counter
	StreamSubscribers   prometheus.Gauge
	StreamDroppedEvents prometheus.Counter

	// API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	AuthFailures        *prometheus.CounterVec
	RateLimited         prometheus.Counter

	// Solana metrics
	RPCCallLatency  *prometheus.HistogramVec
	WSReconnects    prometheus.Counter
	HighestSlotSeen prometheus.Gauge
	ChainAccounts   prometheus.Gauge

	// Database metrics
	TxRetries *prometheus.CounterVec

	// Health metrics
	LastChainSync prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "token_escrow"
	}

	return &Metrics{
		// Settlement metrics
		TransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "transitions_total",
			Help:      "Total number of settlement transitions by transition and result kind",
		}, []string{"transition", "result"}),
		TransitionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "transition_duration_seconds",
			Help:      "Settlement transition latency in seconds, including the unit of work",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transition"}),
		SettledVolume: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "volume_total",
			Help:      "Raw token units moved by settlement events, by source, kind and leg",
		}, []string{"source", "kind", "leg"}),
		OpenEscrows: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "open_escrows",
			Help:      "Escrows opened minus escrows closed since start",
		}),

		// Event fan-out metrics
		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Total number of settlement events emitted by source and kind",
		}, []string{"source", "kind"}),
		EventRecordErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "record_errors_total",
			Help:      "Total number of settlement events that could not be written to history",
		}),
		StreamSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "stream_subscribers",
			Help:      "Current number of websocket event stream subscribers",
		}),
		StreamDroppedEvents: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "stream_dropped_total",
			Help:      "Total number of events dropped for slow stream subscribers",
		}),

		// API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route and status code",
		}, []string{"route", "code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		AuthFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of rejected request signatures by reason",
		}, []string{"reason"}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		}),

		// Solana metrics
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		WSReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "ws_reconnects_total",
			Help:      "Total number of websocket reconnects",
		}),
		HighestSlotSeen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "highest_slot_seen",
			Help:      "Highest Solana slot number seen",
		}),
		ChainAccounts: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "escrow_accounts",
			Help:      "Escrow accounts of the mirrored program in the latest snapshot",
		}),

		// Database metrics
		TxRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "tx_retries_total",
			Help:      "Total number of units of work re-run after a transient conflict",
		}, []string{"database"}),

		// Health metrics
		LastChainSync: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_chain_sync_timestamp",
			Help:      "Unix timestamp of the last successful chain snapshot",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTransition records the outcome and latency of one Make/Take/Refund call.
// result is "ok" or the error kind.
func RecordTransition(transition, result string, seconds float64) {
	DefaultMetrics.TransitionsTotal.WithLabelValues(transition, result).Inc()
	DefaultMetrics.TransitionDuration.WithLabelValues(transition).Observe(seconds)
}

// RecordSettlementEvent records an emitted settlement event and the amounts it moved.
func RecordSettlementEvent(source, kind string, amountA, amountB uint64) {
	DefaultMetrics.EventsEmitted.WithLabelValues(source, kind).Inc()
	if amountA > 0 {
		DefaultMetrics.SettledVolume.WithLabelValues(source, kind, "a").Add(float64(amountA))
	}
	if amountB > 0 {
		DefaultMetrics.SettledVolume.WithLabelValues(source, kind, "b").Add(float64(amountB))
	}
}

// RecordEscrowOpened increments the open escrows gauge.
func RecordEscrowOpened() {
	DefaultMetrics.OpenEscrows.Inc()
}

// RecordEscrowClosed decrements the open escrows gauge.
func RecordEscrowClosed() {
	DefaultMetrics.OpenEscrows.Dec()
}

// RecordEventRecordError counts a failed history write.
func RecordEventRecordError() {
	DefaultMetrics.EventRecordErrors.Inc()
}

// UpdateStreamSubscribers sets the websocket subscriber gauge.
func UpdateStreamSubscribers(n int) {
	DefaultMetrics.StreamSubscribers.Set(float64(n))
}

// RecordStreamDrop counts an event dropped for a slow subscriber.
func RecordStreamDrop() {
	DefaultMetrics.StreamDroppedEvents.Inc()
}

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(route, code string, seconds float64) {
	DefaultMetrics.HTTPRequests.WithLabelValues(route, code).Inc()
	DefaultMetrics.HTTPRequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordAuthFailure counts a rejected request signature.
func RecordAuthFailure(reason string) {
	DefaultMetrics.AuthFailures.WithLabelValues(reason).Inc()
}

// RecordRateLimited counts a throttled request.
func RecordRateLimited() {
	DefaultMetrics.RateLimited.Inc()
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordWSReconnect counts a websocket reconnect.
func RecordWSReconnect() {
	DefaultMetrics.WSReconnects.Inc()
}

// UpdateHighestSlot updates the highest slot seen gauge.
func UpdateHighestSlot(slot int64) {
	DefaultMetrics.HighestSlotSeen.Set(float64(slot))
}

// RecordChainSnapshot records a successful snapshot of the mirrored program.
func RecordChainSnapshot(accounts int, unixSeconds int64) {
	DefaultMetrics.ChainAccounts.Set(float64(accounts))
	DefaultMetrics.LastChainSync.Set(float64(unixSeconds))
}

// RecordTxRetry counts a re-run unit of work.
func RecordTxRetry(database string) {
	DefaultMetrics.TxRetries.WithLabelValues(database).Inc()
}
