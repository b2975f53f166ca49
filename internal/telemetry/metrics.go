package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trading_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trading_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "endpoint"},
	)

	// Order metrics
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trading_orders_total",
			Help: "Total number of order transitions by status and reason",
		},
		[]string{"status", "reason", "instrument"},
	)

	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trading_matches_total",
			Help: "Total number of fills by instrument and leg",
		},
		[]string{"instrument", "leg"}, // open, close
	)

	CriticalSectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trading_critical_section_duration_seconds",
			Help:    "Time spent holding the matching lock",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
	)

	// Order book metrics
	OrderBookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trading_orderbook_levels",
			Help: "Number of price levels per side",
		},
		[]string{"instrument", "side"},
	)

	BookSequenceID = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trading_book_sequence_id",
			Help: "Last book change sequence id processed by the sequencer",
		},
	)

	SequenceGapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trading_sequence_anomalies_total",
			Help: "Book change sequence gaps and duplicates",
		},
		[]string{"kind"}, // gap, duplicate
	)

	// Risk metrics
	MarginCallsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trading_margin_calls_total",
			Help: "Total number of margin call transitions",
		},
	)

	StopOutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trading_stop_outs_total",
			Help: "Total number of stop-out transitions",
		},
	)

	SwapsChargedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trading_swaps_charged_total",
			Help: "Total number of swap charges applied to positions",
		},
	)

	// Side effect metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trading_events_published_total",
			Help: "Total number of outbound events by type",
		},
		[]string{"type"},
	)

	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trading_nats_messages_published_total",
			Help: "Total number of NATS messages published",
		},
		[]string{"subject"},
	)

	NATSMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trading_nats_messages_received_total",
			Help: "Total number of NATS messages received",
		},
		[]string{"subject"},
	)

	SnapshotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trading_snapshot_duration_seconds",
			Help:    "Order book snapshot save/load duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"backend", "op"},
	)
)
