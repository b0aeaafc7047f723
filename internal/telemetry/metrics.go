package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "market_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "endpoint"},
	)

	// Order flow metrics
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_orders_total",
			Help: "Total number of orders by direction and result",
		},
		[]string{"direction", "result"}, // accepted, invalid, rejected, failed
	)

	OrderProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "market_order_processing_duration_seconds",
			Help:    "Time to run one order through load, match and dispatch",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	TradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_trades_total",
			Help: "Total number of trades by ticker",
		},
		[]string{"ticker"},
	)

	TradedQuantity = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_traded_quantity_total",
			Help: "Total quantity traded by ticker",
		},
		[]string{"ticker"},
	)

	OrderBookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "market_orderbook_depth",
			Help: "Resting quantity per book side after the last unit of work",
		},
		[]string{"ticker", "side"},
	)

	// Sequencer metrics
	SequencerInboundSeq = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "market_sequencer_inbound_seq",
			Help: "Current inbound sequence number",
		},
	)

	SequencerOutboundSeq = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "market_sequencer_outbound_seq",
			Help: "Current outbound sequence number",
		},
	)

	// NATS metrics
	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_nats_messages_published_total",
			Help: "Total number of NATS messages published",
		},
		[]string{"kind"},
	)

	EventPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "market_event_publish_failures_total",
			Help: "Total number of event batches the sink failed to publish",
		},
	)
)
