// Package metrics holds the Prometheus collectors shared by the ingestion
// pipeline and the HTTP API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whalewatch_stream_messages_total",
			Help: "Messages read from the trade stream by outcome",
		},
		[]string{"outcome"},
	)
	TradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whalewatch_trades_total",
			Help: "Qualifying trades by persistence outcome",
		},
		[]string{"outcome"},
	)
	StreamReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whalewatch_stream_reconnects_total",
			Help: "Times the trade stream re-entered the connecting state",
		},
	)
	StreamState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "whalewatch_stream_state",
			Help: "Ingester state (0 disconnected, 1 connecting, 2 connected, 3 stopped)",
		},
	)
	OpenInterestPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whalewatch_open_interest_polls_total",
			Help: "Open interest polls by outcome",
		},
		[]string{"outcome"},
	)
	ThresholdValue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "whalewatch_threshold_quantity",
			Help: "Current large trade threshold",
		},
	)
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whalewatch_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"route", "method", "status"},
	)
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whalewatch_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"route"},
	)
)

// Outcome labels.
const (
	OutcomeAccepted  = "accepted"
	OutcomeFiltered  = "filtered"
	OutcomeMalformed = "malformed"
	OutcomeIgnored   = "ignored"
	OutcomePersisted = "persisted"
	OutcomeQueueFull = "queue_full"
	OutcomeFailed    = "failed"
	OutcomeOK        = "ok"
	OutcomeAbandoned = "abandoned"
	OutcomeOverlap   = "overlap"
	OutcomeLocked    = "locked"
)
