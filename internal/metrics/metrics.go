package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var OrdersDetected = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "autopay",
		Subsystem: "detector",
		Name:      "orders_detected_total",
		Help:      "Orders inserted after first sighting on the venue",
	},
)

var Extractions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autopay",
		Subsystem: "detector",
		Name:      "extractions_total",
		Help:      "Payment detail extraction attempts by result",
	},
	[]string{"result"}, // ok, empty, error
)

var Transitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autopay",
		Subsystem: "store",
		Name:      "transitions_total",
		Help:      "Order status transitions",
	},
	[]string{"from", "to"},
)

var Claims = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autopay",
		Subsystem: "executor",
		Name:      "claims_total",
		Help:      "Lease claim attempts by result",
	},
	[]string{"result"}, // claimed, none
)

var Transfers = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autopay",
		Subsystem: "executor",
		Name:      "transfers_total",
		Help:      "Transfer attempts by result",
	},
	[]string{"result"}, // success, failure
)

var Retries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autopay",
		Subsystem: "store",
		Name:      "retries_total",
		Help:      "Retry counter increments by outcome",
	},
	[]string{"outcome"},
)

var StoreErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autopay",
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Store operations that failed with the store unavailable",
	},
	[]string{"op"},
)

var PollDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "autopay",
		Subsystem: "worker",
		Name:      "poll_duration_seconds",
		Help:      "Duration of a single poll tick",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	},
	[]string{"loop"},
)

var EventsRelayed = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "autopay",
		Subsystem: "relay",
		Name:      "events_published_total",
		Help:      "Audit events published to the message broker",
	},
)

func RecordTransition(from, to string) {
	Transitions.WithLabelValues(from, to).Inc()
}

func RecordStoreError(op string) {
	StoreErrors.WithLabelValues(op).Inc()
}

func RecordRetry(outcome string) {
	Retries.WithLabelValues(outcome).Inc()
}
