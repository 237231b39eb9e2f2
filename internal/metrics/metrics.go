package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentworkforce/eventrelay/internal/relay"
)

// Relay metrics collectors
var (
	// Ingestion

	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventrelay_batches_total",
			Help: "Total number of event batches received, by response status",
		},
		[]string{"status"},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventrelay_batch_duration_seconds",
			Help:    "Time spent processing an accepted batch",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventrelay_events_total",
			Help: "Total number of events seen, by type and validation outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// Delivery

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventrelay_deliveries_total",
			Help: "Total number of delivery attempts, by event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// Credentials

	TokenRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventrelay_token_rotations_total",
			Help: "Total number of server token rotations",
		},
		[]string{"status"},
	)
)

// ObserveBatch records one ingestion request.
func ObserveBatch(status string, started time.Time) {
	BatchesTotal.WithLabelValues(status).Inc()
	if !started.IsZero() {
		BatchDuration.Observe(time.Since(started).Seconds())
	}
}

// Observer feeds dispatcher outcomes into the collectors.
type Observer struct{}

func (Observer) EventNormalized(eventType relay.EventType, err error) {
	label := eventType.Short()
	if label == "" {
		label = "unknown"
	}
	outcome := "recognized"
	switch {
	case errors.Is(err, relay.ErrUnrecognizedEventType):
		outcome = "unrecognized"
	case err != nil:
		outcome = "invalid"
	}
	EventsTotal.WithLabelValues(label, outcome).Inc()
}

func (Observer) Delivered(outcome relay.DeliveryOutcome) {
	result := "delivered"
	if outcome.Code != "" {
		result = outcome.Code
	}
	DeliveriesTotal.WithLabelValues(outcome.EventType.Short(), result).Inc()
}
