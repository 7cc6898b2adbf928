// Package metrics holds the Prometheus collectors for the name system.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Record ingest results.
const (
	ResultValid     = "valid"
	ResultInvalid   = "invalid"
	ResultMalformed = "malformed"
	ResultStale     = "stale"
)

// Resolve/publish outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeTimeout  = "timeout"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

var (
	PublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "namesys_publishes_total",
		Help: "Name record publishes by outcome.",
	}, []string{"outcome"})

	ResolvesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "namesys_resolves_total",
		Help: "Name resolutions by outcome.",
	}, []string{"outcome"})

	ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "namesys_resolve_duration_seconds",
		Help:    "Wall time of resolve calls.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	RecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "namesys_records_ingested_total",
		Help: "Inbound records by validation result.",
	}, []string{"result"})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "namesys_pubsub_messages_total",
		Help: "Raw pubsub messages received on record topics.",
	})

	TopicsSubscribed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "namesys_topics_subscribed",
		Help: "Record topics currently subscribed.",
	})
)
