// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Observers counts live per-document observers by collection.
	Observers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "livejoin",
		Subsystem: "join",
		Name:      "observers",
		Help:      "Live per-document observers.",
	}, []string{"collection"})

	// Activations counts running joined-query activations.
	Activations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "livejoin",
		Subsystem: "join",
		Name:      "activations",
		Help:      "Running joined-query activations.",
	})

	// Forwarded counts events delivered downstream by the join engine.
	Forwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livejoin",
		Subsystem: "join",
		Name:      "events_total",
		Help:      "Events forwarded downstream by kind.",
	}, []string{"kind"})

	// MergeSubs counts active sub-subscriptions across all mergers.
	MergeSubs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "livejoin",
		Subsystem: "merge",
		Name:      "subs",
		Help:      "Active sub-subscriptions.",
	})

	// MergeEvents counts outward events emitted by mergers.
	MergeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livejoin",
		Subsystem: "merge",
		Name:      "events_total",
		Help:      "Outward merge events by kind.",
	}, []string{"kind"})

	// Sessions counts connected client sessions.
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "livejoin",
		Name:      "sessions",
		Help:      "Connected client sessions.",
	})
)
