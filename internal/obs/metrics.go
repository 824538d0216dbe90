package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketsync"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"method", "route"},
	)

	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tabsync",
			Name:      "messages_published_total",
			Help:      "Broadcast messages written to the shared channel.",
		},
		[]string{"type"},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tabsync",
			Name:      "messages_received_total",
			Help:      "Broadcast messages dispatched to a session router.",
		},
		[]string{"type"},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tabsync",
			Name:      "messages_dropped_total",
			Help:      "Broadcast messages lost to encode, store or decode errors.",
		},
		[]string{"reason"},
	)

	LeaderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tabsync",
			Name:      "leader_transitions_total",
			Help:      "Election state changes observed by sessions.",
		},
		[]string{"to"},
	)

	Leaders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tabsync",
			Name:      "leaders",
			Help:      "Sessions in this process that currently believe they lead.",
		},
	)

	ActiveTabs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tabsync",
			Name:      "active_tabs",
			Help:      "Last active-tab count observed by any session in this process.",
		},
	)

	Mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "purchase",
			Name:      "mutations_total",
			Help:      "Optimistic mutations by operation and outcome.",
		},
		[]string{"op", "result"},
	)

	ListingUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "listing_updates_total",
			Help:      "Listing updates by stage.",
		},
		[]string{"stage"},
	)
)

func init() {
	Registry.MustRegister(
		HTTPRequests,
		HTTPDuration,
		MessagesPublished,
		MessagesReceived,
		MessagesDropped,
		LeaderTransitions,
		Leaders,
		ActiveTabs,
		Mutations,
		ListingUpdates,
	)
}

// MetricsHandler serves the Prometheus exposition format for Registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
