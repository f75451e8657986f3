// Package metrics holds the Prometheus collectors shared by the sync core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewchat_sync_events_total",
			Help: "Inbound change events handled by the reconciler, by stream, operation and outcome.",
		},
		[]string{"stream", "op", "outcome"},
	)

	DurableWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewchat_durable_writes_total",
			Help: "Durable writes initiated by chat sessions, by operation and result.",
		},
		[]string{"op", "result"},
	)

	PresenceEmits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewchat_presence_emits_total",
			Help: "Presence lease operations, by operation and result.",
		},
		[]string{"op", "result"},
	)

	PendingMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crewchat_pending_messages",
			Help: "Optimistic messages waiting for their persisted counterpart.",
		},
	)
)

func init() {
	prometheus.MustRegister(SyncEvents)
	prometheus.MustRegister(DurableWrites)
	prometheus.MustRegister(PresenceEmits)
	prometheus.MustRegister(PendingMessages)
}

// Result maps an error to the "ok"/"error" label used by the counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
