package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransportReconnects counts automatic reconnect attempts by outcome (success|failure).
	TransportReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_transport_reconnects_total",
			Help: "Total number of realtime channel reconnect attempts",
		},
		[]string{"result"},
	)

	// Messages counts event frames crossing the realtime channel by direction (inbound|outbound).
	Messages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_messages_total",
			Help: "Total number of chat messages processed",
		},
		[]string{"direction"},
	)

	// Sessions counts consultation sessions by kind (chat|call) and outcome.
	Sessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_sessions_total",
			Help: "Total number of consultation sessions by terminal outcome",
		},
		[]string{"kind", "outcome"},
	)

	// TimerCorrections counts authoritative timer corrections applied after exceeding the drift threshold.
	TimerCorrections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consult_timer_corrections_total",
			Help: "Total number of countdown corrections snapped to the server clock",
		},
	)
)
