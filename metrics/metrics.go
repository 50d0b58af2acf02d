package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_online_conns",
		Help: "Current live websocket connections.",
	})

	FanoutDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_fanout_delivered_total",
		Help: "Total events queued to a recipient connection.",
	})
	FanoutDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_fanout_dropped_total",
		Help: "Total events dropped because a recipient queue was full.",
	})

	MessagesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_messages_appended_total",
		Help: "Total messages durably appended.",
	})
	NotificationsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_notifications_enqueued_total",
		Help: "Total offline notifications enqueued.",
	})

	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_presence_transitions_total",
		Help: "Presence state transitions by target state.",
	}, []string{"state"})
)

func Register() {
	prometheus.MustRegister(
		OnlineConns,
		FanoutDelivered, FanoutDropped,
		MessagesAppended, NotificationsEnqueued,
		PresenceTransitions,
	)
}
