package fixfinder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fixfinder",
		Subsystem: "conversation",
		Name:      "messages_sent_total",
		Help:      "Optimistic sends issued by this client.",
	})
	metricMessagesConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fixfinder",
		Subsystem: "conversation",
		Name:      "messages_confirmed_total",
		Help:      "Sends confirmed by the server.",
	})
	metricMessagesRolledBack = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fixfinder",
		Subsystem: "conversation",
		Name:      "messages_rolled_back_total",
		Help:      "Optimistic sends rolled back after a failed network call.",
	})
	metricEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fixfinder",
		Subsystem: "channel",
		Name:      "events_dropped_total",
		Help:      "Inbound push events dropped before merging.",
	}, []string{"reason"})
	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fixfinder",
		Subsystem: "channel",
		Name:      "reconnects_total",
		Help:      "Realtime channel reconnect attempts.",
	})
	metricLocationUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fixfinder",
		Subsystem: "location",
		Name:      "updates_published_total",
		Help:      "Live position updates published by this client.",
	})
)
