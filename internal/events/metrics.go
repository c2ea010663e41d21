package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "klingpow_events_total",
	Help: "Network events dispatched, by message type or event kind.",
}, []string{"type"})
