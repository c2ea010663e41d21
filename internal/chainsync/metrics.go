package chainsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "klingpow_sync_requests_total",
		Help: "Block requests sent by sync sessions.",
	}, []string{"mode"})

	syncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "klingpow_sync_failures_total",
		Help: "Sync sessions aborted because a peer served an invalid block.",
	})
)
