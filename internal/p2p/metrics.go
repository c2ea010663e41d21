package p2p

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	peerCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klingpow_p2p_peers",
		Help: "Number of connected peers.",
	})

	bannedPeers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "klingpow_p2p_bans_total",
		Help: "Peers banned for misbehavior.",
	})
)
