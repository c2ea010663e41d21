package mempool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klingpow_mempool_txs",
		Help: "Transactions waiting in the mempool",
	})
	poolRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "klingpow_mempool_rejected_total",
		Help: "Transactions refused by the mempool, by reason",
	}, []string{"reason"})
	poolEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "klingpow_mempool_evicted_total",
		Help: "Transactions dropped to make room",
	})
)
