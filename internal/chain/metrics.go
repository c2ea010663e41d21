package chain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chainHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klingpow_chain_height",
		Help: "Height of the main chain",
	})
	chainHeads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klingpow_chain_heads",
		Help: "Number of tracked branch tips",
	})
	blocksAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "klingpow_blocks_accepted_total",
		Help: "Blocks committed to the block tree",
	})
	blocksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "klingpow_blocks_rejected_total",
		Help: "Blocks dropped by ingestion, by reason",
	}, []string{"reason"})
	orphanCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klingpow_orphans",
		Help: "Blocks waiting for their parent",
	})
)
