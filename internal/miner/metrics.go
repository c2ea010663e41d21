package miner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var mintRounds = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "klingpow_mint_rounds_total",
	Help: "Mint rounds by outcome: mined, cancelled or error.",
}, []string{"outcome"})
