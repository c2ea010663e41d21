package consensus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var powSolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "klingpow_pow_solutions_total",
	Help: "Puzzle solutions submitted to the coordinator, by result",
}, []string{"result"})
