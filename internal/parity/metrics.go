package parity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	caseResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hammerblade_parity_cases_total",
		Help: "Parity cases run, by case and result",
	}, []string{"case", "result"})

	caseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hammerblade_parity_case_duration_seconds",
		Help:    "Time spent running a parity case",
		Buckets: prometheus.DefBuckets,
	}, []string{"case"})
)
