package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uvs",
		Subsystem: "discovery",
		Name:      "results_total",
		Help:      "Successful discoveries, by the rule that produced the result",
	}, []string{"rule"})
	metricFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uvs",
		Subsystem: "discovery",
		Name:      "failures_total",
		Help:      "Failed discoveries, by reason",
	}, []string{"reason"})
	metricWellKnownTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uvs",
		Subsystem: "discovery",
		Name:      "wellknown_lookups_total",
		Help:      "Well-known delegation lookups, by outcome",
	}, []string{"outcome"})
)
