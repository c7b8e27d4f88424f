package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "uvs",
	Subsystem: "api",
	Name:      "requests_total",
	Help:      "HTTP requests, by route and status code",
}, []string{"route", "status"})
