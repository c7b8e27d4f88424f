package blacklist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricRefusalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "uvs",
	Subsystem: "blacklist",
	Name:      "refusals_total",
	Help:      "Hosts refused by the IP range blacklist, by reason",
}, []string{"reason"})
