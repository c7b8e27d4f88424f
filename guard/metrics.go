package guard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "uvs",
	Subsystem: "guard",
	Name:      "fetches_total",
	Help:      "Guarded GETs, by outcome of the whole redirect chain",
}, []string{"result"})
