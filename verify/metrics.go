package verify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "uvs",
	Subsystem: "verify",
	Name:      "verifications_total",
	Help:      "Verification checks, by check and result",
}, []string{"check", "result"})
