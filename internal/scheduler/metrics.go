package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	capacity  *prometheus.GaugeVec
	inFlight  *prometheus.GaugeVec
	queued    *prometheus.GaugeVec
	completed *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		capacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "viewer",
			Subsystem: "scheduler",
			Name:      "pool_capacity",
			Help:      "Configured token ceiling per request class.",
		}, []string{"class"}),
		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "viewer",
			Subsystem: "scheduler",
			Name:      "in_flight",
			Help:      "Fetches holding a token per request class.",
		}, []string{"class"}),
		queued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "viewer",
			Subsystem: "scheduler",
			Name:      "queued",
			Help:      "Requests waiting for a token per request class.",
		}, []string{"class"}),
		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "viewer",
			Subsystem: "scheduler",
			Name:      "requests_total",
			Help:      "Requests that reached a terminal state.",
		}, []string{"class", "state"}),
	}
}
