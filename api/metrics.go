package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Counts is the registry view exported as gauges.
type Counts interface {
	Count() int
	TopicCount() int
}

type fanoutMetrics struct {
	slowConsumers prometheus.Counter
	rejected      *prometheus.CounterVec
	ingested      *prometheus.CounterVec
}

func newFanoutMetrics(reg prometheus.Registerer, counts Counts) *fanoutMetrics {
	m := &fanoutMetrics{
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      "slow_consumers_closed_total",
			Help:      "Connections closed because their outbound queue was full.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      "subscriptions_rejected_total",
			Help:      "Subscription requests answered with subscription_rejected.",
		}, []string{"reason"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      "ingested_events_total",
			Help:      "Events received on the ingestion endpoint by outcome.",
		}, []string{"outcome"}),
	}
	if reg == nil {
		return m
	}
	reg.MustRegister(
		m.slowConsumers,
		m.rejected,
		m.ingested,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fanout",
			Name:      "connections",
			Help:      "Registered websocket connections.",
		}, func() float64 { return float64(counts.Count()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fanout",
			Name:      "topics",
			Help:      "Topics with at least one member.",
		}, func() float64 { return float64(counts.TopicCount()) }),
	)
	return m
}
