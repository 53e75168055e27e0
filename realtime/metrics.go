package realtime

import "github.com/prometheus/client_golang/prometheus"

type hubMetrics struct {
	subscriptions   prometheus.Gauge
	members         prometheus.Gauge
	eventsPublished *prometheus.CounterVec
}

func newHubMetrics(reg prometheus.Registerer) *hubMetrics {
	m := &hubMetrics{
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence",
			Subsystem: "hub",
			Name:      "subscriptions",
			Help:      "Number of live channel subscriptions.",
		}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence",
			Subsystem: "hub",
			Name:      "members",
			Help:      "Number of distinct members present, summed across channels.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Subsystem: "hub",
			Name:      "events_published_total",
			Help:      "Presence events published to subscribers, by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.subscriptions, m.members, m.eventsPublished)
	}
	return m
}
