package presence

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coder/presence/presencesdk"
	"github.com/coder/presence/realtime"
)

// Label values for presence_dropped_total.
const (
	DropReasonMalformed     = "malformed"
	DropReasonMissingMember = "missing_member"
)

// Metrics are shared by every session of a Manager. A nil *Metrics records
// nothing.
type Metrics struct {
	online        prometheus.Gauge
	eventsTotal   *prometheus.CounterVec
	droppedTotal  *prometheus.CounterVec
	statusesTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence",
			Name:      "online_members",
			Help:      "Number of members in the local presence set.",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "events_total",
			Help:      "Presence events applied to the local set, by kind.",
		}, []string{"kind"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "dropped_total",
			Help:      "Presence payloads or records dropped at decode time, by reason.",
		}, []string{"reason"}),
		statusesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "subscription_statuses_total",
			Help:      "Subscription status changes reported by the channel backend.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.online, m.eventsTotal, m.droppedTotal, m.statusesTotal)
	}
	return m
}

func (m *Metrics) setOnline(n int) {
	if m == nil {
		return
	}
	m.online.Set(float64(n))
}

func (m *Metrics) observeEvent(kind presencesdk.EventKind) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedTotal.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) observeStatus(status realtime.Status) {
	if m == nil {
		return
	}
	m.statusesTotal.WithLabelValues(string(status)).Inc()
}
