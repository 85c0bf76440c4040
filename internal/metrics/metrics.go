// Package metrics holds the Prometheus collectors of the host and the signaling service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Action results.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Actions         *prometheus.CounterVec
	Clients         prometheus.Gauge
	Matches         prometheus.Gauge
	SignalSessions  *prometheus.GaugeVec
	SignalRelayed   *prometheus.CounterVec
	OutboxOverflows prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnrelay_host_actions_total",
				Help: "Actions processed by the host",
			},
			[]string{"kind", "result"},
		),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "turnrelay_host_clients",
			Help: "Clients currently registered with the host",
		}),
		Matches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "turnrelay_host_matches",
			Help: "Matches created by the host",
		}),
		SignalSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "turnrelay_signal_sessions",
				Help: "Open signaling websocket sessions",
			},
			[]string{"role"},
		),
		SignalRelayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnrelay_signal_relayed_total",
				Help: "Signaling frames relayed between peers",
			},
			[]string{"type"},
		),
		OutboxOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnrelay_host_outbox_overflows_total",
			Help: "Clients dropped because their outbox was full",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Actions, m.Clients, m.Matches, m.SignalSessions, m.SignalRelayed, m.OutboxOverflows)
	}
	return m
}

// ObserveAction counts one processed action.
func (m *Metrics) ObserveAction(kind, result string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(kind, result).Inc()
}

// ClientRegistered tracks a new client.
func (m *Metrics) ClientRegistered() {
	if m == nil {
		return
	}
	m.Clients.Inc()
}

// ClientUnregistered tracks a removed client.
func (m *Metrics) ClientUnregistered() {
	if m == nil {
		return
	}
	m.Clients.Dec()
}

// MatchCreated tracks a lazily created match.
func (m *Metrics) MatchCreated() {
	if m == nil {
		return
	}
	m.Matches.Inc()
}

// OutboxOverflow counts a client dropped for backpressure.
func (m *Metrics) OutboxOverflow() {
	if m == nil {
		return
	}
	m.OutboxOverflows.Inc()
}

// SessionOpened tracks a signaling session with the given role.
func (m *Metrics) SessionOpened(role string) {
	if m == nil {
		return
	}
	m.SignalSessions.WithLabelValues(role).Inc()
}

// SessionClosed undoes SessionOpened.
func (m *Metrics) SessionClosed(role string) {
	if m == nil {
		return
	}
	m.SignalSessions.WithLabelValues(role).Dec()
}

// Relayed counts one relayed signaling frame.
func (m *Metrics) Relayed(frameType string) {
	if m == nil {
		return
	}
	m.SignalRelayed.WithLabelValues(frameType).Inc()
}
