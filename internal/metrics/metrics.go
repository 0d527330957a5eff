// Package metrics holds the Prometheus collectors the relay updates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tabrelay"

// Outcome labels for responses delivered to clients.
const (
	OutcomeResult       = "result"
	OutcomeError        = "error"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnected = "disconnected"
)

// Relay is the set of collectors for one relay instance.
type Relay struct {
	CommandsForwarded prometheus.Counter
	CommandsRejected  *prometheus.CounterVec
	Responses         *prometheus.CounterVec
	EventsForwarded   prometheus.Counter
	ExtensionLogs     *prometheus.CounterVec
	Violations        *prometheus.CounterVec
	ExtensionConnects prometheus.Counter
	PendingRequests   prometheus.GaugeFunc
	ClientsConnected  prometheus.Gauge
	ClientsDropped    prometheus.Counter
	AttachState       *prometheus.GaugeVec
	ResponseLatency   prometheus.Histogram
}

// NewRelay creates the collectors and registers them with reg. pending reports
// the live size of the pending request table.
func NewRelay(reg prometheus.Registerer, pending func() float64) *Relay {
	m := &Relay{
		CommandsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "forwarded_total",
			Help:      "Client commands forwarded to the extension.",
		}),
		CommandsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "rejected_total",
				Help:      "Client commands answered without reaching the extension.",
			},
			[]string{"reason"},
		),
		Responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "responses_total",
				Help:      "Terminal responses for forwarded commands.",
			},
			[]string{"outcome"},
		),
		EventsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "forwarded_total",
			Help:      "Extension events fanned out to clients.",
		}),
		ExtensionLogs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "extension",
				Name:      "logs_total",
				Help:      "Log lines received from the extension.",
			},
			[]string{"level"},
		),
		Violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_violations_total",
				Help:      "Frames dropped because they matched no known envelope.",
			},
			[]string{"side"},
		),
		ExtensionConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extension",
			Name:      "connects_total",
			Help:      "Extension connections accepted.",
		}),
		PendingRequests: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "pending",
			Help:      "Commands awaiting an extension response.",
		}, pending),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "clients",
			Name:      "connected",
			Help:      "Connected CDP clients.",
		}),
		ClientsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clients",
			Name:      "dropped_total",
			Help:      "Clients disconnected because their send queue overflowed.",
		}),
		AttachState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "attach_state",
				Help:      "1 for the current attach state, 0 otherwise.",
			},
			[]string{"state"},
		),
		ResponseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "response_seconds",
			Help:      "Time from forwarding a command to its terminal response.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.CommandsForwarded,
		m.CommandsRejected,
		m.Responses,
		m.EventsForwarded,
		m.ExtensionLogs,
		m.Violations,
		m.ExtensionConnects,
		m.PendingRequests,
		m.ClientsConnected,
		m.ClientsDropped,
		m.AttachState,
		m.ResponseLatency,
	)
	return m
}

// SetAttachState marks state as current among all known states.
func (m *Relay) SetAttachState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.AttachState.WithLabelValues(s).Set(v)
	}
}
