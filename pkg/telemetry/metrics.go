// Package telemetry exposes Prometheus metrics for a coordination engine.
//
// Every method is safe to call on a nil *Metrics, so components can take an
// optional metrics sink without guarding each call.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dronenet"

// States is the label set of the state gauge, in display order.
var States = []string{"SEEKING", "CONNECTED", "MASTER", "SLAVE"}

// Metrics holds one engine's collectors and the registry they live in.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesIn    *prometheus.CounterVec
	MessagesOut   *prometheus.CounterVec
	DecodeErrors  prometheus.Counter
	SendErrors    prometheus.Counter
	Elections     prometheus.Counter
	Transitions   *prometheus.CounterVec
	Conflicts     prometheus.Counter
	MarkedOffline prometheus.Counter
	Evictions     prometheus.Counter
	PeersOnline   prometheus.Gauge
	PeersKnown    prometheus.Gauge
	State         *prometheus.GaugeVec
	TickDuration  prometheus.Histogram

	startTime time.Time
}

// New creates a Metrics with its own registry. Process and Go runtime
// collectors are included when withRuntime is set; the simulator runs many
// engines in one process and leaves them out.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		Registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		MessagesIn: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Messages received and decoded, by action.",
			},
			[]string{"action"},
		),
		MessagesOut: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Messages handed to the transport, by action.",
			},
			[]string{"action"},
		),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound payloads dropped because they failed to decode.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Outbound messages the transport refused.",
		}),
		Elections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "self_elections_total",
			Help:      "Times this drone claimed the master role.",
		}),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "State transitions, by target state.",
			},
			[]string{"state"},
		),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "id_conflicts_total",
			Help:      "Id conflicts this drone lost and resolved by taking a new id.",
		}),
		MarkedOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_marked_offline_total",
			Help:      "Peers moved to OFFLINE by cleanup.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_evicted_total",
			Help:      "Peers evicted after the offline grace period.",
		}),
		PeersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_online",
			Help:      "ONLINE peers, excluding self.",
		}),
		PeersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_known",
			Help:      "Records in the network view, including self.",
		}),
		State: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state",
				Help:      "Current coordination state (1 for the active state).",
			},
			[]string{"state"},
		),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent processing one control loop tick.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
	}

	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Engine uptime in seconds.",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	m.Registry.MustRegister(
		m.MessagesIn, m.MessagesOut, m.DecodeErrors, m.SendErrors,
		m.Elections, m.Transitions, m.Conflicts, m.MarkedOffline,
		m.Evictions, m.PeersOnline, m.PeersKnown, m.State, m.TickDuration,
		uptime,
	)
	if withRuntime {
		m.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Handler exposes the registry. Mount it at /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageIn(action string) {
	if m != nil {
		m.MessagesIn.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) MessageOut(action string) {
	if m != nil {
		m.MessagesOut.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) DecodeError() {
	if m != nil {
		m.DecodeErrors.Inc()
	}
}

func (m *Metrics) SendError() {
	if m != nil {
		m.SendErrors.Inc()
	}
}

func (m *Metrics) SelfElected() {
	if m != nil {
		m.Elections.Inc()
	}
}

func (m *Metrics) ConflictResolved() {
	if m != nil {
		m.Conflicts.Inc()
	}
}

func (m *Metrics) PeersMarkedOffline(n int) {
	if m != nil && n > 0 {
		m.MarkedOffline.Add(float64(n))
	}
}

func (m *Metrics) PeersEvicted(n int) {
	if m != nil && n > 0 {
		m.Evictions.Add(float64(n))
	}
}

// SetState records a transition to state and flips the state gauge.
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

// SetPeers updates the peer gauges.
func (m *Metrics) SetPeers(online, known int) {
	if m != nil {
		m.PeersOnline.Set(float64(online))
		m.PeersKnown.Set(float64(known))
	}
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m != nil {
		m.TickDuration.Observe(d.Seconds())
	}
}
