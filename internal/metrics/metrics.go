package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Event counter names, exported as the `event` label of
// call_relay_events_total.
const (
	ConnectionsOpened   = "connections_opened"
	ConnectionsClosed   = "connections_closed"
	OriginRejected      = "origin_rejected"
	MessagesRateLimited = "messages_rate_limited"
	MessagesOversized   = "messages_oversized"
	MessagesMalformed   = "messages_malformed"
	HandlerErrors       = "handler_errors"
	HandlerPanics       = "handler_panics"
	WriteErrors         = "write_errors"

	PresenceJoined   = "presence_joined"
	PresenceLeft     = "presence_left"
	DirectoryErrors  = "directory_errors"
	MirrorErrors     = "mirror_errors"
	StaleRoutingHint = "stale_routing_hint"

	CallsInitiated   = "calls_initiated"
	CallsAccepted    = "calls_accepted"
	CallsRejected    = "calls_rejected"
	CallsEnded       = "calls_ended"
	CallsPeerOffline = "calls_peer_offline"
	StoreErrors      = "store_errors"

	SignalsForwarded = "signals_forwarded"
	SignalsDropped   = "signals_dropped"

	AdminBroadcasts = "admin_broadcasts"
)

// Store operation labels for call_relay_store_latency_seconds.
const (
	OpFindUser       = "find_user"
	OpMarkOnline     = "mark_online"
	OpMarkOffline    = "mark_offline"
	OpCreateCall     = "create_call"
	OpTransitionCall = "transition_call"
	OpCallHistory    = "call_history"
)

// Metrics owns a private Prometheus registry so independent instances (one per
// test server) never collide. A nil *Metrics is valid and discards everything.
type Metrics struct {
	reg *prometheus.Registry

	events       *prometheus.CounterVec
	online       prometheus.Gauge
	activeCalls  prometheus.Gauge
	storeLatency *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "call_relay_events_total",
				Help: "Internal event counters.",
			},
			[]string{"event"},
		),
		online: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "call_relay_online_connections",
				Help: "Number of connections with a registered presence entry.",
			},
		),
		activeCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "call_relay_active_calls",
				Help: "Number of live call sessions held in memory.",
			},
		),
		storeLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "call_relay_store_latency_seconds",
				Help:    "Latency of user directory and call store operations.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"op"},
		),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Add(float64(n))
}

// Get returns the current value of the named event counter.
func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var pb dto.Metric
	if err := m.events.WithLabelValues(name).Write(&pb); err != nil {
		return 0
	}
	return uint64(pb.GetCounter().GetValue())
}

func (m *Metrics) SetOnlineConnections(n int) {
	if m == nil {
		return
	}
	m.online.Set(float64(n))
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.activeCalls.Set(float64(n))
}

func (m *Metrics) OnlineConnections() int {
	if m == nil {
		return 0
	}
	return gaugeValue(m.online)
}

func (m *Metrics) ActiveCalls() int {
	if m == nil {
		return 0
	}
	return gaugeValue(m.activeCalls)
}

func gaugeValue(g prometheus.Gauge) int {
	var pb dto.Metric
	if err := g.Write(&pb); err != nil {
		return 0
	}
	return int(pb.GetGauge().GetValue())
}

// ObserveStore records the latency of a store operation started at start.
func (m *Metrics) ObserveStore(op string, start time.Time) {
	if m == nil {
		return
	}
	m.storeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}
