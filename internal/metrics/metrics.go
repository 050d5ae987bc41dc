package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Hub event names, exported as the `event` label of
// aero_call_hub_events_total.
const (
	Join               = "join"
	Disconnect         = "disconnect"
	OfferRelayed       = "offer_relayed"
	AnswerRelayed      = "answer_relayed"
	AnswerDroppedStale = "answer_dropped_stale"
	CandidateRelayed   = "candidate_relayed"
	ChatRelayed        = "chat_relayed"
	BadMessage         = "bad_message"
	RateLimited        = "rate_limited"
	SlowConsumer       = "slow_consumer"
	RoomFull           = "room_full"
)

// Metrics owns a private Prometheus registry with the hub's counters and
// gauges. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	events       *prometheus.CounterVec
	connections  prometheus.Gauge
	participants prometheus.Gauge

	mu   sync.Mutex
	seen map[string]struct{}
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_call_hub_events_total",
			Help: "Signaling hub event counters.",
		}, []string{"event"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aero_call_hub_connections",
			Help: "Attached signaling connections, joined or not.",
		}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aero_call_hub_participants",
			Help: "Participants present in the membership registry.",
		}),
		seen: make(map[string]struct{}),
	}
	m.reg.MustRegister(m.events, m.connections, m.participants)
	return m
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.seen[name] = struct{}{}
	m.mu.Unlock()
	m.events.WithLabelValues(name).Add(float64(delta))
}

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

// Snapshot returns every counter that has been touched at least once.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	names := make([]string, 0, len(m.seen))
	for name := range m.seen {
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make(map[string]uint64, len(names))
	for _, name := range names {
		out[name] = m.Get(name)
	}
	return out
}

// SetMembership updates the connection and participant gauges.
func (m *Metrics) SetMembership(connections, participants int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.participants.Set(float64(participants))
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}
