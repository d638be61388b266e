package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshnode"

type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	ReceivedByKind map[string]uint64 `json:"received_by_kind"`
	Delivered      uint64            `json:"delivered"`
	Forwarded      uint64            `json:"forwarded"`
	Sent           uint64            `json:"sent"`
	SendFailures   uint64            `json:"send_failures"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	RejectByReason map[string]uint64 `json:"reject_by_reason"`
	QueueDepth     int64             `json:"queue_depth"`
	ConnectedPeers int64             `json:"connected_peers"`
	Blacklisted    int64             `json:"blacklisted"`
}

// Metrics mirrors every counter into a private Prometheus registry and into
// plain atomics for JSON snapshots.
type Metrics struct {
	registry *prometheus.Registry

	promReceived     *prometheus.CounterVec
	promDelivered    prometheus.Counter
	promForwarded    prometheus.Counter
	promSent         prometheus.Counter
	promSendFailures prometheus.Counter
	promDropped      *prometheus.CounterVec
	promRejected     *prometheus.CounterVec
	promQueueDepth   prometheus.Gauge
	promPeers        prometheus.Gauge
	promBlacklisted  prometheus.Gauge

	delivered    atomic.Uint64
	forwarded    atomic.Uint64
	sent         atomic.Uint64
	sendFailures atomic.Uint64
	queueDepth   atomic.Int64
	peers        atomic.Int64
	blacklisted  atomic.Int64

	mu           sync.Mutex
	receivedKind map[string]uint64
	dropReason   map[string]uint64
	rejectReason map[string]uint64
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		promReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_received_total", Help: "Admitted inbound messages by kind.",
		}, []string{"kind"}),
		promDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_delivered_total", Help: "Messages handed to local handlers.",
		}),
		promForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_forwarded_total", Help: "Messages queued for relay.",
		}),
		promSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sends_total", Help: "Successful per-peer transmissions.",
		}),
		promSendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_failures_total", Help: "Failed per-peer transmissions.",
		}),
		promDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_dropped_total", Help: "Dropped messages by reason.",
		}, []string{"reason"}),
		promRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transport_rejected_total", Help: "Connections and streams refused by the transport.",
		}, []string{"reason"}),
		promQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "Outbound queue length.",
		}),
		promPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connected_peers", Help: "Directly connected peers.",
		}),
		promBlacklisted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "blacklisted_peers", Help: "Peers on the local blacklist.",
		}),
		receivedKind: make(map[string]uint64),
		dropReason:   make(map[string]uint64),
		rejectReason: make(map[string]uint64),
	}
	m.registry.MustRegister(
		m.promReceived, m.promDelivered, m.promForwarded, m.promSent, m.promSendFailures,
		m.promDropped, m.promRejected, m.promQueueDepth, m.promPeers, m.promBlacklisted,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) IncReceived(kind string) {
	if m == nil {
		return
	}
	m.promReceived.WithLabelValues(kind).Inc()
	m.mu.Lock()
	m.receivedKind[kind]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.promDropped.WithLabelValues(reason).Inc()
	m.mu.Lock()
	m.dropReason[reason]++
	m.mu.Unlock()
}

// IncRejected counts a connection or stream refused before any frame was
// read.
func (m *Metrics) IncRejected(reason string) {
	if m == nil {
		return
	}
	m.promRejected.WithLabelValues(reason).Inc()
	m.mu.Lock()
	m.rejectReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) IncDelivered() {
	if m == nil {
		return
	}
	m.promDelivered.Inc()
	m.delivered.Add(1)
}

func (m *Metrics) IncForwarded() {
	if m == nil {
		return
	}
	m.promForwarded.Inc()
	m.forwarded.Add(1)
}

func (m *Metrics) IncSent() {
	if m == nil {
		return
	}
	m.promSent.Inc()
	m.sent.Add(1)
}

func (m *Metrics) IncSendFailure() {
	if m == nil {
		return
	}
	m.promSendFailures.Inc()
	m.sendFailures.Add(1)
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.promQueueDepth.Set(float64(n))
	m.queueDepth.Store(int64(n))
}

func (m *Metrics) SetConnectedPeers(n int) {
	if m == nil {
		return
	}
	m.promPeers.Set(float64(n))
	m.peers.Store(int64(n))
}

func (m *Metrics) SetBlacklisted(n int) {
	if m == nil {
		return
	}
	m.promBlacklisted.Set(float64(n))
	m.blacklisted.Store(int64(n))
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	recv := make(map[string]uint64, len(m.receivedKind))
	for k, v := range m.receivedKind {
		recv[k] = v
	}
	drops := make(map[string]uint64, len(m.dropReason))
	for k, v := range m.dropReason {
		drops[k] = v
	}
	rejects := make(map[string]uint64, len(m.rejectReason))
	for k, v := range m.rejectReason {
		rejects[k] = v
	}
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt:    time.Now().UTC(),
		ReceivedByKind: recv,
		Delivered:      m.delivered.Load(),
		Forwarded:      m.forwarded.Load(),
		Sent:           m.sent.Load(),
		SendFailures:   m.sendFailures.Load(),
		DropByReason:   drops,
		RejectByReason: rejects,
		QueueDepth:     m.queueDepth.Load(),
		ConnectedPeers: m.peers.Load(),
		Blacklisted:    m.blacklisted.Load(),
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
