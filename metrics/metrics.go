// Package metrics provides the concrete raft.NodeMetrics used by
// cmd/raftkv-node: Prometheus gauges/counters for state that's cheap to
// sample on every change, and HdrHistogram-backed tracking of the two
// latency distributions the engine reports (replicate latency, per-peer
// AppendEntries RTT), exposed as Prometheus gauges labelled by quantile and
// updated on each observation.
package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/divtxt/raftkv/raft"
)

const (
	histogramMinValue   = 1 // microseconds
	histogramMaxValue   = 60 * 1000 * 1000
	histogramSigFigures = 3
)

// Metrics is a raft.NodeMetrics backed by Prometheus + HdrHistogram.
type Metrics struct {
	role             prometheus.Gauge
	term             prometheus.Gauge
	commitIndex      prometheus.Gauge
	lastApplied      prometheus.Gauge
	electionsStarted prometheus.Counter
	electionsWon     prometheus.Counter

	mu               sync.Mutex
	replicateLatency *hdrhistogram.Histogram
	rttByPeer        map[raft.ServerId]*hdrhistogram.Histogram

	replicateLatencyGauge *prometheus.GaugeVec
	rttGauge              *prometheus.GaugeVec
}

// New registers every metric against reg and returns a ready Metrics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		role: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raftkv_node_role", Help: "Current ServerState (0=FOLLOWER, 1=CANDIDATE, 2=LEADER).",
		}),
		term: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raftkv_node_term", Help: "Current term.",
		}),
		commitIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raftkv_node_commit_index", Help: "Current commit index.",
		}),
		lastApplied: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raftkv_node_last_applied", Help: "Highest log index applied to the state machine.",
		}),
		electionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "raftkv_elections_started_total", Help: "Election rounds (pre-vote or real) started by this node.",
		}),
		electionsWon: factory.NewCounter(prometheus.CounterOpts{
			Name: "raftkv_elections_won_total", Help: "Elections won by this node.",
		}),
		replicateLatency: hdrhistogram.New(histogramMinValue, histogramMaxValue, histogramSigFigures),
		rttByPeer:        make(map[raft.ServerId]*hdrhistogram.Histogram),
		replicateLatencyGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "raftkv_replicate_latency_us", Help: "Replicate() wait latency in microseconds, by quantile.",
		}, []string{"quantile"}),
		rttGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "raftkv_append_entries_rtt_us", Help: "AppendEntries round-trip time in microseconds, by peer and quantile.",
		}, []string{"peer", "quantile"}),
	}
}

func (m *Metrics) SetRole(role raft.ServerState)      { m.role.Set(float64(role)) }
func (m *Metrics) SetTerm(term raft.TermNo)           { m.term.Set(float64(term)) }
func (m *Metrics) SetCommitIndex(index raft.LogIndex) { m.commitIndex.Set(float64(index)) }
func (m *Metrics) SetLastApplied(index raft.LogIndex) { m.lastApplied.Set(float64(index)) }
func (m *Metrics) IncElectionsStarted()               { m.electionsStarted.Inc() }
func (m *Metrics) IncElectionsWon()                   { m.electionsWon.Inc() }

var quantiles = []float64{0.5, 0.9, 0.99}

func (m *Metrics) ObserveReplicateLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.replicateLatency.RecordValue(d.Microseconds())
	for _, q := range quantiles {
		m.replicateLatencyGauge.WithLabelValues(quantileLabel(q)).Set(float64(m.replicateLatency.ValueAtQuantile(q * 100)))
	}
}

func (m *Metrics) ObserveAppendEntriesRTT(peer raft.ServerId, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.rttByPeer[peer]
	if !ok {
		h = hdrhistogram.New(histogramMinValue, histogramMaxValue, histogramSigFigures)
		m.rttByPeer[peer] = h
	}
	_ = h.RecordValue(d.Microseconds())
	for _, q := range quantiles {
		m.rttGauge.WithLabelValues(string(peer), quantileLabel(q)).Set(float64(h.ValueAtQuantile(q * 100)))
	}
}

func quantileLabel(q float64) string {
	switch q {
	case 0.5:
		return "p50"
	case 0.9:
		return "p90"
	case 0.99:
		return "p99"
	default:
		return "p?"
	}
}

var _ raft.NodeMetrics = (*Metrics)(nil)
