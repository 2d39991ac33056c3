package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/0xmhha/substrate-indexer/pkg/types"
)

const (
	namespace = "indexer"
	subsystem = "sync"
)

var syncStates = []types.SyncState{types.SyncStateIdle, types.SyncStateSyncing, types.SyncStateLive}

// promMetrics mirrors the Collector into Prometheus
type promMetrics struct {
	state           *prometheus.GaugeVec
	blocksProcessed prometheus.Counter
	indexedHeight   prometheus.Gauge
	chainTip        prometheus.Gauge
	errors          prometheus.Counter
	runtimeUpgrades prometheus.Counter
}

// newPromMetrics creates the collectors and registers them on reg when non-nil
func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	factory := promauto.With(reg)

	return &promMetrics{
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state",
			Help:      "Pipeline state, 1 for the current state",
		}, []string{"state"}),
		blocksProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blocks_processed_total",
			Help:      "Total number of blocks committed",
		}),
		indexedHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "indexed_height",
			Help:      "Highest committed block height",
		}),
		chainTip: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chain_tip",
			Help:      "Highest finalized height reported by the node",
		}),
		errors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of failed blocks and notifications",
		}),
		runtimeUpgrades: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runtime_upgrades_total",
			Help:      "Total number of observed runtime spec version changes",
		}),
	}
}

func (m *promMetrics) setState(current types.SyncState) {
	for _, s := range syncStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
}
