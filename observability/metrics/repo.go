package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"repoledger/core/events"
	"repoledger/core/types"
	repoengine "repoledger/native/repo"
)

// RepoMetrics exposes Prometheus series for lifecycle transitions, custody
// movements and cascade margin calls.
type RepoMetrics struct {
	transitions    *prometheus.CounterVec
	assetTransfers prometheus.Counter
	marginCalls    *prometheus.CounterVec
	positionBurns  prometheus.Counter
}

var (
	repoOnce     sync.Once
	repoRegistry *RepoMetrics
)

// Repo returns the process-wide repo metrics collection, registering it on
// first use.
func Repo() *RepoMetrics {
	repoOnce.Do(func() {
		repoRegistry = &RepoMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "repo_lifecycle_transitions_total",
				Help: "Count of repo lifecycle events by event type.",
			}, []string{"event"}),
			assetTransfers: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "repo_asset_transfers_total",
				Help: "Count of custody asset movements executed by the ledger.",
			}),
			marginCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "repo_margin_calls_total",
				Help: "Count of margin calls by reason.",
			}, []string{"reason"}),
			positionBurns: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "repo_position_burns_total",
				Help: "Count of position tokens destroyed at settlement or default.",
			}),
		}
		prometheus.MustRegister(
			repoRegistry.transitions,
			repoRegistry.assetTransfers,
			repoRegistry.marginCalls,
			repoRegistry.positionBurns,
		)
	})
	return repoRegistry
}

// Emitter wraps the metrics collection as an event emitter so it can be wired
// into the engine's fan-out alongside the recorder and log sink.
func (m *RepoMetrics) Emitter() events.Emitter {
	return metricsEmitter{metrics: m}
}

type metricsEmitter struct {
	metrics *RepoMetrics
}

func (e metricsEmitter) Emit(evt events.Event) {
	if e.metrics == nil || evt == nil {
		return
	}
	eventType := evt.EventType()
	e.metrics.transitions.WithLabelValues(eventType).Inc()
	switch eventType {
	case repoengine.EventTypeAssetTransfer:
		e.metrics.assetTransfers.Inc()
	case repoengine.EventTypePositionBurned:
		e.metrics.positionBurns.Inc()
	case repoengine.EventTypeMarginCalled:
		reason := "unknown"
		if provider, ok := evt.(interface{ Event() *types.Event }); ok && provider.Event() != nil {
			reason = provider.Event().Attribute("reason")
		}
		e.metrics.marginCalls.WithLabelValues(reason).Inc()
	}
}
