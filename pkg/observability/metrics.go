package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the service's Prometheus collectors. One instance is
// created at startup and threaded through the worker.
type Metrics struct {
	IntegrationCycles     *prometheus.CounterVec
	ProposalAttempts      prometheus.Counter
	ProposalRejections    *prometheus.CounterVec
	IntegrationDuration   prometheus.Histogram
	CompactionRounds      prometheus.Counter
	LockAcquisitions      *prometheus.CounterVec
	PendingMessagesSeen   prometheus.Counter
	GraphNodes            prometheus.Histogram
	ProposerTokensCounted prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		IntegrationCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qualia",
			Name:      "integration_cycles_total",
			Help:      "Integration cycles by outcome.",
		}, []string{"outcome"}),
		ProposalAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "qualia",
			Name:      "proposal_attempts_total",
			Help:      "Proposal requests sent to the model collaborator.",
		}),
		ProposalRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qualia",
			Name:      "proposal_rejections_total",
			Help:      "Rejected proposals by reason.",
		}, []string{"reason"}),
		IntegrationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "qualia",
			Name:      "integration_duration_seconds",
			Help:      "Wall time of one integration cycle, lock to commit.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		CompactionRounds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "qualia",
			Name:      "compaction_rounds_total",
			Help:      "Committed compaction rounds.",
		}),
		LockAcquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qualia",
			Name:      "lock_acquisitions_total",
			Help:      "Lock acquisition attempts by result.",
		}, []string{"result"}),
		PendingMessagesSeen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "qualia",
			Name:      "pending_messages_total",
			Help:      "Messages observed by the delivery dispatcher.",
		}),
		GraphNodes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "qualia",
			Name:      "graph_nodes",
			Help:      "Node count of committed graph versions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ProposerTokensCounted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "qualia",
			Name:      "proposer_tokens_counted_total",
			Help:      "Tokens measured while sizing serialized graphs.",
		}),
	}
}
