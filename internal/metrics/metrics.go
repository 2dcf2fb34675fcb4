// Package metrics registers the Prometheus instrumentation for the
// execution core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by the router, the
// storage engines and the coordinator of one process.
type Metrics struct {
	// Router metrics
	TransactionsStarted prometheus.Counter
	CommitsTotal        *prometheus.CounterVec
	ShardRequestsTotal  *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	ShardMapRefreshes   prometheus.Counter

	// Storage metrics
	StorageReadsTotal  prometheus.Counter
	StorageWritesTotal prometheus.Counter
	DeltasCreated      prometheus.Counter
	ShardSplitsTotal   prometheus.Counter

	// RSM metrics
	ProposalsTotal    prometheus.Counter
	RedirectionsTotal prometheus.Counter

	// Coordinator metrics
	HlcsIssued      prometheus.Counter
	HlcBatchesTotal prometheus.Counter
}

// New creates and registers the collectors with node_id as a constant
// label.
func New(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		TransactionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "filigree",
			Subsystem:   "router",
			Name:        "transactions_started_total",
			Help:        "Total number of transactions started",
			ConstLabels: labels,
		}),
		CommitsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "filigree",
			Subsystem:   "router",
			Name:        "commits_total",
			Help:        "Total number of commit attempts by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		ShardRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "filigree",
			Subsystem:   "router",
			Name:        "shard_requests_total",
			Help:        "Total number of per-shard requests by operation",
			ConstLabels: labels,
		}, []string{"operation"}),
		RequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "filigree",
			Subsystem:   "router",
			Name:        "request_duration_seconds",
			Help:        "Histogram of multi-shard operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ShardMapRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "filigree",
			Subsystem:   "router",
			Name:        "shard_map_refreshes_total",
			Help:        "Total number of shard map refreshes after stale errors",
			ConstLabels: labels,
		}),
		StorageReadsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "filigree",
			Subsystem:   "storage",
			Name:        "reads_total",
			Help:        "Total number of storage read requests served",
			ConstLabels: labels,
		}),
		StorageWritesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "filigree",
			Subsystem:   "storage",
			Name:        "writes_total",
			Help:        "Total number of storage write requests applied",
			ConstLabels: labels,
		}),
		DeltasCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "filigree",
			Subsystem:   "storage",
			Name:        "deltas_created_total",
			Help:        "Total number of MVCC deltas created",
			ConstLabels: labels,
		}),
		ShardSplitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "filigree",
			Subsystem:   "storage",
			Name:        "shard_splits_total",
			Help:        "Total number of shard splits performed",
			ConstLabels: labels,
		}),
		ProposalsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "filigree",
			Subsystem:   "rsm",
			Name:        "proposals_total",
			Help:        "Total number of raft proposals issued",
			ConstLabels: labels,
		}),
		RedirectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "filigree",
			Subsystem:   "rsm",
			Name:        "redirections_total",
			Help:        "Total number of leader redirections followed",
			ConstLabels: labels,
		}),
		HlcsIssued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "filigree",
			Subsystem:   "coordinator",
			Name:        "hlcs_issued_total",
			Help:        "Total number of hybrid logical clocks handed out",
			ConstLabels: labels,
		}),
		HlcBatchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "filigree",
			Subsystem:   "coordinator",
			Name:        "hlc_batches_total",
			Help:        "Total number of HLC batches reserved through the log",
			ConstLabels: labels,
		}),
	}
}
