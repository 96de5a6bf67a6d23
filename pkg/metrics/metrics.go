// Package metrics exposes the Prometheus gauges, counters and histograms
// partkeeper's three components and its coordination-service ensemble emit.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster FSM metrics
	MembersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partkeeper_members_total",
			Help: "Number of members currently in the cluster view",
		},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partkeeper_is_leader",
			Help: "Whether this process is the elected leader (1) or not (0)",
		},
	)

	LeaderTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partkeeper_leader_transitions_total",
			Help: "Total number of LeaderElected transitions observed",
		},
	)

	PartitionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partkeeper_partitions_total",
			Help: "Number of partitions known to this process",
		},
	)

	// Partition Manager metrics
	PartitionDiffsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partkeeper_partition_diffs_total",
			Help: "Total number of PartitionDiff notifications emitted to subscribers",
		},
	)

	WatchFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partkeeper_watch_fired_total",
			Help: "Total number of coordination-service watch callbacks fired, by kind",
		},
		[]string{"kind"},
	)

	// Rebalance metrics
	RebalanceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partkeeper_rebalance_duration_seconds",
			Help:    "Time taken to compute a rebalance plan",
			Buckets: prometheus.DefBuckets,
		},
	)

	RebalancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partkeeper_rebalances_total",
			Help: "Total number of rebalance plans computed by the leader",
		},
	)

	UnderReplicatedPartitions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partkeeper_under_replicated_partitions",
			Help: "Number of partitions whose assignment is smaller than their required size",
		},
	)

	// Coordination-service ensemble metrics
	EnsembleIsRaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partkeeper_ensemble_is_raft_leader",
			Help: "Whether this ensemble member is the raft leader for the node tree",
		},
	)

	EnsembleApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partkeeper_ensemble_apply_duration_seconds",
			Help:    "Time taken to replicate a node-tree mutation through raft",
			Buckets: prometheus.DefBuckets,
		},
	)

	EnsembleSessionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partkeeper_ensemble_sessions_total",
			Help: "Number of live client sessions held by the ensemble",
		},
	)
)

func init() {
	prometheus.MustRegister(
		MembersTotal,
		IsLeader,
		LeaderTransitionsTotal,
		PartitionsTotal,
		PartitionDiffsTotal,
		WatchFiredTotal,
		RebalanceDuration,
		RebalancesTotal,
		UnderReplicatedPartitions,
		EnsembleIsRaftLeader,
		EnsembleApplyDuration,
		EnsembleSessionsTotal,
	)
}

// Handler returns the HTTP handler that serves the Prometheus exposition
// format for all registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation for later observation into a
// histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since the timer was created.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
