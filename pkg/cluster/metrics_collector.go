package cluster

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/partkeeper/pkg/log"
	"github.com/cuemby/partkeeper/pkg/mailbox"
	"github.com/cuemby/partkeeper/pkg/metrics"
)

// metricsCollectInterval mirrors the teacher's MetricsCollector tick.
const metricsCollectInterval = 15 * time.Second

// MetricsCollector periodically re-samples the Cluster FSM's own state into
// the same gauges onMembersChanged/membership.Monitor/partition.Manager
// already push-update, as a backstop against a missed push the way the
// teacher's own collectRaftMetrics defensively re-sets its leader gauge on
// every tick regardless of push-driven updates happening elsewhere.
type MetricsCollector struct {
	fsm *FSM
	log zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMetricsCollector creates a collector for fsm. Call Start to begin
// sampling and Stop to shut it down.
func NewMetricsCollector(fsm *FSM) *MetricsCollector {
	return &MetricsCollector{
		fsm:    fsm,
		log:    log.WithComponent("cluster-metrics"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the sampling goroutine, running collect immediately and
// then on every tick.
func (c *MetricsCollector) Start() {
	go c.run()
}

// Stop signals the sampling goroutine to exit and waits for it to finish.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *MetricsCollector) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(metricsCollectInterval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MetricsCollector) collect() {
	leadership, ok := c.queryLeadership()
	if !ok {
		c.log.Warn().Msg("metrics collector timed out querying leadership")
		return
	}
	if leadership.IsSelf {
		metrics.IsLeader.Set(1)
	} else {
		metrics.IsLeader.Set(0)
	}

	membershipInfo, ok := c.queryMembership()
	if !ok {
		c.log.Warn().Msg("metrics collector timed out querying membership")
		return
	}
	metrics.MembersTotal.Set(float64(len(membershipInfo.Members)))

	partitions, ok := c.queryPartitions()
	if !ok {
		c.log.Warn().Msg("metrics collector timed out querying partitions")
		return
	}
	metrics.PartitionsTotal.Set(float64(len(partitions.Partitions)))
}

func (c *MetricsCollector) queryLeadership() (LeadershipInfo, bool) {
	replyCh := make(chan LeadershipInfo, 1)
	c.fsm.Send(QueryLeadership{Reply: mailbox.FuncRef{
		RefID: "cluster-metrics-collector",
		Fn:    func(msg interface{}) { replyCh <- msg.(LeadershipInfo) },
	}})
	select {
	case info := <-replyCh:
		return info, true
	case <-time.After(5 * time.Second):
		return LeadershipInfo{}, false
	}
}

func (c *MetricsCollector) queryMembership() (MembershipInfo, bool) {
	replyCh := make(chan MembershipInfo, 1)
	c.fsm.Send(QueryMembership{Reply: mailbox.FuncRef{
		RefID: "cluster-metrics-collector",
		Fn:    func(msg interface{}) { replyCh <- msg.(MembershipInfo) },
	}})
	select {
	case info := <-replyCh:
		return info, true
	case <-time.After(5 * time.Second):
		return MembershipInfo{}, false
	}
}

func (c *MetricsCollector) queryPartitions() (PartitionListInfo, bool) {
	replyCh := make(chan PartitionListInfo, 1)
	c.fsm.Send(ListPartitions{Reply: mailbox.FuncRef{
		RefID: "cluster-metrics-collector",
		Fn:    func(msg interface{}) { replyCh <- msg.(PartitionListInfo) },
	}})
	select {
	case info := <-replyCh:
		return info, true
	case <-time.After(5 * time.Second):
		return PartitionListInfo{}, false
	}
}
