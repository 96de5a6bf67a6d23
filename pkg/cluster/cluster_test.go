package cluster

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/partkeeper/pkg/address"
	"github.com/cuemby/partkeeper/pkg/mailbox"
	"github.com/cuemby/partkeeper/pkg/membership"
	"github.com/cuemby/partkeeper/pkg/partition"
	"github.com/cuemby/partkeeper/pkg/partitionkey"
	"github.com/cuemby/partkeeper/pkg/rpc"
	"github.com/cuemby/partkeeper/pkg/zk/zktest"
)

func noDial(address.Address) (*rpc.MemberClient, func(), error) {
	panic("single-node test should never need to dial a peer")
}

// failDial tolerates being dialed (returning an error rather than
// panicking), for tests that introduce a rebalance candidate this process
// can't actually reach.
func failDial(address.Address) (*rpc.MemberClient, func(), error) {
	return nil, nil, errors.New("dial disabled in test")
}

type replyCollector struct {
	ch chan interface{}
}

func newReplyCollector() *replyCollector {
	return &replyCollector{ch: make(chan interface{}, 8)}
}
func (r *replyCollector) ID() string          { return "reply" }
func (r *replyCollector) Send(msg interface{}) { r.ch <- msg }

func (r *replyCollector) next(t *testing.T) interface{} {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return nil
	}
}

func setupSingleNode(t *testing.T) (self address.Address, fsm *FSM) {
	t.Helper()
	cluster := zktest.NewCluster()
	self = address.Address{Host: "10.0.0.1", Port: 9000}

	pm := partition.New(self, 128, noDial)
	fsm = New(Config{Self: self, Segments: 128}, pm)
	mon := membership.New(self, fsm)

	session := cluster.NewSession(self.String())
	pm.Start(session)
	mon.Start(session)

	t.Cleanup(func() {
		fsm.Close()
		pm.Close()
		mon.Close()
	})
	return self, fsm
}

func setupSingleNodeWithDial(t *testing.T, dial partition.Dialer) (self address.Address, fsm *FSM) {
	t.Helper()
	cl := zktest.NewCluster()
	self = address.Address{Host: "10.0.0.1", Port: 9000}

	pm := partition.New(self, 128, dial)
	fsm = New(Config{Self: self, Segments: 128}, pm)
	mon := membership.New(self, fsm)

	session := cl.NewSession(self.String())
	pm.Start(session)
	mon.Start(session)

	t.Cleanup(func() {
		fsm.Close()
		pm.Close()
		mon.Close()
	})
	return self, fsm
}

func waitUntilLeader(t *testing.T, fsm *FSM) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		reply := newReplyCollector()
		fsm.Send(QueryLeadership{Reply: reply})
		select {
		case msg := <-reply.ch:
			if info, ok := msg.(LeadershipInfo); ok && info.IsSelf {
				return
			}
		case <-deadline:
			t.Fatal("node never became leader")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSingleNodeBecomesLeaderAndServesQueries(t *testing.T) {
	self, fsm := setupSingleNode(t)
	waitUntilLeader(t, fsm)

	reply := newReplyCollector()
	fsm.Send(QueryMembership{Reply: reply})
	info := reply.next(t).(MembershipInfo)
	assert.Contains(t, info.Members, self)
}

func TestResizePartitionThenQueryPartitionReflectsAssignment(t *testing.T) {
	_, fsm := setupSingleNode(t)
	waitUntilLeader(t, fsm)

	key := partitionkey.New([]byte("order-1"))
	fsm.Send(ResizePartition{Key: key, Required: 1})

	require.Eventually(t, func() bool {
		reply := newReplyCollector()
		fsm.Send(QueryPartition{Key: key, Reply: reply})
		msg := reply.next(t)
		info, ok := msg.(PartitionInfo)
		return ok && info.Found && len(info.Members) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestListPartitionsIncludesResizedPartition(t *testing.T) {
	_, fsm := setupSingleNode(t)
	waitUntilLeader(t, fsm)

	key := partitionkey.New([]byte("order-1"))
	fsm.Send(ResizePartition{Key: key, Required: 1})

	require.Eventually(t, func() bool {
		reply := newReplyCollector()
		fsm.Send(ListPartitions{Reply: reply})
		msg := reply.next(t)
		list, ok := msg.(PartitionListInfo)
		return ok && len(list.Partitions) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

// TestCreateIfAbsentQueryPartitionRebalancesAndReplies covers scenario S1:
// a QueryPartition with Size set against an unknown key guarantees it into
// existence at that size and replies with the computed assignment and its
// zk path, rather than just reporting NotFound.
func TestCreateIfAbsentQueryPartitionRebalancesAndReplies(t *testing.T) {
	self, fsm := setupSingleNode(t)
	waitUntilLeader(t, fsm)

	key := partitionkey.New([]byte("order-created"))
	size := 1
	reply := newReplyCollector()
	fsm.Send(QueryPartition{Key: key, Size: &size, Reply: reply})
	info := reply.next(t).(PartitionInfo)

	assert.True(t, info.Found)
	assert.Equal(t, []address.Address{self}, info.Members)
	assert.NotEmpty(t, info.ZKPath)
}

// TestLookupOnlyQueryPartitionDoesNotCreate covers the None branch of S1:
// a QueryPartition with no Size against an unknown key still reports
// NotFound and never guarantees anything into existence.
func TestLookupOnlyQueryPartitionDoesNotCreate(t *testing.T) {
	_, fsm := setupSingleNode(t)
	waitUntilLeader(t, fsm)

	key := partitionkey.New([]byte("order-never-created"))
	reply := newReplyCollector()
	fsm.Send(QueryPartition{Key: key, Reply: reply})
	info := reply.next(t).(PartitionInfo)

	assert.False(t, info.Found)
}

// TestMembersChangedRebalancesPartitionsWhileLeader covers spec.md §4.3's
// Leader MembersChanged rule: a new member joining the candidate set
// triggers a rebalance of every known partition, not just the next
// unrelated resize.
func TestMembersChangedRebalancesPartitionsWhileLeader(t *testing.T) {
	self, fsm := setupSingleNodeWithDial(t, failDial)
	waitUntilLeader(t, fsm)

	key := partitionkey.New([]byte("order-grows-with-membership"))
	fsm.Send(ResizePartition{Key: key, Required: 2})

	require.Eventually(t, func() bool {
		reply := newReplyCollector()
		fsm.Send(QueryPartition{Key: key, Reply: reply})
		info := reply.next(t).(PartitionInfo)
		return info.Found && len(info.Members) == 1
	}, 2*time.Second, 20*time.Millisecond)

	other := address.Address{Host: "10.0.0.2", Port: 9000}
	fsm.Send(membership.MembersChanged{Members: []address.Address{self, other}})

	require.Eventually(t, func() bool {
		reply := newReplyCollector()
		fsm.Send(QueryPartition{Key: key, Reply: reply})
		info := reply.next(t).(PartitionInfo)
		return info.Found && len(info.Members) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

var _ mailbox.Ref = (*replyCollector)(nil)
