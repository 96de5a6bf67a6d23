// Package scenario exercises the Membership Monitor, Partition Manager and
// Cluster FSM wired together the way cmd/coordinator wires them, over real
// loopback grpc connections between member processes sharing one
// coordination-service session tree. These mirror the node-level behaviors
// a deployed cluster exhibits: leader election among several members,
// partition assignment replicated to peers over the wire, and member
// failure reflected back into the remaining nodes' view.
package scenario

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/partkeeper/pkg/address"
	"github.com/cuemby/partkeeper/pkg/cluster"
	"github.com/cuemby/partkeeper/pkg/membership"
	"github.com/cuemby/partkeeper/pkg/partition"
	"github.com/cuemby/partkeeper/pkg/partitionkey"
	"github.com/cuemby/partkeeper/pkg/rpc"
	"github.com/cuemby/partkeeper/pkg/zk"
	"github.com/cuemby/partkeeper/pkg/zk/zktest"
)

type node struct {
	self  address.Address
	pm    *partition.Manager
	fsm   *cluster.FSM
	mon   *membership.Monitor
	lis   net.Listener
	srv   interface{ Stop() }
	reply *replyCollector
}

type replyCollector struct {
	ch chan interface{}
}

func newReplyCollector() *replyCollector { return &replyCollector{ch: make(chan interface{}, 8)} }
func (r *replyCollector) ID() string     { return "scenario-reply" }
func (r *replyCollector) Send(msg interface{}) {
	r.ch <- msg
}

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

// dialer returns a partition.Dialer that opens a real grpc connection to
// whatever member address the Partition Manager is told to onboard/dropoff
// at, the same path cmd/coordinator wires in production.
func dialer() partition.Dialer {
	return func(a address.Address) (*rpc.MemberClient, func(), error) {
		conn, err := rpc.Dial(a.String())
		if err != nil {
			return nil, nil, err
		}
		return rpc.NewMemberClient(conn), func() { _ = conn.Close() }, nil
	}
}

// clusterDialer returns a cluster.Dialer that opens a real grpc connection
// to whatever member address a follower is told to forward a write or
// create-if-absent query to, the same path cmd/coordinator wires in
// production.
func clusterDialer() cluster.Dialer {
	return func(a address.Address) (*rpc.ClusterClient, func(), error) {
		conn, err := rpc.Dial(a.String())
		if err != nil {
			return nil, nil, err
		}
		return rpc.NewClusterClient(conn), func() { _ = conn.Close() }, nil
	}
}

func startNode(t *testing.T, cl *zktest.Cluster, segments int, spareLeader bool) *node {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	self, err := address.Parse(lis.Addr().String())
	require.NoError(t, err)

	pm := partition.New(self, segments, dialer())
	fsm := cluster.New(cluster.Config{
		Self: self, Segments: segments, SpareLeader: spareLeader, Dial: clusterDialer(),
	}, pm)
	srv := rpc.NewServer()
	rpc.RegisterMemberServer(srv, pm)
	rpc.RegisterClusterServer(srv, fsm)
	go func() { _ = srv.Serve(lis) }()

	mon := membership.New(self, fsm)

	var client zk.Client = cl.NewSession(self.String())
	pm.Start(client)
	mon.Start(client)

	n := &node{self: self, pm: pm, fsm: fsm, mon: mon, lis: lis, srv: srv, reply: newReplyCollector()}
	t.Cleanup(func() {
		mon.Close()
		pm.Close()
		fsm.Close()
		srv.Stop()
	})
	return n
}

func (n *node) leadership(t *testing.T) cluster.LeadershipInfo {
	t.Helper()
	n.fsm.Send(cluster.QueryLeadership{Reply: n.reply})
	return n.reply.next(t).(cluster.LeadershipInfo)
}

func (n *node) membership(t *testing.T) cluster.MembershipInfo {
	t.Helper()
	n.fsm.Send(cluster.QueryMembership{Reply: n.reply})
	return n.reply.next(t).(cluster.MembershipInfo)
}

func waitForLeader(t *testing.T, nodes []*node) *node {
	t.Helper()
	var leader *node
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.leadership(t).IsSelf {
				leader = n
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
	return leader
}

// TestThreeNodeClusterElectsExactlyOneLeader covers the single-leader
// invariant: among several members racing for the leadership latch, the
// cluster converges on exactly one node reporting itself leader and the
// rest reporting Follower.
func TestThreeNodeClusterElectsExactlyOneLeader(t *testing.T) {
	cl := zktest.NewCluster()
	nodes := []*node{
		startNode(t, cl, 32, false),
		startNode(t, cl, 32, false),
		startNode(t, cl, 32, false),
	}

	leader := waitForLeader(t, nodes)

	selfCount := 0
	for _, n := range nodes {
		if n.leadership(t).IsSelf {
			selfCount++
		}
	}
	assert.Equal(t, 1, selfCount)
	assert.Equal(t, leader.self, leader.leadership(t).Leader)

	for _, n := range nodes {
		info := n.membership(t)
		assert.Len(t, info.Members, 3)
	}
}

// TestLeaderRebalancePropagatesToFollowerQueries covers a full replicated
// assignment round-trip: the leader resizes a partition, the assignment
// lands on a follower via a real peer-to-peer PartitionOnboard RPC, and
// every node's QueryPartition view converges on the same membership.
func TestLeaderRebalancePropagatesToFollowerQueries(t *testing.T) {
	cl := zktest.NewCluster()
	nodes := []*node{
		startNode(t, cl, 32, false),
		startNode(t, cl, 32, false),
	}
	leader := waitForLeader(t, nodes)

	key := partitionkey.New([]byte("customer-42"))
	leader.fsm.Send(cluster.ResizePartition{Key: key, Required: 2})

	for _, n := range nodes {
		require.Eventually(t, func() bool {
			n.fsm.Send(cluster.QueryPartition{Key: key, Reply: n.reply})
			info, ok := n.reply.next(t).(cluster.PartitionInfo)
			return ok && info.Found && len(info.Members) == 2
		}, 3*time.Second, 20*time.Millisecond)
	}
}

// TestMemberDepartureShrinksMembershipView covers eventual convergence of
// the membership list after a member's coordination-service session drops:
// its ephemeral registration disappears and the remaining node's watch
// fires, removing it from MembersChanged.
func TestMemberDepartureShrinksMembershipView(t *testing.T) {
	cl := zktest.NewCluster()
	nodes := []*node{
		startNode(t, cl, 16, false),
		startNode(t, cl, 16, false),
	}
	waitForLeader(t, nodes)

	for _, n := range nodes {
		info := n.membership(t)
		assert.Len(t, info.Members, 2)
	}

	departing := nodes[1]
	cl.Disconnect(departing.self.String())

	survivor := nodes[0]
	require.Eventually(t, func() bool {
		info := survivor.membership(t)
		return len(info.Members) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

// TestFollowerForwardsWritesToLeaderOverRPC covers scenario S3: a write
// landing on a follower is forwarded over a real grpc connection to the
// elected leader, which applies it and replicates the resulting assignment
// back out — the follower's own QueryPartition view eventually converges
// without ever having run the rebalance itself.
func TestFollowerForwardsWritesToLeaderOverRPC(t *testing.T) {
	cl := zktest.NewCluster()
	nodes := []*node{
		startNode(t, cl, 32, false),
		startNode(t, cl, 32, false),
	}
	leader := waitForLeader(t, nodes)

	var follower *node
	for _, n := range nodes {
		if n != leader {
			follower = n
		}
	}
	require.NotNil(t, follower)

	key := partitionkey.New([]byte("customer-forwarded"))
	follower.fsm.Send(cluster.ResizePartition{Key: key, Required: 2})

	for _, n := range nodes {
		require.Eventually(t, func() bool {
			n.fsm.Send(cluster.QueryPartition{Key: key, Reply: n.reply})
			info, ok := n.reply.next(t).(cluster.PartitionInfo)
			return ok && info.Found && len(info.Members) == 2
		}, 3*time.Second, 20*time.Millisecond)
	}
}

// TestFollowerForwardsCreateIfAbsentQueryToLeader covers S1/S3 together: a
// create-if-absent QueryPartition(Some(size)) issued against a follower is
// forwarded to the leader, which guarantees the partition into existence
// and replies with its zk path; the follower relays that reply back to the
// original caller untouched.
func TestFollowerForwardsCreateIfAbsentQueryToLeader(t *testing.T) {
	cl := zktest.NewCluster()
	nodes := []*node{
		startNode(t, cl, 32, false),
		startNode(t, cl, 32, false),
	}
	leader := waitForLeader(t, nodes)

	var follower *node
	for _, n := range nodes {
		if n != leader {
			follower = n
		}
	}
	require.NotNil(t, follower)

	key := partitionkey.New([]byte("customer-created-via-follower"))
	size := 1
	follower.fsm.Send(cluster.QueryPartition{Key: key, Size: &size, Reply: follower.reply})
	info := follower.reply.next(t).(cluster.PartitionInfo)
	assert.True(t, info.Found)
	assert.NotEmpty(t, info.ZKPath)
}
