package partition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/partkeeper/pkg/address"
	"github.com/cuemby/partkeeper/pkg/events"
	"github.com/cuemby/partkeeper/pkg/mailbox"
	"github.com/cuemby/partkeeper/pkg/partitionkey"
	"github.com/cuemby/partkeeper/pkg/rpc"
	"github.com/cuemby/partkeeper/pkg/zk"
	"github.com/cuemby/partkeeper/pkg/zk/zktest"
)

func noopDialer(address.Address) (*rpc.MemberClient, func(), error) {
	return nil, func() {}, assertNeverDialed
}

var assertNeverDialed = &dialError{}

type dialError struct{}

func (d *dialError) Error() string { return "dial should not be called for local-only test plans" }

func waitForDiff(t *testing.T, ch <-chan interface{}) events.PartitionDiff {
	t.Helper()
	select {
	case msg := <-ch:
		diff, ok := msg.(events.PartitionDiff)
		require.True(t, ok, "expected PartitionDiff, got %T", msg)
		return diff
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for partition diff")
		return events.PartitionDiff{}
	}
}

func TestRebalanceOnboardsLocalMember(t *testing.T) {
	cluster := zktest.NewCluster()
	self := address.Address{Host: "10.0.0.1", Port: 9000}
	session := cluster.NewSession(self.String())

	m := New(self, 128, noopDialer)
	defer m.Close()
	m.Start(session)

	ch := make(chan interface{}, 8)
	ref := mailbox.FuncRef{RefID: "watcher", Fn: func(msg interface{}) { ch <- msg }}
	m.Send(MonitorPartition{Refs: []mailbox.Ref{ref}})

	key := partitionkey.New([]byte("order-42"))
	m.Send(Rebalance{
		Target:   map[partitionkey.Key][]address.Address{key: {self}},
		Required: map[partitionkey.Key]int{key: 1},
	})

	diff := waitForDiff(t, ch)
	assert.Equal(t, []address.Address{self}, diff.Diff[key])
}

func TestQueryPartitionReturnsNotFoundForUnknownKey(t *testing.T) {
	cluster := zktest.NewCluster()
	self := address.Address{Host: "10.0.0.1", Port: 9000}
	session := cluster.NewSession(self.String())

	m := New(self, 128, noopDialer)
	defer m.Close()
	m.Start(session)

	replyCh := make(chan interface{}, 1)
	m.Send(QueryPartition{
		Key:   partitionkey.New([]byte("missing")),
		Reply: mailbox.FuncRef{RefID: "reply", Fn: func(msg interface{}) { replyCh <- msg }},
	})

	select {
	case msg := <-replyCh:
		info := msg.(PartitionInfo)
		assert.False(t, info.Found)
	case <-time.After(time.Second):
		t.Fatal("no reply received")
	}
}

// TestForcedSweepPicksUpExternallyWrittenPartition drives the self-healing
// sweep directly instead of waiting out sweepInterval: it writes a
// partition node through a second session, forces a sweep, and checks the
// Manager's view catches up. The fake also fires the Manager's /segments
// watch on the writer's first Guarantee, so the diff may arrive through
// that watch rather than the sweep.
func TestForcedSweepPicksUpExternallyWrittenPartition(t *testing.T) {
	cluster := zktest.NewCluster()
	self := address.Address{Host: "10.0.0.1", Port: 9000}
	session := cluster.NewSession(self.String())

	m := New(self, 128, noopDialer)
	defer m.Close()
	m.Start(session)

	ch := make(chan interface{}, 8)
	ref := mailbox.FuncRef{RefID: "watcher", Fn: func(msg interface{}) { ch <- msg }}
	m.Send(MonitorPartition{Refs: []mailbox.Ref{ref}})

	other := address.Address{Host: "10.0.0.2", Port: 9000}
	writer := cluster.NewSession(other.String())
	key := partitionkey.New([]byte("order-99"))
	segment := partitionkey.SegmentOf(key, 128)
	partPath := ZKPath(key, 128)
	ctx := context.Background()
	require.NoError(t, writer.Guarantee(ctx, segmentPath(segment), nil, zk.Persistent))
	require.NoError(t, writer.Guarantee(ctx, partPath, nil, zk.Persistent))
	require.NoError(t, writer.Guarantee(ctx, memberPath(partPath, other), nil, zk.Ephemeral))

	m.Send(sweepTick{})

	diff := waitForDiff(t, ch)
	assert.Equal(t, []address.Address{other}, diff.Diff[key])
}

func TestRemovePartitionDeletesNodeAndNotifies(t *testing.T) {
	cluster := zktest.NewCluster()
	self := address.Address{Host: "10.0.0.1", Port: 9000}
	session := cluster.NewSession(self.String())

	m := New(self, 128, noopDialer)
	defer m.Close()
	m.Start(session)

	ch := make(chan interface{}, 8)
	ref := mailbox.FuncRef{RefID: "watcher", Fn: func(msg interface{}) { ch <- msg }}
	m.Send(MonitorPartition{Refs: []mailbox.Ref{ref}})

	key := partitionkey.New([]byte("order-42"))
	m.Send(Rebalance{
		Target:   map[partitionkey.Key][]address.Address{key: {self}},
		Required: map[partitionkey.Key]int{key: 1},
	})
	waitForDiff(t, ch)

	m.Send(RemovePartition{Key: key})

	select {
	case msg := <-ch:
		removal, ok := msg.(events.PartitionRemoval)
		require.True(t, ok, "expected PartitionRemoval, got %T", msg)
		assert.Equal(t, key, removal.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for removal notification")
	}
}
