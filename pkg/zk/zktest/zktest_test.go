package zktest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/partkeeper/pkg/zk"
)

func TestCreateAndGet(t *testing.T) {
	c := NewCluster()
	f := c.NewSession("A")
	ctx := context.Background()

	require.NoError(t, f.Create(ctx, "/leader", []byte("A"), zk.Persistent))
	data, err := f.Get(ctx, "/leader")
	require.NoError(t, err)
	assert.Equal(t, "A", string(data))

	err = f.Create(ctx, "/leader", []byte("B"), zk.Persistent)
	assert.ErrorIs(t, err, zk.ErrNodeExists)
}

func TestGuaranteeOverwrites(t *testing.T) {
	c := NewCluster()
	f := c.NewSession("A")
	ctx := context.Background()

	require.NoError(t, f.Guarantee(ctx, "/leader", []byte("A"), zk.Persistent))
	require.NoError(t, f.Guarantee(ctx, "/leader", []byte("B"), zk.Persistent))
	data, err := f.Get(ctx, "/leader")
	require.NoError(t, err)
	assert.Equal(t, "B", string(data))
}

func TestChildrenWatchFires(t *testing.T) {
	c := NewCluster()
	f := c.NewSession("A")
	ctx := context.Background()
	require.NoError(t, f.Create(ctx, "/members", nil, zk.Persistent))

	fired := make(chan zk.Event, 1)
	_, err := f.ChildrenW(ctx, "/members", func(e zk.Event) { fired <- e })
	require.NoError(t, err)

	require.NoError(t, f.Create(ctx, "/members/A", nil, zk.Ephemeral))

	select {
	case e := <-fired:
		assert.Equal(t, zk.NodeChildrenChanged, e.Type)
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}
}

func TestDisconnectRemovesEphemerals(t *testing.T) {
	c := NewCluster()
	f := c.NewSession("A")
	ctx := context.Background()
	require.NoError(t, f.Create(ctx, "/members", nil, zk.Persistent))
	require.NoError(t, f.Create(ctx, "/members/A", nil, zk.Ephemeral))

	children, err := f.Children(ctx, "/members")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, children)

	c.Disconnect("A")

	f2 := c.NewSession("B")
	children, err = f2.Children(ctx, "/members")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestLeaderLatchSingleWinner(t *testing.T) {
	c := NewCluster()
	a := c.NewSession("A")
	b := c.NewSession("B")

	latchA, err := a.NewLeaderLatch("/leadership", "A")
	require.NoError(t, err)
	latchB, err := b.NewLeaderLatch("/leadership", "B")
	require.NoError(t, err)

	wonA, err := latchA.Await(context.Background(), time.Second)
	require.NoError(t, err)
	wonB, err := latchB.Await(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)

	assert.True(t, wonA != wonB, "exactly one of A, B should hold the latch")
}

func TestCreateSequentialOrdering(t *testing.T) {
	c := NewCluster()
	f := c.NewSession("A")
	ctx := context.Background()
	require.NoError(t, f.Create(ctx, "/leadership", nil, zk.Persistent))

	p1, err := f.CreateSequential(ctx, "/leadership", "n", nil, zk.Ephemeral)
	require.NoError(t, err)
	p2, err := f.CreateSequential(ctx, "/leadership", "n", nil, zk.Ephemeral)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
	assert.Less(t, p1, p2)
}
