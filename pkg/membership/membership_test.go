package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/partkeeper/pkg/address"
	"github.com/cuemby/partkeeper/pkg/mailbox"
	"github.com/cuemby/partkeeper/pkg/zk/zktest"
)

type collector struct {
	ch chan interface{}
}

func newCollector() *collector        { return &collector{ch: make(chan interface{}, 32)} }
func (c *collector) ID() string       { return "collector" }
func (c *collector) Send(msg interface{}) { c.ch <- msg }

func waitFor(t *testing.T, ch <-chan interface{}, match func(interface{}) bool) interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-ch:
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatal("timed out waiting for expected message")
		}
	}
}

func TestSingleNodeAcquiresLeadership(t *testing.T) {
	cluster := zktest.NewCluster()
	self := address.Address{Host: "10.0.0.1", Port: 9000}
	target := newCollector()

	m := New(self, target)
	defer m.Close()

	session := cluster.NewSession(self.String())
	m.Start(session)

	msg := waitFor(t, target.ch, func(v interface{}) bool {
		le, ok := v.(LeaderElected)
		return ok && le.Leader == self
	})
	le := msg.(LeaderElected)
	assert.Equal(t, self, le.Leader)
}

func TestMembersChangedReflectsEphemeralRegistration(t *testing.T) {
	cluster := zktest.NewCluster()
	self := address.Address{Host: "10.0.0.1", Port: 9000}
	target := newCollector()

	m := New(self, target)
	defer m.Close()

	session := cluster.NewSession(self.String())
	m.Start(session)

	msg := waitFor(t, target.ch, func(v interface{}) bool {
		mc, ok := v.(MembersChanged)
		return ok && len(mc.Members) == 1
	})
	mc := msg.(MembersChanged)
	require.Len(t, mc.Members, 1)
	assert.Equal(t, self, mc.Members[0])
}

func TestReconnectReRegistersAndRejoinsLatch(t *testing.T) {
	cluster := zktest.NewCluster()
	self := address.Address{Host: "10.0.0.1", Port: 9000}
	target := newCollector()

	m := New(self, target)
	defer m.Close()

	session := cluster.NewSession(self.String())
	m.Start(session)
	waitFor(t, target.ch, func(v interface{}) bool {
		_, ok := v.(LeaderElected)
		return ok
	})

	cluster.Disconnect(self.String())
	newSession := cluster.Reconnect(self.String())
	m.Send(ClientUpdated{Client: newSession})

	waitFor(t, target.ch, func(v interface{}) bool {
		le, ok := v.(LeaderElected)
		return ok && le.Leader == self
	})
}

var _ mailbox.Ref = (*collector)(nil)
