// Package membership implements the Membership Monitor: the component that
// joins the leadership latch, maintains this process's ephemeral entry
// under /members, watches both /leader and /members, and forwards
// LeaderElected/MembersChanged to the Cluster FSM, per spec.md §4.1.
package membership

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/partkeeper/pkg/address"
	"github.com/cuemby/partkeeper/pkg/log"
	"github.com/cuemby/partkeeper/pkg/mailbox"
	"github.com/cuemby/partkeeper/pkg/metrics"
	"github.com/cuemby/partkeeper/pkg/zk"
)

const (
	pathLeader     = "/leader"
	pathMembers    = "/members"
	pathLeadership = "/leadership"

	acquireLatchWait = time.Second
	acquireRetryWait = 100 * time.Millisecond
)

// LeaderElected is forwarded to the Cluster FSM whenever the monitor
// observes a change of the value at /leader, including this process's own
// win; a write of an unchanged value forwards nothing.
type LeaderElected struct {
	Leader address.Address // zero value means "no current leader"
}

// MembersChanged is forwarded to the Cluster FSM whenever the /members
// child set changes.
type MembersChanged struct {
	Members []address.Address
}

// ClientUpdated tells the monitor its coordination-service session was
// replaced (the previous one was Lost and a new Client dialed in) or is
// simply being (re)supplied for the first time.
type ClientUpdated struct {
	Client zk.Client
}

// Monitor is the Membership Monitor. It runs its own mailbox, so every
// method is safe to call from any goroutine.
type Monitor struct {
	self   address.Address
	target mailbox.Ref
	mb     *mailbox.Mailbox
	log    zerolog.Logger

	client    zk.Client
	latch     zk.LeaderLatch
	acquiring bool

	lastLeader  address.Address
	haveLeader  bool
	lastMembers []address.Address
}

// New creates a Monitor that forwards LeaderElected and MembersChanged
// messages to target (normally the Cluster FSM's mailbox).
func New(self address.Address, target mailbox.Ref) *Monitor {
	m := &Monitor{
		self:   self,
		target: target,
		log:    log.WithAddress(self.String()),
	}
	m.mb = mailbox.New(64, m.handle)
	return m
}

// Start supplies the initial coordination-service client and begins
// registration. It is equivalent to sending a ClientUpdated message.
func (m *Monitor) Start(client zk.Client) {
	m.mb.Send(ClientUpdated{Client: client})
}

// Send delivers msg to the monitor's mailbox. Monitor satisfies
// mailbox.Ref so a StateChanges listener can wire ClientUpdated straight
// through without an adapter.
func (m *Monitor) Send(msg interface{}) { m.mb.Send(msg) }

// ID identifies this monitor as a mailbox.Ref.
func (m *Monitor) ID() string { return "membership:" + m.self.String() }

// Close stops the monitor's mailbox and releases the leader latch if held.
func (m *Monitor) Close() {
	m.mb.Close()
	if m.latch != nil {
		_ = m.latch.Close()
	}
}

type acquireTick struct{}
type leaderWatchFired struct{}
type membersWatchFired struct{}

func (m *Monitor) handle(msg interface{}) {
	switch v := msg.(type) {
	case ClientUpdated:
		m.reinit(v.Client)
	case acquireTick:
		m.tryAcquire()
	case leaderWatchFired:
		m.refreshLeader()
	case membersWatchFired:
		m.refreshMembers()
	}
}

// reinit (re)registers with the coordination service: it drops any latch
// held against the previous session, re-creates the ephemeral self node,
// re-arms both watches and restarts the AcquireLeadership loop. This is
// spec.md §4.1's "on ClientUpdated, re-run the full startup sequence
// against the new session" reconnect discipline.
func (m *Monitor) reinit(client zk.Client) {
	m.client = client
	m.haveLeader = false
	m.lastMembers = nil
	m.acquiring = false

	ctx := context.Background()
	if err := client.Guarantee(ctx, pathMembers, nil, zk.Persistent); err != nil {
		m.log.Error().Err(err).Msg("failed to guarantee /members")
		return
	}
	selfPath := pathMembers + "/" + address.KeyToPath(m.self.String())
	if err := client.Guarantee(ctx, selfPath, nil, zk.Ephemeral); err != nil {
		m.log.Error().Err(err).Msg("failed to register ephemeral member node")
		return
	}

	latch, err := client.NewLeaderLatch(pathLeadership, m.self.String())
	if err != nil {
		m.log.Error().Err(err).Msg("failed to join leadership latch")
		return
	}
	if m.latch != nil {
		_ = m.latch.Close()
	}
	m.latch = latch

	m.refreshLeader()
	m.refreshMembers()
	m.beginAcquiring()
}

func (m *Monitor) beginAcquiring() {
	if m.acquiring {
		return
	}
	m.acquiring = true
	m.mb.Send(acquireTick{})
}

// tryAcquire blocks this handler invocation for up to acquireLatchWait,
// the one deliberate exception to the single-threaded mailbox's
// run-to-completion rule spec.md §5 carves out. On timeout it schedules a
// retry after acquireRetryWait rather than busy-looping.
func (m *Monitor) tryAcquire() {
	if m.latch == nil {
		return
	}
	if m.latch.IsLeader() {
		return
	}

	won, err := m.latch.Await(context.Background(), acquireLatchWait)
	if err != nil {
		m.log.Debug().Err(err).Msg("leader latch wait failed")
	}
	if won {
		m.onWonLeadership()
		return
	}
	time.AfterFunc(acquireRetryWait, func() { m.mb.Send(acquireTick{}) })
}

func (m *Monitor) onWonLeadership() {
	if m.client == nil {
		return
	}
	if err := m.client.Guarantee(context.Background(), pathLeader, []byte(m.self.String()), zk.Persistent); err != nil {
		m.log.Error().Err(err).Msg("failed to publish /leader hint after winning latch")
	}
	metrics.IsLeader.Set(1)
}

// refreshLeader re-arms the /leader watch and forwards the current value,
// per spec.md §7 treating a missing node as "no leader" rather than an
// error.
func (m *Monitor) refreshLeader() {
	if m.client == nil {
		return
	}
	data, err := m.client.GetW(context.Background(), pathLeader, func(zk.Event) {
		m.mb.Send(leaderWatchFired{})
	})
	metrics.WatchFiredTotal.WithLabelValues("leader").Inc()

	var leader address.Address
	haveLeader := false
	switch {
	case err == nil:
		if parsed, perr := address.Parse(string(data)); perr == nil {
			leader, haveLeader = parsed, true
		} else {
			m.log.Warn().Err(perr).Str("raw", string(data)).Msg("unparseable /leader value, treating as absent")
		}
	case errors.Is(err, zk.ErrNoNode):
		m.log.Debug().Msg("/leader does not exist yet")
	default:
		m.log.Error().Err(err).Msg("failed to read /leader")
		return
	}

	if haveLeader == m.haveLeader && leader == m.lastLeader {
		return
	}
	if m.haveLeader != haveLeader {
		metrics.LeaderTransitionsTotal.Inc()
	}
	m.haveLeader, m.lastLeader = haveLeader, leader
	if !m.latch.IsLeader() {
		metrics.IsLeader.Set(0)
	}
	m.target.Send(LeaderElected{Leader: leader})
}

// refreshMembers re-arms the /members watch and forwards the member set
// if it changed since the last observation.
func (m *Monitor) refreshMembers() {
	if m.client == nil {
		return
	}
	children, err := m.client.ChildrenW(context.Background(), pathMembers, func(zk.Event) {
		m.mb.Send(membersWatchFired{})
	})
	metrics.WatchFiredTotal.WithLabelValues("members").Inc()
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			children = nil
		} else {
			m.log.Error().Err(err).Msg("failed to list /members")
			return
		}
	}

	members := make([]address.Address, 0, len(children))
	for _, child := range children {
		a, perr := address.Parse(address.PathToKey(child))
		if perr != nil {
			m.log.Warn().Err(perr).Str("child", child).Msg("unparseable member node name, skipping")
			continue
		}
		members = append(members, a)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].String() < members[j].String() })

	if sameAddresses(members, m.lastMembers) {
		return
	}
	m.lastMembers = members
	metrics.MembersTotal.Set(float64(len(members)))
	m.target.Send(MembersChanged{Members: members})
}

func sameAddresses(a, b []address.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
