// Package partition implements the Partition Manager: it maintains this
// process's view of /segments, executes onboard/dropoff decisions handed
// down as a rebalance plan, serves QueryPartition, and notifies a
// reference-counted subscriber set whenever a partition's assignment
// changes, per spec.md §4.2.
package partition

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/partkeeper/pkg/address"
	"github.com/cuemby/partkeeper/pkg/events"
	"github.com/cuemby/partkeeper/pkg/log"
	"github.com/cuemby/partkeeper/pkg/mailbox"
	"github.com/cuemby/partkeeper/pkg/metrics"
	"github.com/cuemby/partkeeper/pkg/partitionkey"
	"github.com/cuemby/partkeeper/pkg/rebalance"
	"github.com/cuemby/partkeeper/pkg/rpc"
	"github.com/cuemby/partkeeper/pkg/zk"
)

const (
	pathSegments = "/segments"
	sizeNodeName = "$size"

	// sweepInterval is how often the Manager re-reads /segments from
	// scratch as a backstop against a missed or silently-dropped watch
	// (the coordination-service client retries watches itself, but a
	// periodic full refresh catches drift that slipped through anyway).
	sweepInterval = 30 * time.Second
)

func segmentPath(segment string) string { return pathSegments + "/" + segment }
func partitionPath(segment string, key partitionkey.Key) string {
	return segmentPath(segment) + "/" + key.PathSegment()
}

// ZKPath reports the zk node path a partition key lives at, given the fixed
// segment-space size. Exported so pkg/cluster can echo a partition's path
// back in QueryPartition replies without duplicating the segment/key
// layout this package owns.
func ZKPath(key partitionkey.Key, segments int) string {
	return partitionPath(partitionkey.SegmentOf(key, segments), key)
}
func sizePath(partPath string) string   { return partPath + "/" + sizeNodeName }
func memberPath(partPath string, a address.Address) string {
	return partPath + "/" + address.KeyToPath(a.String())
}

// Dialer resolves a peer address to a MemberClient, normally backed by
// rpc.Dial; tests substitute an in-process implementation.
type Dialer func(addr address.Address) (*rpc.MemberClient, func(), error)

// Rebalance is the message the Cluster FSM's leader sends after computing a
// new assignment (via pkg/rebalance): Target gives the desired ordered
// member list per key, Required the partition's required size (persisted
// to $size so any member can recover it after a restart).
type Rebalance struct {
	Target   map[partitionkey.Key][]address.Address
	Required map[partitionkey.Key]int
	// Props carries the caller-supplied opaque payload a create-if-absent
	// QueryPartition(Some(size), props) attaches to a brand-new partition
	// node; absent keys guarantee with nil data as before.
	Props map[partitionkey.Key][]byte
}

// RemovePartition deletes a partition outright.
type RemovePartition struct {
	Key partitionkey.Key
}

// QueryPartition asks for the current known assignment of a partition;
// Manager replies on Reply with a PartitionInfo.
type QueryPartition struct {
	Key   partitionkey.Key
	Reply mailbox.Ref
}

// PartitionInfo is QueryPartition's reply payload.
type PartitionInfo struct {
	Key      partitionkey.Key
	Members  []address.Address
	Required int
	Found    bool
}

// MonitorPartition and StopMonitorPartition add/remove subscribers to
// every PartitionDiff/PartitionRemoval this Manager emits.
type MonitorPartition struct{ Refs []mailbox.Ref }
type StopMonitorPartition struct{ Refs []mailbox.Ref }

// ClientUpdated supplies a (re)connected coordination-service session.
type ClientUpdated struct{ Client zk.Client }

type partitionView struct {
	segment  string
	zkPath   string
	required int
	members  []address.Address // oldest-first
}

// Manager is the Partition Manager. It satisfies rpc.MemberServer so a
// grpc server can dispatch PartitionOnboard/PartitionDropoff/QueryPartition
// RPCs from peers straight into its mailbox.
type Manager struct {
	self     address.Address
	segments int
	dial     Dialer

	mb     *mailbox.Mailbox
	notify *events.NotifySet
	log    zerolog.Logger

	client zk.Client

	known map[partitionkey.Key]*partitionView

	stopSweep chan struct{}
}

var _ rpc.MemberServer = (*Manager)(nil)

// New creates a Partition Manager for self, using segments as the fixed
// segment-space size (spec.md §6 default 128) and dial to reach peers.
func New(self address.Address, segments int, dial Dialer) *Manager {
	if segments <= 0 {
		segments = 128
	}
	m := &Manager{
		self:     self,
		segments: segments,
		dial:     dial,
		notify:    events.NewNotifySet(),
		log:       log.WithAddress(self.String()),
		known:     map[partitionkey.Key]*partitionView{},
		stopSweep: make(chan struct{}),
	}
	m.mb = mailbox.New(128, m.handle)
	return m
}

// ID and Send make Manager usable as a mailbox.Ref.
func (m *Manager) ID() string          { return "partition:" + m.self.String() }
func (m *Manager) Send(msg interface{}) { m.mb.Send(msg) }

// Start supplies the initial session and launches the periodic sweep that
// re-reads /segments from scratch as a backstop against missed watches.
func (m *Manager) Start(client zk.Client) {
	m.mb.Send(ClientUpdated{Client: client})
	go m.runSweep()
}

// Close stops the manager's mailbox and its sweep goroutine.
func (m *Manager) Close() {
	close(m.stopSweep)
	m.mb.Close()
}

func (m *Manager) runSweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mb.Send(sweepTick{})
		case <-m.stopSweep:
			return
		}
	}
}

type sweepTick struct{}
type segmentsFired struct{}
type segmentChildrenFired struct{ segment string }
type partitionChildrenFired struct {
	key     partitionkey.Key
	segment string
}
type partitionSizeFired struct {
	key     partitionkey.Key
	segment string
}

func (m *Manager) handle(msg interface{}) {
	switch v := msg.(type) {
	case ClientUpdated:
		m.reinit(v.Client)
	case sweepTick:
		if m.client != nil {
			m.refreshSegments()
		}
	case segmentsFired:
		m.refreshSegments()
	case segmentChildrenFired:
		m.refreshSegmentChildren(v.segment)
	case partitionChildrenFired:
		m.refreshPartitionMembers(v.key, v.segment)
	case partitionSizeFired:
		m.refreshPartitionSize(v.key, v.segment)
	case Rebalance:
		m.applyRebalance(v)
	case RemovePartition:
		m.removePartition(v.Key)
	case QueryPartition:
		m.queryPartition(v)
	case MonitorPartition:
		m.notify.Subscribe(v.Refs...)
	case StopMonitorPartition:
		m.notify.Unsubscribe(v.Refs...)
	}
}

func (m *Manager) reinit(client zk.Client) {
	m.client = client
	m.known = map[partitionkey.Key]*partitionView{}
	if err := client.Guarantee(context.Background(), pathSegments, nil, zk.Persistent); err != nil {
		m.log.Error().Err(err).Msg("failed to guarantee /segments")
		return
	}
	m.refreshSegments()
}

func (m *Manager) refreshSegments() {
	children, err := m.client.ChildrenW(context.Background(), pathSegments, func(zk.Event) {
		m.mb.Send(segmentsFired{})
	})
	metrics.WatchFiredTotal.WithLabelValues("segments").Inc()
	if err != nil {
		m.log.Error().Err(err).Msg("failed to list /segments")
		return
	}
	for _, seg := range children {
		m.refreshSegmentChildren(seg)
	}
}

func (m *Manager) refreshSegmentChildren(segment string) {
	children, err := m.client.ChildrenW(context.Background(), segmentPath(segment), func(zk.Event) {
		m.mb.Send(segmentChildrenFired{segment: segment})
	})
	metrics.WatchFiredTotal.WithLabelValues("segment").Inc()
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return
		}
		m.log.Error().Err(err).Str("segment", segment).Msg("failed to list segment children")
		return
	}
	for _, child := range children {
		key, perr := partitionkey.FromPathSegment(child)
		if perr != nil {
			m.log.Warn().Err(perr).Str("child", child).Msg("unparseable partition node name, skipping")
			continue
		}
		m.refreshPartitionMembers(key, segment)
		m.refreshPartitionSize(key, segment)
	}
}

func (m *Manager) viewFor(key partitionkey.Key, segment string) *partitionView {
	v, ok := m.known[key]
	if !ok {
		v = &partitionView{segment: segment, zkPath: partitionPath(segment, key)}
		m.known[key] = v
	}
	return v
}

func (m *Manager) refreshPartitionMembers(key partitionkey.Key, segment string) {
	v := m.viewFor(key, segment)
	ctx := context.Background()
	children, err := m.client.ChildrenW(ctx, v.zkPath, func(zk.Event) {
		m.mb.Send(partitionChildrenFired{key: key, segment: segment})
	})
	metrics.WatchFiredTotal.WithLabelValues("partition").Inc()
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			delete(m.known, key)
			return
		}
		m.log.Error().Err(err).Msg("failed to list partition members")
		return
	}

	var ages []rebalance.MemberAge
	for _, child := range children {
		if child == sizeNodeName {
			continue
		}
		a, perr := address.Parse(address.PathToKey(child))
		if perr != nil {
			m.log.Warn().Err(perr).Str("child", child).Msg("unparseable partition member, skipping")
			continue
		}
		created, cerr := m.client.CreatedAt(ctx, v.zkPath+"/"+child)
		if cerr != nil {
			continue
		}
		ages = append(ages, rebalance.MemberAge{Addr: a, CreatedAt: created.UnixNano()})
	}
	ordered := rebalance.OrderByAge(key, ages)

	if sameAddresses(ordered, v.members) {
		return
	}
	v.members = ordered
	m.emitDiff(key, v)
}

func (m *Manager) refreshPartitionSize(key partitionkey.Key, segment string) {
	v := m.viewFor(key, segment)
	data, err := m.client.GetW(context.Background(), sizePath(v.zkPath), func(zk.Event) {
		m.mb.Send(partitionSizeFired{key: key, segment: segment})
	})
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			m.log.Debug().Str("key_segment", segment).Msg("$size does not exist yet")
			return
		}
		m.log.Error().Err(err).Msg("failed to read $size")
		return
	}
	required, perr := strconv.Atoi(strings.TrimSpace(string(data)))
	if perr != nil {
		m.log.Warn().Err(perr).Msg("unparseable $size value")
		return
	}
	if v.required == required {
		return
	}
	v.required = required
	under := 0
	for _, pv := range m.known {
		if pv.required > len(pv.members) {
			under++
		}
	}
	metrics.UnderReplicatedPartitions.Set(float64(under))
}

func (m *Manager) emitDiff(key partitionkey.Key, v *partitionView) {
	metrics.PartitionsTotal.Set(float64(len(m.known)))
	under := 0
	for _, pv := range m.known {
		if pv.required > len(pv.members) {
			under++
		}
	}
	metrics.UnderReplicatedPartitions.Set(float64(under))
	metrics.PartitionDiffsTotal.Inc()
	m.notify.Publish(events.PartitionDiff{
		Diff:    map[partitionkey.Key][]address.Address{key: append([]address.Address(nil), v.members...)},
		ZKPaths: map[partitionkey.Key]string{key: v.zkPath},
	})
}

// applyRebalance diffs the target assignment against the current tracked
// view per key and dispatches onboard/dropoff calls for the delta, local
// members handled in-process and remote members over rpc.MemberClient.
func (m *Manager) applyRebalance(r Rebalance) {
	ctx := context.Background()
	timer := metrics.NewTimer()
	for key, target := range r.Target {
		segment := partitionkey.SegmentOf(key, m.segments)
		partPath := partitionPath(segment, key)
		if err := m.client.Guarantee(ctx, segmentPath(segment), nil, zk.Persistent); err != nil {
			m.log.Error().Err(err).Msg("failed to guarantee segment node")
			continue
		}
		var props []byte
		if r.Props != nil {
			props = r.Props[key]
		}
		if err := m.client.Guarantee(ctx, partPath, props, zk.Persistent); err != nil {
			m.log.Error().Err(err).Msg("failed to guarantee partition node")
			continue
		}
		required := r.Required[key]
		if err := m.client.Guarantee(ctx, sizePath(partPath), []byte(strconv.Itoa(required)), zk.Persistent); err != nil {
			m.log.Error().Err(err).Msg("failed to guarantee $size node")
		}

		current := []address.Address{}
		if v, ok := m.known[key]; ok {
			current = v.members
		}
		add, remove := diffMembers(current, target)
		for _, a := range add {
			m.onboard(a, key, partPath)
		}
		for _, a := range remove {
			m.dropoff(a, key, partPath)
		}
	}
	metrics.RebalancesTotal.Inc()
	timer.ObserveDuration(metrics.RebalanceDuration)
}

func (m *Manager) onboard(target address.Address, key partitionkey.Key, partPath string) {
	if target == m.self {
		if err := m.client.Guarantee(context.Background(), memberPath(partPath, m.self), nil, zk.Ephemeral); err != nil {
			m.log.Error().Err(err).Msg("local onboard failed")
		}
		return
	}
	client, closeFn, err := m.dial(target)
	if err != nil {
		m.log.Error().Err(err).Str("target", target.String()).Msg("failed to dial peer for onboard")
		return
	}
	defer closeFn()
	if _, err := client.PartitionOnboard(context.Background(), &rpc.PartitionOnboardRequest{Key: key.Bytes(), ZKPath: partPath}); err != nil {
		m.log.Error().Err(err).Str("target", target.String()).Msg("onboard rpc failed")
	}
}

func (m *Manager) dropoff(target address.Address, key partitionkey.Key, partPath string) {
	if target == m.self {
		if err := m.client.Delete(context.Background(), memberPath(partPath, m.self)); err != nil {
			m.log.Error().Err(err).Msg("local dropoff failed")
		}
		return
	}
	client, closeFn, err := m.dial(target)
	if err != nil {
		m.log.Error().Err(err).Str("target", target.String()).Msg("failed to dial peer for dropoff")
		return
	}
	defer closeFn()
	if _, err := client.PartitionDropoff(context.Background(), &rpc.PartitionDropoffRequest{Key: key.Bytes(), ZKPath: partPath}); err != nil {
		m.log.Error().Err(err).Str("target", target.String()).Msg("dropoff rpc failed")
	}
}

func (m *Manager) removePartition(key partitionkey.Key) {
	v, ok := m.known[key]
	if !ok {
		segment := partitionkey.SegmentOf(key, m.segments)
		v = &partitionView{segment: segment, zkPath: partitionPath(segment, key)}
	}
	for _, a := range v.members {
		m.dropoff(a, key, v.zkPath)
	}
	if err := m.client.DeleteRecursive(context.Background(), v.zkPath); err != nil {
		m.log.Error().Err(err).Msg("failed to delete partition node")
	}
	delete(m.known, key)
	metrics.PartitionsTotal.Set(float64(len(m.known)))
	m.notify.Publish(events.PartitionRemoval{Key: key})
}

func (m *Manager) queryPartition(q QueryPartition) {
	v, ok := m.known[q.Key]
	if !ok {
		q.Reply.Send(PartitionInfo{Key: q.Key, Found: false})
		return
	}
	q.Reply.Send(PartitionInfo{
		Key:      q.Key,
		Members:  append([]address.Address(nil), v.members...),
		Required: v.required,
		Found:    true,
	})
}

// PartitionOnboard implements rpc.MemberServer: the remote leader asked
// this process to take on a partition, so it registers its own ephemeral
// membership node under the partition's zk path. Ownership of that node is
// tied to this process's own coordination-service session, matching the
// "an ephemeral node always belongs to the session that created it" rule.
func (m *Manager) PartitionOnboard(ctx context.Context, req *rpc.PartitionOnboardRequest) (*rpc.PartitionOnboardResponse, error) {
	if err := m.client.Guarantee(ctx, memberPath(req.ZKPath, m.self), nil, zk.Ephemeral); err != nil {
		return nil, err
	}
	return &rpc.PartitionOnboardResponse{}, nil
}

// PartitionDropoff implements rpc.MemberServer.
func (m *Manager) PartitionDropoff(ctx context.Context, req *rpc.PartitionDropoffRequest) (*rpc.PartitionDropoffResponse, error) {
	if err := m.client.Delete(ctx, memberPath(req.ZKPath, m.self)); err != nil {
		return nil, err
	}
	return &rpc.PartitionDropoffResponse{}, nil
}

// QueryPartition implements rpc.MemberServer, answering from this
// process's own tracked view. grpc handlers run off the mailbox goroutine,
// so a direct map lookup would race; instead it hops through the mailbox
// via a synchronous reply channel.
func (m *Manager) QueryPartition(ctx context.Context, req *rpc.QueryPartitionRequest) (*rpc.QueryPartitionResponse, error) {
	key := partitionkey.New(req.Key)
	replyCh := make(chan PartitionInfo, 1)
	m.mb.Send(QueryPartition{
		Key:   key,
		Reply: mailbox.FuncRef{RefID: "rpc-reply", Fn: func(msg interface{}) { replyCh <- msg.(PartitionInfo) }},
	})

	select {
	case info := <-replyCh:
		members := make([]string, len(info.Members))
		for i, a := range info.Members {
			members[i] = a.String()
		}
		return &rpc.QueryPartitionResponse{Key: req.Key, Members: members, Tag: req.Tag, Found: info.Found}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func diffMembers(current, target []address.Address) (add, remove []address.Address) {
	curSet := make(map[address.Address]bool, len(current))
	for _, a := range current {
		curSet[a] = true
	}
	tgtSet := make(map[address.Address]bool, len(target))
	for _, a := range target {
		tgtSet[a] = true
	}
	for _, a := range target {
		if !curSet[a] {
			add = append(add, a)
		}
	}
	for _, a := range current {
		if !tgtSet[a] {
			remove = append(remove, a)
		}
	}
	return add, remove
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
