// Package cluster implements the Cluster FSM: the per-process state
// machine spec.md §4.3 describes, which tracks membership and leadership,
// drives partition resize/removal decisions while it is the elected
// leader, forwards writes and create-if-absent queries to the leader while
// it is a follower, and answers every query external callers and the
// coordination layer issue.
package cluster

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/partkeeper/pkg/address"
	"github.com/cuemby/partkeeper/pkg/events"
	"github.com/cuemby/partkeeper/pkg/log"
	"github.com/cuemby/partkeeper/pkg/mailbox"
	"github.com/cuemby/partkeeper/pkg/membership"
	"github.com/cuemby/partkeeper/pkg/metrics"
	"github.com/cuemby/partkeeper/pkg/partition"
	"github.com/cuemby/partkeeper/pkg/partitionkey"
	"github.com/cuemby/partkeeper/pkg/rebalance"
	"github.com/cuemby/partkeeper/pkg/rpc"
)

// State is one of the Cluster FSM's three states.
type State int

const (
	Uninitialized State = iota
	Follower
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Leader:
		return "leader"
	default:
		return "uninitialized"
	}
}

// joinTokenTTL bounds how long a minted join token remains usable,
// matching the teacher's TokenManager default.
const joinTokenTTL = 24 * time.Hour

// Dialer resolves a peer address to a ClusterClient, normally backed by
// rpc.Dial; tests substitute an in-process implementation. A follower uses
// it to forward writes and create-if-absent queries to the elected leader.
type Dialer func(addr address.Address) (*rpc.ClusterClient, func(), error)

// QueryLeadership/QueryMembership/ListPartitions/QueryPartition are the
// read-only requests external callers send; each carries a Reply ref the
// FSM sends its answer to, so the request/response pair crosses exactly
// one mailbox hop.
type QueryLeadership struct{ Reply mailbox.Ref }
type QueryMembership struct{ Reply mailbox.Ref }
type ListPartitions struct{ Reply mailbox.Ref }

// QueryPartition is spec.md §4.3's QueryPartition(key, tag, size, props):
// Size nil means a lookup-only query (None); a non-nil Size requests
// create-if-absent semantics, guaranteeing the partition into existence at
// Size if it doesn't already have an assignment.
type QueryPartition struct {
	Key   partitionkey.Key
	Tag   string
	Size  *int
	Props []byte
	Reply mailbox.Ref
}

// LeadershipInfo, MembershipInfo, PartitionListInfo and PartitionInfo are
// the corresponding reply payloads.
type LeadershipInfo struct {
	Leader     address.Address
	HaveLeader bool
	IsSelf     bool
}

type MembershipInfo struct {
	Members []address.Address
}

type PartitionSummary struct {
	Key      partitionkey.Key
	Members  []address.Address
	Required int
}

type PartitionListInfo struct {
	Partitions []PartitionSummary
}

type PartitionInfo struct {
	Key      partitionkey.Key
	Members  []address.Address
	Required int
	HasSize  bool
	Found    bool
	ZKPath   string
	Tag      string
}

// ResizePartition and RemovePartition are write requests; only the leader
// acts on them directly, per spec.md §4.3's per-state handling tables. A
// follower forwards them on to the leader instead of dropping them.
type ResizePartition struct {
	Key      partitionkey.Key
	Required int
}

type RemovePartition struct {
	Key partitionkey.Key
}

// MonitorPartition and StopMonitorPartition pass straight through to the
// Partition Manager's own subscriber set.
type MonitorPartition struct{ Refs []mailbox.Ref }
type StopMonitorPartition struct{ Refs []mailbox.Ref }

// MonitorClient subscribes ref to every ClusterEvent this FSM publishes
// (leadership and membership changes).
type MonitorClient struct{ Ref mailbox.Ref }

// ClusterEvent is published to MonitorClient subscribers on every
// leadership or membership change.
type ClusterEvent struct {
	State      State
	Leader     address.Address
	HaveLeader bool
	Members    []address.Address
}

type generateJoinTokenMsg struct{ Reply mailbox.Ref }
type joinTokenResult struct {
	Token string
	Err   error
}
type validateJoinTokenMsg struct {
	Token string
	Reply mailbox.Ref
}
type joinTokenValid struct{ Valid bool }

// FSM is the Cluster FSM. It owns the Partition Manager and drives it from
// its own mailbox; the Membership Monitor is a separate component that
// feeds LeaderElected/MembersChanged into that mailbox.
type FSM struct {
	self        address.Address
	segments    int
	spareLeader bool
	resolver    address.Resolver
	dial        Dialer

	mb           *mailbox.Mailbox
	log          zerolog.Logger
	clientNotify *events.NotifySet

	partitionMgr *partition.Manager

	state      State
	leader     address.Address
	haveLeader bool
	members    []address.Address

	partitions map[partitionkey.Key]PartitionSummary
	joinTokens map[string]time.Time
}

var _ rpc.ClusterServer = (*FSM)(nil)

// Config configures a new Cluster FSM.
type Config struct {
	Self        address.Address
	Segments    int
	SpareLeader bool
	Resolver    address.Resolver
	Dial        Dialer
}

// New creates a Cluster FSM wired to partitionMgr. Callers are expected to
// also construct a membership.Monitor targeting the returned FSM's mailbox
// (via FSM's Ref methods) so LeaderElected/MembersChanged arrive here.
func New(cfg Config, partitionMgr *partition.Manager) *FSM {
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = address.NoopResolver
	}
	f := &FSM{
		self:         cfg.Self,
		segments:     cfg.Segments,
		spareLeader:  cfg.SpareLeader,
		resolver:     resolver,
		dial:         cfg.Dial,
		log:          log.WithAddress(cfg.Self.String()),
		clientNotify: events.NewNotifySet(),
		partitionMgr: partitionMgr,
		partitions:   map[partitionkey.Key]PartitionSummary{},
		joinTokens:   map[string]time.Time{},
	}
	f.mb = mailbox.New(256, f.handle)
	return f
}

// ID and Send make FSM usable as a mailbox.Ref, both for membership.Monitor
// to forward into and for partition.Manager's NotifySet to publish into.
func (f *FSM) ID() string           { return "cluster:" + f.self.String() }
func (f *FSM) Send(msg interface{}) { f.mb.Send(msg) }

// Close stops the FSM's mailbox.
func (f *FSM) Close() { f.mb.Close() }

func (f *FSM) handle(msg interface{}) {
	switch v := msg.(type) {
	case membership.LeaderElected:
		f.onLeaderElected(v)
	case membership.MembersChanged:
		f.onMembersChanged(v)
	case events.PartitionDiff:
		f.onPartitionDiff(v)
	case events.PartitionRemoval:
		f.onPartitionRemoval(v)
	default:
		if f.state == Uninitialized {
			f.mb.Stash(msg)
			return
		}
		f.handleRequest(msg)
	}
}

func (f *FSM) handleRequest(msg interface{}) {
	switch v := msg.(type) {
	case QueryLeadership:
		v.Reply.Send(LeadershipInfo{Leader: f.leader, HaveLeader: f.haveLeader, IsSelf: f.state == Leader})
	case QueryMembership:
		v.Reply.Send(MembershipInfo{Members: append([]address.Address(nil), f.members...)})
	case ListPartitions:
		f.listPartitions(v)
	case QueryPartition:
		f.queryPartition(v)
	case ResizePartition:
		f.resizePartition(v)
	case RemovePartition:
		f.removePartition(v)
	case MonitorPartition:
		f.partitionMgr.Send(partition.MonitorPartition{Refs: v.Refs})
	case StopMonitorPartition:
		f.partitionMgr.Send(partition.StopMonitorPartition{Refs: v.Refs})
	case MonitorClient:
		f.clientNotify.Subscribe(v.Ref)
	case generateJoinTokenMsg:
		f.generateJoinToken(v)
	case validateJoinTokenMsg:
		f.validateJoinTokenInternal(v)
	}
}

func (f *FSM) onLeaderElected(v membership.LeaderElected) {
	f.haveLeader = !v.Leader.IsZero()
	f.leader = v.Leader

	switch {
	case f.haveLeader && f.leader == f.self:
		f.transition(Leader)
	case f.haveLeader:
		f.transition(Follower)
	}
	f.publishClientEvent()
}

// onMembersChanged applies spec.md §4.3's Leader-state membership-change
// rule: recompute every known partition's assignment against the new
// member list and broadcast the result. rebalance.Compute's compensate
// phase already drops any member no longer present from each partition's
// Current list, so the leader doesn't need to pre-filter dropoffs itself.
func (f *FSM) onMembersChanged(v membership.MembersChanged) {
	f.members = v.Members
	metrics.MembersTotal.Set(float64(len(f.members)))
	if f.state == Leader {
		f.rebalanceAll()
	}
	f.publishClientEvent()
}

// transition applies spec.md §4.3's state-transition side effects: a
// process only needs a push subscription to partition diffs while it is a
// Follower, since a Leader already knows every assignment it itself wrote.
// Entering Leader also triggers an immediate reconciliation of the current
// assignment against the live membership, so a freshly-elected leader
// doesn't wait for an unrelated resize to fix up stale assignments.
func (f *FSM) transition(next State) {
	if next == f.state {
		return
	}
	if next == Follower && f.state != Follower {
		f.partitionMgr.Send(partition.MonitorPartition{Refs: []mailbox.Ref{f}})
	}
	if next == Leader && f.state == Follower {
		f.partitionMgr.Send(partition.StopMonitorPartition{Refs: []mailbox.Ref{f}})
	}
	wasUninitialized := f.state == Uninitialized
	f.state = next
	f.log.Info().Str("state", next.String()).Msg("cluster fsm transitioned")
	if next == Leader {
		f.rebalanceAll()
	}
	if wasUninitialized {
		f.mb.Unstash()
	}
}

func (f *FSM) publishClientEvent() {
	f.clientNotify.Publish(ClusterEvent{
		State:      f.state,
		Leader:     f.leader,
		HaveLeader: f.haveLeader,
		Members:    append([]address.Address(nil), f.members...),
	})
}

func (f *FSM) onPartitionDiff(v events.PartitionDiff) {
	for key, members := range v.Diff {
		existing := f.partitions[key]
		existing.Key = key
		existing.Members = members
		f.partitions[key] = existing
	}
}

func (f *FSM) onPartitionRemoval(v events.PartitionRemoval) {
	delete(f.partitions, v.Key)
}

func (f *FSM) listPartitions(v ListPartitions) {
	out := make([]PartitionSummary, 0, len(f.partitions))
	for _, p := range f.partitions {
		out = append(out, p)
	}
	v.Reply.Send(PartitionListInfo{Partitions: out})
}

func (f *FSM) queryPartition(v QueryPartition) {
	if f.state == Leader {
		f.queryPartitionAsLeader(v)
		return
	}
	f.queryPartitionAsFollower(v)
}

// queryPartitionAsLeader implements spec.md §4.3's Leader QueryPartition
// table: a known key replies from the local snapshot; an unknown key with
// Size == nil reports NotFound; an unknown key with Size set is created
// via the same rebalance path resizePartition uses, guaranteeing it into
// existence at that size with the caller's props.
func (f *FSM) queryPartitionAsLeader(v QueryPartition) {
	if p, ok := f.partitions[v.Key]; ok {
		v.Reply.Send(PartitionInfo{
			Key: v.Key, Members: p.Members, Required: p.Required,
			HasSize: true, Found: true,
			ZKPath: partition.ZKPath(v.Key, f.segments), Tag: v.Tag,
		})
		return
	}
	if v.Size == nil {
		v.Reply.Send(PartitionInfo{Key: v.Key, Found: false, Tag: v.Tag})
		return
	}
	summary := f.rebalanceOne(v.Key, *v.Size, v.Props)
	v.Reply.Send(PartitionInfo{
		Key: v.Key, Members: summary.Members, Required: summary.Required,
		HasSize: true, Found: true,
		ZKPath: partition.ZKPath(v.Key, f.segments), Tag: v.Tag,
	})
}

// queryPartitionAsFollower implements spec.md §4.3's Follower QueryPartition
// table: a known key with a lookup-only query (Size == nil) answers from
// the local push-subscribed snapshot; everything else — an unknown key, or
// any create-if-absent Size != nil query — forwards to the leader, which
// alone may mutate the assignment.
func (f *FSM) queryPartitionAsFollower(v QueryPartition) {
	if v.Size == nil {
		if p, ok := f.partitions[v.Key]; ok {
			v.Reply.Send(PartitionInfo{
				Key: v.Key, Members: p.Members, Required: p.Required,
				HasSize: true, Found: true,
				ZKPath: partition.ZKPath(v.Key, f.segments), Tag: v.Tag,
			})
			return
		}
	}
	f.forwardQuery(v)
}

// resizePartition implements spec.md §4.3: as leader, recompute the
// partition's assignment in-place; as follower, forward the write to the
// leader instead of dropping it.
func (f *FSM) resizePartition(v ResizePartition) {
	if f.state == Leader {
		f.rebalanceOne(v.Key, v.Required, nil)
		return
	}
	f.forwardResize(v)
}

func (f *FSM) removePartition(v RemovePartition) {
	if f.state == Leader {
		f.partitionMgr.Send(partition.RemovePartition{Key: v.Key})
		delete(f.partitions, v.Key)
		return
	}
	f.forwardRemove(v)
}

// rebalanceOne recomputes a single partition's target assignment against
// the current candidate membership, ships it to the Partition Manager and
// updates the leader's own snapshot. Shared by resizePartition and the
// create-if-absent branch of queryPartitionAsLeader.
func (f *FSM) rebalanceOne(key partitionkey.Key, required int, props []byte) PartitionSummary {
	current := f.partitions[key].Members
	plan := rebalance.Plan{
		Members: f.candidateMembers(),
		Resolve: f.resolver,
		Partitions: map[partitionkey.Key]rebalance.PartitionState{
			key: {Required: required, Current: current},
		},
	}
	target := rebalance.Compute(plan)
	msg := partition.Rebalance{
		Target:   target,
		Required: map[partitionkey.Key]int{key: required},
	}
	if props != nil {
		msg.Props = map[partitionkey.Key][]byte{key: props}
	}
	f.partitionMgr.Send(msg)
	summary := PartitionSummary{Key: key, Members: target[key], Required: required}
	f.partitions[key] = summary
	return summary
}

// rebalanceAll recomputes every known partition's assignment against the
// current candidate membership in one rebalance.Compute call, used on
// leader-entry reconciliation and on every membership change while leader.
func (f *FSM) rebalanceAll() {
	if len(f.partitions) == 0 {
		return
	}
	states := make(map[partitionkey.Key]rebalance.PartitionState, len(f.partitions))
	required := make(map[partitionkey.Key]int, len(f.partitions))
	for key, p := range f.partitions {
		states[key] = rebalance.PartitionState{Required: p.Required, Current: p.Members}
		required[key] = p.Required
	}
	plan := rebalance.Plan{Members: f.candidateMembers(), Resolve: f.resolver, Partitions: states}
	target := rebalance.Compute(plan)
	f.partitionMgr.Send(partition.Rebalance{Target: target, Required: required})
	for key, p := range f.partitions {
		p.Members = target[key]
		f.partitions[key] = p
	}
}

// forwardResize and forwardRemove implement spec.md's fire-and-forget
// follower-to-leader forwarding: the call is dispatched in a goroutine so
// the FSM's own mailbox loop never blocks on a peer RPC, and any failure
// is logged rather than retried — callers apply their own timeouts and
// re-query if they need confirmation.
func (f *FSM) forwardResize(v ResizePartition) {
	leader, ok := f.dialLeader()
	if !ok {
		f.log.Warn().Str("key", string(v.Key.Bytes())).Msg("dropping ResizePartition: no leader to forward to")
		return
	}
	go func() {
		client, closeFn, err := f.dial(leader)
		if err != nil {
			f.log.Error().Err(err).Str("leader", leader.String()).Msg("failed to dial leader to forward ResizePartition")
			return
		}
		defer closeFn()
		req := &rpc.ClusterResizePartitionRequest{Key: v.Key.Bytes(), Required: int32(v.Required)}
		if _, err := client.ResizePartition(context.Background(), req); err != nil {
			f.log.Error().Err(err).Str("leader", leader.String()).Msg("forwarded ResizePartition failed")
		}
	}()
}

func (f *FSM) forwardRemove(v RemovePartition) {
	leader, ok := f.dialLeader()
	if !ok {
		f.log.Warn().Str("key", string(v.Key.Bytes())).Msg("dropping RemovePartition: no leader to forward to")
		return
	}
	go func() {
		client, closeFn, err := f.dial(leader)
		if err != nil {
			f.log.Error().Err(err).Str("leader", leader.String()).Msg("failed to dial leader to forward RemovePartition")
			return
		}
		defer closeFn()
		req := &rpc.ClusterRemovePartitionRequest{Key: v.Key.Bytes()}
		if _, err := client.RemovePartition(context.Background(), req); err != nil {
			f.log.Error().Err(err).Str("leader", leader.String()).Msg("forwarded RemovePartition failed")
		}
	}()
}

// forwardQuery forwards a QueryPartition to the leader and routes the
// leader's answer back to the original caller's Reply ref directly from
// the dialing goroutine; mailbox.Ref.Send is safe to call from any
// goroutine, so there's no need to hop back through this FSM's own
// mailbox just to deliver the reply.
func (f *FSM) forwardQuery(v QueryPartition) {
	leader, ok := f.dialLeader()
	if !ok {
		v.Reply.Send(PartitionInfo{Key: v.Key, Found: false, Tag: v.Tag})
		return
	}
	req := &rpc.ClusterQueryPartitionRequest{Key: v.Key.Bytes(), Tag: v.Tag, Props: v.Props}
	if v.Size != nil {
		req.HasSize = true
		req.Size = int32(*v.Size)
	}
	go func() {
		client, closeFn, err := f.dial(leader)
		if err != nil {
			f.log.Error().Err(err).Str("leader", leader.String()).Msg("failed to dial leader to forward QueryPartition")
			v.Reply.Send(PartitionInfo{Key: v.Key, Found: false, Tag: v.Tag})
			return
		}
		defer closeFn()
		resp, err := client.QueryPartition(context.Background(), req)
		if err != nil {
			f.log.Error().Err(err).Str("leader", leader.String()).Msg("forwarded QueryPartition failed")
			v.Reply.Send(PartitionInfo{Key: v.Key, Found: false, Tag: v.Tag})
			return
		}
		members := make([]address.Address, 0, len(resp.Members))
		for _, s := range resp.Members {
			a, perr := address.Parse(s)
			if perr != nil {
				continue
			}
			members = append(members, a)
		}
		v.Reply.Send(PartitionInfo{
			Key: v.Key, Members: members, Required: int(resp.Required), HasSize: resp.Found,
			Found: resp.Found, ZKPath: resp.ZKPath, Tag: resp.Tag,
		})
	}()
}

func (f *FSM) dialLeader() (address.Address, bool) {
	if !f.haveLeader || f.dial == nil || f.leader == f.self {
		return address.Address{}, false
	}
	return f.leader, true
}

// candidateMembers excludes the leader from rebalance candidates when
// spareLeader is configured, per spec.md §6.
func (f *FSM) candidateMembers() []address.Address {
	if !f.spareLeader {
		return f.members
	}
	out := make([]address.Address, 0, len(f.members))
	for _, m := range f.members {
		if m != f.self {
			out = append(out, m)
		}
	}
	return out
}

// generateJoinToken and validateJoinTokenInternal are the mailbox-side
// handlers behind the GenerateJoinToken/ValidateJoinToken RPCs; tokens are
// leader-minted, 32 random bytes hex-encoded like the teacher's
// TokenManager, and are not deleted on successful validation so a join
// that retries after a transient RPC failure can still complete.
func (f *FSM) generateJoinToken(v generateJoinTokenMsg) {
	if f.state != Leader {
		v.Reply.Send(joinTokenResult{Err: errNotLeader})
		return
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		v.Reply.Send(joinTokenResult{Err: err})
		return
	}
	token := hex.EncodeToString(buf)
	f.joinTokens[token] = time.Now().Add(joinTokenTTL)
	v.Reply.Send(joinTokenResult{Token: token})
}

func (f *FSM) validateJoinTokenInternal(v validateJoinTokenMsg) {
	if f.state != Leader {
		v.Reply.Send(joinTokenValid{Valid: false})
		return
	}
	expiry, ok := f.joinTokens[v.Token]
	if !ok || time.Now().After(expiry) {
		v.Reply.Send(joinTokenValid{Valid: false})
		return
	}
	v.Reply.Send(joinTokenValid{Valid: true})
}

// ResizePartition implements rpc.ClusterServer: a follower forwards a
// client's resize request here when it lands on the leader.
func (f *FSM) ResizePartition(_ context.Context, req *rpc.ClusterResizePartitionRequest) (*rpc.ClusterResizePartitionResponse, error) {
	f.mb.Send(ResizePartition{Key: partitionkey.New(req.Key), Required: int(req.Required)})
	return &rpc.ClusterResizePartitionResponse{}, nil
}

// RemovePartition implements rpc.ClusterServer.
func (f *FSM) RemovePartition(_ context.Context, req *rpc.ClusterRemovePartitionRequest) (*rpc.ClusterRemovePartitionResponse, error) {
	f.mb.Send(RemovePartition{Key: partitionkey.New(req.Key)})
	return &rpc.ClusterRemovePartitionResponse{}, nil
}

// QueryPartition implements rpc.ClusterServer, bridging the grpc goroutine
// into the FSM's own mailbox via a synchronous reply channel — the same
// pattern partition.Manager.QueryPartition uses to avoid reading FSM state
// off its owning goroutine.
func (f *FSM) QueryPartition(ctx context.Context, req *rpc.ClusterQueryPartitionRequest) (*rpc.ClusterQueryPartitionResponse, error) {
	var size *int
	if req.HasSize {
		s := int(req.Size)
		size = &s
	}
	replyCh := make(chan PartitionInfo, 1)
	f.mb.Send(QueryPartition{
		Key: partitionkey.New(req.Key), Tag: req.Tag, Size: size, Props: req.Props,
		Reply: mailbox.FuncRef{RefID: "rpc-reply", Fn: func(msg interface{}) { replyCh <- msg.(PartitionInfo) }},
	})
	select {
	case info := <-replyCh:
		members := make([]string, len(info.Members))
		for i, a := range info.Members {
			members[i] = a.String()
		}
		return &rpc.ClusterQueryPartitionResponse{
			Key: req.Key, Members: members, ZKPath: info.ZKPath, Tag: info.Tag,
			Found: info.Found, Required: int32(info.Required),
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueryLeadership implements rpc.ClusterServer, backing the `status` CLI.
func (f *FSM) QueryLeadership(ctx context.Context, _ *rpc.ClusterQueryLeadershipRequest) (*rpc.ClusterQueryLeadershipResponse, error) {
	replyCh := make(chan LeadershipInfo, 1)
	f.mb.Send(QueryLeadership{Reply: mailbox.FuncRef{RefID: "rpc-reply", Fn: func(msg interface{}) { replyCh <- msg.(LeadershipInfo) }}})
	select {
	case info := <-replyCh:
		return &rpc.ClusterQueryLeadershipResponse{Leader: info.Leader.String(), HaveLeader: info.HaveLeader}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueryMembership implements rpc.ClusterServer, backing the `members` CLI.
func (f *FSM) QueryMembership(ctx context.Context, _ *rpc.ClusterQueryMembershipRequest) (*rpc.ClusterQueryMembershipResponse, error) {
	replyCh := make(chan MembershipInfo, 1)
	f.mb.Send(QueryMembership{Reply: mailbox.FuncRef{RefID: "rpc-reply", Fn: func(msg interface{}) { replyCh <- msg.(MembershipInfo) }}})
	select {
	case info := <-replyCh:
		members := make([]string, len(info.Members))
		for i, a := range info.Members {
			members[i] = a.String()
		}
		return &rpc.ClusterQueryMembershipResponse{Members: members}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListPartitions implements rpc.ClusterServer, backing `partition list`.
func (f *FSM) ListPartitions(ctx context.Context, _ *rpc.ClusterListPartitionsRequest) (*rpc.ClusterListPartitionsResponse, error) {
	replyCh := make(chan PartitionListInfo, 1)
	f.mb.Send(ListPartitions{Reply: mailbox.FuncRef{RefID: "rpc-reply", Fn: func(msg interface{}) { replyCh <- msg.(PartitionListInfo) }}})
	select {
	case info := <-replyCh:
		out := make([]rpc.ClusterPartitionSummary, len(info.Partitions))
		for i, p := range info.Partitions {
			members := make([]string, len(p.Members))
			for j, a := range p.Members {
				members[j] = a.String()
			}
			out[i] = rpc.ClusterPartitionSummary{Key: p.Key.Bytes(), Members: members, Required: int32(p.Required)}
		}
		return &rpc.ClusterListPartitionsResponse{Partitions: out}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GenerateJoinToken implements rpc.ClusterServer, backing `coordinator
// token create`. Only the leader mints tokens.
func (f *FSM) GenerateJoinToken(ctx context.Context, _ *rpc.ClusterGenerateJoinTokenRequest) (*rpc.ClusterGenerateJoinTokenResponse, error) {
	replyCh := make(chan joinTokenResult, 1)
	f.mb.Send(generateJoinTokenMsg{Reply: mailbox.FuncRef{RefID: "rpc-reply", Fn: func(msg interface{}) { replyCh <- msg.(joinTokenResult) }}})
	select {
	case res := <-replyCh:
		errStr := ""
		if res.Err != nil {
			errStr = res.Err.Error()
		}
		return &rpc.ClusterGenerateJoinTokenResponse{Token: res.Token, Err: errStr}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ValidateJoinToken implements rpc.ClusterServer; cmd/coordinator's join
// command calls this against the seed node before attempting to join the
// ensemble.
func (f *FSM) ValidateJoinToken(ctx context.Context, req *rpc.ClusterValidateJoinTokenRequest) (*rpc.ClusterValidateJoinTokenResponse, error) {
	replyCh := make(chan joinTokenValid, 1)
	f.mb.Send(validateJoinTokenMsg{
		Token: req.Token,
		Reply: mailbox.FuncRef{RefID: "rpc-reply", Fn: func(msg interface{}) { replyCh <- msg.(joinTokenValid) }},
	})
	select {
	case res := <-replyCh:
		return &rpc.ClusterValidateJoinTokenResponse{Valid: res.Valid}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var errNotLeader = errors.New("not leader")
