// Package store implements the coordination service's own durability: a
// node tree replicated via raft across the partkeeper processes that form
// the cluster, so that partition assignment survives individual member
// crashes without depending on an external ZooKeeper deployment. This is
// the "the coordination service's own durability is relied upon" mechanism
// spec.md's non-goals presuppose but never builds.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/partkeeper/pkg/log"
	"github.com/cuemby/partkeeper/pkg/rpc"
	"github.com/cuemby/partkeeper/pkg/zk"
)

// Ensemble is one replica of the coordination service's node tree. Every
// partkeeper process that participates in the ensemble embeds one. The
// ensemble's raft voters and the cluster's own Membership Monitor view are
// separate sets (a process can join the cluster without voting in the
// ensemble, though in the default deployment every member does both).
type Ensemble struct {
	nodeID   string
	raftAddr string
	rpcAddr  string
	dataDir  string

	raft    *raft.Raft
	fsm     *FSM
	tree    *Tree
	watches *watchRegistry

	rpcServer *grpcServerHandle

	stateChanges chan zk.StateChange
}

var _ zk.Client = (*Ensemble)(nil)
var _ rpc.EnsembleServer = (*Ensemble)(nil)

// Config configures a new Ensemble.
type Config struct {
	NodeID   string
	DataDir  string
	RaftAddr string // host:port raft's own transport binds to
	RPCAddr  string // host:port the Ensemble grpc service binds to
}

// New opens local storage and constructs (without starting raft) an
// Ensemble ready for Bootstrap or Join.
func New(cfg Config) (*Ensemble, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	tree, err := OpenTree(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	watches := newWatchRegistry()
	e := &Ensemble{
		nodeID:       cfg.NodeID,
		raftAddr:     cfg.RaftAddr,
		rpcAddr:      cfg.RPCAddr,
		dataDir:      cfg.DataDir,
		tree:         tree,
		watches:      watches,
		fsm:          newFSM(tree, watches),
		stateChanges: make(chan zk.StateChange, 8),
	}
	return e, nil
}

func (e *Ensemble) raftConfig() (*raft.Config, raft.Transport, raft.SnapshotStore, raft.LogStore, raft.StableStore, error) {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(e.nodeID)
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", e.raftAddr)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("store: resolve raft addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(e.raftAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("store: raft transport: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(e.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("store: snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(e.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("store: raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(e.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("store: raft stable store: %w", err)
	}
	return cfg, transport, snapshots, logStore, stableStore, nil
}

// Bootstrap starts a brand-new, single-voter ensemble rooted at this
// process. Call this once for the very first process of a cluster.
func (e *Ensemble) Bootstrap() error {
	cfg, transport, snapshots, logStore, stableStore, err := e.raftConfig()
	if err != nil {
		return err
	}
	r, err := raft.NewRaft(cfg, e.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("store: new raft: %w", err)
	}
	e.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("store: bootstrap cluster: %w", err)
	}

	e.startRPC()
	e.watchLeadership()
	if _, err := e.apply(opRegisterRPC, registerRPCCmd{NodeID: e.nodeID, RPCAddr: e.rpcAddr}); err != nil {
		log.WithComponent("ensemble").Warn().Err(err).Msg("failed to register rpc address")
	}
	log.WithComponent("ensemble").Info().Str("node", e.nodeID).Msg("bootstrapped ensemble")
	return nil
}

// Join starts this process's raft instance and asks the existing leader
// (reached at leaderRPCAddr) to admit it as a voter, mirroring
// cuemby-warren's Manager.Join + AddVoter RPC round trip.
func (e *Ensemble) Join(leaderRPCAddr string) error {
	cfg, transport, snapshots, logStore, stableStore, err := e.raftConfig()
	if err != nil {
		return err
	}
	r, err := raft.NewRaft(cfg, e.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("store: new raft: %w", err)
	}
	e.raft = r

	conn, err := rpc.Dial(leaderRPCAddr)
	if err != nil {
		return fmt.Errorf("store: dial leader: %w", err)
	}
	defer conn.Close()
	client := rpc.NewEnsembleClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := client.AddVoter(ctx, &rpc.EnsembleAddVoterRequest{NodeID: e.nodeID, Address: e.raftAddr})
	if err != nil {
		return fmt.Errorf("store: add voter rpc: %w", err)
	}
	if resp.Err != "" {
		return fmt.Errorf("store: leader rejected join: %s", resp.Err)
	}

	e.startRPC()
	e.watchLeadership()
	if _, err := e.apply(opRegisterRPC, registerRPCCmd{NodeID: e.nodeID, RPCAddr: e.rpcAddr}); err != nil {
		log.WithComponent("ensemble").Warn().Err(err).Msg("failed to register rpc address")
	}
	log.WithComponent("ensemble").Info().Str("node", e.nodeID).Str("leader", leaderRPCAddr).Msg("joined ensemble")
	return nil
}

func (e *Ensemble) startRPC() {
	server := rpc.NewServer()
	rpc.RegisterEnsembleServer(server, e)
	go func() {
		lis, err := net.Listen("tcp", e.rpcAddr)
		if err != nil {
			log.WithComponent("ensemble").Error().Err(err).Msg("rpc listen failed")
			return
		}
		if err := server.Serve(lis); err != nil {
			log.WithComponent("ensemble").Warn().Err(err).Msg("rpc server stopped")
		}
	}()
	e.rpcServer = &grpcServerHandle{server: server}
}

func (e *Ensemble) watchLeadership() {
	go func() {
		for range e.raft.LeaderCh() {
			select {
			case e.stateChanges <- zk.StateChange{State: zk.Connected, Client: e}:
			default:
			}
		}
	}()
}

// AddVoter implements rpc.EnsembleServer, handling the leader side of Join.
func (e *Ensemble) AddVoter(ctx context.Context, req *rpc.EnsembleAddVoterRequest) (*rpc.EnsembleAddVoterResponse, error) {
	if e.raft.State() != raft.Leader {
		return &rpc.EnsembleAddVoterResponse{Err: "not leader"}, nil
	}
	future := e.raft.AddVoter(raft.ServerID(req.NodeID), raft.ServerAddress(req.Address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return &rpc.EnsembleAddVoterResponse{Err: err.Error()}, nil
	}
	return &rpc.EnsembleAddVoterResponse{}, nil
}

// Apply implements rpc.EnsembleServer: a follower forwarded a write here
// because only the leader can submit to the raft log.
func (e *Ensemble) Apply(ctx context.Context, req *rpc.EnsembleApplyRequest) (*rpc.EnsembleApplyResponse, error) {
	res, err := e.applyLocally(req.CommandJSON)
	if err != nil {
		return &rpc.EnsembleApplyResponse{Err: err.Error()}, nil
	}
	errStr := ""
	if res.Err != nil {
		errStr = res.Err.Error()
	}
	return &rpc.EnsembleApplyResponse{Err: errStr, CreatedPath: res.CreatedPath, RemovedPaths: res.RemovedPaths}, nil
}

// applyLocally submits cmdJSON to raft, forwarding to the current leader
// over RPC if this node is not the leader itself.
func (e *Ensemble) applyLocally(cmdJSON []byte) (applyResult, error) {
	if e.raft.State() != raft.Leader {
		return e.forwardToLeader(cmdJSON)
	}
	future := e.raft.Apply(cmdJSON, 5*time.Second)
	if err := future.Error(); err != nil {
		return applyResult{}, fmt.Errorf("store: raft apply: %w", err)
	}
	res, ok := future.Response().(applyResult)
	if !ok {
		return applyResult{}, errors.New("store: unexpected fsm response type")
	}
	return res, res.Err
}

// forwardToLeader resolves the raft leader's RPC address (via the
// replicated nodeID->RPC address map every member registers on startup)
// and forwards the command to it, since only the raft leader may submit to
// the log.
func (e *Ensemble) forwardToLeader(cmdJSON []byte) (applyResult, error) {
	leaderTransportAddr := e.raft.Leader()
	if leaderTransportAddr == "" {
		return applyResult{}, errors.New("store: no known raft leader")
	}

	var leaderNodeID string
	cfgFuture := e.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return applyResult{}, fmt.Errorf("store: get configuration: %w", err)
	}
	for _, srv := range cfgFuture.Configuration().Servers {
		if srv.Address == leaderTransportAddr {
			leaderNodeID = string(srv.ID)
			break
		}
	}
	if leaderNodeID == "" {
		return applyResult{}, fmt.Errorf("store: leader %s not found in configuration", leaderTransportAddr)
	}

	rpcAddr, ok := e.fsm.rpcAddrOf(leaderNodeID)
	if !ok {
		return applyResult{}, fmt.Errorf("store: no known rpc address for leader %s", leaderNodeID)
	}

	conn, err := rpc.Dial(rpcAddr)
	if err != nil {
		return applyResult{}, fmt.Errorf("store: dial leader rpc: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := rpc.NewEnsembleClient(conn).Apply(ctx, &rpc.EnsembleApplyRequest{CommandJSON: cmdJSON})
	if err != nil {
		return applyResult{}, fmt.Errorf("store: forward apply to leader: %w", err)
	}
	res := applyResult{CreatedPath: resp.CreatedPath, RemovedPaths: resp.RemovedPaths}
	if resp.Err != "" {
		res.Err = errors.New(resp.Err)
	}
	return res, res.Err
}

func (e *Ensemble) apply(op string, data interface{}) (applyResult, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return applyResult{}, err
	}
	cmd, err := json.Marshal(Command{Op: op, Data: payload})
	if err != nil {
		return applyResult{}, err
	}
	return e.applyLocally(cmd)
}

func (e *Ensemble) Create(_ context.Context, path string, data []byte, mode zk.CreateMode) error {
	cmd := createCmd{Path: path, Data: data, Mode: mode}
	if mode == zk.Ephemeral {
		cmd.Owner = e.nodeID
	}
	res, err := e.apply(opCreate, cmd)
	if err != nil {
		return err
	}
	return res.Err
}

func (e *Ensemble) CreateSequential(_ context.Context, parent, name string, data []byte, mode zk.CreateMode) (string, error) {
	seq, err := e.apply(opAllocSeq, struct{}{})
	if err != nil {
		return "", err
	}
	path := parent
	if path != "/" {
		path += "/"
	} else {
		path = "/"
	}
	path += fmt.Sprintf("%s-%s", name, seq.CreatedPath)
	cmd := createCmd{Path: path, Data: data, Mode: mode}
	if mode == zk.Ephemeral {
		cmd.Owner = e.nodeID
	}
	res, err := e.apply(opCreate, cmd)
	if err != nil {
		return "", err
	}
	if res.Err != nil {
		return "", res.Err
	}
	return path, nil
}

func (e *Ensemble) Guarantee(_ context.Context, path string, data []byte, mode zk.CreateMode) error {
	cmd := createCmd{Path: path, Data: data, Mode: mode}
	if mode == zk.Ephemeral {
		cmd.Owner = e.nodeID
	}
	res, err := e.apply(opGuarantee, cmd)
	if err != nil {
		return err
	}
	return res.Err
}

func (e *Ensemble) Get(_ context.Context, path string) ([]byte, error) {
	rec, err := e.tree.get(path)
	if err != nil {
		return nil, err
	}
	return rec.Data, nil
}

func (e *Ensemble) GetW(ctx context.Context, path string, watch zk.WatchFunc) ([]byte, error) {
	data, err := e.Get(ctx, path)
	e.watches.armData(path, watch)
	return data, err
}

func (e *Ensemble) Children(_ context.Context, path string) ([]string, error) {
	return e.tree.children(path), nil
}

func (e *Ensemble) ChildrenW(_ context.Context, path string, watch zk.WatchFunc) ([]string, error) {
	children := e.tree.children(path)
	e.watches.armChildren(path, watch)
	return children, nil
}

func (e *Ensemble) Delete(_ context.Context, path string) error {
	res, err := e.apply(opDelete, deleteCmd{Path: path})
	if err != nil {
		return err
	}
	if res.Err != nil && !errors.Is(res.Err, zk.ErrNoNode) {
		return res.Err
	}
	return nil
}

func (e *Ensemble) DeleteRecursive(_ context.Context, path string) error {
	res, err := e.apply(opDeleteRec, deleteCmd{Path: path})
	if err != nil {
		return err
	}
	return res.Err
}

func (e *Ensemble) CreatedAt(_ context.Context, path string) (time.Time, error) {
	rec, err := e.tree.get(path)
	if err != nil {
		return time.Time{}, err
	}
	return rec.CreatedAt, nil
}

func (e *Ensemble) NewLeaderLatch(path, id string) (zk.LeaderLatch, error) {
	return zk.NewSequentialLatch(e, path, id)
}

func (e *Ensemble) StateChanges() <-chan zk.StateChange {
	return e.stateChanges
}

// Close shuts down raft, removes this process's ephemeral nodes
// cluster-wide, and closes local storage.
func (e *Ensemble) Close() error {
	if _, err := e.apply(opDeleteOwned, deleteOwnedCmd{SessionID: e.nodeID}); err != nil {
		log.WithComponent("ensemble").Warn().Err(err).Msg("failed to clean up ephemerals on close")
	}
	if e.raft != nil {
		if err := e.raft.Shutdown().Error(); err != nil {
			log.WithComponent("ensemble").Warn().Err(err).Msg("raft shutdown")
		}
	}
	if e.rpcServer != nil {
		e.rpcServer.server.GracefulStop()
	}
	close(e.stateChanges)
	return e.tree.Close()
}

// IsRaftLeader reports whether this ensemble member currently holds raft
// leadership for the node-tree log (distinct from the application-level
// leader latch the Membership Monitor joins at /leadership).
func (e *Ensemble) IsRaftLeader() bool {
	return e.raft.State() == raft.Leader
}

type grpcServerHandle struct {
	server interface{ GracefulStop() }
}
