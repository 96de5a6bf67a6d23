package store

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/cuemby/partkeeper/pkg/zk"
)

// Command is the shape of every entry committed to the ensemble's raft log.
// It mirrors cuemby-warren's FSM Command envelope (an Op tag plus opaque
// JSON payload) generalized from container-orchestration operations to
// node-tree mutations.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opCreate      = "create"
	opGuarantee   = "guarantee"
	opDelete      = "delete"
	opDeleteRec   = "delete_recursive"
	opDeleteOwned = "delete_owned"
	opAllocSeq    = "alloc_seq"
	opRegisterRPC = "register_rpc"
)

// registerRPCCmd replicates the mapping from raft node ID to the RPC
// address that node's Ensemble grpc service listens on, so any
// member can resolve "who is the raft leader's RPC endpoint" without an
// external directory service.
type registerRPCCmd struct {
	NodeID  string `json:"nodeId"`
	RPCAddr string `json:"rpcAddr"`
}

type createCmd struct {
	Path   string        `json:"path"`
	Data   []byte        `json:"data"`
	Mode   zk.CreateMode `json:"mode"`
	Owner  string        `json:"owner"`
}

type deleteCmd struct {
	Path string `json:"path"`
}

type deleteOwnedCmd struct {
	SessionID string `json:"sessionId"`
}

// applyResult is returned from FSM.Apply through raft's ApplyFuture.Response.
type applyResult struct {
	Err           error
	CreatedPath   string // for allocSeq
	RemovedPaths  []string // for deleteOwned
}

// FSM replicates node-tree mutations across the ensemble. Grounded on
// cuemby-warren/pkg/manager/fsm.go's WarrenFSM: a single Apply switch over
// an Op tag, JSON snapshot/restore. The tree needs no lock of its own
// (bbolt transactions already serialize); mu guards only the rpcAddrs map,
// which forwardToLeader reads from outside raft's apply goroutine.
type FSM struct {
	tree     *Tree
	watches  *watchRegistry
	sequence uint64

	mu       sync.RWMutex
	rpcAddrs map[string]string
}

func newFSM(tree *Tree, watches *watchRegistry) *FSM {
	return &FSM{tree: tree, watches: watches, rpcAddrs: map[string]string{}}
}

// rpcAddrOf resolves a raft node ID to its last-known RPC address.
func (f *FSM) rpcAddrOf(nodeID string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	addr, ok := f.rpcAddrs[nodeID]
	return addr, ok
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("store: unmarshal command: %w", err)}
	}

	switch cmd.Op {
	case opCreate:
		var c createCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return applyResult{Err: err}
		}
		err := f.tree.create(c.Path, c.Data, c.Mode, c.Owner)
		if err == nil {
			f.watches.fireChildren(parentOf(c.Path))
			f.watches.fireData(c.Path)
		}
		return applyResult{Err: err}

	case opGuarantee:
		var c createCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return applyResult{Err: err}
		}
		err := f.tree.guarantee(c.Path, c.Data, c.Mode, c.Owner)
		if err == nil {
			f.watches.fireChildren(parentOf(c.Path))
			f.watches.fireData(c.Path)
		}
		return applyResult{Err: err}

	case opDelete:
		var c deleteCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return applyResult{Err: err}
		}
		err := f.tree.delete(c.Path)
		f.watches.fireChildren(parentOf(c.Path))
		f.watches.fireData(c.Path)
		return applyResult{Err: err}

	case opDeleteRec:
		var c deleteCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return applyResult{Err: err}
		}
		err := f.tree.deleteRecursive(c.Path)
		f.watches.fireChildren(parentOf(c.Path))
		return applyResult{Err: err}

	case opDeleteOwned:
		var c deleteOwnedCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return applyResult{Err: err}
		}
		removed, err := f.tree.deleteOwnedBy(c.SessionID)
		for _, p := range removed {
			f.watches.fireChildren(parentOf(p))
		}
		return applyResult{Err: err, RemovedPaths: removed}

	case opAllocSeq:
		f.sequence++
		return applyResult{CreatedPath: fmt.Sprintf("%010d", f.sequence)}

	case opRegisterRPC:
		var c registerRPCCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return applyResult{Err: err}
		}
		f.mu.Lock()
		f.rpcAddrs[c.NodeID] = c.RPCAddr
		f.mu.Unlock()
		return applyResult{}

	default:
		return applyResult{Err: fmt.Errorf("store: unknown command %q", cmd.Op)}
	}
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	nodes, err := f.tree.snapshotAll()
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	rpcAddrs := make(map[string]string, len(f.rpcAddrs))
	for k, v := range f.rpcAddrs {
		rpcAddrs[k] = v
	}
	f.mu.RUnlock()
	return &treeSnapshot{nodes: nodes, sequence: f.sequence, rpcAddrs: rpcAddrs}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap treeSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("store: decode snapshot: %w", err)
	}
	f.sequence = snap.sequence
	f.mu.Lock()
	f.rpcAddrs = snap.rpcAddrs
	if f.rpcAddrs == nil {
		f.rpcAddrs = map[string]string{}
	}
	f.mu.Unlock()
	return f.tree.restoreAll(snap.nodes)
}

type treeSnapshot struct {
	nodes    map[string]record
	sequence uint64
	rpcAddrs map[string]string
}

func (s *treeSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		return json.NewEncoder(sink).Encode(s)
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *treeSnapshot) Release() {}

// treeSnapshot (de)serializes with its unexported fields via a small shim
// since encoding/json ignores unexported fields.
func (s treeSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Nodes    map[string]record `json:"nodes"`
		Sequence uint64            `json:"sequence"`
		RPCAddrs map[string]string `json:"rpcAddrs"`
	}{Nodes: s.nodes, Sequence: s.sequence, RPCAddrs: s.rpcAddrs})
}

func (s *treeSnapshot) UnmarshalJSON(b []byte) error {
	var v struct {
		Nodes    map[string]record `json:"nodes"`
		Sequence uint64            `json:"sequence"`
		RPCAddrs map[string]string `json:"rpcAddrs"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	s.nodes, s.sequence, s.rpcAddrs = v.Nodes, v.Sequence, v.RPCAddrs
	return nil
}

func parentOf(path string) string {
	if path == "/" || path == "" {
		return "/"
	}
	idx := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}
