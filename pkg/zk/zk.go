// Package zk defines the coordination-service client contract partkeeper's
// three components are built against: hierarchical persistent/ephemeral
// nodes, sequential creates, watch callbacks and a leader-latch primitive,
// in the spirit of ZooKeeper. The client library itself (retries,
// reconnect, namespacing) is out of scope per spec.md §1 — this package
// only defines the contract and the pieces every implementation shares
// (sentinel errors, event types, the leader-latch recipe). Concrete
// backends live in zk/store (a raft-replicated ensemble) and zk/zktest (an
// in-memory fake for tests).
package zk

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors every backend must return for the corresponding
// condition, so callers can branch with errors.Is rather than parsing
// backend-specific error strings.
var (
	ErrNoNode     = errors.New("zk: no such node")
	ErrNodeExists = errors.New("zk: node already exists")
	ErrNotEmpty   = errors.New("zk: node has children")
	ErrClosed     = errors.New("zk: client closed")
)

// CreateMode selects a node's lifetime.
type CreateMode int

const (
	// Persistent nodes survive the creating session.
	Persistent CreateMode = iota
	// Ephemeral nodes are deleted when the creating session ends.
	Ephemeral
)

// EventType identifies the kind of change a watch fired for. Only
// NodeCreated, NodeDataChanged and NodeChildrenChanged are ever acted on by
// partkeeper's components; any other value observed by a caller must be
// ignored per spec.md §7 ("unexpected watch event type: ignore").
type EventType int

const (
	NodeCreated EventType = iota
	NodeDeleted
	NodeDataChanged
	NodeChildrenChanged
)

// Event is delivered to a watch callback.
type Event struct {
	Type EventType
	Path string
}

// ClientState reports the coordination-service session's connectivity.
type ClientState int

const (
	Connected ClientState = iota
	Lost
)

// StateChange is delivered to subscribers of a client's connectivity.
type StateChange struct {
	State ClientState
	// Client is the replacement client to switch to. Nil when State is
	// Lost and no replacement is available yet.
	Client Client
}

// WatchFunc is invoked by the client implementation, either on a goroutine
// of its own or on the goroutine performing the triggering write (zktest
// does the latter); per spec.md §5 it must not block — callers are
// expected to enqueue a message on their own mailbox and return
// immediately.
type WatchFunc func(Event)

// Client is the coordination-service handle shared by the three
// components. Implementations must be safe for concurrent use.
type Client interface {
	// Create creates a node at path with the given data and mode. Returns
	// ErrNodeExists if the node is already present.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) error

	// CreateSequential creates a uniquely-ordered child of parent, appending
	// a monotonically increasing, cluster-wide-unique suffix to name and
	// returning the resulting path. Used by the leader-latch recipe in
	// latch.go; sequential creates are part of the coordination-service
	// contract per spec.md §1.
	CreateSequential(ctx context.Context, parent, name string, data []byte, mode CreateMode) (string, error)

	// Guarantee creates path with data if absent; if present, overwrites
	// its data when it differs. Idempotent create-or-set.
	Guarantee(ctx context.Context, path string, data []byte, mode CreateMode) error

	// Get returns the data currently stored at path.
	Get(ctx context.Context, path string) ([]byte, error)

	// GetW returns the data currently stored at path and arms watch to
	// fire on the next NodeDataChanged or NodeDeleted event for path.
	GetW(ctx context.Context, path string, watch WatchFunc) ([]byte, error)

	// Children lists the immediate child names of path.
	Children(ctx context.Context, path string) ([]string, error)

	// ChildrenW lists the immediate child names of path and arms watch to
	// fire on the next NodeChildrenChanged event for path.
	ChildrenW(ctx context.Context, path string, watch WatchFunc) ([]string, error)

	// Delete removes path. Returns nil (not an error) if path does not
	// exist, per spec.md §7 ("NoNodeException on delete: ignored").
	Delete(ctx context.Context, path string) error

	// DeleteRecursive removes path and its entire subtree.
	DeleteRecursive(ctx context.Context, path string) error

	// CreatedAt returns the creation timestamp of the ephemeral or
	// persistent node at path, used by orderByAge to derive a
	// deterministic primary/replica ordering.
	CreatedAt(ctx context.Context, path string) (time.Time, error)

	// NewLeaderLatch joins the leader-election recipe rooted at path,
	// identifying this participant by id (typically the member's
	// address). Exactly one participant's latch reports itself as leader
	// at a time, cluster-wide.
	NewLeaderLatch(path, id string) (LeaderLatch, error)

	// StateChanges returns a channel of connectivity transitions. The
	// channel is closed when the client is closed.
	StateChanges() <-chan StateChange

	// Close releases the session. Ephemeral nodes owned by this session
	// are removed.
	Close() error
}

// LeaderLatch is the handle returned by Client.NewLeaderLatch.
type LeaderLatch interface {
	// Await blocks up to timeout waiting to become leader, returning true
	// if this participant holds leadership when it returns.
	Await(ctx context.Context, timeout time.Duration) (bool, error)

	// IsLeader reports current leadership without blocking.
	IsLeader() bool

	// Close withdraws from the latch, relinquishing leadership if held.
	Close() error
}
