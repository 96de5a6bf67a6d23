// Package zktest provides an in-memory fake of zk.Client for exercising the
// Membership Monitor, Partition Manager and Cluster FSM in isolation,
// mirroring the role cuemby-warren's test/framework fakes play for its
// manager/scheduler tests.
package zktest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/partkeeper/pkg/zk"
)

type fakeNode struct {
	data      []byte
	mode      zk.CreateMode
	createdAt time.Time
	// owner is the session ID that created an ephemeral node; empty for
	// persistent nodes.
	owner string
}

// Cluster is the shared, process-wide coordination-service state multiple
// Client sessions (Fake values) observe and mutate. Tests create one
// Cluster and call NewSession for each simulated process.
type Cluster struct {
	mu       sync.Mutex
	nodes    map[string]*fakeNode
	watchers map[string][]watchEntry
	seq      uint64
	sessions map[string]*Fake
}

type watchEntry struct {
	kind zk.EventType // NodeDataChanged (data) or NodeChildrenChanged (children)
	fn   zk.WatchFunc
}

// NewCluster creates an empty shared coordination-service state, with the
// root node implicitly present.
func NewCluster() *Cluster {
	return &Cluster{
		nodes:    map[string]*fakeNode{"/": {mode: zk.Persistent, createdAt: time.Now()}},
		watchers: map[string][]watchEntry{},
		sessions: map[string]*Fake{},
	}
}

// NewSession creates a new client session against this cluster, identified
// by sessionID (tests typically use the member's address string).
func (c *Cluster) NewSession(sessionID string) *Fake {
	f := &Fake{
		cluster:   c,
		sessionID: sessionID,
		changes:   make(chan zk.StateChange, 4),
	}
	c.mu.Lock()
	c.sessions[sessionID] = f
	c.mu.Unlock()
	return f
}

// Disconnect simulates session loss for sessionID: every ephemeral node it
// owns is removed (firing watches), and a Lost StateChange is delivered on
// its channel, which is then closed. The session's Fake methods do not
// check for this: they keep reading and writing the shared Cluster.
func (c *Cluster) Disconnect(sessionID string) {
	c.mu.Lock()
	f, ok := c.sessions[sessionID]
	var toFire []string
	if ok {
		for path, n := range c.nodes {
			if n.owner == sessionID {
				delete(c.nodes, path)
				toFire = append(toFire, path)
			}
		}
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()

	for _, path := range toFire {
		c.fireChildrenWatch(parentOf(path))
	}
	if ok {
		select {
		case f.changes <- zk.StateChange{State: zk.Lost}:
		default:
		}
		close(f.changes)
	}
}

// Reconnect simulates a process reconstructing its client after session
// loss, returning a fresh session under the same sessionID and delivering a
// Connected StateChange carrying it — mirroring the reconnect discipline in
// spec.md §5.
func (c *Cluster) Reconnect(sessionID string) *Fake {
	f := c.NewSession(sessionID)
	f.changes <- zk.StateChange{State: zk.Connected, Client: f}
	return f
}

// Fake is a single client session's view of a Cluster.
type Fake struct {
	cluster   *Cluster
	sessionID string
	changes   chan zk.StateChange
	closeOnce sync.Once
}

var _ zk.Client = (*Fake)(nil)

func parentOf(path string) string {
	if path == "/" {
		return "/"
	}
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func (f *Fake) Create(_ context.Context, path string, data []byte, mode zk.CreateMode) error {
	c := f.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[path]; ok {
		return zk.ErrNodeExists
	}
	if _, ok := c.nodes[parentOf(path)]; path != "/" && !ok {
		return fmt.Errorf("%w: parent of %s missing", zk.ErrNoNode, path)
	}
	owner := ""
	if mode == zk.Ephemeral {
		owner = f.sessionID
	}
	c.nodes[path] = &fakeNode{data: data, mode: mode, createdAt: time.Now(), owner: owner}
	c.fireChildrenWatchLocked(parentOf(path))
	c.fireDataWatchLocked(path)
	return nil
}

func (f *Fake) CreateSequential(_ context.Context, parent, name string, data []byte, mode zk.CreateMode) (string, error) {
	c := f.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	path := joinPath(parent, fmt.Sprintf("%s-%010d", name, c.seq))
	owner := ""
	if mode == zk.Ephemeral {
		owner = f.sessionID
	}
	c.nodes[path] = &fakeNode{data: data, mode: mode, createdAt: time.Now(), owner: owner}
	c.fireChildrenWatchLocked(parent)
	return path, nil
}

func (f *Fake) Guarantee(_ context.Context, path string, data []byte, mode zk.CreateMode) error {
	c := f.cluster
	c.mu.Lock()
	n, exists := c.nodes[path]
	if exists {
		if string(n.data) != string(data) {
			n.data = data
			c.mu.Unlock()
			c.fireDataWatch(path)
			return nil
		}
		c.mu.Unlock()
		return nil
	}
	owner := ""
	if mode == zk.Ephemeral {
		owner = f.sessionID
	}
	c.nodes[path] = &fakeNode{data: data, mode: mode, createdAt: time.Now(), owner: owner}
	c.mu.Unlock()
	c.fireChildrenWatch(parentOf(path))
	c.fireDataWatch(path)
	return nil
}

func (f *Fake) Get(_ context.Context, path string) ([]byte, error) {
	c := f.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", zk.ErrNoNode, path)
	}
	return n.data, nil
}

func (f *Fake) GetW(ctx context.Context, path string, watch zk.WatchFunc) ([]byte, error) {
	data, err := f.Get(ctx, path)
	c := f.cluster
	c.mu.Lock()
	c.watchers[path] = append(c.watchers[path], watchEntry{kind: zk.NodeDataChanged, fn: watch})
	c.mu.Unlock()
	return data, err
}

func (f *Fake) Children(_ context.Context, path string) ([]string, error) {
	c := f.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.childrenLocked(path), nil
}

func (c *Cluster) childrenLocked(path string) []string {
	prefix := path
	if prefix != "/" {
		prefix += "/"
	} else {
		prefix = "/"
	}
	var out []string
	for p := range c.nodes {
		if p == path || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out
}

func (f *Fake) ChildrenW(_ context.Context, path string, watch zk.WatchFunc) ([]string, error) {
	c := f.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	children := c.childrenLocked(path)
	c.watchers[path] = append(c.watchers[path], watchEntry{kind: zk.NodeChildrenChanged, fn: watch})
	return children, nil
}

func (f *Fake) Delete(_ context.Context, path string) error {
	c := f.cluster
	c.mu.Lock()
	if _, ok := c.nodes[path]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.nodes, path)
	c.mu.Unlock()
	c.fireChildrenWatch(parentOf(path))
	c.fireDataWatch(path)
	return nil
}

func (f *Fake) DeleteRecursive(_ context.Context, path string) error {
	c := f.cluster
	c.mu.Lock()
	prefix := path + "/"
	for p := range c.nodes {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(c.nodes, p)
		}
	}
	c.mu.Unlock()
	c.fireChildrenWatch(parentOf(path))
	return nil
}

func (f *Fake) CreatedAt(_ context.Context, path string) (time.Time, error) {
	c := f.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", zk.ErrNoNode, path)
	}
	return n.createdAt, nil
}

func (f *Fake) NewLeaderLatch(path, id string) (zk.LeaderLatch, error) {
	return zk.NewSequentialLatch(f, path, id)
}

func (f *Fake) StateChanges() <-chan zk.StateChange {
	return f.changes
}

func (f *Fake) Close() error {
	f.closeOnce.Do(func() {
		f.cluster.Disconnect(f.sessionID)
	})
	return nil
}

func (c *Cluster) fireChildrenWatch(path string) {
	c.mu.Lock()
	entries := c.takeWatchersLocked(path, zk.NodeChildrenChanged)
	c.mu.Unlock()
	for _, e := range entries {
		e.fn(zk.Event{Type: zk.NodeChildrenChanged, Path: path})
	}
}

func (c *Cluster) fireChildrenWatchLocked(path string) {
	entries := c.takeWatchersLocked(path, zk.NodeChildrenChanged)
	go func() {
		for _, e := range entries {
			e.fn(zk.Event{Type: zk.NodeChildrenChanged, Path: path})
		}
	}()
}

func (c *Cluster) fireDataWatch(path string) {
	c.mu.Lock()
	entries := c.takeWatchersLocked(path, zk.NodeDataChanged)
	c.mu.Unlock()
	for _, e := range entries {
		e.fn(zk.Event{Type: zk.NodeDataChanged, Path: path})
	}
}

func (c *Cluster) fireDataWatchLocked(path string) {
	entries := c.takeWatchersLocked(path, zk.NodeDataChanged)
	go func() {
		for _, e := range entries {
			e.fn(zk.Event{Type: zk.NodeDataChanged, Path: path})
		}
	}()
}

// takeWatchersLocked removes and returns the registered watchers of kind
// for path — ZK watches are one-shot and must be explicitly re-armed by the
// next read, which is exactly what every caller in this codebase does.
func (c *Cluster) takeWatchersLocked(path string, kind zk.EventType) []watchEntry {
	var matched, remaining []watchEntry
	for _, e := range c.watchers[path] {
		if e.kind == kind {
			matched = append(matched, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	c.watchers[path] = remaining
	return matched
}
