package zk

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// NewSequentialLatch implements the ZooKeeper leader-election recipe on top
// of any Client: join by creating a sequential ephemeral child under path,
// then watch for this participant to hold the lowest sequence number among
// siblings. Every backend's NewLeaderLatch delegates here so the recipe is
// written once and shared rather than re-implemented per backend.
func NewSequentialLatch(c Client, path, id string) (LeaderLatch, error) {
	ctx := context.Background()
	if err := c.Guarantee(ctx, path, nil, Persistent); err != nil {
		return nil, err
	}
	self, err := c.CreateSequential(ctx, path, id, []byte(id), Ephemeral)
	if err != nil {
		return nil, err
	}
	l := &sequentialLatch{
		client: c,
		path:   path,
		self:   self,
		becameLeaderCh: make(chan struct{}),
	}
	l.refresh()
	return l, nil
}

type sequentialLatch struct {
	client Client
	path   string
	self   string

	mu             sync.Mutex
	leader         bool
	closed         bool
	becameLeaderCh chan struct{}
}

func (l *sequentialLatch) refresh() {
	selfName := lastSegment(l.self)
	watch := func(Event) { l.refresh() }
	children, err := l.client.ChildrenW(context.Background(), l.path, watch)
	if err != nil {
		return
	}
	sort.Strings(children)

	l.mu.Lock()
	wasLeader := l.leader
	l.leader = len(children) > 0 && children[0] == selfName
	becameLeader := l.leader && !wasLeader
	if becameLeader && !l.closed {
		select {
		case l.becameLeaderCh <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()
}

func (l *sequentialLatch) Await(ctx context.Context, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	leader := l.leader
	l.mu.Unlock()
	if leader {
		return true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.becameLeaderCh:
		return true, nil
	case <-timer.C:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.leader, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (l *sequentialLatch) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader
}

func (l *sequentialLatch) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.client.Delete(context.Background(), l.self)
}

func lastSegment(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
