package store

import (
	"sync"

	"github.com/cuemby/partkeeper/pkg/zk"
)

// watchRegistry holds this ensemble member's locally-registered watches.
// Every member's FSM.Apply runs on its own copy of the replicated log, so
// registering watches locally and firing them from Apply reproduces
// ZooKeeper's "watch fires on every observer once the write is durable"
// semantics without needing a separate notification protocol.
type watchRegistry struct {
	mu       sync.Mutex
	data     map[string][]zk.WatchFunc
	children map[string][]zk.WatchFunc
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{
		data:     map[string][]zk.WatchFunc{},
		children: map[string][]zk.WatchFunc{},
	}
}

func (w *watchRegistry) armData(path string, fn zk.WatchFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data[path] = append(w.data[path], fn)
}

func (w *watchRegistry) armChildren(path string, fn zk.WatchFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.children[path] = append(w.children[path], fn)
}

func (w *watchRegistry) fireData(path string) {
	w.mu.Lock()
	fns := w.data[path]
	delete(w.data, path)
	w.mu.Unlock()
	for _, fn := range fns {
		go fn(zk.Event{Type: zk.NodeDataChanged, Path: path})
	}
}

func (w *watchRegistry) fireChildren(path string) {
	w.mu.Lock()
	fns := w.children[path]
	delete(w.children, path)
	w.mu.Unlock()
	for _, fn := range fns {
		go fn(zk.Event{Type: zk.NodeChildrenChanged, Path: path})
	}
}
