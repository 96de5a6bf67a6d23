// Package events implements the Partition Manager's subscriber broadcast:
// PartitionDiff and PartitionRemoval notifications to the set of endpoints
// registered via MonitorPartition, adapted from cuemby-warren's pub/sub
// broker from a broadcast-to-everyone model to the addressed notify-set
// model spec.md §4.2 describes.
package events

import (
	"sync"

	"github.com/cuemby/partkeeper/pkg/address"
	"github.com/cuemby/partkeeper/pkg/mailbox"
	"github.com/cuemby/partkeeper/pkg/partitionkey"
)

// PartitionDiff carries the ordered member list for every partition whose
// assignment changed (non-empty slice) or was dropped (empty slice), plus
// the zk path each changed key lives at.
type PartitionDiff struct {
	Diff    map[partitionkey.Key][]address.Address
	ZKPaths map[partitionkey.Key]string
}

// PartitionRemoval is sent when a partition is deleted outright via
// RemovePartition.
type PartitionRemoval struct {
	Key partitionkey.Key
}

// NotifySet is the unordered multiset of subscriber endpoints spec.md §4.2
// describes: MonitorPartition/StopMonitorPartition add and remove Refs by
// reference count, so a path subscribed twice must be unsubscribed twice
// before it stops receiving notifications, but a Publish only ever delivers
// one copy of the message to a given Ref.
type NotifySet struct {
	mu    sync.Mutex
	refs  map[string]mailbox.Ref
	count map[string]int
}

// NewNotifySet creates an empty subscriber set.
func NewNotifySet() *NotifySet {
	return &NotifySet{
		refs:  map[string]mailbox.Ref{},
		count: map[string]int{},
	}
}

// Subscribe adds refs to the notify set, incrementing their reference
// count.
func (n *NotifySet) Subscribe(refs ...mailbox.Ref) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range refs {
		n.refs[r.ID()] = r
		n.count[r.ID()]++
	}
}

// Unsubscribe decrements refs' reference count, removing them from the
// notify set once it reaches zero.
func (n *NotifySet) Unsubscribe(refs ...mailbox.Ref) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range refs {
		id := r.ID()
		if n.count[id] <= 1 {
			delete(n.count, id)
			delete(n.refs, id)
			continue
		}
		n.count[id]--
	}
}

// Publish delivers msg once to every currently-subscribed Ref.
func (n *NotifySet) Publish(msg interface{}) {
	n.mu.Lock()
	targets := make([]mailbox.Ref, 0, len(n.refs))
	for _, r := range n.refs {
		targets = append(targets, r)
	}
	n.mu.Unlock()
	for _, r := range targets {
		r.Send(msg)
	}
}

// Len reports the number of distinct subscribed endpoints.
func (n *NotifySet) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.refs)
}
