// Package mailbox implements the single-threaded message-processing idiom
// spec.md §5 and §9 describe: each of the three core components serializes
// its own state behind a mailbox, processing one message at a time, with a
// stash/unstash queue for deferring messages until a state transition makes
// them processable again.
package mailbox

import "sync"

// Ref identifies an actor-like mailbox endpoint that can be sent messages —
// the Partition Manager's subscriber set and the Cluster FSM's observer
// list are both built from Refs. ID must be stable and comparable so a Ref
// can be deduplicated and reference-counted in a multiset.
type Ref interface {
	ID() string
	Send(msg interface{})
}

// FuncRef adapts a plain function into a Ref, for tests and for in-process
// components that want to receive messages without running their own
// Mailbox loop.
type FuncRef struct {
	RefID string
	Fn    func(msg interface{})
}

func (f FuncRef) ID() string             { return f.RefID }
func (f FuncRef) Send(msg interface{})   { f.Fn(msg) }

// Handler processes one message. It must not block for longer than the
// component's tolerance for mailbox backpressure — per spec.md §5 the only
// sanctioned in-handler blocking is the Membership Monitor's bounded
// AcquireLeadership wait.
type Handler func(msg interface{})

// Mailbox is a single-threaded message loop with a stash for messages that
// arrive before the owning component is ready to handle them (spec.md §4.3:
// while Uninitialized the Cluster FSM handles membership and partition
// notifications, stashes every other message, and replays those in arrival
// order on exit).
type Mailbox struct {
	inbox   chan interface{}
	handler Handler

	mu    sync.Mutex
	stash []interface{}

	done chan struct{}
}

// New creates a Mailbox with the given inbox capacity and starts its
// processing loop immediately.
func New(capacity int, handler Handler) *Mailbox {
	m := &Mailbox{
		inbox:   make(chan interface{}, capacity),
		handler: handler,
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mailbox) run() {
	for msg := range m.inbox {
		m.handler(msg)
	}
	close(m.done)
}

// Send enqueues msg for processing. Send never blocks the caller beyond the
// inbox's buffer capacity, matching spec.md §5's requirement that watch
// dispatch threads enqueue and return immediately.
func (m *Mailbox) Send(msg interface{}) {
	m.inbox <- msg
}

// AsRef wraps the mailbox as a Ref under id, so components can register a
// Mailbox as an observer of themselves or of another component.
func (m *Mailbox) AsRef(id string) Ref {
	return FuncRef{RefID: id, Fn: m.Send}
}

// Stash defers msg until the next Unstash call.
func (m *Mailbox) Stash(msg interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stash = append(m.stash, msg)
}

// Unstash replays every stashed message, in arrival order, back through the
// mailbox's own inbox — so replay happens via the normal handler path and
// ordering relative to newly-arriving messages is preserved.
func (m *Mailbox) Unstash() {
	m.mu.Lock()
	pending := m.stash
	m.stash = nil
	m.mu.Unlock()
	for _, msg := range pending {
		m.inbox <- msg
	}
}

// Close stops the mailbox's processing loop once the inbox drains.
func (m *Mailbox) Close() {
	close(m.inbox)
	<-m.done
}
