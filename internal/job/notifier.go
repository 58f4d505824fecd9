package job

import (
	"sync"
)

// DefaultSubscriptionBuffer is how many snapshots a listener may lag behind
// before the oldest queued ones are discarded.
const DefaultSubscriptionBuffer = 64

// Subscription is one live listener for a job. Snapshots arrive on C in
// publish order; a listener that lags more than its buffer loses the oldest
// queued snapshots but always receives the newest. C is closed only when the
// listener unsubscribes, the job is reclaimed or the manager stops.
type Subscription struct {
	JobID string
	C     <-chan Snapshot

	ch     chan Snapshot
	closed bool
}

// Notifier fans status snapshots out to the live listeners of each job.
// Lock order is Registry.mu, then Notifier.mu.
type Notifier struct {
	mu        sync.Mutex
	reg       *Registry
	listeners map[string]map[*Subscription]struct{}
	buffer    int
}

// NewNotifier creates a Notifier and installs it as reg's update callback.
func NewNotifier(reg *Registry) *Notifier {
	n := &Notifier{
		reg:       reg,
		listeners: make(map[string]map[*Subscription]struct{}),
		buffer:    DefaultSubscriptionBuffer,
	}
	reg.SetUpdateCallback(func(s Snapshot) {
		n.Publish(s.ID, s)
	})
	return n
}

// Subscribe registers a listener for id and queues the current snapshot as
// its first value.
func (n *Notifier) Subscribe(id string) (*Subscription, error) {
	var sub *Subscription
	ok := n.reg.Observe(id, func(s Snapshot) {
		ch := make(chan Snapshot, n.buffer)
		sub = &Subscription{JobID: id, C: ch, ch: ch}
		ch <- s

		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.listeners[id]
		if subs == nil {
			subs = make(map[*Subscription]struct{})
			n.listeners[id] = subs
		}
		subs[sub] = struct{}{}
	})
	if !ok {
		return nil, ErrNotFound
	}
	return sub, nil
}

// Unsubscribe removes the listener and closes its channel. It is safe to
// call more than once and after the job is gone.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropLocked(sub)
}

func (n *Notifier) dropLocked(sub *Subscription) {
	if subs, ok := n.listeners[sub.JobID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(n.listeners, sub.JobID)
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish delivers s to every listener of id without blocking. When a
// listener's buffer is full its oldest queued snapshot is discarded to make
// room, so the latest state is never lost.
func (n *Notifier) Publish(id string, s Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.listeners[id] {
		deliver(sub.ch, s)
	}
}

// deliver must be called with Notifier.mu held, which makes it the only
// sender on ch; a freed slot therefore stays free until the send.
func deliver(ch chan Snapshot, s Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// CloseAll disconnects every listener of id.
func (n *Notifier) CloseAll(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.listeners[id] {
		n.dropLocked(sub)
	}
	delete(n.listeners, id)
}

// Listeners returns the number of live listeners for id.
func (n *Notifier) Listeners(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners[id])
}
