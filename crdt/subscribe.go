package crdt

import (
	"bytes"
	"sync"

	"github.com/pyralog/merkle-flow/core"
)

// Event is one subscription delivery. Gap marks that at least one
// earlier event for this subscription was dropped under pressure.
type Event struct {
	Entry *core.Entry
	Gap   bool
}

// Subscription is a prefix-filtered stream of store updates.
type Subscription struct {
	prefix []byte
	ch     chan Event

	mu      sync.Mutex
	gap     bool
	closed  bool
	onClose func(*Subscription)
}

// C returns the delivery channel. It is closed by Cancel.
func (sub *Subscription) C() <-chan Event { return sub.ch }

// Cancel detaches the subscription and closes its channel.
func (sub *Subscription) Cancel() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()
	sub.onClose(sub)
	close(sub.ch)
}

// deliver enqueues without blocking; overflow is recorded as a gap
// surfaced on the next successful delivery.
func (sub *Subscription) deliver(en *core.Entry) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	ev := Event{Entry: en, Gap: sub.gap}
	select {
	case sub.ch <- ev:
		sub.gap = false
	default:
		sub.gap = true
	}
}

type subscribers struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[*Subscription]struct{})}
}

func (ss *subscribers) publish(en *core.Entry) {
	ss.mu.Lock()
	targets := make([]*Subscription, 0, len(ss.subs))
	for sub := range ss.subs {
		if bytes.HasPrefix(en.Key, sub.prefix) {
			targets = append(targets, sub)
		}
	}
	ss.mu.Unlock()
	for _, sub := range targets {
		sub.deliver(en)
	}
}

func (ss *subscribers) remove(sub *Subscription) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.subs, sub)
}

// Subscribe streams every accepted write under prefix. buffer bounds
// undelivered events; overflow drops events and marks a gap.
func (s *Store) Subscribe(prefix []byte, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		prefix:  append([]byte(nil), prefix...),
		ch:      make(chan Event, buffer),
		onClose: s.subs.remove,
	}
	s.subs.mu.Lock()
	s.subs.subs[sub] = struct{}{}
	s.subs.mu.Unlock()
	return sub
}
