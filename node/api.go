package node

import (
	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/crdt"
)

// Put merges value into key as a local write. A nil error means the
// write is durably logged and indexed; under backpressure it fails
// with crdt.ErrBusy.
func (n *Node) Put(key []byte, value core.Value) error {
	select {
	case <-n.closed:
		return ErrShutdown
	default:
	}
	return n.store.Put(key, value)
}

// Delete plants a tombstone for key. The key stays observable through
// Get until every live peer converges past the deletion.
func (n *Node) Delete(key []byte) error {
	select {
	case <-n.closed:
		return ErrShutdown
	default:
	}
	return n.store.Delete(key)
}

// Get returns the entry for key, tombstoned or not; the second return
// reports presence.
func (n *Node) Get(key []byte) (*core.Entry, bool) {
	return n.store.Get(key)
}

// Range iterates entries in [start, end) in key order.
func (n *Node) Range(start, end []byte) *crdt.Iterator {
	return n.store.Range(start, end)
}

// Subscribe streams accepted writes under prefix. Events may be
// dropped under extreme pressure; a drop surfaces as a gap marker on
// the next delivery.
func (n *Node) Subscribe(prefix []byte, buffer int) *crdt.Subscription {
	return n.store.Subscribe(prefix, buffer)
}

// Stats is a point-in-time view of the node's health.
type Stats struct {
	Self         core.NodeId
	Incarnation  core.Incarnation
	Entries      int
	Root         core.Hash
	Epoch        uint64
	ActivePeers  int
	AliveMembers int
	HealthScore  int
}

// Stats snapshots the node's key figures.
func (n *Node) Stats() Stats {
	self := n.table.Self()
	return Stats{
		Self:         n.id,
		Incarnation:  self.Incarnation,
		Entries:      n.store.Len(),
		Root:         n.store.Tree().Root(),
		Epoch:        n.repl.Epoch(),
		ActivePeers:  len(n.overlay.ActivePeers()),
		AliveMembers: len(n.table.AllAlive()),
		HealthScore:  n.swim.Health(),
	}
}
