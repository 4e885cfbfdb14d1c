package overlay

import (
	"time"

	"go.uber.org/zap"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/wire"
)

// graftState tracks a broadcast id advertised lazily but not yet
// received in full. Advertisers are remembered freshest-first so a
// graft targets the most recent path.
type graftState struct {
	timer       *time.Timer
	advertisers []core.NodeId
}

// NextSeq reserves a broadcast sequence number for the local node.
func (o *Overlay) NextSeq() uint64 {
	o.broadcastMu.Lock()
	defer o.broadcastMu.Unlock()
	o.broadcastSeq++
	return o.broadcastSeq
}

// Broadcast originates a push delta: full payload on eager links, bare
// id on lazy ones. The message id must come from NextSeq.
func (o *Overlay) Broadcast(pd *wire.PushDelta) {
	o.seen.Add(pd.ID, pd)
	o.forward(pd, core.NodeId{})
}

// forward relays a payload to every active link except the one it
// arrived on.
func (o *Overlay) forward(pd *wire.PushDelta, except core.NodeId) {
	o.mu.Lock()
	links := make([]*link, 0, len(o.links))
	for _, l := range o.links {
		if l.active && l.id != except {
			links = append(links, l)
		}
	}
	o.mu.Unlock()

	lazy := &wire.LazyIDs{IDs: []wire.MessageID{pd.ID}, Hops: pd.Hops}
	for _, l := range links {
		if l.isEager() {
			o.enqueue(l, pd)
		} else {
			o.enqueue(l, lazy)
		}
	}
}

// onPushDelta handles a full payload: first copies are delivered and
// forwarded, duplicates prune the sending link.
func (o *Overlay) onPushDelta(from *link, pd *wire.PushDelta) {
	if _, dup := o.seen.Get(pd.ID); dup {
		// The sender downgrades its link to us when the Prune lands.
		o.enqueue(from, &wire.Prune{})
		return
	}
	o.seen.Add(pd.ID, pd)
	o.cancelGraft(pd.ID)
	// The link that delivered first-copy payload is a good tree edge.
	from.setEager(true)

	if o.deliver != nil {
		o.deliver(pd)
	}
	next := *pd
	next.Hops = pd.Hops + 1
	o.forward(&next, from.id)
}

// onLazyIDs notes advertised ids and arms a graft timer for any id
// whose payload has not arrived.
func (o *Overlay) onLazyIDs(from *link, m *wire.LazyIDs) {
	for _, id := range m.IDs {
		if _, ok := o.seen.Get(id); ok {
			continue
		}
		o.mu.Lock()
		gs, ok := o.missing[id]
		if !ok {
			gs = &graftState{}
			gs.timer = time.AfterFunc(o.cfg.GraftDelay, func() { o.graft(id) })
			o.missing[id] = gs
		}
		// Freshest advertiser first: the most recent LazyID names the
		// path with the most recently working route.
		gs.advertisers = append([]core.NodeId{from.id}, gs.advertisers...)
		o.mu.Unlock()
	}
}

func (o *Overlay) cancelGraft(id wire.MessageID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gs, ok := o.missing[id]; ok {
		gs.timer.Stop()
		delete(o.missing, id)
	}
}

// graft fires when a lazily-advertised payload never arrived: promote
// the freshest advertiser back to eager and ask it for the payload.
func (o *Overlay) graft(id wire.MessageID) {
	if _, ok := o.seen.Get(id); ok {
		o.cancelGraft(id)
		return
	}
	o.mu.Lock()
	gs, ok := o.missing[id]
	if !ok || len(gs.advertisers) == 0 {
		delete(o.missing, id)
		o.mu.Unlock()
		return
	}
	target := gs.advertisers[0]
	gs.advertisers = gs.advertisers[1:]
	l, linked := o.links[target]
	// Re-arm so the next advertiser is tried if this graft also fails.
	if len(gs.advertisers) > 0 {
		gs.timer = time.AfterFunc(o.cfg.GraftDelay, func() { o.graft(id) })
	} else {
		delete(o.missing, id)
	}
	o.mu.Unlock()

	if !linked {
		return
	}
	l.setEager(true)
	o.log.Debug("grafting link", zap.Stringer("peer", target))
	o.enqueue(l, &wire.Graft{ID: id})
}

// onGraft promotes the requesting link and answers with the payload
// when known.
func (o *Overlay) onGraft(from *link, m *wire.Graft) {
	from.setEager(true)
	if pd, ok := o.seen.Get(m.ID); ok {
		o.enqueue(from, pd)
	}
}

// onFetchMissing answers known payloads without changing link modes.
func (o *Overlay) onFetchMissing(from *link, m *wire.FetchMissing) {
	for _, id := range m.IDs {
		if pd, ok := o.seen.Get(id); ok {
			o.enqueue(from, pd)
		}
	}
}

// EagerPeers returns the ids of active links currently in eager mode,
// the edges of the self-optimized broadcast tree.
func (o *Overlay) EagerPeers() []core.NodeId {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []core.NodeId
	for id, l := range o.links {
		if l.active && l.isEager() {
			out = append(out, id)
		}
	}
	return out
}
