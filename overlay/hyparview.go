package overlay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/wire"
)

// Join connects to a contact node and starts the active random walk
// that spreads the newcomer through the overlay.
func (o *Overlay) Join(ctx context.Context, contact core.NodeId, addrs []string) error {
	conn, err := o.tr.Dial(ctx, contact, addrs)
	if err != nil {
		return err
	}
	l := o.adoptConn(conn, true)
	o.markActive(l)
	self := o.table.Self()
	return o.enqueue(l, &wire.ForwardJoin{
		NewNode: wire.MemberState{
			Id:          self.Id,
			Addrs:       append([]string(nil), self.Addrs...),
			Incarnation: self.Incarnation,
			Status:      core.StatusAlive,
		},
		TTL: uint32(o.cfg.ARWL),
	})
}

func (o *Overlay) markActive(l *link) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l.active = true
	delete(o.passive, l.id)
	o.enforceActiveCapLocked(l.id)
}

// enforceActiveCapLocked demotes a random active peer (never keep) to
// the passive view when the active view exceeds its cap.
func (o *Overlay) enforceActiveCapLocked(keep core.NodeId) {
	var active []*link
	for _, l := range o.links {
		if l.active && l.id != keep {
			active = append(active, l)
		}
	}
	if len(active)+1 <= o.cfg.ActiveViewSize {
		return
	}
	victim := active[o.rngIntn(len(active))]
	victim.active = false
	o.passive[victim.id] = o.addrsForLocked(victim.id)
	o.log.Debug("demoted active peer", zap.Stringer("peer", victim.id))
	go victim.close()
	delete(o.links, victim.id)
}

func (o *Overlay) addrsForLocked(id core.NodeId) []string {
	if m := o.table.Lookup(id); m != nil && len(m.Addrs) > 0 {
		return m.Addrs
	}
	return o.passive[id]
}

// onForwardJoin advances a join walk: the newcomer is adopted here with
// probability 1/TTL (always at TTL 0), otherwise the walk continues.
func (o *Overlay) onForwardJoin(from *link, m *wire.ForwardJoin) {
	if m.NewNode.Id == o.self {
		return
	}
	// Remember the newcomer as a passive candidate either way.
	o.mu.Lock()
	if _, isLinked := o.links[m.NewNode.Id]; !isLinked {
		o.addPassiveLocked(m.NewNode.Id, m.NewNode.Addrs)
	}
	o.mu.Unlock()

	if from.id == m.NewNode.Id {
		// First hop: the contact always admits the newcomer, then
		// launches the walk.
		o.markActive(from)
		if m.TTL > 0 {
			if next := o.randomActivePeer(from.id, m.NewNode.Id); next != nil {
				o.enqueue(next, &wire.ForwardJoin{NewNode: m.NewNode, TTL: m.TTL - 1})
			}
		}
		return
	}

	adopt := m.TTL == 0 || o.rngIntn(int(m.TTL)) == 0
	if adopt {
		if err := o.promote(m.NewNode.Id, m.NewNode.Addrs, false); err == nil {
			return
		}
		// Could not reach the newcomer; let the walk continue.
	}
	if m.TTL == 0 {
		return
	}
	next := o.randomActivePeer(from.id, m.NewNode.Id)
	if next == nil {
		return
	}
	o.enqueue(next, &wire.ForwardJoin{NewNode: m.NewNode, TTL: m.TTL - 1})
}

// promote opens a channel to a peer and offers it a Neighbor slot.
func (o *Overlay) promote(id core.NodeId, addrs []string, highPriority bool) error {
	o.mu.Lock()
	if l, ok := o.links[id]; ok {
		l.active = true
		o.enforceActiveCapLocked(id)
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := o.tr.Dial(ctx, id, addrs)
	if err != nil {
		return err
	}
	l := o.adoptConn(conn, true)
	o.markActive(l)
	return o.enqueue(l, &wire.Neighbor{HighPriority: highPriority})
}

// onNeighbor accepts or refuses an active-view offer. High priority
// must be accepted even at cap; normal priority is refused by closing.
func (o *Overlay) onNeighbor(from *link, m *wire.Neighbor) {
	o.mu.Lock()
	var activeCount int
	for _, l := range o.links {
		if l.active {
			activeCount++
		}
	}
	if !m.HighPriority && activeCount >= o.cfg.ActiveViewSize {
		o.addPassiveLocked(from.id, nil)
		o.mu.Unlock()
		o.dropLink(from)
		return
	}
	o.mu.Unlock()
	o.markActive(from)
}

func (o *Overlay) randomActivePeer(exclude ...core.NodeId) *link {
	o.mu.Lock()
	defer o.mu.Unlock()
	var candidates []*link
next:
	for _, l := range o.links {
		if !l.active {
			continue
		}
		for _, ex := range exclude {
			if l.id == ex {
				continue next
			}
		}
		candidates = append(candidates, l)
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[o.rngIntn(len(candidates))]
}

func (o *Overlay) addPassiveLocked(id core.NodeId, addrs []string) {
	if id == o.self {
		return
	}
	if _, ok := o.passive[id]; !ok && len(o.passive) >= o.cfg.PassiveViewSize {
		// Evict a random entry to make room.
		for victim := range o.passive {
			delete(o.passive, victim)
			break
		}
	}
	if len(addrs) > 0 || o.passive[id] == nil {
		o.passive[id] = append([]string(nil), addrs...)
	}
}

// shuffleLoop periodically exchanges view samples with a random
// acquaintance to keep the passive view fresh.
func (o *Overlay) shuffleLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.closed:
			return
		case <-time.After(o.cfg.ShuffleInterval):
			o.shuffleOnce()
			o.sweepIdle()
		}
	}
}

// sweepIdle closes transient channels that have gone quiet; active
// links stay open for the broadcast tree.
func (o *Overlay) sweepIdle() {
	o.mu.Lock()
	var idle []*link
	for _, l := range o.links {
		if l.active {
			continue
		}
		l.mu.Lock()
		quiet := time.Since(l.lastUse) > o.cfg.IdleConnTTL
		l.mu.Unlock()
		if quiet {
			idle = append(idle, l)
		}
	}
	o.mu.Unlock()
	for _, l := range idle {
		o.dropLink(l)
	}
}

func (o *Overlay) shuffleOnce() {
	target := o.randomActivePeer()
	if target == nil {
		return
	}
	o.enqueue(target, &wire.Shuffle{
		Origin:  o.self,
		Entries: o.viewSample(o.cfg.ShuffleSize, target.id),
		TTL:     uint32(o.cfg.ShuffleTTL),
	})
}

// viewSample draws a mixed sample of active and passive peers.
func (o *Overlay) viewSample(k int, exclude core.NodeId) []wire.MemberState {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []wire.MemberState
	for id, l := range o.links {
		if !l.active || id == exclude {
			continue
		}
		out = append(out, wire.MemberState{Id: id, Addrs: o.addrsForLocked(id), Status: core.StatusAlive})
	}
	for id, addrs := range o.passive {
		if id == exclude {
			continue
		}
		out = append(out, wire.MemberState{Id: id, Addrs: addrs, Status: core.StatusAlive})
	}
	o.rngShuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if k < len(out) {
		out = out[:k]
	}
	return out
}

// onShuffle walks the shuffle or, at TTL 0, answers with our own
// sample and absorbs the offered entries.
func (o *Overlay) onShuffle(from *link, m *wire.Shuffle) {
	if m.TTL > 0 {
		if next := o.randomActivePeer(from.id, m.Origin); next != nil {
			o.enqueue(next, &wire.Shuffle{Origin: m.Origin, Entries: m.Entries, TTL: m.TTL - 1})
			return
		}
	}
	reply := &wire.ShuffleReply{Entries: o.viewSample(len(m.Entries), m.Origin)}
	o.mu.Lock()
	for _, s := range m.Entries {
		o.addPassiveLocked(s.Id, s.Addrs)
	}
	o.mu.Unlock()

	if m.Origin == from.id {
		o.enqueue(from, reply)
		return
	}
	// The walk detached us from the origin; reach it directly.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.SendTo(ctx, m.Origin, reply)
}

func (o *Overlay) onShuffleReply(m *wire.ShuffleReply) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range m.Entries {
		o.addPassiveLocked(s.Id, s.Addrs)
	}
}

// RepairPeerLoss reacts to a confirmed-dead peer: the link is dropped
// and, while the active view is below TargetFanout, a passive candidate
// is promoted. The Neighbor request is high priority only when no other
// active peer remains.
func (o *Overlay) RepairPeerLoss(dead core.NodeId) {
	o.mu.Lock()
	l, had := o.links[dead]
	delete(o.passive, dead)

	var candidate core.NodeId
	var addrs []string
	var activeCount int
	for _, lk := range o.links {
		if lk.active && lk.id != dead {
			activeCount++
		}
	}
	for id, a := range o.passive {
		candidate, addrs = id, a
		break
	}
	o.mu.Unlock()

	if had {
		o.dropLink(l)
	}
	if candidate.IsZero() || activeCount >= o.cfg.TargetFanout {
		return
	}
	high := activeCount == 0
	if err := o.promote(candidate, addrs, high); err != nil {
		o.log.Debug("repair promotion failed", zap.Stringer("peer", candidate), zap.Error(err))
		o.mu.Lock()
		delete(o.passive, candidate)
		o.mu.Unlock()
	}
}
