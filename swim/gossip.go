package swim

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/wire"
)

// piggybackQueue holds member updates awaiting dissemination, served
// novelty-first: states transmitted fewest times go out first.
type piggybackQueue struct {
	items map[core.NodeId]*pqItem
}

type pqItem struct {
	state     wire.MemberState
	transmits int
	enqueued  time.Time
}

func newPiggybackQueue() *piggybackQueue {
	return &piggybackQueue{items: make(map[core.NodeId]*pqItem)}
}

func (q *piggybackQueue) push(state wire.MemberState) {
	q.items[state.Id] = &pqItem{state: state, enqueued: time.Now()}
}

// pop returns up to budget states, preferring least-transmitted then
// most recent, and retires states transmitted maxTransmits times.
func (q *piggybackQueue) pop(budget, maxTransmits int) []wire.MemberState {
	ordered := make([]*pqItem, 0, len(q.items))
	for _, it := range q.items {
		ordered = append(ordered, it)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].transmits != ordered[j].transmits {
			return ordered[i].transmits < ordered[j].transmits
		}
		return ordered[i].enqueued.After(ordered[j].enqueued)
	})
	if budget > len(ordered) {
		budget = len(ordered)
	}
	out := make([]wire.MemberState, 0, budget)
	for _, it := range ordered[:budget] {
		out = append(out, it.state)
		it.transmits++
		if it.transmits >= maxTransmits {
			delete(q.items, it.state.Id)
		}
	}
	return out
}

// memberToState converts a table row to its gossip form.
func memberToState(m *core.Member) wire.MemberState {
	return wire.MemberState{
		Id:          m.Id,
		Addrs:       append([]string(nil), m.Addrs...),
		Incarnation: m.Incarnation,
		Status:      m.Status,
		HealthScore: uint32(m.HealthScore),
	}
}

func stateToMember(s wire.MemberState, now uint64) *core.Member {
	return &core.Member{
		Id:           s.Id,
		Addrs:        append([]string(nil), s.Addrs...),
		Incarnation:  s.Incarnation,
		Status:       s.Status,
		LastStatusAt: now,
		HealthScore:  int(s.HealthScore),
	}
}

// enqueueUpdate queues a state change for piggybacked dissemination.
func (e *Engine) enqueueUpdate(m *core.Member) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pq.push(memberToState(m))
}

// maxTransmits retires a piggybacked state after enough rounds to
// infect the cluster with high probability.
func (e *Engine) maxTransmits() int {
	n := e.table.Size()
	return 3 * int(math.Ceil(math.Log(float64(n)+2)))
}

// Piggyback returns up to the configured budget of pending member
// updates; callers attach them to any outbound envelope.
func (e *Engine) Piggyback() []wire.MemberState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pq.pop(e.cfg.PiggybackBudget, e.maxTransmits())
}

// SelfState returns the local node's current gossip state.
func (e *Engine) SelfState() wire.MemberState {
	self := e.table.Self()
	return wire.MemberState{
		Id:          self.Id,
		Addrs:       append([]string(nil), self.Addrs...),
		Incarnation: self.Incarnation,
		Status:      core.StatusAlive,
		HealthScore: uint32(e.Health()),
	}
}

// Absorb applies piggybacked member states from any inbound envelope.
// from names the datagram's sender, the witness for suspicion
// acceleration.
func (e *Engine) Absorb(from core.NodeId, states []wire.MemberState) {
	now := nowMillis()
	self := e.table.Self()
	for _, s := range states {
		if s.Id == self.Id {
			e.absorbAboutSelf(s)
			continue
		}
		m := stateToMember(s, now)
		if e.table.Upsert(m) {
			e.enqueueUpdate(m)
			switch s.Status {
			case core.StatusAlive:
				e.cancelSuspicion(s.Id)
			case core.StatusSuspect:
				e.armSuspicion(s.Id)
				e.witnessSuspicion(s.Id, from)
			case core.StatusConfirm, core.StatusLeft:
				e.cancelSuspicion(s.Id)
				e.mu.Lock()
				callbacks := make([]func(core.NodeId), len(e.onConfirm))
				copy(callbacks, e.onConfirm)
				e.mu.Unlock()
				for _, fn := range callbacks {
					fn(s.Id)
				}
			}
		} else if s.Status == core.StatusSuspect {
			e.witnessSuspicion(s.Id, from)
		}
	}
}

// absorbAboutSelf refutes suspicion of the local node: learning we are
// Suspected (or worse) bumps our incarnation and floods a fresh Alive.
func (e *Engine) absorbAboutSelf(s wire.MemberState) {
	self := e.table.Self()
	if s.Status == core.StatusAlive || s.Incarnation < self.Incarnation {
		return
	}
	inc := e.table.BumpIncarnation()
	e.adjustHealth(+1)
	e.log.Info("refuting suspicion", zap.Uint64("incarnation", uint64(inc)))
	st := e.SelfState()
	e.mu.Lock()
	e.pq.push(st)
	e.mu.Unlock()
}

// HandleMessage processes one membership message from a peer.
func (e *Engine) HandleMessage(from core.NodeId, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.Ping:
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ProbeTimeout)
		defer cancel()
		e.sender.SendTo(ctx, from, &wire.Ack{Seq: m.Seq})
	case *wire.Ack:
		e.resolveAck(m.Seq)
	case *wire.IndirectPing:
		go e.relayProbe(from, m)
	case *wire.IndirectPingResponse:
		if m.Ok {
			e.resolveAck(m.Seq)
		}
	case *wire.MemberUpdate:
		e.Absorb(from, m.Updates)
	case *wire.JoinRequest:
		e.handleJoin(from, m)
	case *wire.JoinResponse:
		e.HandleJoinResponse(from, m)
	}
}

// relayProbe services an IndirectPing: probe the target on the
// requester's behalf and report the outcome.
func (e *Engine) relayProbe(requester core.NodeId, m *wire.IndirectPing) {
	seq := e.nextSeq()
	w := e.registerAck(seq)
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ProbeTimeout)
	defer cancel()

	ok := false
	if err := e.sender.SendTo(ctx, m.Target, &wire.Ping{Seq: seq}); err == nil {
		select {
		case <-w.ch:
			ok = true
		case <-ctx.Done():
		case <-e.closed:
		}
	}
	e.dropAck(seq)

	rctx, rcancel := context.WithTimeout(context.Background(), e.cfg.ProbeTimeout)
	defer rcancel()
	e.sender.SendTo(rctx, requester, &wire.IndirectPingResponse{Target: m.Target, Seq: m.Seq, Ok: ok})
}

// handleJoin admits a newcomer and hands it a membership snapshot.
func (e *Engine) handleJoin(from core.NodeId, m *wire.JoinRequest) {
	now := nowMillis()
	joined := stateToMember(m.Self, now)
	joined.Status = core.StatusAlive
	if e.table.Upsert(joined) {
		e.enqueueUpdate(joined)
		e.log.Info("peer joined", zap.Stringer("peer", from))
	}

	members := []wire.MemberState{e.SelfState()}
	for _, mem := range e.table.All() {
		if mem.Id == from {
			continue
		}
		members = append(members, memberToState(mem))
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.IndirectTimeout)
	defer cancel()
	e.sender.SendTo(ctx, from, &wire.JoinResponse{Members: members})
}

// Join sends a JoinRequest to each seed in turn until one send
// succeeds. The snapshot arrives later as a JoinResponse, which the
// caller routes back through HandleMessage.
func (e *Engine) Join(ctx context.Context, seeds []core.NodeId) error {
	req := &wire.JoinRequest{Self: e.SelfState()}
	var lastErr error
	for _, seed := range seeds {
		if err := e.sender.SendTo(ctx, seed, req); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// HandleJoinResponse installs the snapshot from a seed.
func (e *Engine) HandleJoinResponse(from core.NodeId, m *wire.JoinResponse) {
	e.Absorb(from, m.Members)
	e.log.Info("joined cluster", zap.Int("members", len(m.Members)))
}

// Leave announces departure with a final incarnation bump.
func (e *Engine) Leave() wire.MemberState {
	inc := e.table.BumpIncarnation()
	st := e.SelfState()
	st.Incarnation = inc
	st.Status = core.StatusLeft
	return st
}
