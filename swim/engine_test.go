package swim

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/peers"
	"github.com/pyralog/merkle-flow/wire"
)

func nid(b byte) core.NodeId {
	var id core.NodeId
	id[0] = b
	return id
}

// fabric is an in-process datagram network between engines. Dropped
// messages vanish silently, like lost packets.
type fabric struct {
	mu      sync.Mutex
	engines map[core.NodeId]*Engine
	drop    func(from, to core.NodeId, msg wire.Message) bool
}

func newFabric() *fabric {
	return &fabric{engines: make(map[core.NodeId]*Engine)}
}

type fabricSender struct {
	f    *fabric
	self core.NodeId
}

func (s *fabricSender) SendTo(_ context.Context, id core.NodeId, msg wire.Message) error {
	s.f.mu.Lock()
	target := s.f.engines[id]
	drop := s.f.drop
	s.f.mu.Unlock()
	if target == nil {
		return nil
	}
	if drop != nil && drop(s.self, id, msg) {
		return nil
	}
	go target.HandleMessage(s.self, msg)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ProbeInterval = 20 * time.Millisecond
	cfg.ProbeTimeout = 20 * time.Millisecond
	cfg.IndirectTimeout = 30 * time.Millisecond
	cfg.MinSuspicion = 60 * time.Millisecond
	cfg.SuspicionMult = 1
	return cfg
}

func addEngine(f *fabric, id core.NodeId, seed int64) *Engine {
	table := peers.NewTable(peers.Identity{Id: id, Incarnation: 1}, rand.New(rand.NewSource(seed)))
	e := New(table, testConfig(), &fabricSender{f: f, self: id}, nil)
	f.mu.Lock()
	f.engines[id] = e
	f.mu.Unlock()
	return e
}

// introduce makes every engine see every other as Alive.
func introduce(engines ...*Engine) {
	for _, e := range engines {
		for _, other := range engines {
			if other == e {
				continue
			}
			self := other.table.Self()
			e.table.Upsert(&core.Member{Id: self.Id, Incarnation: self.Incarnation, Status: core.StatusAlive})
		}
	}
}

func waitStatus(t *testing.T, e *Engine, id core.NodeId, want core.Status, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if m := e.table.Lookup(id); m != nil && m.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	m := e.table.Lookup(id)
	t.Fatalf("peer %s never reached %s (now %v)", id, want, m)
}

func TestProbeKeepsResponsivePeerAlive(t *testing.T) {
	f := newFabric()
	a := addEngine(f, nid(1), 1)
	b := addEngine(f, nid(2), 2)
	introduce(a, b)

	a.Start()
	defer a.Stop()
	b.Start()
	defer b.Stop()

	time.Sleep(200 * time.Millisecond)
	m := a.table.Lookup(nid(2))
	require.NotNil(t, m)
	assert.Equal(t, core.StatusAlive, m.Status)
	assert.Equal(t, 0, a.Health())
}

func TestUnresponsivePeerIsSuspectedThenConfirmed(t *testing.T) {
	f := newFabric()
	a := addEngine(f, nid(1), 1)
	// b exists in a's table but is not wired into the fabric.
	a.table.Upsert(&core.Member{Id: nid(2), Incarnation: 1, Status: core.StatusAlive})

	confirmed := make(chan core.NodeId, 1)
	a.OnConfirm(func(id core.NodeId) { confirmed <- id })

	a.Start()
	defer a.Stop()

	waitStatus(t, a, nid(2), core.StatusSuspect, time.Second)
	waitStatus(t, a, nid(2), core.StatusConfirm, time.Second)
	select {
	case id := <-confirmed:
		assert.Equal(t, nid(2), id)
	case <-time.After(time.Second):
		t.Fatal("confirm callback never fired")
	}
	assert.Greater(t, a.Health(), 0, "failed probes raise the health score")
}

func TestIndirectProbeSavesPeerBehindLossyLink(t *testing.T) {
	f := newFabric()
	a := addEngine(f, nid(1), 1)
	b := addEngine(f, nid(2), 2)
	c := addEngine(f, nid(3), 3)
	introduce(a, b, c)

	// Direct a→b pings are lost; relays via c still get through.
	f.mu.Lock()
	f.drop = func(from, to core.NodeId, msg wire.Message) bool {
		_, isPing := msg.(*wire.Ping)
		return isPing && from == nid(1) && to == nid(2)
	}
	f.mu.Unlock()

	a.Start()
	defer a.Stop()
	b.Start()
	defer b.Stop()
	c.Start()
	defer c.Stop()

	time.Sleep(400 * time.Millisecond)
	m := a.table.Lookup(nid(2))
	require.NotNil(t, m)
	assert.NotEqual(t, core.StatusConfirm, m.Status, "indirect acks must prevent confirmation")
}

func TestRefutationBumpsIncarnation(t *testing.T) {
	f := newFabric()
	a := addEngine(f, nid(1), 1)

	before := a.table.Self().Incarnation
	a.Absorb(nid(9), []wire.MemberState{{
		Id:          nid(1),
		Incarnation: before,
		Status:      core.StatusSuspect,
	}})

	assert.Greater(t, a.table.Self().Incarnation, before)
	// The refutation is queued for dissemination.
	pb := a.Piggyback()
	require.NotEmpty(t, pb)
	found := false
	for _, s := range pb {
		if s.Id == nid(1) && s.Status == core.StatusAlive && s.Incarnation > before {
			found = true
		}
	}
	assert.True(t, found, "refutation Alive with bumped incarnation must be queued")
}

func TestAbsorbRespectsPrecedence(t *testing.T) {
	f := newFabric()
	a := addEngine(f, nid(1), 1)

	a.Absorb(nid(9), []wire.MemberState{{Id: nid(2), Incarnation: 5, Status: core.StatusAlive}})
	// Stale lower incarnation cannot downgrade.
	a.Absorb(nid(9), []wire.MemberState{{Id: nid(2), Incarnation: 4, Status: core.StatusConfirm}})
	assert.Equal(t, core.StatusAlive, a.table.Lookup(nid(2)).Status)

	// Equal incarnation: Suspect supersedes Alive.
	a.Absorb(nid(9), []wire.MemberState{{Id: nid(2), Incarnation: 5, Status: core.StatusSuspect}})
	assert.Equal(t, core.StatusSuspect, a.table.Lookup(nid(2)).Status)

	// Newer incarnation Alive supersedes Suspect.
	a.Absorb(nid(9), []wire.MemberState{{Id: nid(2), Incarnation: 6, Status: core.StatusAlive}})
	assert.Equal(t, core.StatusAlive, a.table.Lookup(nid(2)).Status)
}

func TestPiggybackNoveltyFirst(t *testing.T) {
	q := newPiggybackQueue()
	q.push(wire.MemberState{Id: nid(1), Incarnation: 1})
	q.push(wire.MemberState{Id: nid(2), Incarnation: 1})
	q.push(wire.MemberState{Id: nid(3), Incarnation: 1})

	// Transmit 1 and 2 once.
	first := q.pop(2, 10)
	require.Len(t, first, 2)

	// The untransmitted state must lead the next batch.
	second := q.pop(1, 10)
	require.Len(t, second, 1)
	seen := map[core.NodeId]bool{first[0].Id: true, first[1].Id: true}
	assert.False(t, seen[second[0].Id], "least-transmitted state goes first")
}

func TestJoinHandshake(t *testing.T) {
	f := newFabric()
	seed := addEngine(f, nid(1), 1)
	seed.table.Upsert(&core.Member{Id: nid(3), Incarnation: 2, Status: core.StatusAlive})
	newcomer := addEngine(f, nid(2), 2)

	require.NoError(t, newcomer.Join(context.Background(), []core.NodeId{nid(1)}))

	// The seed learns the newcomer; the newcomer gets the snapshot.
	waitStatus(t, seed, nid(2), core.StatusAlive, time.Second)
	waitStatus(t, newcomer, nid(1), core.StatusAlive, time.Second)
	waitStatus(t, newcomer, nid(3), core.StatusAlive, time.Second)
}
