// Package peers holds a node's identity and its address book: every
// peer it has heard of, with liveness state and membership precedence
// rules applied on update. The table is the single source peers are
// picked from for probing, overlay maintenance and anti-entropy.
package peers

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/pyralog/merkle-flow/core"
)

// leftGracePeriod is how long a Left member lingers before the sweep
// drops it, in milliseconds.
const leftGracePeriod = 5 * 60 * 1000

// Identity is the local node's stable identity.
type Identity struct {
	Id          core.NodeId
	Incarnation core.Incarnation
	Addrs       []string
}

// Filter selects members for random picks.
type Filter func(*core.Member) bool

// FilterAlive keeps only Alive members.
func FilterAlive(m *core.Member) bool { return m.Status == core.StatusAlive }

// Table is the peer table. A single writer (the membership engine)
// upserts; any reader may look up or sample. Randomness comes from the
// injected source so simulations are reproducible.
type Table struct {
	mu      sync.RWMutex
	self    Identity
	members map[core.NodeId]*core.Member
	rng     *rand.Rand
}

// NewTable creates a table for the given identity. rng seeds all random
// peer selection; production passes a source seeded from OS entropy.
func NewTable(self Identity, rng *rand.Rand) *Table {
	return &Table{
		self:    self,
		members: make(map[core.NodeId]*core.Member),
		rng:     rng,
	}
}

// Self returns the local identity.
func (t *Table) Self() Identity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self
}

// BumpIncarnation advances the local incarnation, on startup or
// refutation, and returns the new value.
func (t *Table) BumpIncarnation() core.Incarnation {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.self.Incarnation++
	return t.self.Incarnation
}

// RestoreIncarnation raises the local incarnation to at least inc,
// used when recovery finds the incarnation of a previous run.
func (t *Table) RestoreIncarnation(inc core.Incarnation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if inc > t.self.Incarnation {
		t.self.Incarnation = inc
	}
}

// Lookup returns a copy of the member row, or nil if unknown.
func (t *Table) Lookup(id core.NodeId) *core.Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[id]
	if !ok {
		return nil
	}
	return m.Clone()
}

// Upsert applies a member observation under the precedence rules and
// reports whether the table changed. Rows for the local node are
// ignored; refutation is the membership engine's job.
func (t *Table) Upsert(m *core.Member) bool {
	if m.Id == t.self.Id {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.members[m.Id]
	if !ok {
		t.members[m.Id] = m.Clone()
		return true
	}
	if !cur.Supersedes(m.Incarnation, m.Status) {
		return false
	}
	next := m.Clone()
	if len(next.Addrs) == 0 {
		next.Addrs = cur.Addrs
	}
	t.members[m.Id] = next
	return true
}

// AllAlive returns copies of every Alive member.
func (t *Table) AllAlive() []*core.Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*core.Member, 0, len(t.members))
	for _, m := range t.members {
		if m.Status == core.StatusAlive {
			out = append(out, m.Clone())
		}
	}
	sortMembers(out)
	return out
}

// All returns copies of every known member, whatever its status.
func (t *Table) All() []*core.Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*core.Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m.Clone())
	}
	sortMembers(out)
	return out
}

// PickRandom samples up to k distinct members passing the filter.
func (t *Table) PickRandom(filter Filter, k int) []*core.Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	candidates := make([]*core.Member, 0, len(t.members))
	for _, m := range t.members {
		if filter == nil || filter(m) {
			candidates = append(candidates, m)
		}
	}
	// Sort before shuffling so the seeded rng sees a stable order.
	sortMembers(candidates)
	t.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]*core.Member, k)
	for i := 0; i < k; i++ {
		out[i] = candidates[i].Clone()
	}
	return out
}

// Sweep drops members whose status is Left once the grace period has
// passed since that status was recorded. It does not check whether a
// newer incarnation of the member has been observed.
func (t *Table) Sweep(nowMillis uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, m := range t.members {
		if m.Status != core.StatusLeft {
			continue
		}
		if nowMillis < m.LastStatusAt+leftGracePeriod {
			continue
		}
		delete(t.members, id)
	}
}

// Size returns the number of known members, the cluster-size input to
// the suspicion timer.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

func sortMembers(ms []*core.Member) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Id.Less(ms[j].Id) })
}
