package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLWWMergeTieBreaksOnWriter(t *testing.T) {
	a, b := nid(1), nid(2)

	x := NewLWW([]byte("a"), 100, a)
	y := NewLWW([]byte("b"), 100, b)

	// Same timestamp: higher writer id wins, in both merge orders.
	xa := x.Clone()
	require.NoError(t, xa.Merge(y))
	assert.Equal(t, []byte("b"), xa.LWW.Payload)

	yb := y.Clone()
	require.NoError(t, yb.Merge(x))
	assert.Equal(t, []byte("b"), yb.LWW.Payload)
}

func TestLWWMergeNewerTimestampWins(t *testing.T) {
	a, b := nid(2), nid(1)
	x := NewLWW([]byte("old"), 100, a)
	y := NewLWW([]byte("new"), 200, b)

	require.NoError(t, x.Merge(y))
	assert.Equal(t, []byte("new"), x.LWW.Payload)
	assert.Equal(t, b, x.LWW.Writer)
}

func TestMergeKindMismatch(t *testing.T) {
	x := NewLWW([]byte("a"), 1, nid(1))
	y := NewGCtr(NewGCounter())
	assert.Error(t, x.Merge(y))
}

func TestORSetObservedRemove(t *testing.T) {
	a := nid(1)

	// A adds "x" and "y".
	sa := NewORSet()
	sa.Add(Dot{a, 1}, []byte("x"))
	sa.Add(Dot{a, 2}, []byte("y"))

	// B syncs from A, then removes "x" having observed it.
	sb := NewSet(NewORSet())
	require.NoError(t, sb.Merge(NewSet(sa)))
	sb.Set.RemoveObserved([]byte("x"))

	// C never saw A's adds; its remove of "y" tombstones nothing.
	sc := NewSet(NewORSet())
	sc.Set.RemoveObserved([]byte("y"))

	// Everyone converges.
	final := NewSet(NewORSet())
	require.NoError(t, final.Merge(NewSet(sa)))
	require.NoError(t, final.Merge(sb))
	require.NoError(t, final.Merge(sc))

	elems := final.Set.Elements()
	require.Len(t, elems, 1)
	assert.Equal(t, []byte("y"), elems[0])
}

func TestCounterMergeIdempotent(t *testing.T) {
	a, b := nid(1), nid(2)

	x := NewPNCounter()
	x.P.Inc(a, 5)
	x.N.Inc(a, 2)
	y := NewPNCounter()
	y.P.Inc(b, 3)

	vx := NewPNCtr(x)
	vy := NewPNCtr(y)

	require.NoError(t, vx.Merge(vy))
	assert.Equal(t, int64(6), vx.PNCtr.Value())

	// Re-merging the same state is a no-op.
	require.NoError(t, vx.Merge(vy))
	require.NoError(t, vx.Merge(vx.Clone()))
	assert.Equal(t, int64(6), vx.PNCtr.Value())
}

func TestDeltaSinceCounters(t *testing.T) {
	a, b := nid(1), nid(2)

	c := NewGCounter()
	c.Per[a] = 10
	c.Per[b] = 4
	v := NewGCtr(c)

	// Recipient already saw a's slot at 10; only b's slot ships.
	delta := v.DeltaSince(VectorClock{a: 10})
	assert.Equal(t, map[NodeId]uint64{b: 4}, delta.GCtr.Per)

	// Unknown recipient gets the full value.
	full := v.DeltaSince(nil)
	assert.Equal(t, c.Per, full.GCtr.Per)

	// Delta merged on top of the recipient state reproduces v.
	local := NewGCounter()
	local.Per[a] = 10
	lv := NewGCtr(local)
	require.NoError(t, lv.Merge(delta))
	assert.Equal(t, uint64(14), lv.GCtr.Value())
}

func TestValueRoundTrip(t *testing.T) {
	a := nid(7)

	s := NewORSet()
	s.Add(Dot{a, 1}, []byte("x"))
	s.RemoveObserved([]byte("x"))
	s.Add(Dot{a, 2}, []byte("y"))

	for _, v := range []Value{
		NewLWW([]byte("payload"), 123, a),
		NewSet(s),
		NewPNCtr(&PNCounter{P: &GCounter{Per: map[NodeId]uint64{a: 9}}, N: NewGCounter()}),
	} {
		var e Encoder
		v.Encode(&e)
		got, err := DecodeValue(NewDecoder(e.Bytes()))
		require.NoError(t, err)

		var e2 Encoder
		got.Encode(&e2)
		assert.Equal(t, e.Bytes(), e2.Bytes())
	}
}

func TestEntryDigestIsPure(t *testing.T) {
	a := nid(1)
	en := &Entry{Key: []byte("k"), Val: NewLWW([]byte("v"), 1, a), Clock: VectorClock{a: 1}}
	en.Rehash()
	first := en.Digest

	en.Rehash()
	assert.Equal(t, first, en.Digest)

	en.Clock.Bump(a, 2)
	en.Rehash()
	assert.NotEqual(t, first, en.Digest)
}
