package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nid(b byte) NodeId {
	var id NodeId
	id[0] = b
	return id
}

func TestClockDominates(t *testing.T) {
	a, b := nid(1), nid(2)

	tests := []struct {
		name       string
		x, y       VectorClock
		xDominates bool
		concurrent bool
	}{
		{"empty vs empty", VectorClock{}, VectorClock{}, false, false},
		{"strictly ahead", VectorClock{a: 2}, VectorClock{a: 1}, true, false},
		{"ahead with extra writer", VectorClock{a: 1, b: 1}, VectorClock{a: 1}, true, false},
		{"equal", VectorClock{a: 1}, VectorClock{a: 1}, false, false},
		{"disjoint writers", VectorClock{a: 1}, VectorClock{b: 1}, false, true},
		{"crossed", VectorClock{a: 2, b: 1}, VectorClock{a: 1, b: 2}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.xDominates, tt.x.Dominates(tt.y))
			assert.Equal(t, tt.concurrent, tt.x.Concurrent(tt.y))
			if tt.xDominates {
				assert.False(t, tt.y.Dominates(tt.x))
			}
		})
	}
}

func TestClockBumpMonotonic(t *testing.T) {
	a := nid(1)
	vc := NewVectorClock()

	vc.Bump(a, 1000)
	require.Equal(t, uint64(1000), vc.Get(a))

	// Same millisecond still advances.
	vc.Bump(a, 1000)
	require.Equal(t, uint64(1001), vc.Get(a))

	// Wall clock ahead of counter jumps to it.
	vc.Bump(a, 5000)
	require.Equal(t, uint64(5000), vc.Get(a))
}

func TestClockMergeIsPointwiseMax(t *testing.T) {
	a, b := nid(1), nid(2)
	x := VectorClock{a: 3, b: 1}
	y := VectorClock{a: 1, b: 5}

	x.Merge(y)
	assert.Equal(t, VectorClock{a: 3, b: 5}, x)

	// Merging again changes nothing.
	x.Merge(y)
	assert.Equal(t, VectorClock{a: 3, b: 5}, x)
}

func TestClockDigestOrderIndependent(t *testing.T) {
	a, b, c := nid(1), nid(2), nid(3)
	x := VectorClock{a: 1, b: 2, c: 3}
	y := VectorClock{c: 3, a: 1, b: 2}
	assert.Equal(t, x.Digest(), y.Digest())

	y[c] = 4
	assert.NotEqual(t, x.Digest(), y.Digest())
}

func TestClockRoundTrip(t *testing.T) {
	vc := VectorClock{nid(9): 42, nid(1): 7, nid(200): 1}

	var e Encoder
	e.PutClock(vc)
	got, err := NewDecoder(e.Bytes()).Clock()
	require.NoError(t, err)
	assert.Equal(t, vc, got)
}
