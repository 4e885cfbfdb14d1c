package crdt

import (
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyralog/merkle-flow/core"
)

func nid(b byte) core.NodeId {
	var id core.NodeId
	id[0] = b
	return id
}

func newTestStore(self core.NodeId) *Store {
	s := New(self, DefaultConfig(), NopWAL{})
	var tick uint64
	s.SetNow(func() uint64 { tick++; return 1_000_000 + tick })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(nid(1))

	require.NoError(t, s.Put([]byte("k"), core.NewLWW([]byte("v"), 100, nid(1))))
	en, ok := s.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v"), en.Val.LWW.Payload)
	assert.NotZero(t, en.Clock.Get(nid(1)))
	assert.False(t, en.Deleted())

	_, ok = s.Get([]byte("missing"))
	assert.False(t, ok)
}

func TestPutRejectsBadKeys(t *testing.T) {
	s := newTestStore(nid(1))
	assert.Error(t, s.Put(nil, core.NewLWW([]byte("v"), 1, nid(1))))
	assert.Error(t, s.Put(make([]byte, core.MaxKeySize+1), core.NewLWW([]byte("v"), 1, nid(1))))
}

func TestDeleteLeavesObservableTombstone(t *testing.T) {
	s := newTestStore(nid(1))
	require.NoError(t, s.Put([]byte("k"), core.NewLWW([]byte("v"), 1, nid(1))))
	require.NoError(t, s.Delete([]byte("k")))

	en, ok := s.Get([]byte("k"))
	require.True(t, ok)
	assert.True(t, en.Deleted())
	assert.Equal(t, 1, s.Len(), "tombstoned entry stays indexed")
}

func TestMergeRemoteIdempotent(t *testing.T) {
	s := newTestStore(nid(1))

	clock := core.VectorClock{nid(2): 50}
	val := core.NewLWW([]byte("remote"), 50, nid(2))

	changed, err := s.MergeRemote([]byte("k"), val, clock, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	rootAfter := s.Tree().Root()

	for i := 0; i < 3; i++ {
		changed, err = s.MergeRemote([]byte("k"), val, clock, nil)
		require.NoError(t, err)
		assert.False(t, changed)
	}
	assert.Equal(t, rootAfter, s.Tree().Root())
}

func TestMergeRemoteDominanceRules(t *testing.T) {
	s := newTestStore(nid(1))

	// Local state at clock {2:50}.
	_, err := s.MergeRemote([]byte("k"), core.NewLWW([]byte("old"), 50, nid(2)), core.VectorClock{nid(2): 50}, nil)
	require.NoError(t, err)

	// Dominated incoming is a no-op.
	changed, err := s.MergeRemote([]byte("k"), core.NewLWW([]byte("stale"), 40, nid(2)), core.VectorClock{nid(2): 40}, nil)
	require.NoError(t, err)
	assert.False(t, changed)
	en, _ := s.Get([]byte("k"))
	assert.Equal(t, []byte("old"), en.Val.LWW.Payload)

	// Dominating incoming replaces.
	changed, err = s.MergeRemote([]byte("k"), core.NewLWW([]byte("newer"), 60, nid(2)), core.VectorClock{nid(2): 60}, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	en, _ = s.Get([]byte("k"))
	assert.Equal(t, []byte("newer"), en.Val.LWW.Payload)

	// Concurrent incoming goes through the value merge: equal ts,
	// higher writer wins.
	changed, err = s.MergeRemote([]byte("k"), core.NewLWW([]byte("concurrent"), 60, nid(3)), core.VectorClock{nid(3): 60}, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	en, _ = s.Get([]byte("k"))
	assert.Equal(t, []byte("concurrent"), en.Val.LWW.Payload)
	assert.Equal(t, uint64(60), en.Clock.Get(nid(2)))
	assert.Equal(t, uint64(60), en.Clock.Get(nid(3)))
}

func TestTwoStoreConvergence(t *testing.T) {
	// Writes on two stores, delivered to each other in any order,
	// converge to the same root hash.
	a := newTestStore(nid(1))
	b := newTestStore(nid(2))

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%03d", rng.Intn(30)))
		require.NoError(t, a.Put(key, core.NewLWW([]byte(fmt.Sprintf("a%d", i)), uint64(100+i), nid(1))))
		require.NoError(t, b.Put(key, core.NewLWW([]byte(fmt.Sprintf("b%d", i)), uint64(100+i), nid(2))))
	}

	sync := func(from, to *Store) {
		it := from.Range(nil, nil)
		var entries []*core.Entry
		for en := it.Next(); en != nil; en = it.Next() {
			entries = append(entries, en)
		}
		rng.Shuffle(len(entries), func(i, j int) { entries[i], entries[j] = entries[j], entries[i] })
		for _, en := range entries {
			_, err := to.MergeRemote(en.Key, en.Val, en.Clock, en.Tomb)
			require.NoError(t, err)
		}
	}
	sync(a, b)
	sync(b, a)
	sync(a, b)

	require.Equal(t, a.Len(), b.Len())
	assert.Equal(t, a.Tree().Root(), b.Tree().Root())
}

func TestRangeIteratorOrderAndRestart(t *testing.T) {
	s := newTestStore(nid(1))
	for i := 0; i < 300; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%03d", i)), core.NewLWW([]byte("v"), 1, nid(1))))
	}

	it := s.Range([]byte("key-010"), []byte("key-290"))
	var seen [][]byte
	for en := it.Next(); en != nil; en = it.Next() {
		seen = append(seen, en.Key)
		if len(seen) == 100 {
			break
		}
	}
	require.Len(t, seen, 100)
	assert.Equal(t, []byte("key-010"), seen[0])

	// Restart from the cursor; no key is skipped or repeated.
	restart := s.Range(it.Cursor(), []byte("key-290"))
	next := restart.Next()
	require.NotNil(t, next)
	assert.Equal(t, []byte("key-110"), next.Key)
	for i := 1; i < len(seen); i++ {
		assert.True(t, string(seen[i-1]) < string(seen[i]))
	}
}

func TestCompactTombstones(t *testing.T) {
	s := newTestStore(nid(1))
	require.NoError(t, s.Put([]byte("k"), core.NewLWW([]byte("v"), 1, nid(1))))
	require.NoError(t, s.Delete([]byte("k")))

	en, _ := s.Get([]byte("k"))
	tombClock := en.Tomb.Clock

	// Watermark behind the tombstone: nothing is removed even after
	// expiry.
	s.SetNow(func() uint64 { return en.Tomb.ExpiresAt + 1 })
	assert.Equal(t, 0, s.CompactTombstones(core.VectorClock{}))
	assert.Equal(t, 1, s.Len())

	// Watermark dominating the tombstone clock releases it.
	wm := tombClock.Clone()
	wm.Bump(nid(1), en.Tomb.ExpiresAt)
	assert.Equal(t, 1, s.CompactTombstones(wm))
	assert.Equal(t, 0, s.Len())
	_, ok := s.Get([]byte("k"))
	assert.False(t, ok)
}

func TestSubscribePrefixAndGap(t *testing.T) {
	s := newTestStore(nid(1))

	sub := s.Subscribe([]byte("hot/"), 2)
	defer sub.Cancel()

	require.NoError(t, s.Put([]byte("cold/1"), core.NewLWW([]byte("v"), 1, nid(1))))
	require.NoError(t, s.Put([]byte("hot/1"), core.NewLWW([]byte("v"), 1, nid(1))))
	require.NoError(t, s.Put([]byte("hot/2"), core.NewLWW([]byte("v"), 1, nid(1))))
	// Overflows the buffer of 2: dropped, next delivery carries a gap.
	require.NoError(t, s.Put([]byte("hot/3"), core.NewLWW([]byte("v"), 1, nid(1))))

	ev1 := <-sub.C()
	assert.Equal(t, []byte("hot/1"), ev1.Entry.Key)
	assert.False(t, ev1.Gap)
	ev2 := <-sub.C()
	assert.Equal(t, []byte("hot/2"), ev2.Entry.Key)

	require.NoError(t, s.Put([]byte("hot/4"), core.NewLWW([]byte("v"), 1, nid(1))))
	ev3 := <-sub.C()
	assert.True(t, ev3.Gap, "dropped hot/3 must surface as a gap")
	assert.Equal(t, []byte("hot/4"), ev3.Entry.Key)
}

func TestBackpressureBusy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPendingWrites = 1
	block := make(chan struct{})
	s := New(nid(1), cfg, blockingWAL{block})
	s.SetNow(func() uint64 { return 1 })

	go s.Put([]byte("a"), core.NewLWW([]byte("v"), 1, nid(1)))
	// Wait for the first write to hold the only admission slot.
	for len(s.pending) == 0 {
		runtime.Gosched()
	}
	err := s.Put([]byte("b"), core.NewLWW([]byte("v"), 1, nid(1)))
	assert.ErrorIs(t, err, ErrBusy)
	close(block)
}

type blockingWAL struct{ block chan struct{} }

func (w blockingWAL) LogWrite(*core.Entry, bool) error {
	<-w.block
	return nil
}

// failingWAL fails every write while fail is set.
type failingWAL struct{ fail bool }

func (w *failingWAL) LogWrite(*core.Entry, bool) error {
	if w.fail {
		return errors.New("disk full")
	}
	return nil
}

func TestFailedLogLeavesStoreUntouched(t *testing.T) {
	w := &failingWAL{}
	s := New(nid(1), DefaultConfig(), w)
	var tick uint64
	s.SetNow(func() uint64 { tick++; return tick })

	require.NoError(t, s.Put([]byte("k"), core.NewLWW([]byte("old"), 10, nid(1))))
	before, _ := s.Get([]byte("k"))
	root := s.Tree().Root()

	w.fail = true
	assert.Error(t, s.Put([]byte("k"), core.NewLWW([]byte("new"), 20, nid(1))))
	assert.Error(t, s.Delete([]byte("k")))
	assert.Error(t, s.Put([]byte("fresh"), core.NewLWW([]byte("v"), 1, nid(1))))

	// Neither the entry, the index, nor the key count moved.
	after, ok := s.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, before.Digest, after.Digest)
	assert.Equal(t, []byte("old"), after.Val.LWW.Payload)
	assert.False(t, after.Deleted())
	assert.Equal(t, root, s.Tree().Root())
	assert.Equal(t, 1, s.Len())
	_, ok = s.Get([]byte("fresh"))
	assert.False(t, ok)
}

func TestMergeRemoteRetriesAfterLogFailure(t *testing.T) {
	w := &failingWAL{fail: true}
	s := New(nid(1), DefaultConfig(), w)
	s.SetNow(func() uint64 { return 1 })

	require.NoError(t, func() error {
		w.fail = false
		err := s.Put([]byte("k"), core.NewLWW([]byte("local"), 10, nid(1)))
		w.fail = true
		return err
	}())
	root := s.Tree().Root()

	val := core.NewLWW([]byte("remote"), 20, nid(2))
	clock := core.VectorClock{nid(2): 20}

	changed, err := s.MergeRemote([]byte("k"), val, clock, nil)
	require.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, root, s.Tree().Root(), "failed merge must not touch the index")
	en, _ := s.Get([]byte("k"))
	assert.Zero(t, en.Clock.Get(nid(2)), "failed merge must not advance the clock")

	// A verbatim retry once the disk recovers applies the merge in
	// full; the earlier failure left no half-applied clock behind.
	w.fail = false
	changed, err = s.MergeRemote([]byte("k"), val, clock, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	en, _ = s.Get([]byte("k"))
	assert.Equal(t, []byte("remote"), en.Val.LWW.Payload)
	assert.Equal(t, uint64(20), en.Clock.Get(nid(2)))
}
