package crdt

import (
	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/mst"
)

// rangeBatch is how many keys an iterator pulls from the index per
// refill; small enough to keep the tree lock short.
const rangeBatch = 128

// Iterator walks entries in key order over [start, end). It is lazy and
// restartable: Cursor() names the next key, and a new iterator started
// there resumes the walk.
type Iterator struct {
	store  *Store
	cursor []byte
	end    []byte
	batch  []*core.Entry
	done   bool
}

// Range returns an iterator over [start, end); nil bounds are
// unbounded.
func (s *Store) Range(start, end []byte) *Iterator {
	return &Iterator{store: s, cursor: cloneOrNil(start), end: cloneOrNil(end)}
}

// Next returns the next entry, or nil when the range is exhausted.
func (it *Iterator) Next() *core.Entry {
	if len(it.batch) == 0 && !it.done {
		it.refill()
	}
	if len(it.batch) == 0 {
		return nil
	}
	en := it.batch[0]
	it.batch = it.batch[1:]
	return en
}

// Cursor returns the key of the next entry Next would return, or the
// position just past the last key visited once the buffer is drained;
// feeding it to Range restarts the walk at the current position.
func (it *Iterator) Cursor() []byte {
	if len(it.batch) > 0 {
		return cloneOrNil(it.batch[0].Key)
	}
	return cloneOrNil(it.cursor)
}

func (it *Iterator) refill() {
	keys := make([][]byte, 0, rangeBatch)
	it.store.tree.WalkRange(it.cursor, it.end, func(item mst.Item) bool {
		keys = append(keys, item.Key)
		return len(keys) < rangeBatch
	})
	if len(keys) == 0 {
		it.done = true
		return
	}
	for _, k := range keys {
		if en, ok := it.store.Get(k); ok {
			it.batch = append(it.batch, en)
		}
	}
	// Resume strictly after the last visited key.
	last := keys[len(keys)-1]
	it.cursor = append(append([]byte(nil), last...), 0)
	if len(keys) < rangeBatch {
		it.done = true
	}
}

// CollectRange gathers every entry in [start, end); anti-entropy uses
// it for leaf-range payloads where the range is already known small.
func (s *Store) CollectRange(start, end []byte) []*core.Entry {
	var out []*core.Entry
	it := s.Range(start, end)
	for en := it.Next(); en != nil; en = it.Next() {
		out = append(out, en)
	}
	return out
}

func cloneOrNil(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
