package mst

import (
	"bytes"

	"github.com/pyralog/merkle-flow/core"
)

// RangeSummary describes one contiguous key range [Start, End) and the
// fingerprint of its content. A nil Start or End leaves that side
// unbounded. Skipped summaries stand in for ranges a responder withheld
// under a namespace filter.
type RangeSummary struct {
	Start   []byte
	End     []byte
	Fp      core.Hash
	Count   uint64
	Skipped bool
}

// Fingerprint digests the ordered (keyHash, valueDigest, clockDigest)
// triples of every indexed key in [start, end). Two trees agree on a
// range's content exactly when their fingerprints match.
func (t *Tree) Fingerprint(start, end []byte) (core.Hash, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fingerprint(t.root, start, end)
}

func fingerprint(n *node, start, end []byte) (core.Hash, uint64) {
	var e core.Encoder
	var count uint64
	walkRange(n, start, end, func(it Item) bool {
		e.PutHash(it.KeyHash)
		e.PutHash(it.ValueDigest)
		e.PutHash(it.ClockDigest)
		count++
		return true
	})
	if count == 0 {
		return core.EmptyHash, 0
	}
	return core.RangeHash(e.Bytes()), count
}

// SplitRange partitions [start, end) along the tree's own structure:
// the split keys are the highest-level indexed keys strictly inside the
// range. A range the tree cannot split further (no interior structure)
// comes back as a single summary. Each piece carries its fingerprint
// and entry count.
func (t *Tree) SplitRange(start, end []byte) []RangeSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	splits := splitKeys(t.root, start, end)
	bounds := make([][]byte, 0, len(splits)+2)
	bounds = append(bounds, start)
	bounds = append(bounds, splits...)
	bounds = append(bounds, end)

	out := make([]RangeSummary, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		fp, count := fingerprint(t.root, bounds[i], bounds[i+1])
		out = append(out, RangeSummary{
			Start: cloneBound(bounds[i]),
			End:   cloneBound(bounds[i+1]),
			Fp:    fp,
			Count: count,
		})
	}
	return out
}

// splitKeys returns the keys of the highest-populated level strictly
// inside (start, end), in order. It descends while a node contributes
// no interior key to the range.
func splitKeys(n *node, start, end []byte) [][]byte {
	if n == nil {
		return nil
	}
	var keys [][]byte
	for _, it := range n.items {
		if start != nil && bytes.Compare(it.Key, start) <= 0 {
			continue
		}
		if end != nil && bytes.Compare(it.Key, end) >= 0 {
			break
		}
		keys = append(keys, append([]byte(nil), it.Key...))
	}
	if len(keys) > 0 {
		return keys
	}
	// All of (start, end) lies in a single child gap.
	i := len(n.items)
	for j, it := range n.items {
		if start == nil || bytes.Compare(start, it.Key) < 0 {
			i = j
			break
		}
	}
	return splitKeys(n.children[i], start, end)
}

// DiffSummary returns the fingerprints of the keyspace partitioned by
// the top depth levels of the tree, the opening offer of an
// anti-entropy session.
func (t *Tree) DiffSummary(depth int) []RangeSummary {
	out := []RangeSummary{}
	fp, count := t.Fingerprint(nil, nil)
	out = append(out, RangeSummary{Fp: fp, Count: count})
	for d := 0; d < depth; d++ {
		var next []RangeSummary
		for _, rs := range out {
			if rs.Count <= 1 {
				next = append(next, rs)
				continue
			}
			next = append(next, t.SplitRange(rs.Start, rs.End)...)
		}
		if len(next) == len(out) {
			break
		}
		out = next
	}
	return out
}

func cloneBound(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
