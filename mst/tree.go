// Package mst implements the Merkle Search Tree index: an ordered,
// hash-indexed map over store keys whose shape is a pure function of
// its contents. A key's level is derived from its hash, so the same set
// of (key, digest) pairs yields the same tree and the same root hash
// regardless of insertion order.
package mst

import (
	"bytes"
	"sync"

	"github.com/pyralog/merkle-flow/core"
)

// branching base: levels count leading zero nibbles of the key hash,
// giving expected node fanout of 16.
const levelBase = 16

// Item is one indexed key: its hash, the key bytes, the entry digest
// and the digest of the entry's vector clock.
type Item struct {
	Key         []byte
	KeyHash     core.Hash
	ValueDigest core.Hash
	ClockDigest core.Hash
}

// Level returns the MST level of a key hash: the number of leading
// zero nibbles.
func Level(h core.Hash) int {
	lvl := 0
	for _, b := range h {
		if b == 0 {
			lvl += 2
			continue
		}
		if b>>4 == 0 {
			lvl++
		}
		break
	}
	return lvl
}

// node is an immutable tree node. Items are ordered by key; children
// has len(items)+1 slots and child subtrees hold strictly lower-level
// keys falling between the surrounding items. Nodes are shared between
// tree versions and never mutated after construction; the cached hash
// is filled lazily under the owning Tree's lock.
type node struct {
	level    int
	items    []Item
	children []*node

	hash   core.Hash
	hashed bool
}

func newNode(level int, items []Item, children []*node) *node {
	if len(children) != len(items)+1 {
		panic("mst: node arity mismatch")
	}
	return &node{level: level, items: items, children: children}
}

// isLeaf reports whether every child slot is empty.
func (n *node) isLeaf() bool {
	for _, c := range n.children {
		if c != nil {
			return false
		}
	}
	return true
}

// nodeHash computes (and caches) the node's digest. Empty subtrees
// hash to the fixed sentinel.
func nodeHash(n *node) core.Hash {
	if n == nil {
		return core.EmptyHash
	}
	if n.hashed {
		return n.hash
	}
	var e core.Encoder
	e.PutUvarint(uint64(n.level))
	for i, it := range n.items {
		e.PutHash(nodeHash(n.children[i]))
		e.PutHash(it.KeyHash)
		e.PutHash(it.ValueDigest)
		e.PutHash(it.ClockDigest)
	}
	e.PutHash(nodeHash(n.children[len(n.items)]))
	if n.isLeaf() {
		n.hash = core.LeafHash(e.Bytes())
	} else {
		n.hash = core.InternalHash(e.Bytes())
	}
	n.hashed = true
	return n.hash
}

// Tree is the index. All methods are safe for concurrent use.
type Tree struct {
	mu   sync.RWMutex
	root *node
	size int
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{}
}

// Root returns the current root hash, the empty sentinel for an empty
// tree.
func (t *Tree) Root() core.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return nodeHash(t.root)
}

// Len returns the number of indexed keys.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// InsertOrUpdate indexes key under the given digests, replacing any
// previous digests for the key.
func (t *Tree) InsertOrUpdate(key []byte, valueDigest, clockDigest core.Hash) {
	it := Item{
		Key:         append([]byte(nil), key...),
		KeyHash:     core.KeyHash(key),
		ValueDigest: valueDigest,
		ClockDigest: clockDigest,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var added bool
	t.root, added = insert(t.root, it, Level(it.KeyHash))
	if added {
		t.size++
	}
}

// ApplyBatch indexes every (key, digests) element. Equivalent to a
// sequence of InsertOrUpdate calls under one lock acquisition.
func (t *Tree) ApplyBatch(items []Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, it := range items {
		it.Key = append([]byte(nil), it.Key...)
		it.KeyHash = core.KeyHash(it.Key)
		var added bool
		t.root, added = insert(t.root, it, Level(it.KeyHash))
		if added {
			t.size++
		}
	}
}

// Remove drops key from the index. Removing an absent key is a no-op.
func (t *Tree) Remove(key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed bool
	t.root, removed = remove(t.root, key)
	if removed {
		t.size--
	}
}

// findItem locates key's slot in the node: (index, true) when items[i]
// holds the key, (childIndex, false) when the key belongs in a child.
// A key equal to an item never descends; between items it goes to the
// right child of the smaller item.
func findItem(n *node, key []byte) (int, bool) {
	lo, hi := 0, len(n.items)
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(n.items[mid].Key, key) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// insert returns the root of n with it added at level lvl, and whether
// the key was new.
func insert(n *node, it Item, lvl int) (*node, bool) {
	if n == nil {
		return newNode(lvl, []Item{it}, []*node{nil, nil}), true
	}
	if lvl > n.level {
		// The new key floats above the current root: split the whole
		// subtree around it.
		l, r := split(n, it.Key)
		return newNode(lvl, []Item{it}, []*node{l, r}), true
	}
	if lvl == n.level {
		i, exact := findItem(n, it.Key)
		items := make([]Item, 0, len(n.items)+1)
		children := make([]*node, 0, len(n.children)+1)
		if exact {
			items = append(items, n.items...)
			items[i] = it
			children = append(children, n.children...)
			return newNode(n.level, items, children), false
		}
		l, r := split(n.children[i], it.Key)
		items = append(items, n.items[:i]...)
		items = append(items, it)
		items = append(items, n.items[i:]...)
		children = append(children, n.children[:i]...)
		children = append(children, l, r)
		children = append(children, n.children[i+1:]...)
		return newNode(n.level, items, children), true
	}
	// lvl < n.level: descend.
	i, exact := findItem(n, it.Key)
	if exact {
		// A key's level is a function of the key, so an existing item
		// can only be found at its own level.
		panic("mst: level mismatch for existing key")
	}
	child, added := insert(n.children[i], it, lvl)
	children := append([]*node(nil), n.children...)
	children[i] = child
	return newNode(n.level, append([]Item(nil), n.items...), children), added
}

// split partitions subtree n into keys < key and keys > key. The key
// itself must not be present in n.
func split(n *node, key []byte) (*node, *node) {
	if n == nil {
		return nil, nil
	}
	i, exact := findItem(n, key)
	if exact {
		panic("mst: split on present key")
	}
	cl, cr := split(n.children[i], key)
	var left, right *node
	if i == 0 {
		left = cl
	} else {
		children := append([]*node(nil), n.children[:i]...)
		children = append(children, cl)
		left = newNode(n.level, append([]Item(nil), n.items[:i]...), children)
	}
	if i == len(n.items) {
		right = cr
	} else {
		children := []*node{cr}
		children = append(children, n.children[i+1:]...)
		right = newNode(n.level, append([]Item(nil), n.items[i:]...), children)
	}
	return left, right
}

// remove returns n without key, and whether the key was found.
func remove(n *node, key []byte) (*node, bool) {
	if n == nil {
		return nil, false
	}
	i, exact := findItem(n, key)
	if exact {
		merged := mergeSubtrees(n.children[i], n.children[i+1])
		if len(n.items) == 1 {
			// Node underflows to nothing; its merged children take
			// its place.
			return merged, true
		}
		items := append([]Item(nil), n.items[:i]...)
		items = append(items, n.items[i+1:]...)
		children := append([]*node(nil), n.children[:i]...)
		children = append(children, merged)
		children = append(children, n.children[i+2:]...)
		return newNode(n.level, items, children), true
	}
	child, removed := remove(n.children[i], key)
	if !removed {
		return n, false
	}
	children := append([]*node(nil), n.children...)
	children[i] = child
	return newNode(n.level, append([]Item(nil), n.items...), children), true
}

// mergeSubtrees joins two subtrees where every key of a orders before
// every key of b.
func mergeSubtrees(a, b *node) *node {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	switch {
	case a.level == b.level:
		mid := mergeSubtrees(a.children[len(a.items)], b.children[0])
		items := append(append([]Item(nil), a.items...), b.items...)
		children := append([]*node(nil), a.children[:len(a.items)]...)
		children = append(children, mid)
		children = append(children, b.children[1:]...)
		return newNode(a.level, items, children)
	case a.level > b.level:
		children := append([]*node(nil), a.children...)
		children[len(children)-1] = mergeSubtrees(children[len(children)-1], b)
		return newNode(a.level, append([]Item(nil), a.items...), children)
	default:
		children := append([]*node(nil), b.children...)
		children[0] = mergeSubtrees(a, children[0])
		return newNode(b.level, append([]Item(nil), b.items...), children)
	}
}

// inRange reports whether key falls in [start, end). A nil start or end
// leaves that side unbounded.
func inRange(key, start, end []byte) bool {
	if start != nil && bytes.Compare(key, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(key, end) >= 0 {
		return false
	}
	return true
}

// walkRange visits every item with key in [start, end) in key order.
func walkRange(n *node, start, end []byte, fn func(Item) bool) bool {
	if n == nil {
		return true
	}
	for i, it := range n.items {
		// Child i spans keys below items[i]; skip it when the range
		// starts at or after the item.
		if start == nil || bytes.Compare(start, it.Key) < 0 {
			if !walkRange(n.children[i], start, end, fn) {
				return false
			}
		}
		if end != nil && bytes.Compare(it.Key, end) >= 0 {
			return true
		}
		if inRange(it.Key, start, end) {
			if !fn(it) {
				return false
			}
		}
	}
	return walkRange(n.children[len(n.items)], start, end, fn)
}

// WalkRange visits the indexed items with key in [start, end) in key
// order until fn returns false.
func (t *Tree) WalkRange(start, end []byte, fn func(Item) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	walkRange(t.root, start, end, fn)
}
