package mst

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pyralog/merkle-flow/core"
)

// ErrProofInvalid is returned when a range proof fails verification.
// The responder is either lying or desynchronized; either way nothing
// from the session may be applied.
var ErrProofInvalid = errors.New("mst: range proof invalid")

// ProofItem is one index entry disclosed by a proof. Items inside the
// proven range enumerate its content; items outside it act as boundary
// separators witnessing absence.
type ProofItem struct {
	Key         []byte
	ValueDigest core.Hash
	ClockDigest core.Hash
}

// ProofChild is one child slot of a proof node: either expanded as a
// nested proof node (on the range frontier) or collapsed to its
// subtree hash.
type ProofChild struct {
	Expanded *ProofNode
	Hash     core.Hash
}

// ProofNode mirrors one tree node on the frontier paths of a proof.
type ProofNode struct {
	Level    int
	Items    []ProofItem
	Children []ProofChild
}

// Proof witnesses that a set of entries is exactly the content of
// [Start, End) in the tree with a given root hash.
type Proof struct {
	Start []byte
	End   []byte
	Root  *ProofNode
}

// RangeProof builds a proof for [start, end). For an empty range the
// proof still carries the adjacent separators that pin the gap.
func (t *Tree) RangeProof(start, end []byte) *Proof {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &Proof{
		Start: cloneBound(start),
		End:   cloneBound(end),
		Root:  proveNode(t.root, start, end),
	}
}

func proveNode(n *node, start, end []byte) *ProofNode {
	if n == nil {
		return nil
	}
	pn := &ProofNode{
		Level:    n.level,
		Items:    make([]ProofItem, len(n.items)),
		Children: make([]ProofChild, len(n.children)),
	}
	for i, it := range n.items {
		pn.Items[i] = ProofItem{
			Key:         append([]byte(nil), it.Key...),
			ValueDigest: it.ValueDigest,
			ClockDigest: it.ClockDigest,
		}
	}
	for i, c := range n.children {
		lo, hi := childSpan(n, i)
		if c != nil && spanIntersects(lo, hi, start, end) {
			pn.Children[i] = ProofChild{Expanded: proveNode(c, start, end)}
		} else {
			pn.Children[i] = ProofChild{Hash: nodeHash(c)}
		}
	}
	return pn
}

// childSpan returns the exclusive key bounds of child i: its keys fall
// strictly between the surrounding items.
func childSpan(n *node, i int) (lo, hi []byte) {
	if i > 0 {
		lo = n.items[i-1].Key
	}
	if i < len(n.items) {
		hi = n.items[i].Key
	}
	return lo, hi
}

// spanIntersects reports whether the open span (lo, hi) meets the
// half-open range [start, end).
func spanIntersects(lo, hi, start, end []byte) bool {
	if end != nil && lo != nil && bytes.Compare(lo, end) >= 0 {
		return false
	}
	if start != nil && hi != nil && bytes.Compare(hi, start) <= 0 {
		return false
	}
	return true
}

// Verify checks the proof against the expected root hash and returns
// the enumerated items with key in [Start, End). On success those items
// are exactly the range's content in the tree whose root is root.
func (p *Proof) Verify(root core.Hash) ([]ProofItem, error) {
	if p.Root == nil {
		if root != core.EmptyHash {
			return nil, fmt.Errorf("%w: empty proof for non-empty root", ErrProofInvalid)
		}
		return nil, nil
	}
	got, err := verifyNode(p.Root, nil, nil, p.Start, p.End)
	if err != nil {
		return nil, err
	}
	if got != root {
		return nil, fmt.Errorf("%w: root mismatch", ErrProofInvalid)
	}
	var inRangeItems []ProofItem
	var prev []byte
	if err := collectInRange(p.Root, p.Start, p.End, &prev, &inRangeItems); err != nil {
		return nil, err
	}
	return inRangeItems, nil
}

// verifyNode recomputes the node's hash, checking that every opaque
// child lies entirely outside [start, end). lo and hi are the exclusive
// bounds inherited from the parent.
func verifyNode(pn *ProofNode, lo, hi, start, end []byte) (core.Hash, error) {
	if len(pn.Children) != len(pn.Items)+1 {
		return core.Hash{}, fmt.Errorf("%w: node arity", ErrProofInvalid)
	}
	var e core.Encoder
	e.PutUvarint(uint64(pn.Level))
	leaf := true
	for i := range pn.Children {
		clo, chi := proofChildSpan(pn, i, lo, hi)
		c := pn.Children[i]
		var ch core.Hash
		switch {
		case c.Expanded != nil:
			var err error
			ch, err = verifyNode(c.Expanded, clo, chi, start, end)
			if err != nil {
				return core.Hash{}, err
			}
			leaf = false
		case c.Hash == core.EmptyHash:
			ch = core.EmptyHash
		default:
			// Opaque non-empty subtree: its whole span must fall
			// outside the proven range, or entries could be hidden.
			if spanIntersects(clo, chi, start, end) {
				return core.Hash{}, fmt.Errorf("%w: opaque subtree overlaps range", ErrProofInvalid)
			}
			ch = c.Hash
			leaf = false
		}
		e.PutHash(ch)
		if i < len(pn.Items) {
			it := pn.Items[i]
			e.PutHash(core.KeyHash(it.Key))
			e.PutHash(it.ValueDigest)
			e.PutHash(it.ClockDigest)
		}
	}
	if leaf {
		return core.LeafHash(e.Bytes()), nil
	}
	return core.InternalHash(e.Bytes()), nil
}

func proofChildSpan(pn *ProofNode, i int, lo, hi []byte) ([]byte, []byte) {
	clo, chi := lo, hi
	if i > 0 {
		clo = pn.Items[i-1].Key
	}
	if i < len(pn.Items) {
		chi = pn.Items[i].Key
	}
	return clo, chi
}

// collectInRange gathers the in-range items in key order, checking the
// proof's global ordering as it goes.
func collectInRange(pn *ProofNode, start, end []byte, prev *[]byte, out *[]ProofItem) error {
	for i, it := range pn.Items {
		if c := pn.Children[i].Expanded; c != nil {
			if err := collectInRange(c, start, end, prev, out); err != nil {
				return err
			}
		}
		if *prev != nil && bytes.Compare(*prev, it.Key) >= 0 {
			return fmt.Errorf("%w: keys out of order", ErrProofInvalid)
		}
		k := it.Key
		*prev = k
		if inRange(it.Key, start, end) {
			*out = append(*out, it)
		}
	}
	if c := pn.Children[len(pn.Items)].Expanded; c != nil {
		return collectInRange(c, start, end, prev, out)
	}
	return nil
}

// Encode appends the proof's canonical wire form.
func (p *Proof) Encode(e *core.Encoder) {
	encodeBound(e, p.Start)
	encodeBound(e, p.End)
	encodeProofNode(e, p.Root)
}

func encodeBound(e *core.Encoder, b []byte) {
	if b == nil {
		e.PutByte(0)
		return
	}
	e.PutByte(1)
	e.PutBytes(b)
}

func decodeBound(d *core.Decoder) ([]byte, error) {
	present, err := d.Byte()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	return d.Bytes()
}

func encodeProofNode(e *core.Encoder, pn *ProofNode) {
	if pn == nil {
		e.PutByte(0)
		return
	}
	e.PutByte(1)
	e.PutUvarint(uint64(pn.Level))
	e.PutUvarint(uint64(len(pn.Items)))
	for _, it := range pn.Items {
		e.PutBytes(it.Key)
		e.PutHash(it.ValueDigest)
		e.PutHash(it.ClockDigest)
	}
	for _, c := range pn.Children {
		if c.Expanded != nil {
			e.PutByte(1)
			encodeProofNode(e, c.Expanded)
		} else {
			e.PutByte(0)
			e.PutHash(c.Hash)
		}
	}
}

// DecodeProof reads a proof written by Encode.
func DecodeProof(d *core.Decoder) (*Proof, error) {
	start, err := decodeBound(d)
	if err != nil {
		return nil, err
	}
	end, err := decodeBound(d)
	if err != nil {
		return nil, err
	}
	root, err := decodeProofNode(d, 0)
	if err != nil {
		return nil, err
	}
	return &Proof{Start: start, End: end, Root: root}, nil
}

// maxProofDepth caps decoder recursion against malicious input.
const maxProofDepth = 64

func decodeProofNode(d *core.Decoder, depth int) (*ProofNode, error) {
	if depth > maxProofDepth {
		return nil, fmt.Errorf("%w: proof too deep", ErrProofInvalid)
	}
	present, err := d.Byte()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	lvl, err := d.Uvarint()
	if err != nil {
		return nil, err
	}
	count, err := d.Uvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(d.Remaining()) {
		return nil, core.ErrTruncated
	}
	pn := &ProofNode{Level: int(lvl)}
	for i := uint64(0); i < count; i++ {
		key, err := d.Bytes()
		if err != nil {
			return nil, err
		}
		vd, err := d.Hash()
		if err != nil {
			return nil, err
		}
		cd, err := d.Hash()
		if err != nil {
			return nil, err
		}
		pn.Items = append(pn.Items, ProofItem{Key: key, ValueDigest: vd, ClockDigest: cd})
	}
	for i := uint64(0); i <= count; i++ {
		expanded, err := d.Byte()
		if err != nil {
			return nil, err
		}
		if expanded == 1 {
			child, err := decodeProofNode(d, depth+1)
			if err != nil {
				return nil, err
			}
			pn.Children = append(pn.Children, ProofChild{Expanded: child})
		} else {
			h, err := d.Hash()
			if err != nil {
				return nil, err
			}
			pn.Children = append(pn.Children, ProofChild{Hash: h})
		}
	}
	return pn, nil
}
