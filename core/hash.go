package core

import "golang.org/x/crypto/sha3"

// Hash is a 32-byte Keccak-256 digest.
type Hash [32]byte

// HashSize is the length of all digests in bytes.
const HashSize = 32

// Domain-separation tags. Every digest input starts with exactly one of
// these so leaf, internal, value and clock hashes can never collide.
const (
	tagNodeId   byte = 0x01
	tagValue    byte = 0x02
	tagClock    byte = 0x03
	tagLeaf     byte = 0x04
	tagInternal byte = 0x05
	tagEmpty    byte = 0x06
	tagSkipped  byte = 0x07
	tagKey      byte = 0x08
	tagRange    byte = 0x09
)

// EmptyHash is the sentinel digest of an empty subtree.
var EmptyHash = DigestWithTag(tagEmpty, nil)

// DigestWithTag computes Keccak-256 over tag || data.
func DigestWithTag(tag byte, data []byte) Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte{tag})
	h.Write(data)
	var out Hash
	h.Sum(out[:0])
	return out
}

// KeyHash maps a store key into the hash-ordered space used by the MST
// for level assignment.
func KeyHash(key []byte) Hash {
	return DigestWithTag(tagKey, key)
}

// SkippedHash marks a subtree the responder withheld under a namespace
// filter. It binds the real subtree hash so proofs still verify.
func SkippedHash(subtree Hash) Hash {
	return DigestWithTag(tagSkipped, subtree[:])
}

// LeafHash digests the canonical encoding of a leaf index node.
func LeafHash(encoded []byte) Hash {
	return DigestWithTag(tagLeaf, encoded)
}

// InternalHash digests the canonical encoding of an internal index
// node. The distinct tag keeps leaf and internal hashes disjoint.
func InternalHash(encoded []byte) Hash {
	return DigestWithTag(tagInternal, encoded)
}

// RangeHash digests the ordered content fingerprint of a key range.
func RangeHash(encoded []byte) Hash {
	return DigestWithTag(tagRange, encoded)
}
