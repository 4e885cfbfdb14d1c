package core

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Canonical encoding rules: fixed-width integers are little-endian,
// lengths and counts are unsigned varints, byte strings are
// length-prefixed, and maps are serialized in ascending key order.
// Every digest in the system is computed over bytes produced here, so
// there is exactly one encoding for any value.

// ErrTruncated is returned when a decoder runs out of input.
var ErrTruncated = errors.New("core: truncated encoding")

// Encoder appends canonical encodings to an in-memory buffer.
type Encoder struct {
	buf []byte
}

// Bytes returns the accumulated encoding.
func (e *Encoder) Bytes() []byte { return e.buf }

// Reset discards the accumulated encoding.
func (e *Encoder) Reset() { e.buf = e.buf[:0] }

// PutUvarint appends an unsigned varint.
func (e *Encoder) PutUvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

// PutU16 appends a fixed-width little-endian uint16.
func (e *Encoder) PutU16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

// PutU32 appends a fixed-width little-endian uint32.
func (e *Encoder) PutU32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// PutU64 appends a fixed-width little-endian uint64.
func (e *Encoder) PutU64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// PutByte appends a single byte.
func (e *Encoder) PutByte(b byte) {
	e.buf = append(e.buf, b)
}

// PutBytes appends a varint length prefix followed by the bytes.
func (e *Encoder) PutBytes(b []byte) {
	e.PutUvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// PutRaw appends bytes with no prefix, for fixed-size fields.
func (e *Encoder) PutRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// PutNodeId appends the 32 id bytes.
func (e *Encoder) PutNodeId(id NodeId) {
	e.buf = append(e.buf, id[:]...)
}

// PutHash appends the 32 digest bytes.
func (e *Encoder) PutHash(h Hash) {
	e.buf = append(e.buf, h[:]...)
}

// PutClock appends the clock as count || (writer, counter)* in
// ascending writer order.
func (e *Encoder) PutClock(vc VectorClock) {
	ids := vc.sortedWriters()
	e.PutUvarint(uint64(len(ids)))
	for _, id := range ids {
		e.PutNodeId(id)
		e.PutU64(vc[id])
	}
}

// Decoder consumes canonical encodings from a byte slice.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder wraps buf without copying.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining reports how many bytes are left unread.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

// Uvarint reads an unsigned varint.
func (d *Decoder) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	d.off += n
	return v, nil
}

// U16 reads a little-endian uint16.
func (d *Decoder) U16() (uint16, error) {
	if d.Remaining() < 2 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v, nil
}

// U32 reads a little-endian uint32.
func (d *Decoder) U32() (uint32, error) {
	if d.Remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

// U64 reads a little-endian uint64.
func (d *Decoder) U64() (uint64, error) {
	if d.Remaining() < 8 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

// Byte reads a single byte.
func (d *Decoder) Byte() (byte, error) {
	if d.Remaining() < 1 {
		return 0, ErrTruncated
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

// Bytes reads a varint-prefixed byte string. The result is a copy.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(d.Remaining()) < n {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:])
	d.off += int(n)
	return out, nil
}

// Raw reads exactly n bytes with no prefix, for fixed-size fields.
func (d *Decoder) Raw(n int) ([]byte, error) {
	if d.Remaining() < n {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:])
	d.off += n
	return out, nil
}

// NodeId reads 32 id bytes.
func (d *Decoder) NodeId() (NodeId, error) {
	var id NodeId
	if d.Remaining() < len(id) {
		return id, ErrTruncated
	}
	copy(id[:], d.buf[d.off:])
	d.off += len(id)
	return id, nil
}

// Hash reads 32 digest bytes.
func (d *Decoder) Hash() (Hash, error) {
	var h Hash
	if d.Remaining() < len(h) {
		return h, ErrTruncated
	}
	copy(h[:], d.buf[d.off:])
	d.off += len(h)
	return h, nil
}

// Clock reads a vector clock written by PutClock.
func (d *Decoder) Clock() (VectorClock, error) {
	n, err := d.Uvarint()
	if err != nil {
		return nil, err
	}
	vc := make(VectorClock, n)
	var prev NodeId
	for i := uint64(0); i < n; i++ {
		id, err := d.NodeId()
		if err != nil {
			return nil, err
		}
		if i > 0 && !prev.Less(id) {
			return nil, fmt.Errorf("core: clock writers out of order")
		}
		cnt, err := d.U64()
		if err != nil {
			return nil, err
		}
		vc[id] = cnt
		prev = id
	}
	return vc, nil
}
