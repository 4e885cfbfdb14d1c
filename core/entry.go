package core

// Tombstone marks a deleted key. The entry stays in the store and the
// index until every live peer's convergence watermark dominates Clock
// and ExpiresAt has passed.
type Tombstone struct {
	// ExpiresAt is the wall-clock millisecond after which the tombstone
	// becomes a candidate for physical removal.
	ExpiresAt uint64
	// Clock is the writer's vector clock at deletion time.
	Clock VectorClock
}

// Clone returns a deep copy, nil-safe.
func (t *Tombstone) Clone() *Tombstone {
	if t == nil {
		return nil
	}
	return &Tombstone{ExpiresAt: t.ExpiresAt, Clock: t.Clock.Clone()}
}

// Entry is one key's full state: value, causal metadata, optional
// tombstone and the digest the MST indexes it under.
type Entry struct {
	Key    []byte
	Val    Value
	Clock  VectorClock
	Tomb   *Tombstone
	Digest Hash
}

// Deleted reports whether the entry carries a tombstone.
func (en *Entry) Deleted() bool { return en.Tomb != nil }

// Rehash recomputes Digest from (Val, Clock, Tomb). Callers mutate the
// entry through merge paths and then rehash before publishing it.
func (en *Entry) Rehash() {
	var e Encoder
	en.Val.Encode(&e)
	e.PutClock(en.Clock)
	if en.Tomb != nil {
		e.PutByte(1)
		e.PutU64(en.Tomb.ExpiresAt)
		e.PutClock(en.Tomb.Clock)
	} else {
		e.PutByte(0)
	}
	en.Digest = DigestWithTag(tagValue, e.Bytes())
}

// Clone returns a deep copy of the entry.
func (en *Entry) Clone() *Entry {
	return &Entry{
		Key:    append([]byte(nil), en.Key...),
		Val:    en.Val.Clone(),
		Clock:  en.Clock.Clone(),
		Tomb:   en.Tomb.Clone(),
		Digest: en.Digest,
	}
}

// Encode appends the canonical wire form of the entry.
func (en *Entry) Encode(e *Encoder) {
	e.PutBytes(en.Key)
	en.Val.Encode(e)
	e.PutClock(en.Clock)
	if en.Tomb != nil {
		e.PutByte(1)
		e.PutU64(en.Tomb.ExpiresAt)
		e.PutClock(en.Tomb.Clock)
	} else {
		e.PutByte(0)
	}
}

// DecodeEntry reads an entry written by Encode and recomputes its
// digest.
func DecodeEntry(d *Decoder) (*Entry, error) {
	key, err := d.Bytes()
	if err != nil {
		return nil, err
	}
	val, err := DecodeValue(d)
	if err != nil {
		return nil, err
	}
	clock, err := d.Clock()
	if err != nil {
		return nil, err
	}
	en := &Entry{Key: key, Val: val, Clock: clock}
	hasTomb, err := d.Byte()
	if err != nil {
		return nil, err
	}
	if hasTomb == 1 {
		exp, err := d.U64()
		if err != nil {
			return nil, err
		}
		tc, err := d.Clock()
		if err != nil {
			return nil, err
		}
		en.Tomb = &Tombstone{ExpiresAt: exp, Clock: tc}
	}
	en.Rehash()
	return en, nil
}
