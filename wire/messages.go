package wire

import (
	"fmt"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/mst"
)

// Message is one decoded catalog entry.
type Message interface {
	MsgType() MsgType
	encode(e *core.Encoder)
}

// MemberState is the gossip form of a membership table row.
type MemberState struct {
	Id          core.NodeId
	Addrs       []string
	Incarnation core.Incarnation
	Status      core.Status
	HealthScore uint32
}

func (m *MemberState) encode(e *core.Encoder) {
	e.PutNodeId(m.Id)
	e.PutUvarint(uint64(len(m.Addrs)))
	for _, a := range m.Addrs {
		e.PutBytes([]byte(a))
	}
	e.PutU64(uint64(m.Incarnation))
	e.PutByte(byte(m.Status))
	e.PutU32(m.HealthScore)
}

func decodeMemberState(d *core.Decoder) (MemberState, error) {
	var m MemberState
	var err error
	if m.Id, err = d.NodeId(); err != nil {
		return m, err
	}
	n, err := d.Uvarint()
	if err != nil {
		return m, err
	}
	if n > uint64(d.Remaining()) {
		return m, core.ErrTruncated
	}
	for i := uint64(0); i < n; i++ {
		a, err := d.Bytes()
		if err != nil {
			return m, err
		}
		m.Addrs = append(m.Addrs, string(a))
	}
	inc, err := d.U64()
	if err != nil {
		return m, err
	}
	m.Incarnation = core.Incarnation(inc)
	st, err := d.Byte()
	if err != nil {
		return m, err
	}
	m.Status = core.Status(st)
	if m.HealthScore, err = d.U32(); err != nil {
		return m, err
	}
	return m, nil
}

// MessageID identifies a broadcast: the originator plus its sequence.
type MessageID struct {
	Origin core.NodeId
	Seq    uint64
}

func (id MessageID) encode(e *core.Encoder) {
	e.PutNodeId(id.Origin)
	e.PutU64(id.Seq)
}

func decodeMessageID(d *core.Decoder) (MessageID, error) {
	var id MessageID
	var err error
	if id.Origin, err = d.NodeId(); err != nil {
		return id, err
	}
	if id.Seq, err = d.U64(); err != nil {
		return id, err
	}
	return id, nil
}

// KeyRange is a half-open key range; nil bounds are unbounded.
type KeyRange struct {
	Start []byte
	End   []byte
}

func (r KeyRange) encode(e *core.Encoder) {
	encodeBound(e, r.Start)
	encodeBound(e, r.End)
}

func decodeKeyRange(d *core.Decoder) (KeyRange, error) {
	var r KeyRange
	var err error
	if r.Start, err = decodeBound(d); err != nil {
		return r, err
	}
	if r.End, err = decodeBound(d); err != nil {
		return r, err
	}
	return r, nil
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

func encodeSummary(e *core.Encoder, rs mst.RangeSummary) {
	encodeBound(e, rs.Start)
	encodeBound(e, rs.End)
	e.PutHash(rs.Fp)
	e.PutUvarint(rs.Count)
	if rs.Skipped {
		e.PutByte(1)
	} else {
		e.PutByte(0)
	}
}

func decodeSummary(d *core.Decoder) (mst.RangeSummary, error) {
	var rs mst.RangeSummary
	var err error
	if rs.Start, err = decodeBound(d); err != nil {
		return rs, err
	}
	if rs.End, err = decodeBound(d); err != nil {
		return rs, err
	}
	if rs.Fp, err = d.Hash(); err != nil {
		return rs, err
	}
	if rs.Count, err = d.Uvarint(); err != nil {
		return rs, err
	}
	skipped, err := d.Byte()
	if err != nil {
		return rs, err
	}
	rs.Skipped = skipped == 1
	return rs, nil
}

func encodeTombstone(e *core.Encoder, t *core.Tombstone) {
	if t == nil {
		e.PutByte(0)
		return
	}
	e.PutByte(1)
	e.PutU64(t.ExpiresAt)
	e.PutClock(t.Clock)
}

func decodeTombstone(d *core.Decoder) (*core.Tombstone, error) {
	present, err := d.Byte()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	exp, err := d.U64()
	if err != nil {
		return nil, err
	}
	vc, err := d.Clock()
	if err != nil {
		return nil, err
	}
	return &core.Tombstone{ExpiresAt: exp, Clock: vc}, nil
}

func encodeEntries(e *core.Encoder, entries []*core.Entry) {
	e.PutUvarint(uint64(len(entries)))
	for _, en := range entries {
		en.Encode(e)
	}
}

func decodeEntries(d *core.Decoder) ([]*core.Entry, error) {
	n, err := d.Uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Remaining()) {
		return nil, core.ErrTruncated
	}
	out := make([]*core.Entry, 0, n)
	for i := uint64(0); i < n; i++ {
		en, err := core.DecodeEntry(d)
		if err != nil {
			return nil, err
		}
		out = append(out, en)
	}
	return out, nil
}

// JoinRequest introduces a newcomer to a seed.
type JoinRequest struct {
	Self MemberState
}

// JoinResponse hands the newcomer a membership snapshot.
type JoinResponse struct {
	Epoch   uint64
	Members []MemberState
}

// Ping probes a peer directly.
type Ping struct {
	Seq uint64
}

// Ack answers a Ping or a relayed probe.
type Ack struct {
	Seq uint64
}

// IndirectPing asks a relay to probe Target on the sender's behalf.
type IndirectPing struct {
	Target core.NodeId
	Seq    uint64
}

// IndirectPingResponse reports the relay's probe outcome.
type IndirectPingResponse struct {
	Target core.NodeId
	Seq    uint64
	Ok     bool
}

// MemberUpdate disseminates membership state changes.
type MemberUpdate struct {
	Updates []MemberState
}

// PushDelta carries a hot-key update through the broadcast tree.
type PushDelta struct {
	ID          MessageID
	Key         []byte
	ValueDigest core.Hash
	Delta       core.Value
	Clock       core.VectorClock
	Tomb        *core.Tombstone
	Hops        uint32
}

// LazyIDs advertises broadcast ids over a lazy link.
type LazyIDs struct {
	IDs  []MessageID
	Hops uint32
}

// FetchMissing requests payloads for known-missing ids without
// promoting the link.
type FetchMissing struct {
	IDs []MessageID
}

// Prune downgrades the reverse link to lazy after a duplicate.
type Prune struct{}

// Graft promotes the link back to eager and requests the payload.
type Graft struct {
	ID MessageID
}

// Neighbor asks a peer to add the sender to its active view.
type Neighbor struct {
	HighPriority bool
}

// ForwardJoin walks a newcomer through the overlay.
type ForwardJoin struct {
	NewNode MemberState
	TTL     uint32
}

// Shuffle offers a sample of the sender's views.
type Shuffle struct {
	Origin  core.NodeId
	Entries []MemberState
	TTL     uint32
}

// ShuffleReply returns the receiver's own sample.
type ShuffleReply struct {
	Entries []MemberState
}

// AESummary opens an anti-entropy session.
type AESummary struct {
	Epoch     uint64
	Root      core.Hash
	Summaries []mst.RangeSummary
	// Interest restricts the session to keys under these prefixes;
	// empty means the full keyspace.
	Interest [][]byte
}

// AEChildHashes refines one differing range into sub-range summaries.
type AEChildHashes struct {
	Parent   KeyRange
	Children []mst.RangeSummary
}

// AERequest asks for refinement or, at leaf granularity, for proofs.
type AERequest struct {
	Ranges    []KeyRange
	WantProof bool
}

// AEProof answers with range proofs and the entries they enumerate.
type AEProof struct {
	Proofs  []*mst.Proof
	Entries []*core.Entry
}

// AETwoWayDelta pushes back entries the responder was missing.
type AETwoWayDelta struct {
	Entries []*core.Entry
}

// AECommit closes a session, advertising the node's snapshot epoch and
// convergence watermark.
type AECommit struct {
	Epoch     uint64
	Watermark core.VectorClock
}

// Busy refuses work under backpressure.
type Busy struct {
	RetryAfterMillis uint64
}

func (*JoinRequest) MsgType() MsgType          { return MsgJoinRequest }
func (*JoinResponse) MsgType() MsgType         { return MsgJoinResponse }
func (*Ping) MsgType() MsgType                 { return MsgPing }
func (*Ack) MsgType() MsgType                  { return MsgAck }
func (*IndirectPing) MsgType() MsgType         { return MsgIndirectPing }
func (*IndirectPingResponse) MsgType() MsgType { return MsgIndirectPingResponse }
func (*MemberUpdate) MsgType() MsgType         { return MsgMemberUpdate }
func (*PushDelta) MsgType() MsgType            { return MsgPushDelta }
func (*LazyIDs) MsgType() MsgType              { return MsgLazyIDs }
func (*FetchMissing) MsgType() MsgType         { return MsgFetchMissing }
func (*Prune) MsgType() MsgType                { return MsgPrune }
func (*Graft) MsgType() MsgType                { return MsgGraft }
func (*Neighbor) MsgType() MsgType             { return MsgNeighbor }
func (*ForwardJoin) MsgType() MsgType          { return MsgForwardJoin }
func (*Shuffle) MsgType() MsgType              { return MsgShuffle }
func (*ShuffleReply) MsgType() MsgType         { return MsgShuffleReply }
func (*AESummary) MsgType() MsgType            { return MsgAESummary }
func (*AEChildHashes) MsgType() MsgType        { return MsgAEChildHashes }
func (*AERequest) MsgType() MsgType            { return MsgAERequest }
func (*AEProof) MsgType() MsgType              { return MsgAEProof }
func (*AETwoWayDelta) MsgType() MsgType        { return MsgAETwoWayDelta }
func (*AECommit) MsgType() MsgType             { return MsgAECommit }
func (*Busy) MsgType() MsgType                 { return MsgBusy }

func (m *JoinRequest) encode(e *core.Encoder) {
	m.Self.encode(e)
}

func (m *JoinResponse) encode(e *core.Encoder) {
	e.PutU64(m.Epoch)
	e.PutUvarint(uint64(len(m.Members)))
	for i := range m.Members {
		m.Members[i].encode(e)
	}
}

func (m *Ping) encode(e *core.Encoder) {
	e.PutU64(m.Seq)
}

func (m *Ack) encode(e *core.Encoder) {
	e.PutU64(m.Seq)
}

func (m *IndirectPing) encode(e *core.Encoder) {
	e.PutNodeId(m.Target)
	e.PutU64(m.Seq)
}

func (m *IndirectPingResponse) encode(e *core.Encoder) {
	e.PutNodeId(m.Target)
	e.PutU64(m.Seq)
	if m.Ok {
		e.PutByte(1)
	} else {
		e.PutByte(0)
	}
}

func (m *MemberUpdate) encode(e *core.Encoder) {
	e.PutUvarint(uint64(len(m.Updates)))
	for i := range m.Updates {
		m.Updates[i].encode(e)
	}
}

func (m *PushDelta) encode(e *core.Encoder) {
	m.ID.encode(e)
	e.PutBytes(m.Key)
	e.PutHash(m.ValueDigest)
	m.Delta.Encode(e)
	e.PutClock(m.Clock)
	encodeTombstone(e, m.Tomb)
	e.PutU32(m.Hops)
}

func (m *LazyIDs) encode(e *core.Encoder) {
	e.PutUvarint(uint64(len(m.IDs)))
	for _, id := range m.IDs {
		id.encode(e)
	}
	e.PutU32(m.Hops)
}

func (m *FetchMissing) encode(e *core.Encoder) {
	e.PutUvarint(uint64(len(m.IDs)))
	for _, id := range m.IDs {
		id.encode(e)
	}
}

func (m *Prune) encode(*core.Encoder) {}

func (m *Graft) encode(e *core.Encoder) {
	m.ID.encode(e)
}

func (m *Neighbor) encode(e *core.Encoder) {
	if m.HighPriority {
		e.PutByte(1)
	} else {
		e.PutByte(0)
	}
}

func (m *ForwardJoin) encode(e *core.Encoder) {
	m.NewNode.encode(e)
	e.PutU32(m.TTL)
}

func (m *Shuffle) encode(e *core.Encoder) {
	e.PutNodeId(m.Origin)
	e.PutUvarint(uint64(len(m.Entries)))
	for i := range m.Entries {
		m.Entries[i].encode(e)
	}
	e.PutU32(m.TTL)
}

func (m *ShuffleReply) encode(e *core.Encoder) {
	e.PutUvarint(uint64(len(m.Entries)))
	for i := range m.Entries {
		m.Entries[i].encode(e)
	}
}

func (m *AESummary) encode(e *core.Encoder) {
	e.PutU64(m.Epoch)
	e.PutHash(m.Root)
	e.PutUvarint(uint64(len(m.Summaries)))
	for _, rs := range m.Summaries {
		encodeSummary(e, rs)
	}
	e.PutUvarint(uint64(len(m.Interest)))
	for _, p := range m.Interest {
		e.PutBytes(p)
	}
}

func (m *AEChildHashes) encode(e *core.Encoder) {
	m.Parent.encode(e)
	e.PutUvarint(uint64(len(m.Children)))
	for _, rs := range m.Children {
		encodeSummary(e, rs)
	}
}

func (m *AERequest) encode(e *core.Encoder) {
	e.PutUvarint(uint64(len(m.Ranges)))
	for _, r := range m.Ranges {
		r.encode(e)
	}
	if m.WantProof {
		e.PutByte(1)
	} else {
		e.PutByte(0)
	}
}

func (m *AEProof) encode(e *core.Encoder) {
	e.PutUvarint(uint64(len(m.Proofs)))
	for _, p := range m.Proofs {
		p.Encode(e)
	}
	encodeEntries(e, m.Entries)
}

func (m *AETwoWayDelta) encode(e *core.Encoder) {
	encodeEntries(e, m.Entries)
}

func (m *AECommit) encode(e *core.Encoder) {
	e.PutU64(m.Epoch)
	e.PutClock(m.Watermark)
}

func (m *Busy) encode(e *core.Encoder) {
	e.PutU64(m.RetryAfterMillis)
}

// EncodePayload returns a message's canonical payload bytes, for
// callers that persist or embed messages outside an envelope.
func EncodePayload(m Message) []byte {
	var e core.Encoder
	m.encode(&e)
	return append([]byte(nil), e.Bytes()...)
}

// Decode parses a payload written by EncodePayload.
func Decode(t MsgType, payload []byte) (Message, error) {
	return decodePayload(t, payload)
}

// decodePayload dispatches on the envelope's message type.
func decodePayload(t MsgType, payload []byte) (Message, error) {
	d := core.NewDecoder(payload)
	switch t {
	case MsgJoinRequest:
		self, err := decodeMemberState(d)
		if err != nil {
			return nil, err
		}
		return &JoinRequest{Self: self}, nil
	case MsgJoinResponse:
		m := &JoinResponse{}
		var err error
		if m.Epoch, err = d.U64(); err != nil {
			return nil, err
		}
		n, err := d.Uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(d.Remaining()) {
			return nil, core.ErrTruncated
		}
		for i := uint64(0); i < n; i++ {
			ms, err := decodeMemberState(d)
			if err != nil {
				return nil, err
			}
			m.Members = append(m.Members, ms)
		}
		return m, nil
	case MsgPing:
		seq, err := d.U64()
		if err != nil {
			return nil, err
		}
		return &Ping{Seq: seq}, nil
	case MsgAck:
		seq, err := d.U64()
		if err != nil {
			return nil, err
		}
		return &Ack{Seq: seq}, nil
	case MsgIndirectPing:
		m := &IndirectPing{}
		var err error
		if m.Target, err = d.NodeId(); err != nil {
			return nil, err
		}
		if m.Seq, err = d.U64(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgIndirectPingResponse:
		m := &IndirectPingResponse{}
		var err error
		if m.Target, err = d.NodeId(); err != nil {
			return nil, err
		}
		if m.Seq, err = d.U64(); err != nil {
			return nil, err
		}
		ok, err := d.Byte()
		if err != nil {
			return nil, err
		}
		m.Ok = ok == 1
		return m, nil
	case MsgMemberUpdate:
		m := &MemberUpdate{}
		n, err := d.Uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(d.Remaining()) {
			return nil, core.ErrTruncated
		}
		for i := uint64(0); i < n; i++ {
			ms, err := decodeMemberState(d)
			if err != nil {
				return nil, err
			}
			m.Updates = append(m.Updates, ms)
		}
		return m, nil
	case MsgPushDelta:
		m := &PushDelta{}
		var err error
		if m.ID, err = decodeMessageID(d); err != nil {
			return nil, err
		}
		if m.Key, err = d.Bytes(); err != nil {
			return nil, err
		}
		if m.ValueDigest, err = d.Hash(); err != nil {
			return nil, err
		}
		if m.Delta, err = core.DecodeValue(d); err != nil {
			return nil, err
		}
		if m.Clock, err = d.Clock(); err != nil {
			return nil, err
		}
		if m.Tomb, err = decodeTombstone(d); err != nil {
			return nil, err
		}
		if m.Hops, err = d.U32(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgLazyIDs:
		m := &LazyIDs{}
		n, err := d.Uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(d.Remaining()) {
			return nil, core.ErrTruncated
		}
		for i := uint64(0); i < n; i++ {
			id, err := decodeMessageID(d)
			if err != nil {
				return nil, err
			}
			m.IDs = append(m.IDs, id)
		}
		if m.Hops, err = d.U32(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgFetchMissing:
		m := &FetchMissing{}
		n, err := d.Uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(d.Remaining()) {
			return nil, core.ErrTruncated
		}
		for i := uint64(0); i < n; i++ {
			id, err := decodeMessageID(d)
			if err != nil {
				return nil, err
			}
			m.IDs = append(m.IDs, id)
		}
		return m, nil
	case MsgPrune:
		return &Prune{}, nil
	case MsgGraft:
		id, err := decodeMessageID(d)
		if err != nil {
			return nil, err
		}
		return &Graft{ID: id}, nil
	case MsgNeighbor:
		hp, err := d.Byte()
		if err != nil {
			return nil, err
		}
		return &Neighbor{HighPriority: hp == 1}, nil
	case MsgForwardJoin:
		m := &ForwardJoin{}
		var err error
		if m.NewNode, err = decodeMemberState(d); err != nil {
			return nil, err
		}
		if m.TTL, err = d.U32(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgShuffle:
		m := &Shuffle{}
		var err error
		if m.Origin, err = d.NodeId(); err != nil {
			return nil, err
		}
		n, err := d.Uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(d.Remaining()) {
			return nil, core.ErrTruncated
		}
		for i := uint64(0); i < n; i++ {
			ms, err := decodeMemberState(d)
			if err != nil {
				return nil, err
			}
			m.Entries = append(m.Entries, ms)
		}
		if m.TTL, err = d.U32(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgShuffleReply:
		m := &ShuffleReply{}
		n, err := d.Uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(d.Remaining()) {
			return nil, core.ErrTruncated
		}
		for i := uint64(0); i < n; i++ {
			ms, err := decodeMemberState(d)
			if err != nil {
				return nil, err
			}
			m.Entries = append(m.Entries, ms)
		}
		return m, nil
	case MsgAESummary:
		m := &AESummary{}
		var err error
		if m.Epoch, err = d.U64(); err != nil {
			return nil, err
		}
		if m.Root, err = d.Hash(); err != nil {
			return nil, err
		}
		n, err := d.Uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(d.Remaining()) {
			return nil, core.ErrTruncated
		}
		for i := uint64(0); i < n; i++ {
			rs, err := decodeSummary(d)
			if err != nil {
				return nil, err
			}
			m.Summaries = append(m.Summaries, rs)
		}
		n, err = d.Uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(d.Remaining()) {
			return nil, core.ErrTruncated
		}
		for i := uint64(0); i < n; i++ {
			p, err := d.Bytes()
			if err != nil {
				return nil, err
			}
			m.Interest = append(m.Interest, p)
		}
		return m, nil
	case MsgAEChildHashes:
		m := &AEChildHashes{}
		var err error
		if m.Parent, err = decodeKeyRange(d); err != nil {
			return nil, err
		}
		n, err := d.Uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(d.Remaining()) {
			return nil, core.ErrTruncated
		}
		for i := uint64(0); i < n; i++ {
			rs, err := decodeSummary(d)
			if err != nil {
				return nil, err
			}
			m.Children = append(m.Children, rs)
		}
		return m, nil
	case MsgAERequest:
		m := &AERequest{}
		n, err := d.Uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(d.Remaining()) {
			return nil, core.ErrTruncated
		}
		for i := uint64(0); i < n; i++ {
			r, err := decodeKeyRange(d)
			if err != nil {
				return nil, err
			}
			m.Ranges = append(m.Ranges, r)
		}
		want, err := d.Byte()
		if err != nil {
			return nil, err
		}
		m.WantProof = want == 1
		return m, nil
	case MsgAEProof:
		m := &AEProof{}
		n, err := d.Uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(d.Remaining()) {
			return nil, core.ErrTruncated
		}
		for i := uint64(0); i < n; i++ {
			p, err := mst.DecodeProof(d)
			if err != nil {
				return nil, err
			}
			m.Proofs = append(m.Proofs, p)
		}
		if m.Entries, err = decodeEntries(d); err != nil {
			return nil, err
		}
		return m, nil
	case MsgAETwoWayDelta:
		entries, err := decodeEntries(d)
		if err != nil {
			return nil, err
		}
		return &AETwoWayDelta{Entries: entries}, nil
	case MsgAECommit:
		m := &AECommit{}
		var err error
		if m.Epoch, err = d.U64(); err != nil {
			return nil, err
		}
		if m.Watermark, err = d.Clock(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgBusy:
		retry, err := d.U64()
		if err != nil {
			return nil, err
		}
		return &Busy{RetryAfterMillis: retry}, nil
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", t)
	}
}
