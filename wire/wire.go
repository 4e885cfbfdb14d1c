// Package wire defines the MerkleFlow message catalog and its framed
// canonical encoding. Every message travels inside an Envelope; frames
// are varint length-prefixed so a stream can be cut back into messages
// without ambiguity.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pyralog/merkle-flow/core"
)

// ProtoVersion is the wire protocol version spoken by this build.
const ProtoVersion uint16 = 1

// DefaultMaxFrame bounds a single frame. Larger payloads must be split
// into range-scoped sub-messages by the replication engine.
const DefaultMaxFrame = 1 << 20

// ErrFrameTooLarge is returned for frames exceeding the configured cap.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// ErrVersionMismatch is returned for envelopes from a different
// protocol version.
var ErrVersionMismatch = errors.New("wire: protocol version mismatch")

// MsgType identifies a message in the catalog.
type MsgType uint16

const (
	MsgJoinRequest MsgType = iota + 1
	MsgJoinResponse
	MsgPing
	MsgAck
	MsgIndirectPing
	MsgIndirectPingResponse
	MsgMemberUpdate
	MsgPushDelta
	MsgLazyIDs
	MsgFetchMissing
	MsgPrune
	MsgGraft
	MsgNeighbor
	MsgForwardJoin
	MsgShuffle
	MsgShuffleReply
	MsgAESummary
	MsgAEChildHashes
	MsgAERequest
	MsgAEProof
	MsgAETwoWayDelta
	MsgAECommit
	MsgBusy
)

// CorrelationId ties a response to its request.
type CorrelationId [16]byte

// Envelope wraps one message with routing metadata and any piggybacked
// membership updates.
type Envelope struct {
	Version       uint16
	Type          MsgType
	CorrelationId CorrelationId
	Payload       []byte
	// Piggyback carries membership updates riding along on this
	// datagram, whatever its primary type.
	Piggyback []MemberState
}

// Seal encodes msg into an envelope carrying the given correlation id.
func Seal(msg Message, cid CorrelationId, piggyback []MemberState) *Envelope {
	var e core.Encoder
	msg.encode(&e)
	return &Envelope{
		Version:       ProtoVersion,
		Type:          msg.MsgType(),
		CorrelationId: cid,
		Payload:       e.Bytes(),
		Piggyback:     piggyback,
	}
}

// Open decodes the envelope's payload into its message.
func (env *Envelope) Open() (Message, error) {
	if env.Version != ProtoVersion {
		return nil, fmt.Errorf("%w: got %d want %d", ErrVersionMismatch, env.Version, ProtoVersion)
	}
	return decodePayload(env.Type, env.Payload)
}

// Encode appends the envelope's canonical form.
func (env *Envelope) Encode(e *core.Encoder) {
	e.PutU16(env.Version)
	e.PutU16(uint16(env.Type))
	e.PutRaw(env.CorrelationId[:])
	e.PutBytes(env.Payload)
	e.PutUvarint(uint64(len(env.Piggyback)))
	for i := range env.Piggyback {
		env.Piggyback[i].encode(e)
	}
}

// DecodeEnvelope reads an envelope written by Encode.
func DecodeEnvelope(d *core.Decoder) (*Envelope, error) {
	v, err := d.U16()
	if err != nil {
		return nil, err
	}
	t, err := d.U16()
	if err != nil {
		return nil, err
	}
	env := &Envelope{Version: v, Type: MsgType(t)}
	cid, err := d.Raw(len(env.CorrelationId))
	if err != nil {
		return nil, err
	}
	copy(env.CorrelationId[:], cid)
	env.Payload, err = d.Bytes()
	if err != nil {
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
		env.Piggyback = append(env.Piggyback, ms)
	}
	return env, nil
}

// WriteFrame writes the envelope as one length-prefixed frame.
func WriteFrame(w io.Writer, env *Envelope, maxFrame int) error {
	var e core.Encoder
	env.Encode(&e)
	body := e.Bytes()
	if len(body) > maxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(body)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed envelope frame.
func ReadFrame(r io.ByteReader, maxFrame int) (*Envelope, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > uint64(maxFrame) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	body := make([]byte, size)
	br, ok := r.(io.Reader)
	if !ok {
		return nil, errors.New("wire: reader must implement io.Reader")
	}
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, err
	}
	return DecodeEnvelope(core.NewDecoder(body))
}
