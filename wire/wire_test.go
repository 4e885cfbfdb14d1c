package wire

import (
	"bufio"
	"bytes"
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

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	var cid CorrelationId
	cid[0] = 0xAB
	env := Seal(msg, cid, []MemberState{{
		Id:          nid(9),
		Addrs:       []string{"127.0.0.1:7001"},
		Incarnation: 3,
		Status:      core.StatusAlive,
	}})

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, env, DefaultMaxFrame))

	got, err := ReadFrame(bufio.NewReader(&buf), DefaultMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, cid, got.CorrelationId)
	require.Len(t, got.Piggyback, 1)
	assert.Equal(t, nid(9), got.Piggyback[0].Id)

	decoded, err := got.Open()
	require.NoError(t, err)
	assert.Equal(t, msg.MsgType(), decoded.MsgType())
	return decoded
}

func TestEnvelopeRoundTrip(t *testing.T) {
	ping := roundTrip(t, &Ping{Seq: 42}).(*Ping)
	assert.Equal(t, uint64(42), ping.Seq)

	pd := roundTrip(t, &PushDelta{
		ID:          MessageID{Origin: nid(1), Seq: 7},
		Key:         []byte("k"),
		ValueDigest: core.KeyHash([]byte("k")),
		Delta:       core.NewLWW([]byte("v"), 100, nid(1)),
		Clock:       core.VectorClock{nid(1): 100},
		Tomb:        &core.Tombstone{ExpiresAt: 999, Clock: core.VectorClock{nid(1): 100}},
		Hops:        2,
	}).(*PushDelta)
	assert.Equal(t, []byte("k"), pd.Key)
	assert.Equal(t, uint64(100), pd.Clock[nid(1)])
	require.NotNil(t, pd.Tomb)
	assert.Equal(t, uint64(999), pd.Tomb.ExpiresAt)

	fj := roundTrip(t, &ForwardJoin{NewNode: MemberState{Id: nid(5)}, TTL: 6}).(*ForwardJoin)
	assert.Equal(t, uint32(6), fj.TTL)

	commit := roundTrip(t, &AECommit{Epoch: 4, Watermark: core.VectorClock{nid(2): 8}}).(*AECommit)
	assert.Equal(t, uint64(4), commit.Epoch)
}

func TestFrameTooLarge(t *testing.T) {
	env := Seal(&PushDelta{
		ID:    MessageID{Origin: nid(1), Seq: 1},
		Key:   bytes.Repeat([]byte("x"), 4096),
		Delta: core.NewLWW(bytes.Repeat([]byte("v"), 4096), 1, nid(1)),
		Clock: core.VectorClock{},
	}, CorrelationId{}, nil)

	var buf bytes.Buffer
	err := WriteFrame(&buf, env, 128)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestVersionMismatch(t *testing.T) {
	env := Seal(&Ping{Seq: 1}, CorrelationId{}, nil)
	env.Version = 99
	_, err := env.Open()
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestUnknownMessageType(t *testing.T) {
	env := Seal(&Ping{Seq: 1}, CorrelationId{}, nil)
	env.Type = MsgType(999)
	_, err := env.Open()
	assert.Error(t, err)
}
