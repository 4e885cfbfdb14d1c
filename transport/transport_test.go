package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/wire"
)

func nid(b byte) core.NodeId {
	var id core.NodeId
	id[0] = b
	return id
}

func TestMemTransportPair(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork()
	a := net.Host(nid(1))
	b := net.Host(nid(2))

	done := make(chan Conn, 1)
	go func() {
		c, err := b.Accept(ctx)
		require.NoError(t, err)
		done <- c
	}()

	ca, err := a.Dial(ctx, nid(2), []string{b.Addr()})
	require.NoError(t, err)
	cb := <-done

	assert.Equal(t, nid(2), ca.Peer())
	assert.Equal(t, nid(1), cb.Peer())

	for i := uint64(0); i < 10; i++ {
		env := wire.Seal(&wire.Ping{Seq: i}, wire.CorrelationId{}, nil)
		require.NoError(t, ca.Send(ctx, env))
	}
	// FIFO order on one conn.
	for i := uint64(0); i < 10; i++ {
		env, err := cb.Recv(ctx)
		require.NoError(t, err)
		msg, err := env.Open()
		require.NoError(t, err)
		assert.Equal(t, i, msg.(*wire.Ping).Seq)
	}
}

func TestMemTransportPeerMismatch(t *testing.T) {
	net := NewNetwork()
	a := net.Host(nid(1))
	b := net.Host(nid(2))

	_, err := a.Dial(context.Background(), nid(3), []string{b.Addr()})
	assert.ErrorIs(t, err, ErrPeerMismatch)
}

func TestMemConnCloseSurfacesLoss(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork()
	a := net.Host(nid(1))
	b := net.Host(nid(2))

	go func() {
		c, _ := b.Accept(ctx)
		c.Close()
	}()
	ca, err := a.Dial(ctx, nid(2), []string{b.Addr()})
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = ca.Recv(cctx)
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestTCPTransportLoopback(t *testing.T) {
	ctx := context.Background()

	srv, err := ListenTCP(nid(2), "127.0.0.1:0", DefaultTCPConfig())
	require.NoError(t, err)
	defer srv.Close()

	cli, err := ListenTCP(nid(1), "127.0.0.1:0", DefaultTCPConfig())
	require.NoError(t, err)
	defer cli.Close()

	done := make(chan Conn, 1)
	go func() {
		c, err := srv.Accept(ctx)
		require.NoError(t, err)
		done <- c
	}()

	ca, err := cli.Dial(ctx, nid(2), []string{srv.Addr()})
	require.NoError(t, err)
	cb := <-done

	assert.Equal(t, nid(2), ca.Peer())
	assert.Equal(t, nid(1), cb.Peer())

	env := wire.Seal(&wire.Neighbor{HighPriority: true}, wire.CorrelationId{}, nil)
	require.NoError(t, ca.Send(ctx, env))
	got, err := cb.Recv(ctx)
	require.NoError(t, err)
	msg, err := got.Open()
	require.NoError(t, err)
	assert.True(t, msg.(*wire.Neighbor).HighPriority)
}

func TestTCPDialWrongPeer(t *testing.T) {
	srv, err := ListenTCP(nid(2), "127.0.0.1:0", DefaultTCPConfig())
	require.NoError(t, err)
	defer srv.Close()
	go srv.Accept(context.Background())

	cli, err := ListenTCP(nid(1), "127.0.0.1:0", DefaultTCPConfig())
	require.NoError(t, err)
	defer cli.Close()

	_, err = cli.Dial(context.Background(), nid(9), []string{srv.Addr()})
	assert.Error(t, err)
}
