// Package transport is the facade between MerkleFlow and the outside
// network: an authenticated, framed, per-connection-FIFO channel to an
// identified peer. Encryption and key exchange live in the external
// transport collaborator; this package pins the contract the rest of
// the system consumes and ships two implementations, an in-memory pair
// network for deterministic simulation and a TCP framing layer.
package transport

import (
	"context"
	"errors"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/wire"
)

// ErrConnectionLost surfaces any failure of an open channel.
var ErrConnectionLost = errors.New("transport: connection lost")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport: closed")

// ErrPeerMismatch is returned when the remote end authenticates as a
// different node than the dialer expected.
var ErrPeerMismatch = errors.New("transport: peer identity mismatch")

// Conn is a bidirectional framed channel to one authenticated peer.
// Sends on one Conn are FIFO; nothing is guaranteed across Conns.
type Conn interface {
	// Peer returns the authenticated remote node id.
	Peer() core.NodeId
	// Send writes one envelope. Blocks under peer backpressure until
	// ctx is done.
	Send(ctx context.Context, env *wire.Envelope) error
	// Recv reads the next envelope in order.
	Recv(ctx context.Context) (*wire.Envelope, error)
	// Close tears the channel down; pending and later calls at the far
	// end fail with ErrConnectionLost.
	Close() error
}

// Transport opens and accepts channels for one local node.
type Transport interface {
	// Self returns the local node id the transport authenticates as.
	Self() core.NodeId
	// Dial opens a channel to the peer at one of addrs and verifies it
	// authenticates as id. A zero id admits whoever answers; callers
	// use it for first contact with a seed known only by address.
	Dial(ctx context.Context, id core.NodeId, addrs []string) (Conn, error)
	// Accept blocks for the next inbound channel.
	Accept(ctx context.Context) (Conn, error)
	// Addr returns the address peers can dial to reach this transport.
	Addr() string
	// Close shuts the transport: Accept fails with ErrClosed afterwards.
	// Channels already opened are not closed by it.
	Close() error
}
