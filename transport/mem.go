package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/wire"
)

// memConnBuffer bounds the in-flight envelopes per direction of an
// in-memory channel.
const memConnBuffer = 256

// Network is an in-process fabric of transports keyed by node id.
// Simulations register every node on one Network and get deterministic,
// loss-free, FIFO delivery.
type Network struct {
	mu    sync.Mutex
	hosts map[string]*MemTransport
}

// NewNetwork returns an empty fabric.
func NewNetwork() *Network {
	return &Network{hosts: make(map[string]*MemTransport)}
}

// Host registers a node on the fabric and returns its transport. The
// advertised address is "mem://<id>".
func (n *Network) Host(id core.NodeId) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &MemTransport{
		net:    n,
		self:   id,
		addr:   fmt.Sprintf("mem://%s", id),
		accept: make(chan *memConn, 16),
		closed: make(chan struct{}),
	}
	n.hosts[t.addr] = t
	return t
}

func (n *Network) lookup(addr string) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hosts[addr]
}

// MemTransport is one node's endpoint on a Network.
type MemTransport struct {
	net    *Network
	self   core.NodeId
	addr   string
	accept chan *memConn

	closeOnce sync.Once
	closed    chan struct{}
}

// Self implements Transport.
func (t *MemTransport) Self() core.NodeId { return t.self }

// Addr implements Transport.
func (t *MemTransport) Addr() string { return t.addr }

// Dial implements Transport. Any of addrs naming a registered host
// connects; the host's id must match the requested one.
func (t *MemTransport) Dial(ctx context.Context, id core.NodeId, addrs []string) (Conn, error) {
	for _, addr := range addrs {
		remote := t.net.lookup(addr)
		if remote == nil {
			continue
		}
		if !id.IsZero() && remote.self != id {
			return nil, fmt.Errorf("%w: %s is %s", ErrPeerMismatch, addr, remote.self)
		}
		local, far := newMemConnPair(t.self, remote.self)
		select {
		case remote.accept <- far:
			return local, nil
		case <-remote.closed:
			return nil, ErrConnectionLost
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: no reachable address", ErrConnectionLost)
}

// Accept implements Transport.
func (t *MemTransport) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-t.accept:
		return c, nil
	case <-t.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Transport.
func (t *MemTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// memConn is one end of an in-memory channel pair.
type memConn struct {
	peer core.NodeId
	in   chan *wire.Envelope
	out  chan *wire.Envelope

	closeOnce sync.Once
	closed    chan struct{}
	peerDone  chan struct{}
}

func newMemConnPair(a, b core.NodeId) (*memConn, *memConn) {
	ab := make(chan *wire.Envelope, memConnBuffer)
	ba := make(chan *wire.Envelope, memConnBuffer)
	ca := &memConn{peer: b, in: ba, out: ab, closed: make(chan struct{})}
	cb := &memConn{peer: a, in: ab, out: ba, closed: make(chan struct{})}
	ca.peerDone = cb.closed
	cb.peerDone = ca.closed
	return ca, cb
}

func (c *memConn) Peer() core.NodeId { return c.peer }

func (c *memConn) Send(ctx context.Context, env *wire.Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-c.peerDone:
		return ErrConnectionLost
	default:
	}
	select {
	case c.out <- env:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-c.peerDone:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memConn) Recv(ctx context.Context) (*wire.Envelope, error) {
	// Drain messages already delivered before reporting peer loss.
	select {
	case env := <-c.in:
		return env, nil
	default:
	}
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-c.peerDone:
		return nil, ErrConnectionLost
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
