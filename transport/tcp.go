package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/wire"
)

// handshakeTimeout bounds the identity exchange on a fresh connection.
const handshakeTimeout = 5 * time.Second

// TCPConfig tunes the TCP transport.
type TCPConfig struct {
	// MaxFrame caps a single framed message.
	MaxFrame int
	// DialTimeout bounds connection establishment per address.
	DialTimeout time.Duration
}

// DefaultTCPConfig returns the production defaults.
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		MaxFrame:    wire.DefaultMaxFrame,
		DialTimeout: 3 * time.Second,
	}
}

// TCPTransport frames envelopes over TCP connections. The handshake
// exchanges protocol version and node id in both directions; the dialer
// rejects a remote that does not present the expected id.
type TCPTransport struct {
	self core.NodeId
	cfg  TCPConfig
	ln   net.Listener

	closeOnce sync.Once
	closed    chan struct{}
}

// ListenTCP binds addr and returns a transport authenticating as self.
func ListenTCP(self core.NodeId, addr string, cfg TCPConfig) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &TCPTransport{self: self, cfg: cfg, ln: ln, closed: make(chan struct{})}, nil
}

// Self implements Transport.
func (t *TCPTransport) Self() core.NodeId { return t.self }

// Addr implements Transport.
func (t *TCPTransport) Addr() string { return t.ln.Addr().String() }

// Dial implements Transport, trying each address in turn.
func (t *TCPTransport) Dial(ctx context.Context, id core.NodeId, addrs []string) (Conn, error) {
	var lastErr error
	for _, addr := range addrs {
		d := net.Dialer{Timeout: t.cfg.DialTimeout}
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		conn, err := t.handshake(nc, id)
		if err != nil {
			nc.Close()
			lastErr = err
			continue
		}
		return conn, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses")
	}
	return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionLost, id, lastErr)
}

// Accept implements Transport.
func (t *TCPTransport) Accept(ctx context.Context) (Conn, error) {
	for {
		select {
		case <-t.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		nc, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return nil, ErrClosed
			default:
			}
			return nil, fmt.Errorf("%w: accept: %v", ErrConnectionLost, err)
		}
		conn, err := t.handshake(nc, core.NodeId{})
		if err != nil {
			// A bad handshake poisons only that connection.
			nc.Close()
			continue
		}
		return conn, nil
	}
}

// Close implements Transport.
func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return t.ln.Close()
}

// handshake sends our identity and reads the peer's. A zero expected id
// (accept side) admits any peer.
func (t *TCPTransport) handshake(nc net.Conn, expect core.NodeId) (Conn, error) {
	nc.SetDeadline(time.Now().Add(handshakeTimeout))

	var hello [2 + core.HashSize]byte
	binary.LittleEndian.PutUint16(hello[:2], wire.ProtoVersion)
	copy(hello[2:], t.self[:])
	if _, err := nc.Write(hello[:]); err != nil {
		return nil, fmt.Errorf("%w: handshake write: %v", ErrConnectionLost, err)
	}

	var theirs [2 + core.HashSize]byte
	if _, err := readFull(nc, theirs[:]); err != nil {
		return nil, fmt.Errorf("%w: handshake read: %v", ErrConnectionLost, err)
	}
	if v := binary.LittleEndian.Uint16(theirs[:2]); v != wire.ProtoVersion {
		return nil, fmt.Errorf("%w: version %d", wire.ErrVersionMismatch, v)
	}
	var peer core.NodeId
	copy(peer[:], theirs[2:])
	if !expect.IsZero() && peer != expect {
		return nil, fmt.Errorf("%w: got %s want %s", ErrPeerMismatch, peer, expect)
	}

	nc.SetDeadline(time.Time{})
	return &tcpConn{
		nc:       nc,
		peer:     peer,
		r:        bufio.NewReader(nc),
		maxFrame: t.cfg.MaxFrame,
	}, nil
}

func readFull(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// tcpConn frames envelopes over one TCP connection. Writes are
// serialized by a mutex to preserve frame integrity; frame order is
// the FIFO the facade promises.
type tcpConn struct {
	nc       net.Conn
	peer     core.NodeId
	r        *bufio.Reader
	maxFrame int

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (c *tcpConn) Peer() core.NodeId { return c.peer }

func (c *tcpConn) Send(ctx context.Context, env *wire.Envelope) error {
	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetWriteDeadline(dl)
	} else {
		c.nc.SetWriteDeadline(time.Time{})
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wire.WriteFrame(c.nc, env, c.maxFrame); err != nil {
		if errors.Is(err, wire.ErrFrameTooLarge) {
			return err
		}
		return fmt.Errorf("%w: send: %v", ErrConnectionLost, err)
	}
	return nil
}

func (c *tcpConn) Recv(ctx context.Context) (*wire.Envelope, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetReadDeadline(dl)
	} else {
		c.nc.SetReadDeadline(time.Time{})
	}
	env, err := wire.ReadFrame(c.r, c.maxFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: recv: %v", ErrConnectionLost, err)
	}
	return env, nil
}

func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.nc.Close() })
	return err
}
