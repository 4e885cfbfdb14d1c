// Package overlay maintains the bounded-degree HyParView overlay and
// runs the Plumtree epidemic broadcast over it. Active-view peers hold
// open channels with a dedicated writer goroutine each, giving the
// per-link FIFO the broadcast relies on; passive-view peers are cold
// candidates for repair.
package overlay

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/peers"
	"github.com/pyralog/merkle-flow/transport"
	"github.com/pyralog/merkle-flow/wire"
)

// ErrNoRoute is returned when a peer cannot be reached on any channel.
var ErrNoRoute = errors.New("overlay: no route to peer")

// Config tunes views, walks and broadcast repair.
type Config struct {
	TargetFanout    int
	ActiveViewSize  int
	PassiveViewSize int
	// ARWL is the TTL of a join's random walk.
	ARWL int
	// ShuffleTTL is the TTL of a shuffle's shorter walk.
	ShuffleTTL      int
	ShuffleInterval time.Duration
	ShuffleSize     int
	// GraftDelay is how long to wait for a full payload after a lazy
	// advertisement before grafting the link.
	GraftDelay time.Duration
	// SeenCap bounds the remembered broadcast horizon.
	SeenCap int
	// OutboxDepth bounds per-link queued envelopes.
	OutboxDepth int
	// IdleConnTTL closes transient (non-active) channels.
	IdleConnTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TargetFanout:    5,
		ActiveViewSize:  8,
		PassiveViewSize: 64,
		ARWL:            6,
		ShuffleTTL:      3,
		ShuffleInterval: 30 * time.Second,
		ShuffleSize:     8,
		GraftDelay:      250 * time.Millisecond,
		SeenCap:         8192,
		OutboxDepth:     128,
		IdleConnTTL:     30 * time.Second,
	}
}

// Handler consumes one demultiplexed message.
type Handler func(from core.NodeId, msg wire.Message)

// link is one open channel plus its Plumtree mode.
type link struct {
	id     core.NodeId
	conn   transport.Conn
	outbox chan *wire.Envelope

	mu      sync.Mutex
	eager   bool
	active  bool
	lastUse time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func (l *link) setEager(eager bool) {
	l.mu.Lock()
	l.eager = eager
	l.mu.Unlock()
}

func (l *link) isEager() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eager
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// Overlay is the overlay and broadcast engine.
type Overlay struct {
	cfg   Config
	self  core.NodeId
	tr    transport.Transport
	table *peers.Table
	log   *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	links   map[core.NodeId]*link
	conns   map[*link]struct{}
	passive map[core.NodeId][]string

	seen    *lru.Cache[wire.MessageID, *wire.PushDelta]
	missing map[wire.MessageID]*graftState

	broadcastMu  sync.Mutex
	broadcastSeq uint64

	handlers  map[wire.MsgType]Handler
	deliver   func(*wire.PushDelta)
	piggyback func() []wire.MemberState
	absorb    func(core.NodeId, []wire.MemberState)
	session   func(conn transport.Conn, first *wire.Envelope)

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// New creates an overlay for the local node.
func New(tr transport.Transport, table *peers.Table, cfg Config, rng *rand.Rand, log *zap.Logger) *Overlay {
	if log == nil {
		log = zap.NewNop()
	}
	seen, _ := lru.New[wire.MessageID, *wire.PushDelta](cfg.SeenCap)
	return &Overlay{
		cfg:      cfg,
		self:     tr.Self(),
		tr:       tr,
		table:    table,
		log:      log.Named("overlay"),
		rng:      rng,
		links:    make(map[core.NodeId]*link),
		conns:    make(map[*link]struct{}),
		passive:  make(map[core.NodeId][]string),
		seen:     seen,
		missing:  make(map[wire.MessageID]*graftState),
		handlers: make(map[wire.MsgType]Handler),
		closed:   make(chan struct{}),
	}
}

// Handle registers an external handler for a message type. Overlay
// control traffic is handled internally and cannot be overridden.
func (o *Overlay) Handle(t wire.MsgType, h Handler) {
	o.handlers[t] = h
}

// SetDeliver installs the sink for first-copy broadcast payloads.
func (o *Overlay) SetDeliver(fn func(*wire.PushDelta)) { o.deliver = fn }

// SetSessionHandler installs the sink for inbound anti-entropy
// sessions. A fresh connection whose first message opens a session is
// handed over whole; the handler owns the connection until it closes.
func (o *Overlay) SetSessionHandler(fn func(conn transport.Conn, first *wire.Envelope)) {
	o.session = fn
}

// SetGossip wires the membership piggyback source and sink.
func (o *Overlay) SetGossip(source func() []wire.MemberState, absorb func(core.NodeId, []wire.MemberState)) {
	o.piggyback = source
	o.absorb = absorb
}

// Start launches the accept and shuffle loops.
func (o *Overlay) Start() {
	o.log.Info("starting overlay", zap.Stringer("self", o.self), zap.String("addr", o.tr.Addr()))
	o.wg.Add(2)
	go o.acceptLoop()
	go o.shuffleLoop()
}

// Stop closes every channel and stops the loops.
func (o *Overlay) Stop() {
	o.closeOnce.Do(func() { close(o.closed) })
	o.tr.Close()
	o.mu.Lock()
	links := make([]*link, 0, len(o.conns))
	for l := range o.conns {
		links = append(links, l)
	}
	o.mu.Unlock()
	for _, l := range links {
		l.close()
	}
	o.wg.Wait()
	o.log.Info("overlay stopped")
}

func (o *Overlay) acceptLoop() {
	defer o.wg.Done()
	ctx := context.Background()
	for {
		conn, err := o.tr.Accept(ctx)
		if err != nil {
			select {
			case <-o.closed:
				return
			default:
			}
			o.log.Warn("accept failed", zap.Error(err))
			continue
		}
		o.wg.Add(1)
		go o.classifyConn(conn)
	}
}

// classifyConn reads the first envelope of an inbound connection: a
// session opener is handed to the session handler, anything else makes
// the connection an overlay channel.
func (o *Overlay) classifyConn(conn transport.Conn) {
	defer o.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	env, err := conn.Recv(ctx)
	cancel()
	if err != nil {
		conn.Close()
		return
	}
	if env.Type == wire.MsgAESummary && o.session != nil {
		// The session handler owns the connection and its own
		// timeouts; it must not hold up overlay shutdown.
		go o.session(conn, env)
		return
	}
	l := o.adoptConn(conn, false)
	o.dispatch(l, env)
}

// adoptConn registers a connection and spawns its reader and writer.
// Inbound connections start transient; protocol traffic promotes them.
func (o *Overlay) adoptConn(conn transport.Conn, active bool) *link {
	l := &link{
		id:      conn.Peer(),
		conn:    conn,
		outbox:  make(chan *wire.Envelope, o.cfg.OutboxDepth),
		eager:   true,
		active:  active,
		lastUse: time.Now(),
		done:    make(chan struct{}),
	}
	o.mu.Lock()
	o.conns[l] = struct{}{}
	old, ok := o.links[l.id]
	switch {
	case ok && old.active && !active:
		// A transient channel never displaces an active one; it is
		// served but stays unmapped, so outbound routing keeps the
		// active link.
	case ok:
		old.close()
		delete(o.conns, old)
		o.links[l.id] = l
	default:
		o.links[l.id] = l
	}
	o.mu.Unlock()

	o.wg.Add(2)
	go o.writeLoop(l)
	go o.readLoop(l)
	return l
}

func (o *Overlay) dropLink(l *link) {
	l.close()
	o.mu.Lock()
	delete(o.conns, l)
	if cur, ok := o.links[l.id]; ok && cur == l {
		delete(o.links, l.id)
	}
	o.mu.Unlock()
}

func (o *Overlay) writeLoop(l *link) {
	defer o.wg.Done()
	ctx := context.Background()
	for {
		select {
		case env := <-l.outbox:
			if err := l.conn.Send(ctx, env); err != nil {
				o.log.Debug("send failed", zap.Stringer("peer", l.id), zap.Error(err))
				o.dropLink(l)
				return
			}
		case <-l.done:
			return
		case <-o.closed:
			return
		}
	}
}

func (o *Overlay) readLoop(l *link) {
	defer o.wg.Done()
	ctx := context.Background()
	for {
		env, err := l.conn.Recv(ctx)
		if err != nil {
			o.dropLink(l)
			return
		}
		l.mu.Lock()
		l.lastUse = time.Now()
		l.mu.Unlock()
		o.dispatch(l, env)
		select {
		case <-l.done:
			return
		case <-o.closed:
			return
		default:
		}
	}
}

// dispatch routes one inbound envelope: piggyback first, then overlay
// control, then registered handlers.
func (o *Overlay) dispatch(l *link, env *wire.Envelope) {
	if o.absorb != nil && len(env.Piggyback) > 0 {
		o.absorb(l.id, env.Piggyback)
	}
	msg, err := env.Open()
	if err != nil {
		// Protocol fault: drop the connection, not the process.
		o.log.Warn("bad envelope", zap.Stringer("peer", l.id), zap.Error(err))
		o.dropLink(l)
		return
	}
	switch m := msg.(type) {
	case *wire.PushDelta:
		o.onPushDelta(l, m)
	case *wire.LazyIDs:
		o.onLazyIDs(l, m)
	case *wire.Prune:
		l.setEager(false)
	case *wire.Graft:
		o.onGraft(l, m)
	case *wire.FetchMissing:
		o.onFetchMissing(l, m)
	case *wire.ForwardJoin:
		o.onForwardJoin(l, m)
	case *wire.Neighbor:
		o.onNeighbor(l, m)
	case *wire.Shuffle:
		o.onShuffle(l, m)
	case *wire.ShuffleReply:
		o.onShuffleReply(m)
	default:
		if h, ok := o.handlers[env.Type]; ok {
			h(l.id, msg)
			return
		}
		o.log.Debug("unhandled message", zap.Uint16("type", uint16(env.Type)))
	}
}

// rngIntn serializes draws from the seeded source; callers hold
// arbitrary other locks, so this stays a leaf lock.
func (o *Overlay) rngIntn(n int) int {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.rng.Intn(n)
}

func (o *Overlay) rngRead(b []byte) {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	o.rng.Read(b)
}

func (o *Overlay) rngShuffle(n int, swap func(i, j int)) {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	o.rng.Shuffle(n, swap)
}

// seal wraps a message with fresh piggybacked membership updates.
func (o *Overlay) seal(msg wire.Message) *wire.Envelope {
	var pb []wire.MemberState
	if o.piggyback != nil {
		pb = o.piggyback()
	}
	var cid wire.CorrelationId
	o.rngRead(cid[:])
	return wire.Seal(msg, cid, pb)
}

// class buckets message kinds for the drop policy.
type class int

const (
	classMembership class = iota
	classLazy
	classPushDelta
	classOther
)

func classify(msg wire.Message) class {
	switch msg.(type) {
	case *wire.Ping, *wire.Ack, *wire.IndirectPing, *wire.IndirectPingResponse,
		*wire.MemberUpdate, *wire.JoinRequest, *wire.JoinResponse:
		return classMembership
	case *wire.LazyIDs:
		return classLazy
	case *wire.PushDelta:
		return classPushDelta
	default:
		return classOther
	}
}

// enqueue drops lazy ids and push deltas on a full outbox (anti-entropy
// repairs them); the two are treated alike, with no preference for
// dropping lazy ids before push deltas. Every other message, membership
// included, waits for room and is never dropped.
func (o *Overlay) enqueue(l *link, msg wire.Message) error {
	env := o.seal(msg)
	switch classify(msg) {
	case classLazy, classPushDelta:
		select {
		case l.outbox <- env:
			return nil
		default:
			return nil // dropped under pressure; AE repairs
		}
	default:
		select {
		case l.outbox <- env:
			return nil
		case <-l.done:
			return ErrNoRoute
		case <-o.closed:
			return ErrNoRoute
		}
	}
}

// SendTo sends one message to a peer, using the open channel when
// present and a transient dial otherwise. Implements swim.Sender.
func (o *Overlay) SendTo(ctx context.Context, id core.NodeId, msg wire.Message) error {
	o.mu.Lock()
	l, ok := o.links[id]
	o.mu.Unlock()
	if !ok {
		var err error
		l, err = o.dialPeer(ctx, id)
		if err != nil {
			return err
		}
	}
	return o.enqueue(l, msg)
}

// dialPeer opens a transient channel to a peer known to the table or
// the passive view.
func (o *Overlay) dialPeer(ctx context.Context, id core.NodeId) (*link, error) {
	addrs := o.addrsFor(id)
	if len(addrs) == 0 {
		return nil, ErrNoRoute
	}
	conn, err := o.tr.Dial(ctx, id, addrs)
	if err != nil {
		return nil, err
	}
	return o.adoptConn(conn, false), nil
}

func (o *Overlay) addrsFor(id core.NodeId) []string {
	if m := o.table.Lookup(id); m != nil && len(m.Addrs) > 0 {
		return m.Addrs
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.passive[id]
}

// ActivePeers returns the ids currently in the active view.
func (o *Overlay) ActivePeers() []core.NodeId {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]core.NodeId, 0, len(o.links))
	for id, l := range o.links {
		if l.active {
			out = append(out, id)
		}
	}
	return out
}
