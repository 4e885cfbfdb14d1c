// Package node assembles the convergence core: store, index,
// persistence, membership, overlay and replication, wired per the
// system's data flow, plus the application-facing API.
package node

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/crdt"
	"github.com/pyralog/merkle-flow/overlay"
	"github.com/pyralog/merkle-flow/peers"
	"github.com/pyralog/merkle-flow/replicate"
	"github.com/pyralog/merkle-flow/swim"
	"github.com/pyralog/merkle-flow/telemetry"
	"github.com/pyralog/merkle-flow/transport"
	"github.com/pyralog/merkle-flow/wal"
	"github.com/pyralog/merkle-flow/wire"
)

// ErrShutdown is returned by API calls after Shutdown.
var ErrShutdown = errors.New("node: shut down")

// Seed names a cluster contact point. A zero Id means the identity is
// learned at first contact.
type Seed struct {
	Id   core.NodeId
	Addr string
}

// Config assembles the per-component configurations.
type Config struct {
	DataDir string
	// RandSeed makes the node deterministic in simulation; zero draws
	// from OS entropy.
	RandSeed int64
	// SnapshotInterval paces periodic snapshots; compaction and table
	// sweeps ride the same loop.
	SnapshotInterval time.Duration

	Store     crdt.Config
	WAL       wal.Config
	Swim      swim.Config
	Overlay   overlay.Config
	Replicate replicate.Config
}

// DefaultConfig returns the production defaults.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:          dataDir,
		SnapshotInterval: 5 * time.Minute,
		Store:            crdt.DefaultConfig(),
		WAL:              wal.DefaultConfig(),
		Swim:             swim.DefaultConfig(),
		Overlay:          overlay.DefaultConfig(),
		Replicate:        replicate.DefaultConfig(),
	}
}

// Node is one MerkleFlow process.
type Node struct {
	cfg   Config
	log   *zap.Logger
	id    core.NodeId
	tr    transport.Transport
	table *peers.Table

	walLog  *wal.Log
	store   *crdt.Store
	overlay *overlay.Overlay
	swim    *swim.Engine
	repl    *replicate.Engine
	metrics *telemetry.Metrics

	mu        sync.Mutex
	started   bool
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New builds a node on an already-listening transport, recovering any
// prior state from the data directory.
func New(cfg Config, tr transport.Transport, reg prometheus.Registerer, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := tr.Self()
	log := logger.Named("node").With(zap.Stringer("self", id))

	seed := cfg.RandSeed
	if seed == 0 {
		var b [8]byte
		if _, err := crand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("node: seed rng: %w", err)
		}
		seed = int64(binary.LittleEndian.Uint64(b[:]))
	}
	rng := rand.New(rand.NewSource(seed))

	walPath := filepath.Join(cfg.DataDir, "node.wal")
	snapDir := filepath.Join(cfg.DataDir, "snapshots")
	walLog, err := wal.Open(walPath, cfg.WAL, logger)
	if err != nil {
		return nil, err
	}

	store := crdt.New(id, cfg.Store, walLog)
	table := peers.NewTable(peers.Identity{Id: id, Addrs: []string{tr.Addr()}}, rng)

	res, err := wal.Recover(snapDir, walPath, store, table, logger)
	if err != nil {
		walLog.Close()
		return nil, err
	}
	// Every start is a new incarnation, past the recovered one.
	table.RestoreIncarnation(res.Incarnation)
	table.BumpIncarnation()

	n := &Node{
		cfg:     cfg,
		log:     log,
		id:      id,
		tr:      tr,
		table:   table,
		walLog:  walLog,
		store:   store,
		metrics: telemetry.New(reg),
		closed:  make(chan struct{}),
	}

	n.overlay = overlay.New(tr, table, cfg.Overlay, rand.New(rand.NewSource(seed+1)), logger)
	n.swim = swim.New(table, cfg.Swim, n.overlay, logger)
	n.repl = replicate.New(id, store, n.overlay, n, table, cfg.Replicate, rand.New(rand.NewSource(seed+2)), logger)

	n.wire()
	return n, nil
}

// wire connects the components: cross-component needs travel as
// messages and callbacks, never shared mutable handles.
func (n *Node) wire() {
	// Membership messages arriving on overlay channels go to the
	// membership engine; its outbound traffic rides overlay.SendTo.
	for _, t := range []wire.MsgType{
		wire.MsgPing, wire.MsgAck, wire.MsgIndirectPing, wire.MsgIndirectPingResponse,
		wire.MsgMemberUpdate, wire.MsgJoinRequest, wire.MsgJoinResponse,
	} {
		n.overlay.Handle(t, n.swim.HandleMessage)
	}
	// Membership state piggybacks on every outbound envelope.
	n.overlay.SetGossip(n.swim.Piggyback, n.swim.Absorb)

	// Broadcast payloads land in the replication engine.
	n.overlay.SetDeliver(func(pd *wire.PushDelta) {
		n.repl.Ingest(pd)
	})
	// Inbound anti-entropy sessions get their own connection.
	n.overlay.SetSessionHandler(n.repl.HandleSession)

	// A confirmed-dead peer triggers overlay repair and is durably
	// noted for recovery.
	n.swim.OnConfirm(func(id core.NodeId) {
		n.overlay.RepairPeerLoss(id)
		n.logMembership(id)
	})
	// Repeated proof failures demote the peer from the active view.
	n.repl.OnDemote(func(id core.NodeId) {
		n.metrics.ProofFailures.Inc()
		n.overlay.RepairPeerLoss(id)
	})
	n.repl.OnBroadcast(n.metrics.BroadcastsTotal.Inc)
	n.repl.OnSession(func(_ core.NodeId, err error) {
		n.metrics.SessionsTotal.Inc()
		if err != nil {
			n.metrics.SessionFailures.Inc()
		}
	})
	n.store.SetApplyHook(n.onApply)
}

// onApply chains the store hook: replication first (hot-key push),
// then metrics.
func (n *Node) onApply(en *core.Entry, local bool) {
	n.repl.OnApply(en, local)
	if local {
		n.metrics.WritesTotal.Inc()
	} else {
		n.metrics.MergesTotal.Inc()
	}
	n.metrics.Entries.Set(float64(n.store.Len()))
}

func (n *Node) logMembership(id core.NodeId) {
	m := n.table.Lookup(id)
	if m == nil {
		return
	}
	payload := wire.EncodePayload(&wire.MemberUpdate{Updates: []wire.MemberState{{
		Id:          m.Id,
		Addrs:       m.Addrs,
		Incarnation: m.Incarnation,
		Status:      m.Status,
	}}})
	if _, err := n.walLog.Append(wal.RecordMembershipDelta, payload); err != nil {
		n.log.Warn("membership record failed", zap.Error(err))
	}
}

// DialPeer implements the replication engine's session dialer.
func (n *Node) DialPeer(ctx context.Context, id core.NodeId) (transport.Conn, error) {
	m := n.table.Lookup(id)
	if m == nil || len(m.Addrs) == 0 {
		return nil, fmt.Errorf("node: no addresses for %s", id)
	}
	return n.tr.Dial(ctx, id, m.Addrs)
}

// Start launches every subsystem and the maintenance loop.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}
	n.started = true
	n.log.Info("starting node", zap.String("addr", n.tr.Addr()))
	n.overlay.Start()
	n.swim.Start()
	n.repl.Start()
	n.wg.Add(1)
	go n.maintenanceLoop()
	return nil
}

// Join contacts the seeds: membership snapshot first, then the overlay
// walk, then an immediate anti-entropy round to catch up.
func (n *Node) Join(ctx context.Context, seeds []Seed) error {
	var lastErr error
	for _, s := range seeds {
		conn, err := n.tr.Dial(ctx, s.Id, []string{s.Addr})
		if err != nil {
			lastErr = err
			continue
		}
		seedId := conn.Peer()
		conn.Close()
		n.table.Upsert(&core.Member{Id: seedId, Addrs: []string{s.Addr}, Status: core.StatusAlive})

		if err := n.overlay.Join(ctx, seedId, []string{s.Addr}); err != nil {
			lastErr = err
			continue
		}
		if err := n.swim.Join(ctx, []core.NodeId{seedId}); err != nil {
			lastErr = err
			continue
		}
		n.repl.KickNow()
		n.log.Info("joined via seed", zap.Stringer("seed", seedId))
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("node: no seeds")
	}
	return lastErr
}

// maintenanceLoop periodically snapshots, compacts tombstones behind
// the cluster watermark, and sweeps departed members.
func (n *Node) maintenanceLoop() {
	defer n.wg.Done()
	interval := n.cfg.SnapshotInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	for {
		select {
		case <-n.closed:
			return
		case <-time.After(interval):
			if err := n.Snapshot(); err != nil {
				n.log.Warn("snapshot failed", zap.Error(err))
			}
			n.compact()
			n.table.Sweep(uint64(time.Now().UnixMilli()))
			n.metrics.ActivePeers.Set(float64(len(n.overlay.ActivePeers())))
			n.metrics.AliveMembers.Set(float64(len(n.table.AllAlive())))
		}
	}
}

// Snapshot captures the current durable state and publishes it
// atomically.
func (n *Node) Snapshot() error {
	if err := n.walLog.Flush(); err != nil {
		return err
	}
	var entries []*core.Entry
	it := n.store.Range(nil, nil)
	for en := it.Next(); en != nil; en = it.Next() {
		entries = append(entries, en)
	}
	var members []wire.MemberState
	for _, m := range n.table.All() {
		members = append(members, wire.MemberState{
			Id:          m.Id,
			Addrs:       m.Addrs,
			Incarnation: m.Incarnation,
			Status:      m.Status,
		})
	}
	snap := &wal.Snapshot{
		Epoch:       n.repl.Epoch(),
		Seq:         n.walLog.Seq(),
		Root:        n.store.Tree().Root(),
		Incarnation: n.table.Self().Incarnation,
		CreatedAt:   uint64(time.Now().UnixMilli()),
		Members:     members,
		Entries:     entries,
	}
	_, err := wal.WriteSnapshot(filepath.Join(n.cfg.DataDir, "snapshots"), snap)
	return err
}

// compact removes tombstones every Alive peer has converged past.
func (n *Node) compact() {
	alive := n.table.AllAlive()
	ids := make([]core.NodeId, 0, len(alive))
	for _, m := range alive {
		ids = append(ids, m.Id)
	}
	floor := n.repl.PeerWatermarkFloor(ids)
	if floor == nil {
		return
	}
	if dropped := n.store.CompactTombstones(floor); dropped > 0 {
		n.metrics.TombstonesDropped.Add(float64(dropped))
		n.log.Info("compacted tombstones", zap.Int("dropped", dropped))
	}
}

// Shutdown announces departure, stops every subsystem, and flushes
// durable state.
func (n *Node) Shutdown(ctx context.Context) error {
	var err error
	n.closeOnce.Do(func() {
		n.log.Info("shutting down")
		left := n.swim.Leave()
		for _, id := range n.overlay.ActivePeers() {
			n.overlay.SendTo(ctx, id, &wire.MemberUpdate{Updates: []wire.MemberState{left}})
		}
		close(n.closed)
		var g errgroup.Group
		g.Go(func() error { n.repl.Stop(); return nil })
		g.Go(func() error { n.swim.Stop(); return nil })
		g.Go(func() error { n.overlay.Stop(); return nil })
		g.Wait()
		n.wg.Wait()
		if serr := n.Snapshot(); serr != nil {
			err = serr
		}
		if cerr := n.walLog.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
