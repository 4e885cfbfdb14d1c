// Package swim implements the membership engine: randomized direct and
// indirect probing, suspicion with refutation, and Lifeguard's
// local-health scaling of timers. Member state disseminates by
// piggybacking bounded update batches on outbound traffic.
package swim

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/peers"
	"github.com/pyralog/merkle-flow/wire"
)

// Sender delivers one message to a peer, best-effort. The node wires
// this to the overlay's channels, falling back to a direct dial.
type Sender interface {
	SendTo(ctx context.Context, id core.NodeId, msg wire.Message) error
}

// Config tunes the engine. All timers stretch linearly with the local
// health score, so an overloaded node accuses more slowly.
type Config struct {
	ProbeInterval   time.Duration
	ProbeTimeout    time.Duration
	IndirectK       int
	IndirectTimeout time.Duration
	// SuspicionMult scales the base suspicion timer,
	// mult × log(n+1) × ProbeInterval.
	SuspicionMult int
	// MinSuspicion floors the accelerated suspicion timer.
	MinSuspicion time.Duration
	// PiggybackBudget bounds membership states attached per datagram.
	PiggybackBudget int
	// MaxHealth caps the Lifeguard score.
	MaxHealth int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:   1 * time.Second,
		ProbeTimeout:    500 * time.Millisecond,
		IndirectK:       3,
		IndirectTimeout: 1 * time.Second,
		SuspicionMult:   4,
		MinSuspicion:    2 * time.Second,
		PiggybackBudget: 6,
		MaxHealth:       8,
	}
}

type suspicion struct {
	timer     *time.Timer
	deadline  time.Time
	started   time.Time
	witnesses map[core.NodeId]struct{}
}

type ackWait struct {
	ch chan struct{}
}

// Engine is the membership engine.
type Engine struct {
	cfg    Config
	table  *peers.Table
	sender Sender
	log    *zap.Logger

	mu         sync.Mutex
	health     int
	seq        uint64
	acks       map[uint64]*ackWait
	suspicions map[core.NodeId]*suspicion
	sweep      []core.NodeId
	sweepPos   int
	onConfirm  []func(core.NodeId)

	pq *piggybackQueue

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// New creates an engine over the given peer table.
func New(table *peers.Table, cfg Config, sender Sender, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:        cfg,
		table:      table,
		sender:     sender,
		log:        log.Named("swim"),
		acks:       make(map[uint64]*ackWait),
		suspicions: make(map[core.NodeId]*suspicion),
		pq:         newPiggybackQueue(),
		closed:     make(chan struct{}),
	}
}

// OnConfirm registers a callback fired when a peer is confirmed dead.
// The overlay uses it to repair its active view.
func (e *Engine) OnConfirm(fn func(core.NodeId)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConfirm = append(e.onConfirm, fn)
}

// Start launches the probe loop.
func (e *Engine) Start() {
	e.log.Info("starting membership engine",
		zap.Stringer("self", e.table.Self().Id),
		zap.Duration("probeInterval", e.cfg.ProbeInterval))
	e.wg.Add(1)
	go e.run()
}

// Stop terminates the probe loop and cancels pending suspicion timers.
func (e *Engine) Stop() {
	e.closeOnce.Do(func() { close(e.closed) })
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.suspicions {
		s.timer.Stop()
	}
	e.log.Info("membership engine stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		interval := e.scaled(e.cfg.ProbeInterval)
		select {
		case <-e.closed:
			return
		case <-time.After(interval):
			if target := e.nextProbeTarget(); target != nil {
				e.probe(target)
			}
		}
	}
}

// scaled stretches d by the local health score: a node at full health
// probes at the base rate, an unhealthy one up to (1+Hmax)× slower.
func (e *Engine) scaled(d time.Duration) time.Duration {
	e.mu.Lock()
	h := e.health
	e.mu.Unlock()
	return d * time.Duration(1+h)
}

// Health returns the current Lifeguard score.
func (e *Engine) Health() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

func (e *Engine) adjustHealth(delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health += delta
	if e.health < 0 {
		e.health = 0
	}
	if e.health > e.cfg.MaxHealth {
		e.health = e.cfg.MaxHealth
	}
}

// nextProbeTarget walks a shuffled sweep over the Alive peers,
// reshuffling when the sweep is exhausted, so every peer is probed once
// per round rather than sampled with replacement.
func (e *Engine) nextProbeTarget() *core.Member {
	e.mu.Lock()
	defer e.mu.Unlock()
	for attempts := 0; attempts < 2; attempts++ {
		for e.sweepPos < len(e.sweep) {
			id := e.sweep[e.sweepPos]
			e.sweepPos++
			if m := e.table.Lookup(id); m != nil && m.Status == core.StatusAlive {
				return m
			}
		}
		alive := e.table.PickRandom(peers.FilterAlive, e.table.Size())
		e.sweep = e.sweep[:0]
		for _, m := range alive {
			e.sweep = append(e.sweep, m.Id)
		}
		e.sweepPos = 0
		if len(e.sweep) == 0 {
			return nil
		}
	}
	return nil
}

func (e *Engine) nextSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.seq
}

func (e *Engine) registerAck(seq uint64) *ackWait {
	w := &ackWait{ch: make(chan struct{}, 1)}
	e.mu.Lock()
	e.acks[seq] = w
	e.mu.Unlock()
	return w
}

func (e *Engine) resolveAck(seq uint64) {
	e.mu.Lock()
	w, ok := e.acks[seq]
	if ok {
		delete(e.acks, seq)
	}
	e.mu.Unlock()
	if ok {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) dropAck(seq uint64) {
	e.mu.Lock()
	delete(e.acks, seq)
	e.mu.Unlock()
}

// probe runs one direct-then-indirect probe cycle against target.
func (e *Engine) probe(target *core.Member) {
	seq := e.nextSeq()
	w := e.registerAck(seq)
	ctx, cancel := context.WithTimeout(context.Background(), e.scaled(e.cfg.ProbeTimeout))
	err := e.sender.SendTo(ctx, target.Id, &wire.Ping{Seq: seq})
	if err == nil {
		select {
		case <-w.ch:
			cancel()
			e.adjustHealth(-1)
			e.markAlive(target)
			return
		case <-ctx.Done():
		case <-e.closed:
			cancel()
			e.dropAck(seq)
			return
		}
	}
	cancel()
	e.adjustHealth(+1)

	// Direct probe failed; ask indirectK relays to try.
	relays := e.table.PickRandom(func(m *core.Member) bool {
		return m.Status == core.StatusAlive && m.Id != target.Id
	}, e.cfg.IndirectK)
	if len(relays) > 0 {
		ictx, icancel := context.WithTimeout(context.Background(), e.scaled(e.cfg.IndirectTimeout))
		for _, relay := range relays {
			e.sender.SendTo(ictx, relay.Id, &wire.IndirectPing{Target: target.Id, Seq: seq})
		}
		select {
		case <-w.ch:
			icancel()
			e.markAlive(target)
			return
		case <-ictx.Done():
		case <-e.closed:
			icancel()
			e.dropAck(seq)
			return
		}
		icancel()
	}
	e.dropAck(seq)
	e.suspect(target.Id, target.Incarnation)
}

func (e *Engine) markAlive(m *core.Member) {
	e.cancelSuspicion(m.Id)
	cp := m.Clone()
	cp.Status = core.StatusAlive
	cp.LastStatusAt = nowMillis()
	if e.table.Upsert(cp) {
		e.enqueueUpdate(cp)
	}
}

// suspect transitions a peer to Suspect and arms its suspicion timer.
func (e *Engine) suspect(id core.NodeId, inc core.Incarnation) {
	m := e.table.Lookup(id)
	if m == nil || m.Status != core.StatusAlive || m.Incarnation > inc {
		return
	}
	cp := m.Clone()
	cp.Status = core.StatusSuspect
	cp.LastStatusAt = nowMillis()
	if !e.table.Upsert(cp) {
		return
	}
	e.log.Info("peer suspected", zap.Stringer("peer", id), zap.Uint64("incarnation", uint64(inc)))
	e.enqueueUpdate(cp)
	e.armSuspicion(id)
}

func (e *Engine) suspicionTimeout() time.Duration {
	n := e.table.Size()
	base := time.Duration(e.cfg.SuspicionMult) * time.Duration(math.Ceil(math.Log(float64(n)+2))) * e.cfg.ProbeInterval
	if base < e.cfg.MinSuspicion {
		base = e.cfg.MinSuspicion
	}
	return e.scaled(base)
}

func (e *Engine) armSuspicion(id core.NodeId) {
	// suspicionTimeout reads the health score under e.mu, so it runs
	// before the lock is taken here.
	d := e.suspicionTimeout()
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.suspicions[id]; ok {
		return
	}
	s := &suspicion{
		started:   time.Now(),
		deadline:  time.Now().Add(d),
		witnesses: make(map[core.NodeId]struct{}),
	}
	s.timer = time.AfterFunc(d, func() { e.confirm(id) })
	e.suspicions[id] = s
}

// witnessSuspicion accelerates an armed timer when an independent
// witness also suspects the peer.
func (e *Engine) witnessSuspicion(id, witness core.NodeId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.suspicions[id]
	if !ok {
		return
	}
	if _, seen := s.witnesses[witness]; seen {
		return
	}
	s.witnesses[witness] = struct{}{}
	remaining := time.Until(s.deadline) / 2
	if remaining < e.cfg.MinSuspicion {
		remaining = e.cfg.MinSuspicion
	}
	if s.timer.Stop() {
		s.deadline = time.Now().Add(remaining)
		s.timer = time.AfterFunc(remaining, func() { e.confirm(id) })
	}
}

func (e *Engine) cancelSuspicion(id core.NodeId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.suspicions[id]; ok {
		s.timer.Stop()
		delete(e.suspicions, id)
	}
}

// confirm fires when a suspicion expires unrefuted.
func (e *Engine) confirm(id core.NodeId) {
	e.mu.Lock()
	delete(e.suspicions, id)
	callbacks := make([]func(core.NodeId), len(e.onConfirm))
	copy(callbacks, e.onConfirm)
	e.mu.Unlock()

	m := e.table.Lookup(id)
	if m == nil || m.Status != core.StatusSuspect {
		return
	}
	cp := m.Clone()
	cp.Status = core.StatusConfirm
	cp.LastStatusAt = nowMillis()
	if !e.table.Upsert(cp) {
		return
	}
	e.log.Warn("peer confirmed dead", zap.Stringer("peer", id))
	e.enqueueUpdate(cp)
	for _, fn := range callbacks {
		fn(id)
	}
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
