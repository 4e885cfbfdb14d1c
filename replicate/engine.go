// Package replicate drives the two convergence regimes: push deltas
// for hot keys through the broadcast tree, and pull anti-entropy
// sessions that reconcile the full keyspace over the MST index.
package replicate

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/crdt"
	"github.com/pyralog/merkle-flow/peers"
	"github.com/pyralog/merkle-flow/transport"
	"github.com/pyralog/merkle-flow/wire"
)

// Broadcaster is what push replication needs from the overlay.
type Broadcaster interface {
	NextSeq() uint64
	Broadcast(pd *wire.PushDelta)
}

// Dialer opens a dedicated session connection to a peer.
type Dialer interface {
	DialPeer(ctx context.Context, id core.NodeId) (transport.Conn, error)
}

// Config tunes the replication engine.
type Config struct {
	// AEIntervalMin/Max bound the jittered anti-entropy period.
	AEIntervalMin time.Duration
	AEIntervalMax time.Duration
	// MaxSessions caps concurrent outbound sessions.
	MaxSessions int
	// SummaryDepth is the MST depth offered in the opening summary.
	SummaryDepth int
	// LeafThreshold is the entry count at which descent stops and
	// proofs are requested.
	LeafThreshold uint64
	// SessionTimeout bounds one whole session.
	SessionTimeout time.Duration
	// StrikeLimit demotes a peer after this many proof failures.
	StrikeLimit int
	// Interest restricts anti-entropy to these key prefixes; empty
	// means the full keyspace.
	Interest [][]byte
	// Hot-key classification.
	TrackerSize  int
	HotFactor    float64
	HotMinRate   float64
	InboundBurst int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AEIntervalMin:  30 * time.Second,
		AEIntervalMax:  90 * time.Second,
		MaxSessions:    min(4, runtime.NumCPU()),
		SummaryDepth:   2,
		LeafThreshold:  32,
		SessionTimeout: 60 * time.Second,
		StrikeLimit:    3,
		TrackerSize:    4096,
		HotFactor:      4,
		HotMinRate:     5,
		InboundBurst:   8,
	}
}

// Engine is the replication engine.
type Engine struct {
	cfg    Config
	self   core.NodeId
	store  *crdt.Store
	bcast  Broadcaster
	dialer Dialer
	table  *peers.Table
	log    *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	tracker *hotTracker

	mu sync.Mutex
	// epoch counts locally observed convergence progress; advisory.
	epoch uint64
	// applied summarizes every write applied locally, the node's
	// convergence watermark advertised in AECommit.
	applied core.VectorClock
	// watermarks holds the last watermark advertised by each peer.
	watermarks map[core.NodeId]core.VectorClock
	// divergence biases peer selection toward recently-divergent peers.
	divergence map[core.NodeId]int
	strikes    map[core.NodeId]int
	buckets    map[core.NodeId]*peerBuckets

	inbound *tokenBucket

	onDemote    []func(core.NodeId)
	onBroadcast []func()
	onSession   []func(peer core.NodeId, err error)

	sessions  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// New creates the engine and hooks it into the store's apply path.
func New(self core.NodeId, store *crdt.Store, bcast Broadcaster, dialer Dialer, table *peers.Table, cfg Config, rng *rand.Rand, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:        cfg,
		self:       self,
		store:      store,
		bcast:      bcast,
		dialer:     dialer,
		table:      table,
		log:        log.Named("replicate"),
		rng:        rng,
		tracker:    newHotTracker(cfg.TrackerSize, cfg.HotFactor, cfg.HotMinRate),
		applied:    core.NewVectorClock(),
		watermarks: make(map[core.NodeId]core.VectorClock),
		divergence: make(map[core.NodeId]int),
		strikes:    make(map[core.NodeId]int),
		buckets:    make(map[core.NodeId]*peerBuckets),
		inbound:    newTokenBucket(float64(cfg.InboundBurst), float64(cfg.InboundBurst)/2),
		sessions:   make(chan struct{}, cfg.MaxSessions),
		closed:     make(chan struct{}),
	}
	store.SetApplyHook(e.OnApply)
	return e
}

// OnDemote registers a callback fired when a peer accumulates enough
// proof-verification strikes.
func (e *Engine) OnDemote(fn func(core.NodeId)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDemote = append(e.onDemote, fn)
}

// OnBroadcast registers a callback fired for every hot-key push delta
// handed to the overlay.
func (e *Engine) OnBroadcast(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onBroadcast = append(e.onBroadcast, fn)
}

// OnSession registers a callback fired when an initiated anti-entropy
// session finishes, with its outcome.
func (e *Engine) OnSession(fn func(peer core.NodeId, err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSession = append(e.onSession, fn)
}

func (e *Engine) notifyBroadcast() {
	e.mu.Lock()
	callbacks := make([]func(), len(e.onBroadcast))
	copy(callbacks, e.onBroadcast)
	e.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (e *Engine) notifySession(peer core.NodeId, err error) {
	e.mu.Lock()
	callbacks := make([]func(core.NodeId, error), len(e.onSession))
	copy(callbacks, e.onSession)
	e.mu.Unlock()
	for _, fn := range callbacks {
		fn(peer, err)
	}
}

// Start launches the anti-entropy scheduler.
func (e *Engine) Start() {
	e.log.Info("starting replication engine", zap.Int("maxSessions", e.cfg.MaxSessions))
	e.wg.Add(1)
	go e.scheduleLoop()
}

// Stop halts the scheduler and waits for in-flight sessions.
func (e *Engine) Stop() {
	e.closeOnce.Do(func() { close(e.closed) })
	e.wg.Wait()
	e.log.Info("replication engine stopped")
}

// Epoch returns the advisory local convergence epoch.
func (e *Engine) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

func (e *Engine) bumpEpoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epoch++
	return e.epoch
}

// OnApply observes every accepted store write: it feeds the hot-key
// tracker, extends the convergence watermark, and pushes hot local
// writes into the broadcast tree. The node chains it into the store's
// apply hook.
func (e *Engine) OnApply(en *core.Entry, local bool) {
	e.mu.Lock()
	e.applied.Merge(en.Clock)
	e.mu.Unlock()

	hot := e.tracker.Observe(en.Key)
	if !local || !hot {
		return
	}
	e.pushDelta(en)
}

// pushDelta broadcasts a hot entry. The payload is the minimal delta
// against the floor of the known peer watermarks, or the full value
// when no watermark is known.
func (e *Engine) pushDelta(en *core.Entry) {
	known := e.watermarkFloor()
	pd := &wire.PushDelta{
		ID:          wire.MessageID{Origin: e.self, Seq: e.bcast.NextSeq()},
		Key:         en.Key,
		ValueDigest: en.Digest,
		Delta:       en.Val.DeltaSince(known),
		Clock:       en.Clock.Clone(),
		Tomb:        en.Tomb.Clone(),
	}
	e.bcast.Broadcast(pd)
	e.notifyBroadcast()
}

// watermarkFloor is the pointwise minimum over all known peer
// watermarks: state every tracked peer is known to have applied.
func (e *Engine) watermarkFloor() core.VectorClock {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.watermarks) == 0 {
		return nil
	}
	var floor core.VectorClock
	for _, wm := range e.watermarks {
		if floor == nil {
			floor = wm.Clone()
			continue
		}
		for id, n := range floor {
			if wm.Get(id) < n {
				floor[id] = wm.Get(id)
			}
		}
		for id := range floor {
			if _, ok := wm[id]; !ok {
				delete(floor, id)
			}
		}
	}
	return floor
}

// Ingest applies a broadcast push delta received from the overlay.
func (e *Engine) Ingest(pd *wire.PushDelta) {
	changed, err := e.store.MergeRemote(pd.Key, pd.Delta, pd.Clock, pd.Tomb)
	if err != nil {
		e.log.Warn("push delta rejected", zap.Error(err))
		return
	}
	if changed {
		e.noteDivergence(pd.ID.Origin, 1)
	}
}

func (e *Engine) noteDivergence(id core.NodeId, delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.divergence[id] += delta
}

// Watermark returns the local convergence watermark.
func (e *Engine) Watermark() core.VectorClock {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied.Clone()
}

// PeerWatermarkFloor returns the pointwise-minimum watermark across
// the given peers, nil when any of them has never advertised one. The
// compaction loop feeds it the current Alive set: a tombstone may only
// go when this floor dominates it.
func (e *Engine) PeerWatermarkFloor(ids []core.NodeId) core.VectorClock {
	e.mu.Lock()
	defer e.mu.Unlock()
	floor := e.applied.Clone()
	for _, id := range ids {
		wm, ok := e.watermarks[id]
		if !ok {
			return nil
		}
		for w, n := range floor {
			if wm.Get(w) < n {
				floor[w] = wm.Get(w)
			}
		}
		for w := range floor {
			if _, ok := wm[w]; !ok {
				delete(floor, w)
			}
		}
	}
	return floor
}

// strike records a proof failure; at the limit the peer is demoted.
func (e *Engine) strike(id core.NodeId) {
	e.mu.Lock()
	e.strikes[id]++
	n := e.strikes[id]
	callbacks := make([]func(core.NodeId), len(e.onDemote))
	copy(callbacks, e.onDemote)
	limit := e.cfg.StrikeLimit
	e.mu.Unlock()

	e.log.Warn("proof verification strike", zap.Stringer("peer", id), zap.Int("strikes", n))
	if n >= limit {
		for _, fn := range callbacks {
			fn(id)
		}
	}
}

// rngIntn and rngInt63n serialize draws from the seeded source, which
// concurrent sessions share.
func (e *Engine) rngIntn(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}

func (e *Engine) rngInt63n(n int64) int64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Int63n(n)
}

func (e *Engine) rngRead(b []byte) {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	e.rng.Read(b)
}

func (e *Engine) bucketsFor(id core.NodeId) *peerBuckets {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buckets[id]
	if !ok {
		b = newPeerBuckets()
		e.buckets[id] = b
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
