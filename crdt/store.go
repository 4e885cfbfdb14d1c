// Package crdt implements the keyed CRDT store: an ordered map from
// keys to mergeable entries with causal metadata and tombstones. Writes
// are sharded; an entry and its index digest become visible atomically
// because the MST is updated under the same shard lock.
package crdt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/mst"
)

// ErrBusy is returned when backpressure rejects a write.
var ErrBusy = errors.New("crdt: busy")

// WAL is the durability hook the store writes through. The persistence
// layer implements it; tests pass a no-op.
type WAL interface {
	// LogWrite durably records an accepted write before it becomes
	// visible as successful. remote marks merges from peers.
	LogWrite(entry *core.Entry, remote bool) error
}

// NopWAL discards every record.
type NopWAL struct{}

// LogWrite implements WAL.
func (NopWAL) LogWrite(*core.Entry, bool) error { return nil }

// Config tunes the store.
type Config struct {
	// Shards is the number of key shards; must be a power of two.
	Shards int
	// TombstoneTTL is how long a deletion marker is retained before it
	// becomes a compaction candidate.
	TombstoneTTL time.Duration
	// MaxPendingWrites bounds writes admitted but not yet durable;
	// beyond it Put and Delete fail with ErrBusy.
	MaxPendingWrites int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Shards:           16,
		TombstoneTTL:     24 * time.Hour,
		MaxPendingWrites: 4096,
	}
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*core.Entry
}

// ApplyHook observes every accepted write after it is indexed. The
// replication engine hangs its hot-key tracker here.
type ApplyHook func(entry *core.Entry, local bool)

// Store is the CRDT store.
type Store struct {
	cfg    Config
	self   core.NodeId
	shards []*shard
	tree   *mst.Tree
	wal    WAL
	now    func() uint64

	pending chan struct{}

	hookMu sync.RWMutex
	hook   ApplyHook

	subs *subscribers
}

// New creates a store writing as self through the given WAL.
func New(self core.NodeId, cfg Config, wal WAL) *Store {
	if cfg.Shards == 0 {
		cfg = DefaultConfig()
	}
	if cfg.Shards&(cfg.Shards-1) != 0 {
		panic("crdt: shard count must be a power of two")
	}
	s := &Store{
		cfg:     cfg,
		self:    self,
		shards:  make([]*shard, cfg.Shards),
		tree:    mst.New(),
		wal:     wal,
		now:     func() uint64 { return uint64(time.Now().UnixMilli()) },
		pending: make(chan struct{}, cfg.MaxPendingWrites),
		subs:    newSubscribers(),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*core.Entry)}
	}
	return s
}

// SetNow overrides the wall clock, for tests.
func (s *Store) SetNow(now func() uint64) { s.now = now }

// SetApplyHook installs the post-write observer.
func (s *Store) SetApplyHook(h ApplyHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hook = h
}

// Tree exposes the MST index for anti-entropy and snapshots.
func (s *Store) Tree() *mst.Tree { return s.tree }

func (s *Store) shardFor(key []byte) *shard {
	h := xxhash.Sum64(key)
	return s.shards[h&uint64(len(s.shards)-1)]
}

func (s *Store) admit() error {
	select {
	case s.pending <- struct{}{}:
		return nil
	default:
		return ErrBusy
	}
}

func (s *Store) release() { <-s.pending }

// Put merges value into the entry for key as a local write: the local
// writer's clock entry is bumped, the write is durably logged, the
// index updated, and subscribers notified. Fails with a key validation
// error, ErrBusy under backpressure, a merge error when value's kind
// differs from the stored one, or a durability error.
func (s *Store) Put(key []byte, value core.Value) error {
	if err := core.ValidateKey(key); err != nil {
		return err
	}
	if err := s.admit(); err != nil {
		return err
	}
	defer s.release()

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// Merge into a copy: the stored entry must not change unless the
	// write is durably logged, or a failed log would leave state the
	// WAL and index never saw.
	var next *core.Entry
	if en, ok := sh.entries[string(key)]; ok {
		next = en.Clone()
		if err := next.Val.Merge(value); err != nil {
			return fmt.Errorf("crdt: put %q: %w", key, err)
		}
	} else {
		next = &core.Entry{Key: append([]byte(nil), key...), Val: value.Clone(), Clock: core.NewVectorClock()}
	}
	next.Clock.Bump(s.self, s.now())
	next.Rehash()
	if err := s.wal.LogWrite(next, false); err != nil {
		return fmt.Errorf("crdt: log write: %w", err)
	}
	sh.entries[string(key)] = next
	s.tree.InsertOrUpdate(key, next.Digest, next.Clock.Digest())
	s.afterApply(next, true)
	return nil
}

// Delete merges a tombstone for key. The entry stays observable until
// compaction decides every live peer has converged past it.
func (s *Store) Delete(key []byte) error {
	if err := core.ValidateKey(key); err != nil {
		return err
	}
	if err := s.admit(); err != nil {
		return err
	}
	defer s.release()

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var next *core.Entry
	if en, ok := sh.entries[string(key)]; ok {
		next = en.Clone()
	} else {
		// Deleting an unknown key still plants a tombstone so the
		// deletion wins over a concurrent remote write.
		next = &core.Entry{Key: append([]byte(nil), key...), Val: core.NewLWW(nil, 0, s.self), Clock: core.NewVectorClock()}
	}
	now := s.now()
	next.Clock.Bump(s.self, now)
	next.Tomb = &core.Tombstone{
		ExpiresAt: now + uint64(s.cfg.TombstoneTTL.Milliseconds()),
		Clock:     next.Clock.Clone(),
	}
	next.Rehash()
	if err := s.wal.LogWrite(next, false); err != nil {
		return fmt.Errorf("crdt: log delete: %w", err)
	}
	sh.entries[string(key)] = next
	s.tree.InsertOrUpdate(key, next.Digest, next.Clock.Digest())
	s.afterApply(next, true)
	return nil
}

// Get returns a snapshot of the entry, tombstoned or not; callers
// decide whether a tombstone means absence.
func (s *Store) Get(key []byte) (*core.Entry, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	en, ok := sh.entries[string(key)]
	if !ok {
		return nil, false
	}
	return en.Clone(), true
}

// MergeRemote folds a remote entry state into the store. It is
// idempotent: replaying the same state is a no-op. Returns whether the
// local entry changed.
func (s *Store) MergeRemote(key []byte, value core.Value, clock core.VectorClock, tomb *core.Tombstone) (bool, error) {
	if err := core.ValidateKey(key); err != nil {
		return false, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	en, ok := sh.entries[string(key)]
	if !ok {
		next := &core.Entry{
			Key:   append([]byte(nil), key...),
			Val:   value.Clone(),
			Clock: clock.Clone(),
			Tomb:  tomb.Clone(),
		}
		next.Rehash()
		if err := s.wal.LogWrite(next, true); err != nil {
			return false, fmt.Errorf("crdt: log merge: %w", err)
		}
		sh.entries[string(key)] = next
		s.tree.InsertOrUpdate(key, next.Digest, next.Clock.Digest())
		s.afterApply(next, false)
		return true, nil
	}

	if en.Clock.Dominates(clock) || en.Clock.Equal(clock) {
		// Incoming is stale or identical; nothing to fold in.
		return false, nil
	}

	// Merge into a copy so a failed log leaves the stored entry (and
	// its clock) untouched; a verbatim retry then repeats the merge
	// instead of seeing its own half-applied clock and no-opping.
	next := en.Clone()
	if clock.Dominates(en.Clock) {
		next.Val = value.Clone()
		next.Tomb = tomb.Clone()
	} else {
		if err := next.Val.Merge(value); err != nil {
			return false, fmt.Errorf("crdt: merge %q: %w", key, err)
		}
		next.Tomb = mergeTombstones(next.Tomb, tomb)
	}
	next.Clock.Merge(clock)
	next.Rehash()
	if next.Digest == en.Digest {
		return false, nil
	}
	if err := s.wal.LogWrite(next, true); err != nil {
		return false, fmt.Errorf("crdt: log merge: %w", err)
	}
	sh.entries[string(key)] = next
	s.tree.InsertOrUpdate(key, next.Digest, next.Clock.Digest())
	s.afterApply(next, false)
	return true, nil
}

// mergeTombstones keeps the later of two deletion markers.
func mergeTombstones(a, b *core.Tombstone) *core.Tombstone {
	if a == nil {
		return b.Clone()
	}
	if b == nil {
		return a
	}
	out := a.Clone()
	if b.ExpiresAt > out.ExpiresAt {
		out.ExpiresAt = b.ExpiresAt
	}
	out.Clock.Merge(b.Clock)
	return out
}

func (s *Store) afterApply(en *core.Entry, local bool) {
	s.subs.publish(en.Clone())
	s.hookMu.RLock()
	h := s.hook
	s.hookMu.RUnlock()
	if h != nil {
		h(en.Clone(), local)
	}
}

// Len returns the number of entries, tombstoned included.
func (s *Store) Len() int {
	return s.tree.Len()
}

// CompactTombstones physically removes entries whose tombstone has
// expired and whose clock is dominated by the cluster's convergence
// watermark. Returns how many entries were removed. Recovery may
// resurrect a compacted tombstone from the WAL tail; it is compacted
// again on the next pass.
func (s *Store) CompactTombstones(watermark core.VectorClock) int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, en := range sh.entries {
			if en.Tomb == nil || now <= en.Tomb.ExpiresAt {
				continue
			}
			if !watermark.Dominates(en.Tomb.Clock) {
				continue
			}
			delete(sh.entries, k)
			s.tree.Remove([]byte(k))
			removed++
		}
		sh.mu.Unlock()
	}
	return removed
}

// LoadRecovered installs an entry during recovery, bypassing the WAL.
func (s *Store) LoadRecovered(en *core.Entry) {
	sh := s.shardFor(en.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cp := en.Clone()
	cp.Rehash()
	sh.entries[string(cp.Key)] = cp
	s.tree.InsertOrUpdate(cp.Key, cp.Digest, cp.Clock.Digest())
}
