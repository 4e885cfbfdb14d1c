package replicate

import (
	"bytes"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// hotTracker classifies keys as hot by comparing each key's update
// rate against an adaptive per-namespace threshold. The namespace is
// the key prefix up to the first '/', or the whole key without one.
// Classification only routes a write to push; anti-entropy still
// covers the full keyspace on schedule, so a miss here costs latency,
// never convergence.
type hotTracker struct {
	mu sync.Mutex

	keys       *lru.Cache[string, *keyStat]
	namespaces map[string]*nsStat

	// factor multiplies the namespace's remaining rate per other
	// tracked key to give the threshold a key's rate must reach.
	factor float64
	// minRate floors classification, in updates per second.
	minRate float64
	now     func() time.Time
}

type keyStat struct {
	rate float64
	last time.Time
}

type nsStat struct {
	rate float64
	last time.Time
}

// ewmaHalfLife controls how fast rates decay, ~10s.
const ewmaHalfLife = 10 * time.Second

func newHotTracker(capacity int, factor, minRate float64) *hotTracker {
	keys, _ := lru.New[string, *keyStat](capacity)
	return &hotTracker{
		keys:       keys,
		namespaces: make(map[string]*nsStat),
		factor:     factor,
		minRate:    minRate,
		now:        time.Now,
	}
}

func namespaceOf(key []byte) string {
	if i := bytes.IndexByte(key, '/'); i >= 0 {
		return string(key[:i])
	}
	return string(key)
}

// decayed applies exponential decay to a rate over the elapsed time.
func decayed(rate float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return rate
	}
	halfLives := float64(elapsed) / float64(ewmaHalfLife)
	for ; halfLives >= 1; halfLives-- {
		rate /= 2
	}
	return rate * (1 - halfLives/2)
}

// Observe records one update to key and reports whether the key is
// currently hot.
func (h *hotTracker) Observe(key []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()

	ks, ok := h.keys.Get(string(key))
	if !ok {
		ks = &keyStat{last: now}
		h.keys.Add(string(key), ks)
	}
	ks.rate = decayed(ks.rate, now.Sub(ks.last)) + 1
	ks.last = now

	ns := namespaceOf(key)
	n, ok := h.namespaces[ns]
	if !ok {
		n = &nsStat{last: now}
		h.namespaces[ns] = n
	}
	n.rate = decayed(n.rate, now.Sub(n.last)) + 1
	n.last = now

	// A key is hot when its rate clears both the floor and a multiple
	// of the namespace's rate without this key, divided by the number of
	// other tracked keys across all namespaces (not only this one), so
	// one hammered key stands out even alone in its namespace.
	others := n.rate - ks.rate
	if others < 0 {
		others = 0
	}
	denom := float64(h.keys.Len() - 1)
	if denom < 1 {
		denom = 1
	}
	threshold := h.factor * (others / denom)
	if threshold < h.minRate {
		threshold = h.minRate
	}
	return ks.rate >= threshold
}
