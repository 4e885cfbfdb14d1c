package replicate

import (
	"context"
	"sync"
	"time"
)

// MsgClass buckets outbound traffic for backpressure accounting.
type MsgClass int

const (
	ClassMembership MsgClass = iota
	ClassPushDelta
	ClassAEControl
	ClassAEData
)

// tokenBucket is a standard refill-on-demand token bucket.
type tokenBucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	rate     float64 // tokens per second
	last     time.Time
}

func newTokenBucket(capacity, rate float64) *tokenBucket {
	return &tokenBucket{capacity: capacity, tokens: capacity, rate: rate, last: time.Now()}
}

func (b *tokenBucket) refillLocked(now time.Time) {
	b.tokens += b.rate * now.Sub(b.last).Seconds()
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// Take consumes n tokens if available.
func (b *tokenBucket) Take(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Wait blocks until n tokens are available or ctx ends. Sessions use
// it to pace AE data instead of dropping it.
func (b *tokenBucket) Wait(ctx context.Context, n float64) error {
	for {
		b.mu.Lock()
		b.refillLocked(time.Now())
		if b.tokens >= n {
			b.tokens -= n
			b.mu.Unlock()
			return nil
		}
		missing := n - b.tokens
		b.mu.Unlock()
		delay := time.Duration(missing / b.rate * float64(time.Second))
		if delay < time.Millisecond {
			delay = time.Millisecond
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// peerBuckets is the per-peer set of class buckets. Membership has no
// bucket: it is never throttled or dropped.
type peerBuckets struct {
	push    *tokenBucket
	control *tokenBucket
	data    *tokenBucket
}

func newPeerBuckets() *peerBuckets {
	return &peerBuckets{
		push:    newTokenBucket(256, 128),
		control: newTokenBucket(128, 64),
		data:    newTokenBucket(1<<20, 512<<10), // bytes of AE data
	}
}
