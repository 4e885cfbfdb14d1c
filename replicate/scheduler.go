package replicate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/peers"
)

// scheduleLoop runs anti-entropy on a jittered interval. Peer selection
// biases toward peers that recently produced divergence; a fraction of
// picks stays uniform so cold peers are still reconciled.
func (e *Engine) scheduleLoop() {
	defer e.wg.Done()
	for {
		span := e.cfg.AEIntervalMax - e.cfg.AEIntervalMin
		wait := e.cfg.AEIntervalMin
		if span > 0 {
			wait += time.Duration(e.rngInt63n(int64(span)))
		}
		select {
		case <-e.closed:
			return
		case <-time.After(wait):
			e.kickSession()
		}
	}
}

// KickNow schedules one immediate session, used by tests and by the
// node right after joining.
func (e *Engine) KickNow() { e.kickSession() }

func (e *Engine) kickSession() {
	peer := e.pickPeer()
	if peer == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// At the session cap the session queues here for a free slot.
		select {
		case e.sessions <- struct{}{}:
		case <-e.closed:
			return
		}
		defer func() { <-e.sessions }()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-e.closed:
				cancel()
			case <-ctx.Done():
			}
		}()
		if err := e.RunSession(ctx, peer.Id); err != nil {
			e.log.Debug("session failed", zap.Stringer("peer", peer.Id), zap.Error(err))
		}
	}()
}

// pickPeer samples an Alive peer, weighted by recent divergence.
func (e *Engine) pickPeer() *core.Member {
	alive := e.table.PickRandom(peers.FilterAlive, 8)
	if len(alive) == 0 {
		return nil
	}
	// One in four picks is uniform regardless of bias.
	if e.rngIntn(4) == 0 {
		return alive[0]
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	best := alive[0]
	bestScore := e.divergence[best.Id]
	for _, m := range alive[1:] {
		if s := e.divergence[m.Id]; s > bestScore {
			best, bestScore = m, s
		}
	}
	// Bias decays once consumed.
	if bestScore > 0 {
		e.divergence[best.Id] = bestScore / 2
	}
	return best
}
