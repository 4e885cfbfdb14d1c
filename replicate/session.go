package replicate

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/mst"
	"github.com/pyralog/merkle-flow/transport"
	"github.com/pyralog/merkle-flow/wire"
)

// ErrPeerBusy is returned when the responder refuses the session.
var ErrPeerBusy = errors.New("replicate: peer busy")

// ErrSessionAborted is returned when a proof fails verification and the
// session is torn down without applying anything from the exchange.
var ErrSessionAborted = errors.New("replicate: session aborted")

// sessionConn couples a connection with the correlation id all session
// messages share.
type sessionConn struct {
	conn transport.Conn
	cid  wire.CorrelationId
}

func (sc *sessionConn) send(ctx context.Context, msg wire.Message) error {
	return sc.conn.Send(ctx, wire.Seal(msg, sc.cid, nil))
}

func (sc *sessionConn) recv(ctx context.Context) (wire.Message, error) {
	env, err := sc.conn.Recv(ctx)
	if err != nil {
		return nil, err
	}
	return env.Open()
}

// RunSession reconciles the local store against peer, pull-first. The
// initiator chooses the peer, the rate and the scope; the responder may
// refuse with Busy.
func (e *Engine) RunSession(ctx context.Context, peer core.NodeId) (err error) {
	defer func() { e.notifySession(peer, err) }()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SessionTimeout)
	defer cancel()

	conn, err := e.dialer.DialPeer(ctx, peer)
	if err != nil {
		return err
	}
	defer conn.Close()

	sc := &sessionConn{conn: conn}
	e.rngRead(sc.cid[:])

	tree := e.store.Tree()
	summary := &wire.AESummary{
		Epoch:     e.Epoch(),
		Root:      tree.Root(),
		Summaries: e.markSkipped(tree.DiffSummary(e.cfg.SummaryDepth)),
		Interest:  e.cfg.Interest,
	}
	if err := sc.send(ctx, summary); err != nil {
		return err
	}

	reply, err := sc.recv(ctx)
	if err != nil {
		return err
	}
	var remote *wire.AESummary
	switch m := reply.(type) {
	case *wire.Busy:
		return ErrPeerBusy
	case *wire.AECommit:
		// Roots already agree; adopt the peer's watermark and stop.
		e.recordCommit(peer, m)
		return nil
	case *wire.AESummary:
		remote = m
	default:
		return fmt.Errorf("replicate: unexpected %T opening session", reply)
	}

	refine, leaves := e.classify(remote.Summaries)
	applied := 0

	for len(refine) > 0 || len(leaves) > 0 {
		if len(refine) > 0 {
			batch := refine
			refine = nil
			if err := sc.send(ctx, &wire.AERequest{Ranges: batch}); err != nil {
				return err
			}
			for range batch {
				msg, err := sc.recv(ctx)
				if err != nil {
					return err
				}
				ch, ok := msg.(*wire.AEChildHashes)
				if !ok {
					return fmt.Errorf("replicate: unexpected %T during descent", msg)
				}
				r, l := e.classify(ch.Children)
				leaves = append(leaves, l...)
				for _, rr := range r {
					if rangesEqual(rr, ch.Parent) {
						// The responder cannot split the range any
						// further; prove it as-is, whatever its size.
						leaves = append(leaves, rr)
					} else {
						refine = append(refine, rr)
					}
				}
			}
			continue
		}

		batch := leaves
		leaves = nil
		if err := sc.send(ctx, &wire.AERequest{Ranges: batch, WantProof: true}); err != nil {
			return err
		}
		msg, err := sc.recv(ctx)
		if err != nil {
			return err
		}
		proof, ok := msg.(*wire.AEProof)
		if !ok {
			return fmt.Errorf("replicate: unexpected %T awaiting proof", msg)
		}
		n, err := e.applyProof(peer, remote.Root, batch, proof)
		if err != nil {
			return err
		}
		applied += n

		// Two-way repair: push back what the responder is missing.
		if back := e.reverseDelta(batch, proof); len(back) > 0 {
			if err := e.bucketsFor(peer).data.Wait(ctx, float64(len(back))); err != nil {
				return err
			}
			if err := sc.send(ctx, &wire.AETwoWayDelta{Entries: back}); err != nil {
				return err
			}
		}
	}

	if applied > 0 {
		e.bumpEpoch()
		e.noteDivergence(peer, applied)
	}
	commit := &wire.AECommit{Epoch: e.Epoch(), Watermark: e.Watermark()}
	if err := sc.send(ctx, commit); err != nil {
		return err
	}
	if msg, err := sc.recv(ctx); err == nil {
		if m, ok := msg.(*wire.AECommit); ok {
			e.recordCommit(peer, m)
		}
	}
	e.log.Debug("session complete", zap.Stringer("peer", peer), zap.Int("applied", applied))
	return nil
}

// classify splits remote summaries into ranges to refine further and
// ranges small enough to prove, dropping matches and skipped ranges.
func (e *Engine) classify(summaries []mst.RangeSummary) (refine, leaves []wire.KeyRange) {
	tree := e.store.Tree()
	for _, rs := range summaries {
		if rs.Skipped || !e.rangeInInterest(rs.Start, rs.End) {
			continue
		}
		localFp, localCount := tree.Fingerprint(rs.Start, rs.End)
		if localFp == rs.Fp {
			continue
		}
		r := wire.KeyRange{Start: rs.Start, End: rs.End}
		count := rs.Count
		if localCount > count {
			count = localCount
		}
		if count <= e.cfg.LeafThreshold {
			leaves = append(leaves, r)
		} else {
			refine = append(refine, r)
		}
	}
	return refine, leaves
}

// applyProof verifies every proof in the batch against the advertised
// remote root before any merge, then applies the enumerated entries.
func (e *Engine) applyProof(peer core.NodeId, remoteRoot core.Hash, ranges []wire.KeyRange, msg *wire.AEProof) (int, error) {
	if len(msg.Proofs) != len(ranges) {
		e.strike(peer)
		return 0, fmt.Errorf("%w: proof count mismatch", ErrSessionAborted)
	}
	expected := make(map[string]core.Hash)
	for i, p := range msg.Proofs {
		if !bytes.Equal(p.Start, ranges[i].Start) || !bytes.Equal(p.End, ranges[i].End) {
			e.strike(peer)
			return 0, fmt.Errorf("%w: proof range mismatch", ErrSessionAborted)
		}
		items, err := p.Verify(remoteRoot)
		if err != nil {
			e.strike(peer)
			return 0, fmt.Errorf("%w: %v", ErrSessionAborted, err)
		}
		for _, it := range items {
			expected[string(it.Key)] = it.ValueDigest
		}
	}
	// Every shipped entry must be vouched for by a proof item.
	for _, en := range msg.Entries {
		want, ok := expected[string(en.Key)]
		if !ok || want != en.Digest {
			e.strike(peer)
			return 0, fmt.Errorf("%w: entry not covered by proof", ErrSessionAborted)
		}
	}

	applied := 0
	for _, en := range msg.Entries {
		changed, err := e.store.MergeRemote(en.Key, en.Val, en.Clock, en.Tomb)
		if err != nil {
			return applied, err
		}
		if changed {
			applied++
		}
	}
	return applied, nil
}

// reverseDelta collects local entries in the proven ranges that the
// responder lacks or holds at a different digest.
func (e *Engine) reverseDelta(ranges []wire.KeyRange, msg *wire.AEProof) []*core.Entry {
	remote := make(map[string]core.Hash, len(msg.Entries))
	for _, en := range msg.Entries {
		remote[string(en.Key)] = en.Digest
	}
	var out []*core.Entry
	for _, r := range ranges {
		for _, en := range e.store.CollectRange(r.Start, r.End) {
			if len(e.cfg.Interest) > 0 && !keyInInterest(e.cfg.Interest, en.Key) {
				continue
			}
			if want, ok := remote[string(en.Key)]; !ok || want != en.Digest {
				out = append(out, en)
			}
		}
	}
	return out
}

func rangesEqual(a, b wire.KeyRange) bool {
	return bytes.Equal(a.Start, b.Start) && bytes.Equal(a.End, b.End)
}

func (e *Engine) recordCommit(peer core.NodeId, m *wire.AECommit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watermarks[peer] = m.Watermark.Clone()
}

// markSkipped replaces summaries outside the interest set with opaque
// skipped fingerprints.
func (e *Engine) markSkipped(summaries []mst.RangeSummary) []mst.RangeSummary {
	if len(e.cfg.Interest) == 0 {
		return summaries
	}
	out := make([]mst.RangeSummary, len(summaries))
	for i, rs := range summaries {
		if e.rangeInInterest(rs.Start, rs.End) {
			out[i] = rs
			continue
		}
		rs.Skipped = true
		rs.Fp = core.SkippedHash(rs.Fp)
		out[i] = rs
	}
	return out
}

// rangeInInterest reports whether [start, end) intersects any interest
// prefix. With no configured interest everything is relevant. A nil
// bound leaves that side of the range unbounded.
func (e *Engine) rangeInInterest(start, end []byte) bool {
	if len(e.cfg.Interest) == 0 {
		return true
	}
	for _, p := range e.cfg.Interest {
		pEnd := prefixEnd(p)
		// [start, end) ∩ [p, pEnd) ≠ ∅
		if end != nil && bytes.Compare(end, p) <= 0 {
			continue
		}
		if pEnd != nil && start != nil && bytes.Compare(start, pEnd) >= 0 {
			continue
		}
		return true
	}
	return false
}

// prefixEnd returns the smallest key greater than every key with the
// given prefix, nil when the prefix is all 0xFF.
func prefixEnd(p []byte) []byte {
	out := append([]byte(nil), p...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// HandleSession serves the responder side of one anti-entropy session
// on a dedicated connection. The overlay hands over the connection with
// its first envelope already read.
func (e *Engine) HandleSession(conn transport.Conn, first *wire.Envelope) {
	defer conn.Close()
	peer := conn.Peer()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SessionTimeout)
	defer cancel()

	sc := &sessionConn{conn: conn, cid: first.CorrelationId}

	msg, err := first.Open()
	if err != nil {
		e.log.Warn("bad session opener", zap.Stringer("peer", peer), zap.Error(err))
		return
	}
	summary, ok := msg.(*wire.AESummary)
	if !ok {
		return
	}

	if !e.inbound.Take(1) {
		sc.send(ctx, &wire.Busy{RetryAfterMillis: 1000})
		return
	}

	interest := intersectInterest(e.cfg.Interest, summary.Interest)
	tree := e.store.Tree()

	if summary.Root == tree.Root() {
		sc.send(ctx, &wire.AECommit{Epoch: e.Epoch(), Watermark: e.Watermark()})
		return
	}
	reply := &wire.AESummary{
		Epoch:     e.Epoch(),
		Root:      tree.Root(),
		Summaries: markSkippedFor(interest, tree.DiffSummary(e.cfg.SummaryDepth)),
		Interest:  interest,
	}
	if err := sc.send(ctx, reply); err != nil {
		return
	}

	for {
		msg, err := sc.recv(ctx)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *wire.AERequest:
			if m.WantProof {
				if err := e.serveProofs(ctx, sc, interest, m.Ranges); err != nil {
					return
				}
			} else {
				for _, r := range m.Ranges {
					children := markSkippedFor(interest, tree.SplitRange(r.Start, r.End))
					if err := sc.send(ctx, &wire.AEChildHashes{Parent: r, Children: children}); err != nil {
						return
					}
				}
			}
		case *wire.AETwoWayDelta:
			// Entries fold through the same idempotent merge path; no
			// verification is needed or possible here.
			for _, en := range m.Entries {
				e.store.MergeRemote(en.Key, en.Val, en.Clock, en.Tomb)
			}
		case *wire.AECommit:
			e.recordCommit(peer, m)
			sc.send(ctx, &wire.AECommit{Epoch: e.Epoch(), Watermark: e.Watermark()})
			return
		default:
			e.log.Warn("unexpected session message", zap.Stringer("peer", peer))
			return
		}
	}
}

// serveProofs answers one proof request, pacing payloads through the
// AE data bucket.
func (e *Engine) serveProofs(ctx context.Context, sc *sessionConn, interest [][]byte, ranges []wire.KeyRange) error {
	tree := e.store.Tree()
	out := &wire.AEProof{}
	for _, r := range ranges {
		out.Proofs = append(out.Proofs, tree.RangeProof(r.Start, r.End))
		for _, en := range e.store.CollectRange(r.Start, r.End) {
			if len(interest) > 0 && !keyInInterest(interest, en.Key) {
				continue
			}
			out.Entries = append(out.Entries, en)
		}
	}
	if err := e.bucketsFor(sc.conn.Peer()).data.Wait(ctx, float64(len(out.Entries)+1)); err != nil {
		return err
	}
	return sc.send(ctx, out)
}

func keyInInterest(interest [][]byte, key []byte) bool {
	for _, p := range interest {
		if bytes.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// intersectInterest narrows the responder's own interest by the
// initiator's. Empty means unrestricted on that side.
func intersectInterest(ours, theirs [][]byte) [][]byte {
	if len(ours) == 0 {
		return theirs
	}
	if len(theirs) == 0 {
		return ours
	}
	var out [][]byte
	for _, a := range ours {
		for _, b := range theirs {
			if bytes.HasPrefix(a, b) {
				out = append(out, a)
			} else if bytes.HasPrefix(b, a) {
				out = append(out, b)
			}
		}
	}
	return out
}

func markSkippedFor(interest [][]byte, summaries []mst.RangeSummary) []mst.RangeSummary {
	if len(interest) == 0 {
		return summaries
	}
	out := make([]mst.RangeSummary, len(summaries))
	for i, rs := range summaries {
		if rangeIntersects(interest, rs.Start, rs.End) {
			out[i] = rs
			continue
		}
		rs.Skipped = true
		rs.Fp = core.SkippedHash(rs.Fp)
		out[i] = rs
	}
	return out
}

func rangeIntersects(interest [][]byte, start, end []byte) bool {
	for _, p := range interest {
		pEnd := prefixEnd(p)
		if end != nil && bytes.Compare(end, p) <= 0 {
			continue
		}
		if pEnd != nil && start != nil && bytes.Compare(start, pEnd) >= 0 {
			continue
		}
		return true
	}
	return false
}
