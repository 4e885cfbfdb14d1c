package node

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/transport"
	"github.com/pyralog/merkle-flow/wal"
)

func nid(b byte) core.NodeId {
	var id core.NodeId
	id[0] = b
	return id
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig(t.TempDir())
	cfg.RandSeed = 42
	cfg.SnapshotInterval = time.Hour
	cfg.WAL = wal.Config{Policy: wal.FsyncNone}
	cfg.Swim.ProbeInterval = 50 * time.Millisecond
	cfg.Swim.ProbeTimeout = 50 * time.Millisecond
	cfg.Replicate.AEIntervalMin = 50 * time.Millisecond
	cfg.Replicate.AEIntervalMax = 100 * time.Millisecond
	cfg.Replicate.SessionTimeout = 5 * time.Second
	cfg.Overlay.ShuffleInterval = time.Hour
	return cfg
}

func newTestNode(t *testing.T, net *transport.Network, b byte) *Node {
	t.Helper()
	tr := net.Host(nid(b))
	cfg := testConfig(t)
	cfg.RandSeed = int64(b)
	n, err := New(cfg, tr, nil, nil)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.Shutdown(ctx)
	})
	return n
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never reached")
}

func TestTwoNodesConverge(t *testing.T) {
	net := transport.NewNetwork()
	a := newTestNode(t, net, 1)
	b := newTestNode(t, net, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Join(ctx, []Seed{{Addr: a.tr.Addr()}}))

	for i := 0; i < 50; i++ {
		require.NoError(t, a.Put([]byte(fmt.Sprintf("key-%03d", i)), core.NewLWW([]byte("v"), uint64(i), a.id)))
	}

	waitFor(t, 10*time.Second, func() bool {
		return b.Stats().Root == a.Stats().Root && b.Stats().Entries == 50
	})

	en, ok := b.Get([]byte("key-007"))
	require.True(t, ok)
	assert.Equal(t, []byte("v"), en.Val.LWW.Payload)
}

func TestThreeNodesFullConvergence(t *testing.T) {
	net := transport.NewNetwork()
	a := newTestNode(t, net, 1)
	b := newTestNode(t, net, 2)
	c := newTestNode(t, net, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Join(ctx, []Seed{{Addr: a.tr.Addr()}}))
	require.NoError(t, c.Join(ctx, []Seed{{Addr: a.tr.Addr()}}))

	// Divergent writes everywhere.
	require.NoError(t, a.Put([]byte("from/a"), core.NewLWW([]byte("a"), 1, a.id)))
	require.NoError(t, b.Put([]byte("from/b"), core.NewLWW([]byte("b"), 1, b.id)))
	require.NoError(t, c.Put([]byte("from/c"), core.NewLWW([]byte("c"), 1, c.id)))

	waitFor(t, 15*time.Second, func() bool {
		ra, rb, rc := a.Stats().Root, b.Stats().Root, c.Stats().Root
		return ra == rb && rb == rc && a.Stats().Entries == 3
	})
}

func TestDeleteConverges(t *testing.T) {
	net := transport.NewNetwork()
	a := newTestNode(t, net, 1)
	b := newTestNode(t, net, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Join(ctx, []Seed{{Addr: a.tr.Addr()}}))

	require.NoError(t, a.Put([]byte("k"), core.NewLWW([]byte("v"), 1, a.id)))
	waitFor(t, 10*time.Second, func() bool {
		_, ok := b.Get([]byte("k"))
		return ok
	})

	require.NoError(t, a.Delete([]byte("k")))
	waitFor(t, 10*time.Second, func() bool {
		en, ok := b.Get([]byte("k"))
		return ok && en.Deleted()
	})
}

func TestSubscribeSeesRemoteWrites(t *testing.T) {
	net := transport.NewNetwork()
	a := newTestNode(t, net, 1)
	b := newTestNode(t, net, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Join(ctx, []Seed{{Addr: a.tr.Addr()}}))

	sub := b.Subscribe([]byte("watch/"), 16)
	defer sub.Cancel()

	require.NoError(t, a.Put([]byte("watch/1"), core.NewLWW([]byte("v"), 1, a.id)))

	select {
	case ev := <-sub.C():
		assert.Equal(t, []byte("watch/1"), ev.Entry.Key)
	case <-time.After(10 * time.Second):
		t.Fatal("subscription never delivered")
	}
}

func TestCrashRestartRecoversState(t *testing.T) {
	net := transport.NewNetwork()
	dir := t.TempDir()

	cfg := testConfig(t)
	cfg.DataDir = dir
	cfg.WAL = wal.Config{Policy: wal.FsyncPerRecord}

	tr := net.Host(nid(1))
	n, err := New(cfg, tr, nil, nil)
	require.NoError(t, err)
	require.NoError(t, n.Start())

	for i := 0; i < 100; i++ {
		require.NoError(t, n.Put([]byte(fmt.Sprintf("k%03d", i)), core.NewLWW([]byte("v"), uint64(i), n.id)))
	}
	root := n.Stats().Root
	inc := n.Stats().Incarnation
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Shutdown(ctx))

	tr2 := net.Host(nid(1))
	n2, err := New(cfg, tr2, nil, nil)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n2.Shutdown(ctx)
	}()

	assert.Equal(t, root, n2.Stats().Root)
	assert.Equal(t, 100, n2.Stats().Entries)
	assert.Greater(t, n2.Stats().Incarnation, inc, "restart bumps the incarnation")
}

func TestPutAfterShutdownFails(t *testing.T) {
	net := transport.NewNetwork()
	tr := net.Host(nid(1))
	cfg := testConfig(t)
	n, err := New(cfg, tr, nil, nil)
	require.NoError(t, err)
	require.NoError(t, n.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Shutdown(ctx))

	err = n.Put([]byte("k"), core.NewLWW([]byte("v"), 1, n.id))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestStatsReflectState(t *testing.T) {
	net := transport.NewNetwork()
	n := newTestNode(t, net, 1)

	require.NoError(t, n.Put([]byte("k"), core.NewLWW([]byte("v"), 1, n.id)))
	st := n.Stats()
	assert.Equal(t, nid(1), st.Self)
	assert.Equal(t, 1, st.Entries)
	assert.NotEqual(t, core.Hash{}, st.Root)
	assert.GreaterOrEqual(t, st.Incarnation, core.Incarnation(1))
}
