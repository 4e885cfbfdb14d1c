package wal

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/wire"
)

const (
	snapshotMagic  = "MFSNAP01"
	snapshotSuffix = ".snap"
	stagingSuffix  = ".tmp"
	// keepSnapshots is how many snapshots, the newest included, survive
	// pruning, so an in-flight recovery reference never loses its file.
	keepSnapshots = 2
)

// Snapshot is an atomic capture of the node's durable state.
type Snapshot struct {
	Epoch       uint64
	Seq         uint64
	Root        core.Hash
	Incarnation core.Incarnation
	CreatedAt   uint64
	Members     []wire.MemberState
	Entries     []*core.Entry
}

// WriteSnapshot stages the snapshot and renames it into place. The
// returned path names the final file.
func WriteSnapshot(dir string, snap *Snapshot) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("wal: snapshot dir: %w", err)
	}
	var e core.Encoder
	e.PutRaw([]byte(snapshotMagic))
	e.PutU64(snap.Epoch)
	e.PutU64(snap.Seq)
	e.PutHash(snap.Root)
	e.PutU64(uint64(snap.Incarnation))
	e.PutU64(snap.CreatedAt)
	e.PutBytes(wire.EncodePayload(&wire.MemberUpdate{Updates: snap.Members}))
	e.PutUvarint(uint64(len(snap.Entries)))
	for _, en := range snap.Entries {
		en.Encode(&e)
	}
	body := e.Bytes()
	var tail core.Encoder
	tail.PutU32(crc32.Checksum(body, castagnoli))

	final := filepath.Join(dir, fmt.Sprintf("%020d%s", snap.Epoch, snapshotSuffix))
	staging := final + stagingSuffix
	f, err := os.OpenFile(staging, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("wal: stage snapshot: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return "", err
	}
	if _, err := f.Write(tail.Bytes()); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(staging, final); err != nil {
		return "", fmt.Errorf("wal: publish snapshot: %w", err)
	}
	pruneSnapshots(dir)
	return final, nil
}

// ListSnapshots returns snapshot paths in ascending epoch order.
func ListSnapshots(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, de := range entries {
		if strings.HasSuffix(de.Name(), snapshotSuffix) {
			out = append(out, filepath.Join(dir, de.Name()))
		}
	}
	sort.Strings(out)
	return out
}

func pruneSnapshots(dir string) {
	snaps := ListSnapshots(dir)
	for len(snaps) > keepSnapshots {
		os.Remove(snaps[0])
		snaps = snaps[1:]
	}
}

// snapshotEpoch parses the epoch from a snapshot filename.
func snapshotEpoch(path string) uint64 {
	name := strings.TrimSuffix(filepath.Base(path), snapshotSuffix)
	n, _ := strconv.ParseUint(name, 10, 64)
	return n
}

// LoadSnapshot reads and verifies one snapshot file.
func LoadSnapshot(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wal: read snapshot: %w", err)
	}
	if len(raw) < len(snapshotMagic)+4 {
		return nil, fmt.Errorf("%w: snapshot too short", ErrCorrupt)
	}
	body, crcBuf := raw[:len(raw)-4], raw[len(raw)-4:]
	d := core.NewDecoder(crcBuf)
	want, _ := d.U32()
	if crc32.Checksum(body, castagnoli) != want {
		return nil, fmt.Errorf("%w: snapshot checksum", ErrCorrupt)
	}
	if string(body[:len(snapshotMagic)]) != snapshotMagic {
		return nil, fmt.Errorf("%w: snapshot magic", ErrCorrupt)
	}

	d = core.NewDecoder(body[len(snapshotMagic):])
	snap := &Snapshot{}
	if snap.Epoch, err = d.U64(); err != nil {
		return nil, err
	}
	if snap.Seq, err = d.U64(); err != nil {
		return nil, err
	}
	if snap.Root, err = d.Hash(); err != nil {
		return nil, err
	}
	inc, err := d.U64()
	if err != nil {
		return nil, err
	}
	snap.Incarnation = core.Incarnation(inc)
	if snap.CreatedAt, err = d.U64(); err != nil {
		return nil, err
	}
	membersRaw, err := d.Bytes()
	if err != nil {
		return nil, err
	}
	msg, err := wire.Decode(wire.MsgMemberUpdate, membersRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot members: %v", ErrCorrupt, err)
	}
	snap.Members = msg.(*wire.MemberUpdate).Updates
	count, err := d.Uvarint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < count; i++ {
		en, err := core.DecodeEntry(d)
		if err != nil {
			return nil, fmt.Errorf("%w: snapshot entry: %v", ErrCorrupt, err)
		}
		snap.Entries = append(snap.Entries, en)
	}
	return snap, nil
}

// LoadLatestSnapshot returns the newest snapshot that verifies, or nil
// when none exists.
func LoadLatestSnapshot(dir string) (*Snapshot, error) {
	snaps := ListSnapshots(dir)
	for i := len(snaps) - 1; i >= 0; i-- {
		snap, err := LoadSnapshot(snaps[i])
		if err == nil {
			return snap, nil
		}
	}
	return nil, nil
}
