// Package wal is the persistence layer: an append-only write-ahead log
// with per-record checksums, atomic snapshots, and crash recovery that
// reconstructs the store and its index.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pyralog/merkle-flow/core"
)

// ErrCorrupt marks an integrity failure: a CRC mismatch in the log or
// a snapshot that does not hash to its manifest. The store must enter
// read-only recovery rather than trust the data.
var ErrCorrupt = errors.New("wal: corrupt")

// RecordKind tags a log record.
type RecordKind byte

const (
	// RecordWriteLocal is a locally originated write's post-state.
	RecordWriteLocal RecordKind = 0x01
	// RecordMergeRemote is a remotely received merge's post-state.
	RecordMergeRemote RecordKind = 0x02
	// RecordMembershipDelta is a batch of membership updates.
	RecordMembershipDelta RecordKind = 0x03
)

// FsyncPolicy selects when appended records reach stable storage.
type FsyncPolicy int

const (
	// FsyncPerRecord syncs after every append.
	FsyncPerRecord FsyncPolicy = iota
	// FsyncPerBatch syncs after N records or T elapsed.
	FsyncPerBatch
	// FsyncNone leaves syncing to the OS.
	FsyncNone
)

// Config tunes the log. The policy is configured, never discovered.
type Config struct {
	Policy FsyncPolicy
	BatchN int
	BatchT time.Duration
}

// DefaultConfig returns batch syncing with modest latency.
func DefaultConfig() Config {
	return Config{Policy: FsyncPerBatch, BatchN: 64, BatchT: 50 * time.Millisecond}
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Log is the append-only record log. Appends are strictly serialized,
// so the sequence numbers form a total order over accepted writes.
type Log struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	cfg     Config
	log     *zap.Logger
	seq     uint64
	unsynct int
	lastSyn time.Time
}

// Open opens or creates the log, scanning existing records to find the
// last sequence number and truncating any torn tail.
func Open(path string, cfg Config, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	l := &Log{f: f, path: path, cfg: cfg, log: logger.Named("wal"), lastSyn: time.Now()}

	valid, lastSeq, err := scan(f, 0, nil)
	if err != nil && !errors.Is(err, ErrCorrupt) {
		f.Close()
		return nil, err
	}
	if errors.Is(err, ErrCorrupt) {
		l.log.Warn("truncating torn log tail", zap.Int64("offset", valid))
	}
	if err := f.Truncate(valid); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := f.Seek(valid, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	l.seq = lastSeq
	return l, nil
}

// Seq returns the last appended sequence number.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Append writes one record and applies the fsync policy. Returns the
// record's sequence number.
func (l *Log) Append(kind RecordKind, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	var e core.Encoder
	e.PutU64(l.seq)
	e.PutByte(byte(kind))
	e.PutBytes(payload)
	body := e.Bytes()
	var frame core.Encoder
	frame.PutU32(uint32(len(body)))
	frame.PutRaw(body)
	frame.PutU32(crc32.Checksum(body, castagnoli))

	if _, err := l.f.Write(frame.Bytes()); err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}

	switch l.cfg.Policy {
	case FsyncPerRecord:
		if err := l.f.Sync(); err != nil {
			return 0, fmt.Errorf("wal: sync: %w", err)
		}
	case FsyncPerBatch:
		l.unsynct++
		if l.unsynct >= l.cfg.BatchN || time.Since(l.lastSyn) >= l.cfg.BatchT {
			if err := l.syncLocked(); err != nil {
				return 0, err
			}
		}
	}
	return l.seq, nil
}

func (l *Log) syncLocked() error {
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	l.unsynct = 0
	l.lastSyn = time.Now()
	return nil
}

// Flush forces pending records to stable storage.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

// Close flushes and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		return err
	}
	return l.f.Close()
}

// LogWrite implements the store's durability hook: the post-merge
// entry state is recorded before the write reports success.
func (l *Log) LogWrite(en *core.Entry, remote bool) error {
	var e core.Encoder
	en.Encode(&e)
	kind := RecordWriteLocal
	if remote {
		kind = RecordMergeRemote
	}
	_, err := l.Append(kind, e.Bytes())
	return err
}

// ReplaySince streams records with sequence strictly greater than
// since, in order. The callback's error aborts the replay.
func ReplaySince(path string, since uint64, fn func(seq uint64, kind RecordKind, payload []byte) error) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wal: open %s: %w", path, err)
	}
	defer f.Close()
	_, _, err = scan(f, since, fn)
	if errors.Is(err, ErrCorrupt) {
		// A torn final record is the crash itself, not data loss; the
		// valid prefix has been delivered.
		return nil
	}
	return err
}

// scan walks the log from the start, verifying CRCs, invoking fn for
// records past since, and returning the offset after the last valid
// record plus the last valid sequence number.
func scan(f *os.File, since uint64, fn func(uint64, RecordKind, []byte) error) (int64, uint64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	var offset int64
	var lastSeq uint64
	hdr := make([]byte, 4)
	for {
		if _, err := io.ReadFull(f, hdr); err != nil {
			if err == io.EOF {
				return offset, lastSeq, nil
			}
			return offset, lastSeq, ErrCorrupt
		}
		size := binary.LittleEndian.Uint32(hdr)
		body := make([]byte, size)
		if _, err := io.ReadFull(f, body); err != nil {
			return offset, lastSeq, ErrCorrupt
		}
		crcBuf := make([]byte, 4)
		if _, err := io.ReadFull(f, crcBuf); err != nil {
			return offset, lastSeq, ErrCorrupt
		}
		if crc32.Checksum(body, castagnoli) != binary.LittleEndian.Uint32(crcBuf) {
			return offset, lastSeq, ErrCorrupt
		}
		d := core.NewDecoder(body)
		seq, err := d.U64()
		if err != nil {
			return offset, lastSeq, ErrCorrupt
		}
		kind, err := d.Byte()
		if err != nil {
			return offset, lastSeq, ErrCorrupt
		}
		payload, err := d.Bytes()
		if err != nil {
			return offset, lastSeq, ErrCorrupt
		}
		if fn != nil && seq > since {
			if err := fn(seq, RecordKind(kind), payload); err != nil {
				return offset, lastSeq, err
			}
		}
		lastSeq = seq
		offset += int64(4 + len(body) + 4)
	}
}
