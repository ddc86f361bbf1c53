// Package wal is the redo log behind atomic operations. Each committed
// operation is written to a pebble instance as one synced batch of records
// keyed by (LSN, sequence), so a crash between the log write and the page file
// writes is repaired by replaying the log on the next open.
package wal

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

// LSN is the log sequence number of one committed operation.
type LSN uint64

// Kind tags what a record does when replayed.
type Kind byte

const (
	// KindPage carries a full page image for File at Page.
	KindPage Kind = iota + 1
	// KindTruncate cuts File down to Page pages.
	KindTruncate
	// KindCreate creates File if it does not exist.
	KindCreate
	// KindDelete removes File.
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindPage:
		return "page"
	case KindTruncate:
		return "truncate"
	case KindCreate:
		return "create"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Record is one redo step.
type Record struct {
	Kind Kind
	File string
	Page uint64
	Data []byte
}

// Options configures a Log.
type Options struct {
	// Sync makes every Append durable before it returns.
	Sync bool
	// InMemory keeps the log in a pebble memory filesystem; used by tests.
	InMemory bool
	Logger   *zap.Logger
}

// Log is the pebble-backed redo log.
type Log struct {
	db     *pebble.DB
	mu     sync.Mutex
	next   LSN
	sync   bool
	logger *zap.Logger
}

var errCorruptRecord = errors.New("wal: corrupt record")

// Open opens (or creates) the log in dir and positions the LSN counter after
// the last surviving record.
func Open(dir string, opts Options) (*Log, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	popts := &pebble.Options{
		// The log only ever holds the operations since the last checkpoint.
		MemTableSize:                4 << 20,
		MemTableStopWritesThreshold: 4,
		L0CompactionThreshold:       4,
		L0StopWritesThreshold:       12,
		Logger:                      logger.Named("pebble").Sugar(),
	}
	if opts.InMemory {
		popts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, errors.Wrapf(err, "wal: open %s", dir)
	}
	l := &Log{db: db, sync: opts.Sync, logger: logger}

	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "wal: scan tail")
	}
	if iter.Last() {
		lsn, _, err := decodeKey(iter.Key())
		if err != nil {
			iter.Close()
			db.Close()
			return nil, err
		}
		l.next = lsn + 1
	}
	if err := iter.Close(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "wal: scan tail")
	}
	if l.next == 0 {
		l.next = 1
	}
	return l, nil
}

// Append writes all records as one batch under a fresh LSN.
func (l *Log) Append(recs []Record) (LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lsn := l.next
	b := l.db.NewBatch()
	defer b.Close()
	for i, r := range recs {
		if err := b.Set(encodeKey(lsn, uint32(i)), encodeRecord(r), nil); err != nil {
			return 0, errors.Wrapf(err, "wal: stage record %d of lsn %d", i, lsn)
		}
	}
	opt := pebble.NoSync
	if l.sync {
		opt = pebble.Sync
	}
	if err := b.Commit(opt); err != nil {
		return 0, errors.Wrapf(err, "wal: commit lsn %d", lsn)
	}
	l.next++
	return lsn, nil
}

// Replay feeds every surviving record to fn in log order.
func (l *Log) Replay(fn func(lsn LSN, r Record) error) error {
	iter, err := l.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return errors.Wrap(err, "wal: replay")
	}
	n := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		lsn, _, err := decodeKey(iter.Key())
		if err != nil {
			iter.Close()
			return err
		}
		r, err := decodeRecord(iter.Value())
		if err != nil {
			iter.Close()
			return errors.Wrapf(err, "wal: lsn %d", lsn)
		}
		if err := fn(lsn, r); err != nil {
			iter.Close()
			return err
		}
		n++
	}
	if n > 0 {
		l.logger.Info("wal replayed", zap.Int("records", n))
	}
	return errors.Wrap(iter.Close(), "wal: replay")
}

// Checkpoint drops every record with LSN ≤ upTo. Callers must have made the
// corresponding file writes durable first.
func (l *Log) Checkpoint(upTo LSN) error {
	if err := l.db.DeleteRange(encodeKey(0, 0), encodeKey(upTo+1, 0), pebble.Sync); err != nil {
		return errors.Wrapf(err, "wal: checkpoint %d", upTo)
	}
	return nil
}

// LastLSN returns the LSN of the most recent Append, or 0.
func (l *Log) LastLSN() LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}

// Close closes the underlying pebble instance.
func (l *Log) Close() error {
	return l.db.Close()
}

// ─── Encoding ─────────────────────────────────────────────────────────────────

// encodeKey lays out LSN and sequence big-endian so pebble's byte order is
// log order.
func encodeKey(lsn LSN, seq uint32) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b, uint64(lsn))
	binary.BigEndian.PutUint32(b[8:], seq)
	return b
}

func decodeKey(k []byte) (LSN, uint32, error) {
	if len(k) != 12 {
		return 0, 0, errors.Wrapf(errCorruptRecord, "key length %d", len(k))
	}
	return LSN(binary.BigEndian.Uint64(k)), binary.BigEndian.Uint32(k[8:]), nil
}

// Record value: kind(1) | uvarint len(file) | file | page(8) | data.
func encodeRecord(r Record) []byte {
	b := make([]byte, 0, 1+binary.MaxVarintLen64+len(r.File)+8+len(r.Data))
	b = append(b, byte(r.Kind))
	b = binary.AppendUvarint(b, uint64(len(r.File)))
	b = append(b, r.File...)
	b = binary.LittleEndian.AppendUint64(b, r.Page)
	return append(b, r.Data...)
}

func decodeRecord(v []byte) (Record, error) {
	if len(v) < 1 {
		return Record{}, errCorruptRecord
	}
	r := Record{Kind: Kind(v[0])}
	n, w := binary.Uvarint(v[1:])
	if w <= 0 || uint64(len(v)-1-w) < n+8 {
		return Record{}, errCorruptRecord
	}
	pos := 1 + w
	r.File = string(v[pos : pos+int(n)])
	pos += int(n)
	r.Page = binary.LittleEndian.Uint64(v[pos:])
	pos += 8
	// pebble reuses the value buffer once the iterator moves.
	if pos < len(v) {
		r.Data = append([]byte(nil), v[pos:]...)
	}
	return r, nil
}
