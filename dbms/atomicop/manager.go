// Package atomicop runs page mutations as all-or-nothing operations. An
// Operation works on private copies of the pages it loads or adds; commit
// writes them to the redo log first and only then to the page files and the
// shared cache, so a failed operation leaves nothing behind and a crash after
// the log write is repaired on the next Open.
package atomicop

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/btree-query-bench/sbtree/dbms/cache"
	"github.com/btree-query-bench/sbtree/dbms/pager"
	"github.com/btree-query-bench/sbtree/dbms/wal"
)

var (
	ErrFileNotFound = errors.New("atomic: file not found")
	ErrFileExists   = errors.New("atomic: file already exists")
	ErrClosed       = errors.New("atomic: manager closed")
)

// Options configures a Manager.
type Options struct {
	CachePages  int
	CacheShards int
	// SyncWAL makes each commit durable before Update returns.
	SyncWAL bool
	// InMemoryWAL keeps the redo log in memory. Crash recovery is lost.
	InMemoryWAL bool
	// CheckpointEvery is the number of commits between checkpoints.
	CheckpointEvery int
	Logger          *zap.Logger
}

// Manager owns the page files of one data directory, the shared page cache
// and the redo log.
type Manager struct {
	dir    string
	cache  *cache.Cache
	log    *wal.Log
	logger *zap.Logger

	mu     sync.RWMutex
	files  map[string]*pager.Pager
	locks  map[string]*sync.RWMutex
	closed bool
	broken error

	// commitMu orders log appends with their file writes and checkpoints.
	commitMu        sync.Mutex
	checkpointEvery int
	sinceCheckpoint int
}

// Open opens the data directory, replaying any committed operations whose
// file writes did not survive.
func Open(dir string, opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CachePages <= 0 {
		opts.CachePages = 1024
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 256
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "atomic: create %s", dir)
	}

	log, err := wal.Open(filepath.Join(dir, "wal"), wal.Options{
		Sync:     opts.SyncWAL,
		InMemory: opts.InMemoryWAL,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	m := &Manager{
		dir:             dir,
		cache:           cache.New(opts.CachePages, opts.CacheShards),
		log:             log,
		logger:          opts.Logger,
		files:           make(map[string]*pager.Pager),
		locks:           make(map[string]*sync.RWMutex),
		checkpointEvery: opts.CheckpointEvery,
	}
	if err := m.recover(); err != nil {
		m.closeFiles()
		log.Close()
		return nil, err
	}
	return m, nil
}

// recover re-applies the surviving log and then checkpoints it away.
func (m *Manager) recover() error {
	var last wal.LSN
	err := m.log.Replay(func(lsn wal.LSN, r wal.Record) error {
		last = lsn
		return m.apply(r)
	})
	if err != nil {
		return errors.Wrap(err, "atomic: recovery")
	}
	if last == 0 {
		return nil
	}
	m.logger.Info("recovered committed operations", zap.Uint64("lsn", uint64(last)))
	return m.checkpoint(last)
}

// Update runs fn as one atomic operation holding component's exclusive lock.
// fn's error, or a commit failure, rolls the operation back.
func (m *Manager) Update(component string, fn func(op *Operation) error) error {
	lock, err := m.componentLock(component)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	op := newOperation(m, component)
	if err := fn(op); err != nil {
		op.rollback(err)
		return err
	}
	if err := op.commit(); err != nil {
		op.rollback(err)
		return err
	}
	return nil
}

// View runs fn holding component's shared lock.
func (m *Manager) View(component string, fn func(r *Reader) error) error {
	lock, err := m.componentLock(component)
	if err != nil {
		return err
	}
	lock.RLock()
	defer lock.RUnlock()
	return fn(&Reader{m: m})
}

// Pinned reports whether page index of name is pinned in the cache.
func (m *Manager) Pinned(name string, index uint64) bool {
	return m.cache.Pinned(cache.Key{File: name, Page: index})
}

// Close checkpoints the log and closes every file.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var err error
	if last := m.log.LastLSN(); last > 0 && m.broken == nil {
		err = m.checkpoint(last)
	}
	err = errors.CombineErrors(err, m.closeFiles())
	return errors.CombineErrors(err, m.log.Close())
}

func (m *Manager) componentLock(name string) (*sync.RWMutex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.broken != nil {
		return nil, errors.Wrap(m.broken, "atomic: manager unusable after failed commit")
	}
	l, ok := m.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		m.locks[name] = l
	}
	return l, nil
}

// ─── File registry ────────────────────────────────────────────────────────────

func (m *Manager) path(name string) string {
	return filepath.Join(m.dir, name)
}

// pagerFor returns the open pager for name, opening it if the file exists.
func (m *Manager) pagerFor(name string) (*pager.Pager, error) {
	m.mu.RLock()
	p, ok := m.files[name]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.files[name]; ok {
		return p, nil
	}
	if _, err := os.Stat(m.path(name)); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrFileNotFound, "%s", name)
		}
		return nil, errors.Wrapf(err, "atomic: stat %s", name)
	}
	p, err := pager.Open(m.path(name))
	if err != nil {
		return nil, err
	}
	m.files[name] = p
	return p, nil
}

func (m *Manager) fileExists(name string) (bool, error) {
	_, err := m.pagerFor(name)
	if errors.Is(err, ErrFileNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *Manager) pageCount(name string) (uint64, error) {
	p, err := m.pagerFor(name)
	if err != nil {
		return 0, err
	}
	return p.PageCount(), nil
}

func (m *Manager) loader(key cache.Key, pg *pager.Page) error {
	p, err := m.pagerFor(key.File)
	if err != nil {
		return err
	}
	return p.Read(key.Page, pg)
}

// apply performs one redo record against the page files and the cache.
// Replaying a record twice has the same effect as applying it once.
func (m *Manager) apply(r wal.Record) error {
	switch r.Kind {
	case wal.KindCreate:
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.files[r.File]; ok {
			return nil
		}
		p, err := pager.Open(m.path(r.File))
		if err != nil {
			return err
		}
		m.files[r.File] = p
		return nil

	case wal.KindDelete:
		m.mu.Lock()
		p, ok := m.files[r.File]
		delete(m.files, r.File)
		m.mu.Unlock()
		m.cache.Drop(r.File, 0)
		if ok {
			return p.Remove()
		}
		if err := os.Remove(m.path(r.File)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "atomic: delete %s", r.File)
		}
		return nil

	case wal.KindTruncate:
		p, err := m.pagerFor(r.File)
		if err != nil {
			return err
		}
		m.cache.Drop(r.File, r.Page)
		return p.Truncate(r.Page)

	case wal.KindPage:
		p, err := m.pagerFor(r.File)
		if err != nil {
			return err
		}
		var pg pager.Page
		copy(pg[:], r.Data)
		return p.Write(r.Page, &pg)

	default:
		return errors.AssertionFailedf("atomic: unknown record kind %d", r.Kind)
	}
}

// checkpoint makes every file durable and then trims the log up to lsn.
func (m *Manager) checkpoint(lsn wal.LSN) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		m.mu.RLock()
		p, ok := m.files[name]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if err := p.Sync(); err != nil {
			return err
		}
	}
	if err := m.log.Checkpoint(lsn); err != nil {
		return err
	}
	m.sinceCheckpoint = 0
	m.logger.Debug("checkpoint", zap.Uint64("lsn", uint64(lsn)))
	return nil
}

func (m *Manager) closeFiles() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	for name, p := range m.files {
		err = errors.CombineErrors(err, p.Close())
		delete(m.files, name)
	}
	return err
}
