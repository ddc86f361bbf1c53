package atomicop

import (
	"bytes"
	"cmp"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/btree-query-bench/sbtree/dbms/cache"
	"github.com/btree-query-bench/sbtree/dbms/failpoint"
	"github.com/btree-query-bench/sbtree/dbms/pager"
	"github.com/btree-query-bench/sbtree/dbms/wal"
)

// Page is a writable page inside an Operation. Its bytes are a private copy
// until the operation commits.
type Page struct {
	key    cache.Key
	shadow *shadow
}

// Index returns the page number within its file.
func (p *Page) Index() uint64 { return p.key.Page }

// File returns the owning file name.
func (p *Page) File() string { return p.key.File }

// Bytes returns the page buffer.
func (p *Page) Bytes() []byte { return p.shadow.page[:] }

type shadow struct {
	page pager.Page
	// entry is the cache entry this copy was taken from, held exclusively
	// until the operation ends. nil for pages added by the operation.
	entry *cache.Entry
}

type fileState struct {
	exists bool
	pages  uint64
}

// Operation is one atomic unit of page and file changes.
type Operation struct {
	m         *Manager
	component string

	shadows map[cache.Key]*shadow
	held    []*cache.Entry
	files   map[string]*fileState
	fileOps []wal.Record
	pins    map[cache.Key]int
}

func newOperation(m *Manager, component string) *Operation {
	return &Operation{
		m:         m,
		component: component,
		shadows:   make(map[cache.Key]*shadow),
		files:     make(map[string]*fileState),
		pins:      make(map[cache.Key]int),
	}
}

// file returns the operation's view of name, seeded from the committed state.
// Only a missing file counts as absent; other lookup failures are returned.
func (op *Operation) file(name string) (*fileState, error) {
	if fs, ok := op.files[name]; ok {
		return fs, nil
	}
	fs := &fileState{}
	n, err := op.m.pageCount(name)
	switch {
	case err == nil:
		fs.exists = true
		fs.pages = n
	case !errors.Is(err, ErrFileNotFound):
		return nil, err
	}
	op.files[name] = fs
	return fs, nil
}

// existing returns the view of name, failing when it does not exist.
func (op *Operation) existing(name string) (*fileState, error) {
	fs, err := op.file(name)
	if err != nil {
		return nil, err
	}
	if !fs.exists {
		return nil, errors.Wrapf(ErrFileNotFound, "%s", name)
	}
	return fs, nil
}

// AddFile creates an empty file.
func (op *Operation) AddFile(name string) error {
	fs, err := op.file(name)
	if err != nil {
		return err
	}
	if fs.exists {
		return errors.Wrapf(ErrFileExists, "%s", name)
	}
	fs.exists = true
	fs.pages = 0
	op.fileOps = append(op.fileOps, wal.Record{Kind: wal.KindCreate, File: name})
	return nil
}

// OpenFile checks that name exists.
func (op *Operation) OpenFile(name string) error {
	_, err := op.existing(name)
	return err
}

// FileExists reports whether name exists as seen by this operation.
func (op *Operation) FileExists(name string) (bool, error) {
	fs, err := op.file(name)
	if err != nil {
		return false, err
	}
	return fs.exists, nil
}

// DeleteFile removes name and discards the operation's pages and pins of it.
func (op *Operation) DeleteFile(name string) error {
	fs, err := op.existing(name)
	if err != nil {
		return err
	}
	fs.exists = false
	fs.pages = 0
	op.dropShadows(name, 0)
	op.fileOps = append(op.fileOps, wal.Record{Kind: wal.KindDelete, File: name})
	return nil
}

// TruncateFile cuts name down to pages pages.
func (op *Operation) TruncateFile(name string, pages uint64) error {
	fs, err := op.existing(name)
	if err != nil {
		return err
	}
	if pages < fs.pages {
		fs.pages = pages
	}
	op.dropShadows(name, pages)
	op.fileOps = append(op.fileOps, wal.Record{Kind: wal.KindTruncate, File: name, Page: pages})
	return nil
}

// FilledUpTo returns the number of pages in name.
func (op *Operation) FilledUpTo(name string) (uint64, error) {
	fs, err := op.existing(name)
	if err != nil {
		return 0, err
	}
	return fs.pages, nil
}

// AddPage appends a zeroed page to name.
func (op *Operation) AddPage(name string) (*Page, error) {
	fs, err := op.existing(name)
	if err != nil {
		return nil, err
	}
	key := cache.Key{File: name, Page: fs.pages}
	fs.pages++
	sh := &shadow{}
	op.shadows[key] = sh
	return &Page{key: key, shadow: sh}, nil
}

// LoadPage returns a writable copy of an existing page. The cached page stays
// exclusively locked until the operation ends.
func (op *Operation) LoadPage(name string, index uint64) (*Page, error) {
	key := cache.Key{File: name, Page: index}
	if sh, ok := op.shadows[key]; ok {
		return &Page{key: key, shadow: sh}, nil
	}
	fs, err := op.existing(name)
	if err != nil {
		return nil, err
	}
	if index >= fs.pages {
		return nil, errors.Wrapf(pager.ErrPageOutOfRange, "load page %d of %s (%d pages)", index, name, fs.pages)
	}

	e, err := op.m.cache.Load(key, op.m.loader)
	if err != nil {
		return nil, err
	}
	e.AcquireExclusive()
	op.held = append(op.held, e)
	sh := &shadow{entry: e}
	copy(sh.page[:], e.Bytes())
	op.shadows[key] = sh
	return &Page{key: key, shadow: sh}, nil
}

// ReleasePage ends the caller's use of p. Locks are kept until the operation
// ends so that no other operation observes an uncommitted page.
func (op *Operation) ReleasePage(p *Page) {}

// PinPage keeps p resident in the cache once the operation commits.
func (op *Operation) PinPage(p *Page) { op.pins[p.key]++ }

// UnpinPage reverses an earlier PinPage.
func (op *Operation) UnpinPage(p *Page) { op.pins[p.key]-- }

// dropShadows forgets the pages of name from page from on, with their pins.
func (op *Operation) dropShadows(name string, from uint64) {
	for key := range op.shadows {
		if key.File == name && key.Page >= from {
			delete(op.shadows, key)
		}
	}
	for key := range op.pins {
		if key.File == name && key.Page >= from {
			delete(op.pins, key)
		}
	}
}

// commit appends the operation to the log and then applies it.
func (op *Operation) commit() error {
	m := op.m
	if err := failpoint.Hit("atomic.commit"); err != nil {
		return err
	}

	// Pages loaded but left unchanged are not logged.
	for key, sh := range op.shadows {
		if sh.entry != nil && bytes.Equal(sh.page[:], sh.entry.Bytes()) {
			delete(op.shadows, key)
		}
	}

	recs := append([]wal.Record(nil), op.fileOps...)
	keys := make([]cache.Key, 0, len(op.shadows))
	for key := range op.shadows {
		keys = append(keys, key)
	}
	sortKeys(keys)
	for _, key := range keys {
		recs = append(recs, wal.Record{
			Kind: wal.KindPage,
			File: key.File,
			Page: key.Page,
			Data: append([]byte(nil), op.shadows[key].page[:]...),
		})
	}
	if len(recs) == 0 {
		// Nothing to log, but pin changes still reach the cache.
		err := op.applyPins()
		op.release()
		return err
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	lsn, err := m.log.Append(recs)
	if err != nil {
		return err
	}

	// From here on the operation is durable; a failure to apply it leaves the
	// files behind the log, so the manager refuses further work until reopened.
	if err := op.apply(); err != nil {
		m.mu.Lock()
		m.broken = err
		m.mu.Unlock()
		m.logger.Error("apply of committed operation failed",
			zap.String("component", op.component), zap.Uint64("lsn", uint64(lsn)), zap.Error(err))
		op.release()
		return err
	}
	op.release()

	m.sinceCheckpoint++
	if m.sinceCheckpoint >= m.checkpointEvery {
		// The operation itself is committed; a failed checkpoint only delays
		// trimming the log.
		if err := m.checkpoint(lsn); err != nil {
			m.logger.Warn("checkpoint failed", zap.Uint64("lsn", uint64(lsn)), zap.Error(err))
		}
	}
	return nil
}

func (op *Operation) apply() error {
	m := op.m
	if err := failpoint.Hit("atomic.apply"); err != nil {
		return err
	}
	for _, r := range op.fileOps {
		if err := m.apply(r); err != nil {
			return err
		}
	}
	keys := make([]cache.Key, 0, len(op.shadows))
	for key := range op.shadows {
		keys = append(keys, key)
	}
	sortKeys(keys)
	for _, key := range keys {
		sh := op.shadows[key]
		p, err := m.pagerFor(key.File)
		if err != nil {
			return err
		}
		if err := p.Write(key.Page, &sh.page); err != nil {
			return err
		}
		if sh.entry != nil {
			// Still exclusively held by this operation.
			copy(sh.entry.Bytes(), sh.page[:])
			continue
		}
		m.cache.Release(m.cache.Install(key, &sh.page))
	}
	return op.applyPins()
}

// applyPins moves the operation's pin changes onto the cache entries.
func (op *Operation) applyPins() error {
	m := op.m
	for key, n := range op.pins {
		if n == 0 {
			continue
		}
		e, err := m.cache.Load(key, m.loader)
		if err != nil {
			return err
		}
		for ; n > 0; n-- {
			m.cache.Pin(e)
		}
		// An entry dropped and reloaded since it was pinned has no pins left.
		for ; n < 0 && e.Pinned(); n++ {
			m.cache.Unpin(e)
		}
		m.cache.Release(e)
	}
	return nil
}

func (op *Operation) rollback(cause error) {
	op.release()
	op.m.logger.Warn("operation rolled back",
		zap.String("component", op.component), zap.Error(cause))
}

// release drops every page lock the operation holds.
func (op *Operation) release() {
	for _, e := range op.held {
		e.ReleaseExclusive()
		op.m.cache.Release(e)
	}
	op.held = nil
	op.shadows = nil
}

func sortKeys(keys []cache.Key) {
	slices.SortFunc(keys, func(a, b cache.Key) int {
		if c := strings.Compare(a.File, b.File); c != 0 {
			return c
		}
		return cmp.Compare(a.Page, b.Page)
	})
}
