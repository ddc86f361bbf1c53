package pager

import (
	"os"

	"github.com/cockroachdb/errors"
)

const PageSize = 4096 // 4 KB, the OS page size

// ErrPageOutOfRange is returned when reading a page past the end of the file.
var ErrPageOutOfRange = errors.New("pager: page out of range")

// Page is a raw 4 KB block read from or written to disk.
type Page [PageSize]byte

// Pager manages a file of fixed-size pages. Caching lives one layer up
// (dbms/cache); the pager only moves whole pages between memory and disk.
type Pager struct {
	file      *os.File
	path      string
	pageCount uint64 // pages covered by the file, derived from its length
}

// Open opens (or creates) a pager backed by the given file.
func Open(path string) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "pager open")
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "pager stat")
	}
	if info.Size()%PageSize != 0 {
		// A torn tail page from an interrupted extension; the WAL replays it.
		if err := f.Truncate(info.Size() - info.Size()%PageSize); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "pager: trim partial page")
		}
	}

	return &Pager{
		file:      f,
		path:      path,
		pageCount: uint64(info.Size() / PageSize),
	}, nil
}

// Read copies the page with the given ID into pg.
func (p *Pager) Read(id uint64, pg *Page) error {
	if id >= p.pageCount {
		return errors.Wrapf(ErrPageOutOfRange, "read page %d of %d", id, p.pageCount)
	}
	if _, err := p.file.ReadAt(pg[:], p.offset(id)); err != nil {
		return errors.Wrapf(err, "pager: read page %d", id)
	}
	return nil
}

// Write writes a page to disk, extending the file when id is past the end.
// Pages between the old end and id are zero-filled by the filesystem.
func (p *Pager) Write(id uint64, pg *Page) error {
	if _, err := p.file.WriteAt(pg[:], p.offset(id)); err != nil {
		return errors.Wrapf(err, "pager: write page %d", id)
	}
	if id >= p.pageCount {
		p.pageCount = id + 1
	}
	return nil
}

// Truncate shrinks (or grows) the file to exactly n pages.
func (p *Pager) Truncate(n uint64) error {
	if err := p.file.Truncate(int64(n) * PageSize); err != nil {
		return errors.Wrapf(err, "pager: truncate to %d pages", n)
	}
	p.pageCount = n
	return nil
}

// Sync flushes the file to stable storage.
func (p *Pager) Sync() error {
	return errors.Wrap(p.file.Sync(), "pager: sync")
}

// Close closes the underlying file.
func (p *Pager) Close() error {
	return p.file.Close()
}

// Remove closes the pager and deletes its file.
func (p *Pager) Remove() error {
	_ = p.file.Close()
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "pager: remove %s", p.path)
	}
	return nil
}

// PageCount returns the number of pages in the file.
func (p *Pager) PageCount() uint64 {
	return p.pageCount
}

// --- internal helpers ---

func (p *Pager) offset(id uint64) int64 {
	return int64(id) * PageSize
}
