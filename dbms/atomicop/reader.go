package atomicop

import (
	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/sbtree/dbms/cache"
	"github.com/btree-query-bench/sbtree/dbms/pager"
)

// Reader gives read access to committed pages under a component's shared lock.
type Reader struct {
	m *Manager
}

// LoadPage runs fn with the committed bytes of page index of name, holding the
// page's shared lock for the duration of fn only. fn must not retain page.
func (r *Reader) LoadPage(name string, index uint64, fn func(page []byte) error) error {
	n, err := r.m.pageCount(name)
	if err != nil {
		return err
	}
	if index >= n {
		return errors.Wrapf(pager.ErrPageOutOfRange, "load page %d of %s (%d pages)", index, name, n)
	}
	e, err := r.m.cache.Load(cache.Key{File: name, Page: index}, r.m.loader)
	if err != nil {
		return err
	}
	defer r.m.cache.Release(e)
	e.AcquireShared()
	defer e.ReleaseShared()
	return fn(e.Bytes())
}

// FilledUpTo returns the number of committed pages in name.
func (r *Reader) FilledUpTo(name string) (uint64, error) {
	return r.m.pageCount(name)
}

// FileExists reports whether name exists.
func (r *Reader) FileExists(name string) (bool, error) {
	return r.m.fileExists(name)
}
