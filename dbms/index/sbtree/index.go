package sbtree

import (
	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/sbtree/dbms/atomicop"
	"github.com/btree-query-bench/sbtree/dbms/encoding"
	"github.com/btree-query-bench/sbtree/dbms/index"
)

// Index adapts an int64-keyed tree to index.Index so it can run the same
// workloads as the other structures.
type Index struct {
	tree *Tree[int64, []byte]
}

var _ index.Index = (*Index)(nil)

// OpenIndex opens the tree in file name, creating it when it does not exist.
func OpenIndex(m *atomicop.Manager, name string, opts Options) (*Index, error) {
	keys, values := encoding.Int64{}, encoding.Bytes{}
	t, err := Open[int64, []byte](m, name, keys, values, opts)
	if errors.Is(err, atomicop.ErrFileNotFound) {
		t, err = Create[int64, []byte](m, name, keys, values, opts)
	}
	if err != nil {
		return nil, err
	}
	return &Index{tree: t}, nil
}

// Tree exposes the underlying tree.
func (x *Index) Tree() *Tree[int64, []byte] { return x.tree }

// Insert inserts or updates the value for key.
func (x *Index) Insert(key int64, value []byte) error {
	_, err := x.tree.Put(key, value)
	return err
}

// Get retrieves the value for key. Returns nil if not found.
func (x *Index) Get(key int64) ([]byte, error) {
	v, _, err := x.tree.Get(key)
	return v, err
}

// Delete removes the key.
func (x *Index) Delete(key int64) error {
	_, err := x.tree.Remove(key)
	return err
}

// Range returns an iterator over all keys in [start, end] inclusive.
func (x *Index) Range(start, end int64) (index.Iterator, error) {
	return &rangeIterator{c: x.tree.Range(Incl(start), Incl(end), Forward)}, nil
}

// Close closes the tree.
func (x *Index) Close() error {
	return x.tree.Close()
}

type rangeIterator struct {
	c *Cursor[int64, []byte]
}

func (it *rangeIterator) Next() bool    { return it.c.Next() }
func (it *rangeIterator) Key() int64    { return it.c.Key() }
func (it *rangeIterator) Value() []byte { return it.c.Value() }
func (it *rangeIterator) Error() error  { return it.c.Err() }
func (it *rangeIterator) Close() error  { return it.c.Close() }
