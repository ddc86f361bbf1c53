package sbtree

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/btree-query-bench/sbtree/dbms/atomicop"
	"github.com/btree-query-bench/sbtree/dbms/encoding"
)

// Options configures a tree. InlineThreshold, HeapPages and NullKeys are
// fixed at Create and read back from the file by Open.
type Options struct {
	// InlineThreshold is the largest bounded field size kept in the record
	// slot. Zero means DefaultInlineThreshold.
	InlineThreshold int
	// HeapPages caps the pages of one allocation segment. No block crosses a
	// segment boundary. Zero means one unbounded segment.
	HeapPages int
	// NullKeys reserves page 0 for the value of the null key.
	NullKeys bool

	Logger  *zap.Logger
	Metrics *Metrics
}

func (o Options) validate() error {
	if o.InlineThreshold < 0 || o.InlineThreshold > 0xFFFF {
		return errors.Newf("sbtree: inline threshold %d out of range", o.InlineThreshold)
	}
	if o.HeapPages != 0 && o.HeapPages < 2*BlockSize {
		return errors.Newf("sbtree: heap of %d pages cannot hold a block", o.HeapPages)
	}
	return nil
}

// Tree is an SB-tree stored in one file of an atomicop.Manager. It is safe
// for concurrent use: mutations are serialized by the manager's component
// lock, readers share it.
type Tree[K, V any] struct {
	name   string
	m      *atomicop.Manager
	keys   encoding.Provider[K]
	values encoding.Provider[V]
	c      *codec[K, V]

	nullKeys  bool
	root      PageIndex
	threshold int
	heapPages int

	logger  *zap.Logger
	metrics treeMetrics

	// mods counts mutations so cursors notice a changed tree between leaves.
	mods   atomic.Uint64
	closed atomic.Bool
}

func newTree[K, V any](m *atomicop.Manager, name string, keys encoding.Provider[K], values encoding.Provider[V], opts Options) (*Tree[K, V], error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		var err error
		if opts.Metrics, err = NewMetrics(nil); err != nil {
			return nil, err
		}
	}
	return &Tree[K, V]{
		name:    name,
		m:       m,
		keys:    keys,
		values:  values,
		logger:  opts.Logger.With(zap.String("tree", name)),
		metrics: opts.Metrics.forTree(name),
	}, nil
}

// Create makes a new empty tree in file name.
func Create[K, V any](m *atomicop.Manager, name string, keys encoding.Provider[K], values encoding.Provider[V], opts Options) (*Tree[K, V], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.InlineThreshold == 0 {
		opts.InlineThreshold = DefaultInlineThreshold
	}
	t, err := newTree(m, name, keys, values, opts)
	if err != nil {
		return nil, err
	}
	t.nullKeys = opts.NullKeys
	t.threshold = opts.InlineThreshold
	t.heapPages = opts.HeapPages
	t.root = 0
	if t.nullKeys {
		t.root = 1
	}
	if t.c, err = newCodec(keys, values, keys.CurrentVersion(), values.CurrentVersion(), t.threshold); err != nil {
		return nil, err
	}

	err = m.Update(name, func(op *atomicop.Operation) error {
		if err := op.AddFile(name); err != nil {
			return err
		}
		return t.format(t.mutation(op))
	})
	if err != nil {
		return nil, t.wrap(err, "create")
	}
	t.logger.Info("created tree",
		zap.Int("inlineThreshold", t.threshold),
		zap.Int("heapPages", t.heapPages),
		zap.Bool("nullKeys", t.nullKeys))
	return t, nil
}

// Open opens an existing tree. Layout options are read from the file; only
// Logger and Metrics of opts are used.
func Open[K, V any](m *atomicop.Manager, name string, keys encoding.Provider[K], values encoding.Provider[V], opts Options) (*Tree[K, V], error) {
	t, err := newTree(m, name, keys, values, opts)
	if err != nil {
		return nil, err
	}
	err = m.View(name, func(r *atomicop.Reader) error {
		ok, err := r.FileExists(name)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(atomicop.ErrFileNotFound, "%s", name)
		}
		if err := r.LoadPage(name, 0, func(b []byte) error {
			t.nullKeys = b[offFlags]&flagExtension != 0
			return nil
		}); err != nil {
			return err
		}
		if t.nullKeys {
			t.root = 1
		}
		return r.LoadPage(name, uint64(t.root), func(b []byte) error {
			d := b[pageSize-descriptorSize:]
			if binary.LittleEndian.Uint16(d) != descriptorMagic {
				return ErrNotSBTree
			}
			t.threshold = int(binary.LittleEndian.Uint16(d[2:]))
			t.heapPages = int(binary.LittleEndian.Uint32(d[4:]))
			f := int(b[offFlags])
			keyVersion := f >> keyVersionShift & versionMask
			valueVersion := f >> valueVersionShift & versionMask
			var err error
			t.c, err = newCodec(keys, values, keyVersion, valueVersion, t.threshold)
			return err
		})
	})
	if err == nil {
		err = t.pinReserved(true)
	}
	if err != nil {
		return nil, t.wrap(err, "open")
	}
	t.logger.Info("opened tree", zap.Int("inlineThreshold", t.threshold), zap.Bool("nullKeys", t.nullKeys))
	return t, nil
}

// format writes the reserved pages of an empty file and pins them.
func (t *Tree[K, V]) format(w *mutation[K, V]) error {
	if t.nullKeys {
		p, err := w.op.AddPage(t.name)
		if err != nil {
			return err
		}
		w.op.PinPage(p)
		n := t.view(PageIndex(p.Index()), p.Bytes())
		n.init(true)
		n.setFlag(flagExtension, true)
	}
	p, err := w.op.AddPage(t.name)
	if err != nil {
		return err
	}
	w.op.PinPage(p)
	root := t.view(PageIndex(p.Index()), p.Bytes())
	root.init(true)
	t.writeDescriptor(root.b)
	return nil
}

func (t *Tree[K, V]) writeDescriptor(b []byte) {
	d := b[pageSize-descriptorSize:]
	binary.LittleEndian.PutUint16(d, descriptorMagic)
	binary.LittleEndian.PutUint16(d[2:], uint16(t.threshold))
	binary.LittleEndian.PutUint32(d[4:], uint32(t.heapPages))
}

// view wraps the bytes of page idx.
func (t *Tree[K, V]) view(idx PageIndex, b []byte) *node[K, V] {
	end := pageSize
	if idx == t.root {
		end = pageSize - descriptorSize
	}
	return &node[K, V]{c: t.c, idx: idx, b: b, end: end}
}

// origin is the first page available to blocks.
func (t *Tree[K, V]) origin() PageIndex { return t.root + 1 }

// Name returns the file name of the tree.
func (t *Tree[K, V]) Name() string { return t.name }

// pinReserved pins or unpins the reserved pages, the root and the null-key
// page, which every operation reads first.
func (t *Tree[K, V]) pinReserved(pin bool) error {
	return t.m.Update(t.name, func(op *atomicop.Operation) error {
		for idx := PageIndex(0); idx <= t.root; idx++ {
			p, err := op.LoadPage(t.name, uint64(idx))
			if err != nil {
				return err
			}
			if pin {
				op.PinPage(p)
			} else {
				op.UnpinPage(p)
			}
		}
		return nil
	})
}

// Close marks the tree closed and unpins its reserved pages. Other pages stay
// with the manager.
func (t *Tree[K, V]) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	// The file may have been deleted through another handle.
	if err := t.pinReserved(false); err != nil && !errors.Is(err, atomicop.ErrFileNotFound) {
		return t.wrap(err, "close")
	}
	t.logger.Debug("closed tree")
	return nil
}

// Reset empties the tree in place.
func (t *Tree[K, V]) Reset() error {
	err := t.update("reset", func(w *mutation[K, V]) error {
		if err := w.op.TruncateFile(t.name, 0); err != nil {
			return err
		}
		return t.format(w)
	})
	if err == nil {
		t.logger.Info("reset tree")
	}
	return err
}

// Delete removes the tree's file and closes the tree.
func (t *Tree[K, V]) Delete() error {
	err := t.update("delete", func(w *mutation[K, V]) error {
		return w.op.DeleteFile(t.name)
	})
	if err != nil {
		return err
	}
	t.closed.Store(true)
	t.logger.Info("deleted tree")
	return nil
}

// update runs fn as one atomic operation. Any error rolls back every page
// change made by fn.
func (t *Tree[K, V]) update(op string, fn func(w *mutation[K, V]) error) error {
	if t.closed.Load() {
		return t.wrap(ErrClosed, op)
	}
	err := t.m.Update(t.name, func(aop *atomicop.Operation) error {
		t.mods.Add(1)
		return fn(t.mutation(aop))
	})
	if err != nil {
		t.metrics.rollbacks.Inc()
		t.logger.Warn("rolled back", zap.String("op", op), zap.Error(err))
		return t.wrap(err, op)
	}
	return nil
}

// read runs fn holding the tree's shared lock.
func (t *Tree[K, V]) read(op string, fn func(r *atomicop.Reader) error) error {
	if t.closed.Load() {
		return t.wrap(ErrClosed, op)
	}
	return t.wrap(t.m.View(t.name, fn), op)
}

// ─── Reads ────────────────────────────────────────────────────────────────────

// Size returns the number of entries, the null key included.
func (t *Tree[K, V]) Size() (int64, error) {
	var size int64
	err := t.read("size", func(r *atomicop.Reader) error {
		if err := r.LoadPage(t.name, uint64(t.root), func(b []byte) error {
			size = t.view(t.root, b).treeSize()
			return nil
		}); err != nil {
			return err
		}
		if !t.nullKeys {
			return nil
		}
		return r.LoadPage(t.name, 0, func(b []byte) error {
			size += int64(t.view(0, b).entryCount())
			return nil
		})
	})
	return size, err
}

// Get returns the value stored under key.
func (t *Tree[K, V]) Get(key K) (value V, found bool, err error) {
	err = t.read("get", func(r *atomicop.Reader) error {
		return t.visitLeaf(r, routeTo(key), func(n *node[K, V]) error {
			i, err := n.indexOf(key)
			if err != nil || i < 0 {
				return err
			}
			found = true
			value, err = n.valueAt(i)
			return err
		})
	})
	return value, found, err
}

// Contains reports whether key is present.
func (t *Tree[K, V]) Contains(key K) (bool, error) {
	var found bool
	err := t.read("contains", func(r *atomicop.Reader) error {
		return t.visitLeaf(r, routeTo(key), func(n *node[K, V]) error {
			i, err := n.indexOf(key)
			found = i >= 0
			return err
		})
	})
	return found, err
}

// FirstKey returns the smallest key. found is false for an empty tree.
func (t *Tree[K, V]) FirstKey() (key K, found bool, err error) {
	err = t.read("first key", func(r *atomicop.Reader) error {
		key, found, err = t.edgeKey(r, route[K]{kind: routeMin}, true)
		return err
	})
	return key, found, err
}

// LastKey returns the largest key. found is false for an empty tree.
func (t *Tree[K, V]) LastKey() (key K, found bool, err error) {
	err = t.read("last key", func(r *atomicop.Reader) error {
		key, found, err = t.edgeKey(r, route[K]{kind: routeMax}, false)
		return err
	})
	return key, found, err
}

// edgeKey reads the outermost key of the leaf level, walking siblings past
// empty leaves.
func (t *Tree[K, V]) edgeKey(r *atomicop.Reader, rt route[K], first bool) (key K, found bool, err error) {
	leaf, err := t.seek(r, rt)
	if err != nil {
		return key, false, err
	}
	pages, err := r.FilledUpTo(t.name)
	if err != nil {
		return key, false, err
	}
	for hops := uint64(0); leaf != NoPage; hops++ {
		if hops > pages {
			return key, false, errors.Wrap(ErrCorruptPage, "leaf sibling chain does not end")
		}
		err := r.LoadPage(t.name, uint64(leaf), func(b []byte) error {
			n := t.view(leaf, b)
			count := n.entryCount()
			switch {
			case count > 0 && first:
				key, err = n.keyAt(0)
				found = true
			case count > 0:
				key, err = n.keyAt(count - 1)
				found = true
			case first:
				leaf = n.rightSibling()
			default:
				leaf = n.leftSibling()
			}
			return err
		})
		if err != nil || found {
			return key, found, err
		}
	}
	return key, false, nil
}

// ─── Writes ───────────────────────────────────────────────────────────────────

// Put stores value under key and reports whether the key was new.
func (t *Tree[K, V]) Put(key K, value V) (inserted bool, err error) {
	kb, err := t.c.encodeKey(key)
	if err != nil {
		return false, t.wrap(err, "put")
	}
	vb, err := t.c.encodeValue(value)
	if err != nil {
		return false, t.wrap(err, "put")
	}
	size := t.c.leafEntrySize(kb, vb)
	if size > maxEntrySize || t.c.internalEntrySize(kb) > maxEntrySize {
		return false, t.wrap(errors.Wrapf(ErrEntryTooLarge, "%d bytes, limit %d", size, maxEntrySize), "put")
	}
	err = t.update("put", func(w *mutation[K, V]) error {
		inserted, err = w.put(key, kb, vb, size)
		return err
	})
	if err == nil {
		t.metrics.puts.Inc()
	}
	return inserted, err
}

// Remove deletes key and reports whether it was present. Underfull leaves are
// not merged.
func (t *Tree[K, V]) Remove(key K) (removed bool, err error) {
	err = t.update("remove", func(w *mutation[K, V]) error {
		removed, err = w.remove(key)
		return err
	})
	if err == nil && removed {
		t.metrics.removes.Inc()
	}
	return removed, err
}

func (w *mutation[K, V]) put(key K, kb, vb []byte, size int) (bool, error) {
	p, err := w.descend(routeTo(key))
	if err != nil {
		return false, err
	}
	leaf := p.leaf()
	i, err := leaf.indexOf(key)
	if err != nil {
		return false, err
	}
	updated := false
	if i >= 0 {
		ok, err := leaf.canUpdateValue(i, vb)
		if err != nil {
			return false, err
		}
		if ok {
			return false, leaf.updateValue(i, vb)
		}
		if err := leaf.removeRecord(i); err != nil {
			return false, err
		}
		updated = true
	}

	if leaf.freeSpace() < size {
		if err := w.run(pending[K]{kind: opSplitNode, r: routeTo(key), need: size}); err != nil {
			return false, err
		}
		if p, err = w.descend(routeTo(key)); err != nil {
			return false, err
		}
		leaf = p.leaf()
		if leaf.freeSpace() < size {
			return false, errors.AssertionFailedf("leaf %d has %d free bytes after split, entry needs %d",
				errors.Safe(leaf.idx), errors.Safe(leaf.freeSpace()), errors.Safe(size))
		}
	}
	if i, err = leaf.indexOf(key); err != nil {
		return false, err
	}
	if i >= 0 {
		return false, errors.AssertionFailedf("key present in leaf %d after removal", errors.Safe(leaf.idx))
	}
	leaf.insertValue(-i-1, kb, vb)
	if updated {
		return false, nil
	}
	return true, w.addTreeSize(1)
}

func (w *mutation[K, V]) remove(key K) (bool, error) {
	p, err := w.descend(routeTo(key))
	if err != nil {
		return false, err
	}
	leaf := p.leaf()
	i, err := leaf.indexOf(key)
	if err != nil || i < 0 {
		return false, err
	}
	if err := leaf.removeRecord(i); err != nil {
		return false, err
	}
	return true, w.addTreeSize(-1)
}

func (w *mutation[K, V]) addTreeSize(delta int64) error {
	root, err := w.load(w.t.root)
	if err != nil {
		return err
	}
	root.setTreeSize(root.treeSize() + delta)
	return nil
}
