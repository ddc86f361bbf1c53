package sbtree

import (
	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/sbtree/dbms/atomicop"
)

// The null key has no encoding, so its value lives alone on page 0: entry
// count 0 or 1, and the encoded value at the end of the data area.

const nullPage PageIndex = 0

func (t *Tree[K, V]) checkNull(op string) error {
	if !t.nullKeys {
		return t.wrap(ErrNullKeyNotAllowed, op)
	}
	return nil
}

// GetNull returns the value stored under the null key.
func (t *Tree[K, V]) GetNull() (value V, found bool, err error) {
	if err := t.checkNull("get null"); err != nil {
		return value, false, err
	}
	err = t.read("get null", func(r *atomicop.Reader) error {
		return r.LoadPage(t.name, uint64(nullPage), func(b []byte) error {
			n := t.view(nullPage, b)
			if n.entryCount() == 0 {
				return nil
			}
			v, _, err := t.c.values.Decode(b[n.freeData():n.end])
			if err != nil {
				return n.corrupt("null value: %v", err)
			}
			value, found = v, true
			return nil
		})
	})
	return value, found, err
}

// ContainsNull reports whether the null key is present.
func (t *Tree[K, V]) ContainsNull() (bool, error) {
	_, found, err := t.GetNull()
	return found, err
}

// PutNull stores value under the null key and reports whether it was new.
func (t *Tree[K, V]) PutNull(value V) (inserted bool, err error) {
	if err := t.checkNull("put null"); err != nil {
		return false, err
	}
	vb, err := t.c.encodeValue(value)
	if err != nil {
		return false, t.wrap(err, "put null")
	}
	if len(vb) > maxEntrySize {
		return false, t.wrap(errors.Wrapf(ErrEntryTooLarge, "%d bytes, limit %d", len(vb), maxEntrySize), "put null")
	}
	err = t.update("put null", func(w *mutation[K, V]) error {
		n, err := w.load(nullPage)
		if err != nil {
			return err
		}
		inserted = n.entryCount() == 0
		n.setFreeData(n.end)
		clear(n.b[headerSize:n.end])
		copy(n.b[n.alloc(len(vb)):], vb)
		n.setEntryCount(1)
		return nil
	})
	if err == nil {
		t.metrics.puts.Inc()
	}
	return inserted, err
}

// RemoveNull deletes the null key and reports whether it was present.
func (t *Tree[K, V]) RemoveNull() (removed bool, err error) {
	if err := t.checkNull("remove null"); err != nil {
		return false, err
	}
	err = t.update("remove null", func(w *mutation[K, V]) error {
		n, err := w.load(nullPage)
		if err != nil {
			return err
		}
		if removed = n.entryCount() == 1; removed {
			clear(n.b[headerSize:n.end])
			n.setFreeData(n.end)
			n.setEntryCount(0)
		}
		return nil
	})
	if err == nil && removed {
		t.metrics.removes.Inc()
	}
	return removed, err
}
