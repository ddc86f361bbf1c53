package sbtree

import (
	"github.com/btree-query-bench/sbtree/dbms/atomicop"
)

// Mode is the kind of a range bound.
type Mode uint8

const (
	Unbounded Mode = iota
	Inclusive
	Exclusive
)

// Bound is one end of a key range.
type Bound[K any] struct {
	Key  K
	Mode Mode
}

// NoBound returns an open range end.
func NoBound[K any]() Bound[K] { return Bound[K]{} }

// Incl returns a bound that includes key.
func Incl[K any](key K) Bound[K] { return Bound[K]{Key: key, Mode: Inclusive} }

// Excl returns a bound that excludes key.
func Excl[K any](key K) Bound[K] { return Bound[K]{Key: key, Mode: Exclusive} }

// Direction is the order a cursor yields keys in.
type Direction uint8

const (
	Forward Direction = iota
	Reverse
)

type item[K, V any] struct {
	key   K
	value V
}

// Cursor iterates over a key range. It holds no page between calls: each
// leaf is copied out under the tree's shared lock, and if the tree changed
// since, the cursor re-seeks from the last key it returned.
//
// Forward and reverse cursors share one state machine. A reverse cursor
// swaps the roles of the bounds and reads keys with the comparison flipped.
type Cursor[K, V any] struct {
	t      *Tree[K, V]
	from   Bound[K]
	to     Bound[K]
	dir    Direction
	values bool

	buf  []item[K, V]
	pos  int
	next PageIndex
	mods uint64

	last    K
	started bool
	done    bool
	cur     item[K, V]
	err     error
}

// Range returns a cursor over the entries between begin and end.
func (t *Tree[K, V]) Range(begin, end Bound[K], dir Direction) *Cursor[K, V] {
	return t.newCursor(begin, end, dir, true)
}

// KeyRange is Range without decoding values.
func (t *Tree[K, V]) KeyRange(begin, end Bound[K], dir Direction) *Cursor[K, V] {
	return t.newCursor(begin, end, dir, false)
}

// ValueRange is Range for callers interested in values only.
func (t *Tree[K, V]) ValueRange(begin, end Bound[K], dir Direction) *Cursor[K, V] {
	return t.newCursor(begin, end, dir, true)
}

func (t *Tree[K, V]) newCursor(begin, end Bound[K], dir Direction, values bool) *Cursor[K, V] {
	c := &Cursor[K, V]{t: t, from: begin, to: end, dir: dir, values: values, next: NoPage}
	if dir == Reverse {
		c.from, c.to = end, begin
	}
	return c
}

// compare orders keys in the cursor's direction.
func (c *Cursor[K, V]) compare(a, b K) int {
	if c.dir == Reverse {
		return c.t.c.compare(b, a)
	}
	return c.t.c.compare(a, b)
}

// admits reports whether key lies after the start of the remaining range.
func (c *Cursor[K, V]) admits(key K) bool {
	if c.started {
		return c.compare(key, c.last) > 0
	}
	switch c.from.Mode {
	case Inclusive:
		return c.compare(key, c.from.Key) >= 0
	case Exclusive:
		return c.compare(key, c.from.Key) > 0
	}
	return true
}

// beyond reports whether key lies past the end of the range.
func (c *Cursor[K, V]) beyond(key K) bool {
	switch c.to.Mode {
	case Inclusive:
		return c.compare(key, c.to.Key) > 0
	case Exclusive:
		return c.compare(key, c.to.Key) >= 0
	}
	return false
}

// Next advances to the next entry.
func (c *Cursor[K, V]) Next() bool {
	for c.err == nil {
		if c.pos < len(c.buf) {
			c.cur = c.buf[c.pos]
			c.pos++
			c.last, c.started = c.cur.key, true
			return true
		}
		if c.done {
			return false
		}
		c.err = c.t.read("range", c.fill)
	}
	return false
}

// Key returns the current key.
func (c *Cursor[K, V]) Key() K { return c.cur.key }

// Value returns the current value. It is the zero value for KeyRange cursors.
func (c *Cursor[K, V]) Value() V { return c.cur.value }

// Err returns the error that stopped the cursor.
func (c *Cursor[K, V]) Err() error { return c.err }

// Close releases the cursor's buffer.
func (c *Cursor[K, V]) Close() error {
	c.buf, c.done = nil, true
	return nil
}

// fill buffers the admitted entries of the next leaf holding any.
func (c *Cursor[K, V]) fill(r *atomicop.Reader) error {
	c.buf, c.pos = c.buf[:0], 0
	leaf := c.next
	if mods := c.t.mods.Load(); !c.started && c.next == NoPage || mods != c.mods {
		var err error
		if leaf, err = c.t.seek(r, c.seekRoute()); err != nil {
			return err
		}
		c.mods = mods
	}
	pages, err := r.FilledUpTo(c.t.name)
	if err != nil {
		return err
	}
	for hops := uint64(0); len(c.buf) == 0 && !c.done; hops++ {
		if leaf == NoPage {
			c.done = true
			break
		}
		if hops > pages {
			return ErrCorruptPage
		}
		err := r.LoadPage(c.t.name, uint64(leaf), func(b []byte) error {
			var err error
			leaf, err = c.collect(c.t.view(leaf, b))
			return err
		})
		if err != nil {
			return err
		}
	}
	c.next = leaf
	return nil
}

// seekRoute leads to the leaf the remaining range starts in.
func (c *Cursor[K, V]) seekRoute() route[K] {
	switch {
	case c.started:
		return routeTo(c.last)
	case c.from.Mode != Unbounded:
		return routeTo(c.from.Key)
	case c.dir == Reverse:
		return route[K]{kind: routeMax}
	}
	return route[K]{kind: routeMin}
}

// collect appends the admitted entries of n in cursor order and returns the
// leaf to read next.
func (c *Cursor[K, V]) collect(n *node[K, V]) (PageIndex, error) {
	count := n.entryCount()
	for k := 0; k < count; k++ {
		i := k
		if c.dir == Reverse {
			i = count - 1 - k
		}
		key, err := n.keyAt(i)
		if err != nil {
			return NoPage, err
		}
		if !c.admits(key) {
			continue
		}
		if c.beyond(key) {
			c.done = true
			return NoPage, nil
		}
		it := item[K, V]{key: key}
		if c.values {
			if it.value, err = n.valueAt(i); err != nil {
				return NoPage, err
			}
		}
		c.buf = append(c.buf, it)
	}
	if c.dir == Reverse {
		return n.leftSibling(), nil
	}
	return n.rightSibling(), nil
}
