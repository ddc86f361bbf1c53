package sbtree

import (
	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/sbtree/dbms/atomicop"
)

// ErrInvariant is wrapped by every violation Verify reports.
var ErrInvariant = errors.New("sbtree: invariant violated")

// pageInfo is what a walk copies out of one page.
type pageInfo[K any] struct {
	idx      PageIndex
	depth    int
	leaf     bool
	keys     []K
	children []PageIndex
	markers  []marker
	left     PageIndex
	right    PageIndex
	contFrom bool
	contTo   bool
	treeSize int64
	used     int
	capacity int
}

// walk visits every page reachable from the root depth-first, each level left
// to right. lo and hi are the separators enclosing the page, nil when open.
// Only one page is locked at a time.
func (t *Tree[K, V]) walk(r *atomicop.Reader, fn func(pi *pageInfo[K], lo, hi *K) error) error {
	seen := make(map[PageIndex]bool)
	var visit func(idx PageIndex, depth int, lo, hi *K) error
	visit = func(idx PageIndex, depth int, lo, hi *K) error {
		if seen[idx] {
			return errors.Wrapf(ErrInvariant, "page %d reachable twice", idx)
		}
		seen[idx] = true
		if depth > maxHeight {
			return errors.Wrapf(ErrInvariant, "tree deeper than %d", maxHeight)
		}
		pi := &pageInfo[K]{idx: idx, depth: depth}
		err := r.LoadPage(t.name, uint64(idx), func(b []byte) error {
			n := t.view(idx, b)
			pi.leaf = n.isLeaf()
			pi.left, pi.right = n.leftSibling(), n.rightSibling()
			pi.contFrom, pi.contTo = n.continuedFrom(), n.continuedTo()
			pi.treeSize = n.treeSize()
			pi.capacity = n.capacity()
			pi.used = pi.capacity - n.freeSpace()
			count := n.entryCount()
			pi.keys = make([]K, count)
			for i := range pi.keys {
				k, err := n.keyAt(i)
				if err != nil {
					return err
				}
				pi.keys[i] = k
				if pi.leaf {
					if _, err := n.valueAt(i); err != nil {
						return err
					}
				}
			}
			if !pi.leaf {
				pi.children = make([]PageIndex, count+1)
				for p := range pi.children {
					pi.children[p] = n.childAt(p)
				}
				pi.markers = n.markers()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := fn(pi, lo, hi); err != nil {
			return err
		}
		for p, child := range pi.children {
			clo, chi := lo, hi
			if p > 0 {
				clo = &pi.keys[p-1]
			}
			if p < len(pi.keys) {
				chi = &pi.keys[p]
			}
			if err := visit(child, depth+1, clo, chi); err != nil {
				return err
			}
		}
		return nil
	}
	return visit(t.root, 0, nil, nil)
}

// Verify walks the whole tree and checks its structure: key order and
// separator bounds, the marker partition of every internal node, block
// placement and usage, sibling links, continued flags and the tree size.
func (t *Tree[K, V]) Verify() error {
	return t.read("verify", func(r *atomicop.Reader) error {
		v := &verifier[K, V]{
			t:          t,
			usage:      make(map[PageIndex]int),
			blockPages: make(map[PageIndex][]PageIndex),
			levels:     make(map[int][]*pageInfo[K]),
			leafDepth:  -1,
		}
		if err := t.walk(r, v.page); err != nil {
			return err
		}
		return v.finish()
	})
}

type verifier[K, V any] struct {
	t          *Tree[K, V]
	usage      map[PageIndex]int
	blockPages map[PageIndex][]PageIndex
	levels     map[int][]*pageInfo[K]
	leafDepth  int
	entries    int64
	treeSize   int64
}

func violation(idx PageIndex, format string, args ...any) error {
	return errors.Wrapf(ErrInvariant, "page %d: "+format, append([]any{idx}, args...)...)
}

func (v *verifier[K, V]) page(pi *pageInfo[K], lo, hi *K) error {
	cmp := v.t.c.compare
	if pi.depth == 0 {
		v.treeSize = pi.treeSize
	}
	v.levels[pi.depth] = append(v.levels[pi.depth], pi)
	for i, k := range pi.keys {
		if i > 0 && cmp(pi.keys[i-1], k) >= 0 {
			return violation(pi.idx, "key %d out of order", i)
		}
		if lo != nil && cmp(k, *lo) < 0 {
			return violation(pi.idx, "key %d below the separator on its left", i)
		}
		if hi != nil && cmp(k, *hi) >= 0 {
			return violation(pi.idx, "key %d not below the separator on its right", i)
		}
	}

	if pi.leaf {
		if v.leafDepth < 0 {
			v.leafDepth = pi.depth
		} else if v.leafDepth != pi.depth {
			return violation(pi.idx, "leaf at depth %d, others at %d", pi.depth, v.leafDepth)
		}
		v.entries += int64(len(pi.keys))
		return nil
	}

	next := 0
	for j, m := range pi.markers {
		switch {
		case m.pointer != next:
			return violation(pi.idx, "marker %d starts at pointer %d, want %d", j, m.pointer, next)
		case m.used < 1:
			return violation(pi.idx, "marker %d covers no pointer", j)
		case j > 0 && pi.markers[j-1].block == m.block:
			return violation(pi.idx, "markers %d and %d share block %d", j-1, j, m.block)
		case !v.t.blockAligned(m.block):
			return violation(pi.idx, "marker %d references unaligned block %d", j, m.block)
		}
		for p := m.pointer; p < m.end() && p < len(pi.children); p++ {
			child := pi.children[p]
			if child < m.block || child >= m.block+BlockSize {
				return violation(pi.idx, "child %d at pointer %d outside block %d", child, p, m.block)
			}
			v.blockPages[m.block] = append(v.blockPages[m.block], child)
		}
		v.usage[m.block] += m.used
		next = m.end()
	}
	if next != len(pi.children) {
		return violation(pi.idx, "markers cover %d of %d pointers", next, len(pi.children))
	}
	return nil
}

func (v *verifier[K, V]) finish() error {
	if v.entries != v.treeSize {
		return violation(v.t.root, "tree size %d, leaves hold %d entries", v.treeSize, v.entries)
	}
	for block, used := range v.usage {
		if used > BlockSize {
			return errors.Wrapf(ErrInvariant, "block %d has %d pages in use", block, used)
		}
		slots := make(map[PageIndex]bool, used)
		for _, page := range v.blockPages[block] {
			if page-block >= PageIndex(used) {
				return errors.Wrapf(ErrInvariant, "page %d beyond the %d used slots of block %d", page, used, block)
			}
			if slots[page] {
				return errors.Wrapf(ErrInvariant, "page %d used twice in block %d", page, block)
			}
			slots[page] = true
		}
	}
	for depth, level := range v.levels {
		for i, pi := range level {
			wantLeft, wantRight := NoPage, NoPage
			if i > 0 {
				wantLeft = level[i-1].idx
			}
			if i < len(level)-1 {
				wantRight = level[i+1].idx
			}
			if pi.left != wantLeft || pi.right != wantRight {
				return violation(pi.idx, "siblings %s/%s at depth %d, want %s/%s", pi.left, pi.right, depth, wantLeft, wantRight)
			}
			if pi.leaf {
				continue
			}
			linked := i < len(level)-1 &&
				pi.markers[len(pi.markers)-1].block == level[i+1].markers[0].block
			if pi.contTo != linked {
				return violation(pi.idx, "continued-to is %t, want %t", pi.contTo, linked)
			}
			if i == 0 && pi.contFrom {
				return violation(pi.idx, "leftmost page continued from a sibling")
			}
			if i > 0 && pi.contFrom != level[i-1].contTo {
				return violation(pi.idx, "continued-from disagrees with the left sibling")
			}
		}
	}
	return nil
}
