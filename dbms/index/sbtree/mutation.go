package sbtree

import (
	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/sbtree/dbms/atomicop"
)

// maxHeight bounds descents and sibling walks so that a corrupt page cycle
// ends in an error instead of a hang.
const maxHeight = 64

// ─── Routes ───────────────────────────────────────────────────────────────────

type routeKind uint8

const (
	routeMin   routeKind = iota // leftmost pointer
	routeMax                    // rightmost pointer
	routeAt                     // towards the node whose range holds key
	routeBelow                  // towards the node whose range ends at key
)

// route names a node by key rather than by page, so it stays valid while
// splits and block splits move pages around.
type route[K any] struct {
	kind routeKind
	key  K
}

func routeTo[K any](key K) route[K] { return route[K]{kind: routeAt, key: key} }

// routePointer returns the pointer index r leads to in internal node n.
func (n *node[K, V]) routePointer(r route[K]) (int, error) {
	switch r.kind {
	case routeMin:
		return 0, nil
	case routeMax:
		return n.entryCount(), nil
	}
	i, err := n.indexOf(r.key)
	if err != nil {
		return 0, err
	}
	if r.kind == routeBelow && i >= 0 {
		return i, nil
	}
	return searchPointer(i), nil
}

// ─── Write path ───────────────────────────────────────────────────────────────

// mutation is the state of one atomic operation on the tree. Pages stay
// exclusively locked by the operation until it ends.
type mutation[K, V any] struct {
	t     *Tree[K, V]
	op    *atomicop.Operation
	pages map[PageIndex]*node[K, V]
}

func (t *Tree[K, V]) mutation(op *atomicop.Operation) *mutation[K, V] {
	return &mutation[K, V]{t: t, op: op, pages: make(map[PageIndex]*node[K, V])}
}

func (w *mutation[K, V]) load(idx PageIndex) (*node[K, V], error) {
	if n, ok := w.pages[idx]; ok {
		return n, nil
	}
	if idx < 0 {
		return nil, errors.AssertionFailedf("load of page %d", errors.Safe(idx))
	}
	p, err := w.op.LoadPage(w.t.name, uint64(idx))
	if err != nil {
		return nil, err
	}
	n := w.t.view(idx, p.Bytes())
	w.pages[idx] = n
	return n, nil
}

// path is a root-to-leaf descent. nodes[0] is the root; ptrs[d] is the
// pointer index followed out of nodes[d].
type path[K, V any] struct {
	nodes []*node[K, V]
	ptrs  []int
}

func (p *path[K, V]) leaf() *node[K, V] { return p.nodes[len(p.nodes)-1] }

// depthOf converts a level, counted from the leaves, to a depth.
func (p *path[K, V]) depthOf(level int) (int, error) {
	d := len(p.nodes) - 1 - level
	if d < 0 {
		return 0, errors.AssertionFailedf("level %d above a tree of height %d", errors.Safe(level), errors.Safe(len(p.nodes)))
	}
	return d, nil
}

// bounds returns the separators enclosing the node at depth d.
func (p *path[K, V]) bounds(d int) (lo, hi K, hasLo, hasHi bool, err error) {
	for i := d - 1; i >= 0 && !(hasLo && hasHi); i-- {
		n, ptr := p.nodes[i], p.ptrs[i]
		if !hasLo && ptr > 0 {
			if lo, err = n.keyAt(ptr - 1); err != nil {
				return
			}
			hasLo = true
		}
		if !hasHi && ptr < n.entryCount() {
			if hi, err = n.keyAt(ptr); err != nil {
				return
			}
			hasHi = true
		}
	}
	return
}

// routeOf returns a route reaching the node at depth d.
func (p *path[K, V]) routeOf(d int) (route[K], error) {
	lo, _, hasLo, _, err := p.bounds(d)
	if err != nil || !hasLo {
		return route[K]{kind: routeMin}, err
	}
	return routeTo(lo), nil
}

func (w *mutation[K, V]) descend(r route[K]) (*path[K, V], error) {
	p := &path[K, V]{}
	idx := w.t.root
	for {
		if len(p.nodes) > maxHeight {
			return nil, errors.Wrapf(ErrCorruptPage, "descent deeper than %d", maxHeight)
		}
		n, err := w.load(idx)
		if err != nil {
			return nil, err
		}
		p.nodes = append(p.nodes, n)
		if n.isLeaf() {
			return p, nil
		}
		ptr, err := n.routePointer(r)
		if err != nil {
			return nil, err
		}
		p.ptrs = append(p.ptrs, ptr)
		idx = n.childAt(ptr)
	}
}

// siblingRoute returns the route of the node hops siblings away from the
// node at depth d of p, negative hops going left.
func (w *mutation[K, V]) siblingRoute(p *path[K, V], d, hops int) (route[K], error) {
	level := len(p.nodes) - 1 - d
	r, err := p.routeOf(d)
	if err != nil {
		return r, err
	}
	for hops != 0 {
		lo, hi, hasLo, hasHi, err := p.bounds(d)
		if err != nil {
			return r, err
		}
		switch {
		case hops < 0 && hasLo:
			r, hops = route[K]{kind: routeBelow, key: lo}, hops+1
		case hops > 0 && hasHi:
			r, hops = routeTo(hi), hops-1
		default:
			return r, errors.AssertionFailedf("no sibling %d hops from page %d", errors.Safe(hops), errors.Safe(p.nodes[d].idx))
		}
		if hops == 0 {
			break
		}
		if p, err = w.descend(r); err != nil {
			return r, err
		}
		if d, err = p.depthOf(level); err != nil {
			return r, err
		}
	}
	return r, nil
}

// ─── Read path ────────────────────────────────────────────────────────────────

// seek descends along r and returns the leaf it ends in. Only one page is
// locked at a time.
func (t *Tree[K, V]) seek(r *atomicop.Reader, rt route[K]) (PageIndex, error) {
	idx := t.root
	for depth := 0; ; depth++ {
		if depth > maxHeight {
			return NoPage, errors.Wrapf(ErrCorruptPage, "descent deeper than %d", maxHeight)
		}
		leaf := false
		err := r.LoadPage(t.name, uint64(idx), func(b []byte) error {
			n := t.view(idx, b)
			if leaf = n.isLeaf(); leaf {
				return nil
			}
			ptr, err := n.routePointer(rt)
			if err == nil {
				idx = n.childAt(ptr)
			}
			return err
		})
		if err != nil || leaf {
			return idx, err
		}
	}
}

// visitLeaf calls fn on the leaf rt leads to.
func (t *Tree[K, V]) visitLeaf(r *atomicop.Reader, rt route[K], fn func(n *node[K, V]) error) error {
	idx, err := t.seek(r, rt)
	if err != nil {
		return err
	}
	return r.LoadPage(t.name, uint64(idx), func(b []byte) error {
		return fn(t.view(idx, b))
	})
}
