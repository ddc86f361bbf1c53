package sbtree

import (
	"github.com/cockroachdb/errors"
)

// runMarker is one marker of a run and the node holding it. hop is the
// node's distance from the node the run was looked up from.
type runMarker[K, V any] struct {
	owner *node[K, V]
	j     int
	hop   int
	m     marker
}

// blockRun is the chain of markers referencing one block. It spans sibling
// nodes when their continued-from/continued-to flags say so.
type blockRun[K, V any] struct {
	block   PageIndex
	used    int
	markers []runMarker[K, V]
}

// runOf collects the run marker j of n belongs to.
func (w *mutation[K, V]) runOf(n *node[K, V], j int) (blockRun[K, V], error) {
	var rn blockRun[K, V]
	owner, hop := n, 0
	for j == 0 && owner.continuedFrom() {
		if hop <= -BlockSize {
			return rn, errors.Wrapf(ErrCorruptPage, "block run left of page %d does not end", n.idx)
		}
		left, err := w.load(owner.leftSibling())
		if err != nil {
			return rn, err
		}
		owner, j, hop = left, left.markerCount()-1, hop-1
	}
	rn.block = owner.markerAt(j).block
	for {
		m := owner.markerAt(j)
		if m.block != rn.block {
			return rn, errors.Wrapf(ErrCorruptPage, "page %d continues block %d with block %d", owner.idx, rn.block, m.block)
		}
		rn.markers = append(rn.markers, runMarker[K, V]{owner: owner, j: j, hop: hop, m: m})
		rn.used += m.used
		if j < owner.markerCount()-1 || !owner.continuedTo() {
			return rn, nil
		}
		if len(rn.markers) > BlockSize {
			return rn, errors.Wrapf(ErrCorruptPage, "block run of page %d does not end", n.idx)
		}
		right, err := w.load(owner.rightSibling())
		if err != nil {
			return rn, err
		}
		owner, j, hop = right, 0, hop+1
	}
}

// straddling returns the marker whose pointer range contains the ordinal-th
// page of the run strictly inside it.
func (rn blockRun[K, V]) straddling(ordinal int) (runMarker[K, V], bool) {
	c := 0
	for _, rm := range rn.markers {
		if c < ordinal && ordinal < c+rm.m.used {
			return rm, true
		}
		c += rm.m.used
	}
	return runMarker[K, V]{}, false
}

// members lists the block's pages in pointer order.
func (rn blockRun[K, V]) members() []member[K, V] {
	var ms []member[K, V]
	for _, rm := range rn.markers {
		for p := rm.m.pointer; p < rm.m.end(); p++ {
			ms = append(ms, member[K, V]{owner: rm.owner, pointer: p, page: rm.owner.childAt(p)})
		}
	}
	return ms
}

// updateMarkersOnSplit moves the second half of the run to block fresh. A
// marker the boundary falls inside is cut in two, which needs room for one
// more marker in its node. The continued flags between the run's nodes are
// then recomputed.
func (w *mutation[K, V]) updateMarkersOnSplit(rn blockRun[K, V], fresh PageIndex) {
	c := 0
	for _, rm := range rn.markers {
		m, owner := rm.m, rm.owner
		switch {
		case c+m.used <= halfBlock:
		case c >= halfBlock:
			owner.updateMarker(rm.j, fresh, m.used)
		default:
			head := halfBlock - c
			owner.updateMarker(rm.j, rn.block, head)
			owner.insertMarker(rm.j+1, marker{pointer: m.pointer + head, block: fresh, used: m.used - head})
			w.t.metrics.markerInserts.Inc()
		}
		c += m.used
	}
	for i := 1; i < len(rn.markers); i++ {
		a, b := rn.markers[i-1].owner, rn.markers[i].owner
		if a == b {
			continue
		}
		linked := a.markerAt(a.markerCount()-1).block == b.markerAt(0).block
		a.setContinuedTo(linked)
		b.setContinuedFrom(linked)
	}
}
