package sbtree

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/btree-query-bench/sbtree/dbms/failpoint"
)

// FailpointSplit fires at the start of every node, root and block split.
const FailpointSplit = "sbtree.split"

// maxPendingSteps bounds one run of the pending-operation machine.
const maxPendingSteps = 4096

type opKind uint8

const (
	opSplitNode opKind = iota
	opSplitBlock
)

func (k opKind) String() string {
	if k == opSplitNode {
		return "split node"
	}
	return "split block"
}

// pending is one step of a split chain. The target is named by a route and a
// level counted from the leaves, so it survives pages being moved by the
// steps that run before it.
//
// opSplitNode splits the target until it has need free bytes where the next
// insert lands: at the route's position, or on both halves when both is set.
// opSplitBlock splits the block its parent places the target in once that
// block is full.
type pending[K any] struct {
	kind  opKind
	r     route[K]
	level int
	need  int
	both  bool
}

// run executes first and everything it turns out to depend on. A step that
// finds an unmet precondition pushes the step establishing it and is
// re-evaluated from scratch once that one is done.
func (w *mutation[K, V]) run(first pending[K]) error {
	stack := []pending[K]{first}
	for steps := 0; len(stack) > 0; steps++ {
		if steps > maxPendingSteps {
			return errors.AssertionFailedf("split chain did not settle after %d steps", errors.Safe(steps))
		}
		top := stack[len(stack)-1]
		var next *pending[K]
		var err error
		switch top.kind {
		case opSplitNode:
			next, err = w.splitNode(top)
		case opSplitBlock:
			next, err = w.splitBlock(top)
		}
		if err != nil {
			return errors.Wrapf(err, "%s at level %d", top.kind, top.level)
		}
		if next != nil {
			stack = append(stack, *next)
			continue
		}
		stack = stack[:len(stack)-1]
	}
	return nil
}

// splitNode splits the node at op.level on op.r. The parent must have room for
// the separator and the parent's block a free page for the new node; if not,
// the step that provides it is returned instead.
func (w *mutation[K, V]) splitNode(op pending[K]) (*pending[K], error) {
	p, err := w.descend(op.r)
	if err != nil {
		return nil, err
	}
	d, err := p.depthOf(op.level)
	if err != nil {
		return nil, err
	}
	x := p.nodes[d]
	if x.freeSpace() >= op.need {
		return nil, nil
	}

	pos := -1
	if !op.both {
		if pos, err = w.insertPosition(p, d, op.r); err != nil {
			return nil, err
		}
	}
	if d == 0 {
		return nil, w.splitRoot(x, pos, op.need)
	}

	s, err := x.splitPoint(pos, op.need, x.capacity())
	if err != nil {
		return nil, err
	}
	sepKey, err := x.rawKey(s)
	if err != nil {
		return nil, err
	}
	parent, q := p.nodes[d-1], p.ptrs[d-1]
	if sepNeed := w.t.c.internalEntrySize(sepKey); parent.freeSpace() < sepNeed {
		return &pending[K]{kind: opSplitNode, r: op.r, level: op.level + 1, need: sepNeed}, nil
	}
	j := parent.nearestMarker(q)
	rn, err := w.runOf(parent, j)
	if err != nil {
		return nil, err
	}
	if rn.used >= BlockSize {
		return &pending[K]{kind: opSplitBlock, r: op.r, level: op.level}, nil
	}

	if err := failpoint.Hit(FailpointSplit); err != nil {
		return nil, err
	}
	sib, err := w.load(rn.block + PageIndex(rn.used))
	if err != nil {
		return nil, err
	}
	sib.init(x.isLeaf())
	sep, err := x.moveTailTo(sib, s)
	if err != nil {
		return nil, err
	}
	if err := w.linkAfter(x, sib); err != nil {
		return nil, err
	}
	parent.insertPointer(q, sep, sib.idx)
	parent.updateMarkerCount(j, parent.markerAt(j).used+1)

	if x.isLeaf() {
		w.t.metrics.leafSplits.Inc()
	} else {
		w.t.metrics.internalSplits.Inc()
	}
	w.t.logger.Debug("split node",
		zap.Stringer("page", x.idx),
		zap.Stringer("sibling", sib.idx),
		zap.Int("level", op.level),
		zap.Int("moved", sib.entryCount()))
	return nil, nil
}

// insertPosition returns where the insert waiting for this split lands in the
// node at depth d: an insertion point in a leaf, or the entry index of the
// separator for the child on the path in an internal node.
func (w *mutation[K, V]) insertPosition(p *path[K, V], d int, r route[K]) (int, error) {
	x := p.nodes[d]
	if !x.isLeaf() {
		return p.ptrs[d], nil
	}
	if r.kind != routeAt {
		return x.entryCount(), nil
	}
	i, err := x.indexOf(r.key)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		i = -i - 1
	}
	return i, nil
}

// splitRoot moves the root's content into two children placed in a fresh
// block and turns the root into an internal node over them. The root keeps
// its page, so the tree grows by one level.
func (w *mutation[K, V]) splitRoot(root *node[K, V], pos, need int) error {
	if err := failpoint.Hit(FailpointSplit); err != nil {
		return err
	}
	block, err := w.allocateBlock()
	if err != nil {
		return err
	}
	left, err := w.load(block)
	if err != nil {
		return err
	}
	right, err := w.load(block + 1)
	if err != nil {
		return err
	}
	leaf := root.isLeaf()
	left.init(leaf)
	right.init(leaf)
	if err := root.copyInto(left); err != nil {
		return err
	}
	s, err := left.splitPoint(pos, need, left.capacity())
	if err != nil {
		return err
	}
	sep, err := left.moveTailTo(right, s)
	if err != nil {
		return err
	}
	left.setRightSibling(right.idx)
	right.setLeftSibling(left.idx)

	size := root.treeSize()
	root.init(false)
	root.setTreeSize(size)
	root.setLeftChild(left.idx)
	root.insertPointer(0, sep, right.idx)
	root.setMarkers([]marker{{pointer: 0, block: block, used: 2}})

	w.t.metrics.rootSplits.Inc()
	w.t.logger.Debug("split root",
		zap.Stringer("block", block),
		zap.Bool("leaf", leaf),
		zap.Int("left", left.entryCount()),
		zap.Int("right", right.entryCount()))
	return nil
}

// linkAfter inserts sib into the sibling chain right after x.
func (w *mutation[K, V]) linkAfter(x, sib *node[K, V]) error {
	next := x.rightSibling()
	if next != NoPage {
		n, err := w.load(next)
		if err != nil {
			return err
		}
		n.setLeftSibling(sib.idx)
	}
	sib.setLeftSibling(x.idx)
	sib.setRightSibling(next)
	x.setRightSibling(sib.idx)
	return nil
}

// ─── Split point ──────────────────────────────────────────────────────────────

// splitSizes returns the bytes each half uses when n is split at s. A leaf
// keeps entries [0, s); an internal node keeps [0, s), pushes s up and the
// markers follow their pointers.
func (n *node[K, V]) splitSizes(s int, sizes []int) (left, right int) {
	for i, size := range sizes {
		switch {
		case i < s:
			left += size
		case i > s || n.isLeaf():
			right += size
		}
	}
	if n.isLeaf() {
		return left, right
	}
	cut := s + 1
	for j, mc := 0, n.markerCount(); j < mc; j++ {
		m := n.markerAt(j)
		if m.pointer < cut {
			left += markerSize
		}
		if m.end() > cut {
			right += markerSize
		}
	}
	return left, right
}

// splitPoint picks the index the tail moved out of n starts at. It starts at
// the size-aware half point and shifts until the half receiving the pending
// insert at pos has need free bytes, or both halves do when pos is negative.
func (n *node[K, V]) splitPoint(pos, need, leftCap int) (int, error) {
	count := n.entryCount()
	sizes := make([]int, count)
	for i := range sizes {
		size, err := n.entryBytes(i)
		if err != nil {
			return 0, err
		}
		sizes[i] = size
	}
	moved, err := n.countEntriesToMoveUntilHalfFree()
	if err != nil {
		return 0, err
	}

	lo, hi := 0, count-1
	if n.isLeaf() {
		lo = 1
	}
	if hi < lo {
		return 0, errors.AssertionFailedf("page %d with %d entries cannot be split", errors.Safe(n.idx), errors.Safe(count))
	}
	rightCap := pageSize - headerSize
	fits := func(s int) bool {
		l, r := n.splitSizes(s, sizes)
		switch {
		case pos < 0:
			l, r = l+need, r+need
		case pos <= s:
			l += need
		default:
			r += need
		}
		return l <= leftCap && r <= rightCap
	}

	s := min(max(count-moved, lo), hi)
	for delta := 0; delta <= count; delta++ {
		if s-delta >= lo && fits(s-delta) {
			return s - delta, nil
		}
		if s+delta <= hi && fits(s+delta) {
			return s + delta, nil
		}
	}
	return 0, errors.AssertionFailedf("no split point of page %d leaves room for %d bytes", errors.Safe(n.idx), errors.Safe(need))
}
