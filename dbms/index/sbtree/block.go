package sbtree

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/btree-query-bench/sbtree/dbms/failpoint"
)

const halfBlock = BlockSize / 2

// nextBlockStart returns where the block allocated after count pages starts.
// Blocks are packed from the origin; with heap segments, a block that would
// cross a segment boundary starts at the boundary instead.
func (t *Tree[K, V]) nextBlockStart(count PageIndex) PageIndex {
	start := max(count, t.origin())
	if t.heapPages == 0 {
		return start
	}
	heap := PageIndex(t.heapPages)
	if seg := start / heap; start+BlockSize > (seg+1)*heap {
		start = (seg + 1) * heap
	}
	return start
}

// blockAligned reports whether b is a start nextBlockStart can produce.
func (t *Tree[K, V]) blockAligned(b PageIndex) bool {
	base := t.origin()
	if t.heapPages > 0 {
		heap := PageIndex(t.heapPages)
		seg := b / heap
		if b+BlockSize > (seg+1)*heap {
			return false
		}
		if seg > 0 {
			base = seg * heap
		}
	}
	return b >= base && (b-base)%BlockSize == 0
}

// allocateBlock appends a block of fresh pages to the file and returns its
// first page. Pages skipped to honour a segment boundary stay unused.
func (w *mutation[K, V]) allocateBlock() (PageIndex, error) {
	count, err := w.op.FilledUpTo(w.t.name)
	if err != nil {
		return NoPage, err
	}
	start := w.t.nextBlockStart(PageIndex(count))
	for PageIndex(count) < start+BlockSize {
		p, err := w.op.AddPage(w.t.name)
		if err != nil {
			return NoPage, err
		}
		count = p.Index() + 1
	}
	return start, nil
}

// copyPage overwrites page dst with the bytes of page src.
func (w *mutation[K, V]) copyPage(src, dst PageIndex) error {
	s, err := w.load(src)
	if err != nil {
		return err
	}
	d, err := w.load(dst)
	if err != nil {
		return err
	}
	copy(d.b, s.b)
	return nil
}

// member is one page of a block together with the pointer referencing it.
type member[K, V any] struct {
	owner   *node[K, V]
	pointer int
	page    PageIndex
}

// splitBlock splits the full block holding the siblings of the node at
// op.level on op.r. If the block boundary falls inside a marker whose node
// has no room for one more marker, that node is split first.
func (w *mutation[K, V]) splitBlock(op pending[K]) (*pending[K], error) {
	p, err := w.descend(op.r)
	if err != nil {
		return nil, err
	}
	d, err := p.depthOf(op.level)
	if err != nil {
		return nil, err
	}
	if d == 0 {
		return nil, errors.AssertionFailedf("block split requested for the root")
	}
	parent, q := p.nodes[d-1], p.ptrs[d-1]
	rn, err := w.runOf(parent, parent.nearestMarker(q))
	if err != nil {
		return nil, err
	}
	if rn.used < BlockSize {
		return nil, nil
	}
	if rn.used > BlockSize {
		return nil, errors.AssertionFailedf("block %d has %d pages in use", errors.Safe(rn.block), errors.Safe(rn.used))
	}

	if rm, ok := rn.straddling(halfBlock); ok && rm.owner.freeSpace() < markerSize {
		r, err := w.siblingRoute(p, d-1, rm.hop)
		if err != nil {
			return nil, err
		}
		return &pending[K]{kind: opSplitNode, r: r, level: op.level + 1, need: markerSize, both: true}, nil
	}

	if err := failpoint.Hit(FailpointSplit); err != nil {
		return nil, err
	}
	members := rn.members()
	if len(members) != BlockSize {
		return nil, errors.AssertionFailedf("block %d run covers %d pointers", errors.Safe(rn.block), errors.Safe(len(members)))
	}
	fresh, err := w.allocateBlock()
	if err != nil {
		return nil, err
	}

	moved := make(map[PageIndex]PageIndex, BlockSize)
	for k := halfBlock; k < BlockSize; k++ {
		dst := fresh + PageIndex(k-halfBlock)
		if err := w.copyPage(members[k].page, dst); err != nil {
			return nil, err
		}
		moved[members[k].page] = dst
	}
	if err := w.collapseLeft(rn.block, members[:halfBlock], moved); err != nil {
		return nil, err
	}
	if err := w.relinkNodes(members, moved); err != nil {
		return nil, err
	}
	w.updateMarkersOnSplit(rn, fresh)

	w.t.metrics.blockSplits.Inc()
	w.t.logger.Debug("split block",
		zap.Stringer("block", rn.block),
		zap.Stringer("new", fresh),
		zap.Int("level", op.level),
		zap.Int("moved", len(moved)))
	return nil, nil
}

// collapseLeft keeps the left half of a split block in its first slots. Pages
// already there stay; the others move, in pointer order, to the slots the
// right half vacated.
func (w *mutation[K, V]) collapseLeft(block PageIndex, left []member[K, V], moved map[PageIndex]PageIndex) error {
	var taken [BlockSize]bool
	for _, m := range left {
		slot := m.page - block
		if slot < 0 || slot >= BlockSize {
			return errors.AssertionFailedf("page %d outside block %d", errors.Safe(m.page), errors.Safe(block))
		}
		taken[slot] = true
	}
	open := make([]PageIndex, 0, halfBlock)
	for slot := PageIndex(0); slot < halfBlock; slot++ {
		if !taken[slot] {
			open = append(open, block+slot)
		}
	}
	for _, m := range left {
		if m.page-block < halfBlock {
			continue
		}
		if len(open) == 0 {
			return errors.AssertionFailedf("no open slot left in block %d", errors.Safe(block))
		}
		dst := open[0]
		open = open[1:]
		if err := w.copyPage(m.page, dst); err != nil {
			return err
		}
		moved[m.page] = dst
	}
	return nil
}

// relinkNodes points every reference to a moved page at its new place: the
// owner's child pointer and the sibling links on both sides.
func (w *mutation[K, V]) relinkNodes(members []member[K, V], moved map[PageIndex]PageIndex) error {
	for _, m := range members {
		to, ok := moved[m.page]
		if !ok {
			continue
		}
		m.owner.setChildAt(m.pointer, to)

		n, err := w.load(to)
		if err != nil {
			return err
		}
		if l := n.leftSibling(); l != NoPage {
			if nl, ok := moved[l]; ok {
				n.setLeftSibling(nl)
			} else if ln, err := w.load(l); err != nil {
				return err
			} else {
				ln.setRightSibling(to)
			}
		}
		if r := n.rightSibling(); r != NoPage {
			if nr, ok := moved[r]; ok {
				n.setRightSibling(nr)
			} else if rn, err := w.load(r); err != nil {
				return err
			} else {
				rn.setLeftSibling(to)
			}
		}
	}
	return nil
}
