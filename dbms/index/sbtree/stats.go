package sbtree

import (
	"github.com/btree-query-bench/sbtree/dbms/atomicop"
)

// Stats describes the shape of a tree.
type Stats struct {
	Height        int
	Entries       int64
	LeafPages     int
	InternalPages int
	Blocks        int
	Markers       int
	FilePages     uint64
	// PinnedPages counts the reserved pages held in the page cache.
	PinnedPages int
	// FillFactor is the used share of the record and data space over all
	// pages of the tree.
	FillFactor float64
}

// Stats walks the tree and summarizes it. The null key is not counted.
func (t *Tree[K, V]) Stats() (Stats, error) {
	var st Stats
	err := t.read("stats", func(r *atomicop.Reader) error {
		var err error
		if st.FilePages, err = r.FilledUpTo(t.name); err != nil {
			return err
		}
		for idx := PageIndex(0); idx <= t.root; idx++ {
			if t.m.Pinned(t.name, uint64(idx)) {
				st.PinnedPages++
			}
		}
		blocks := make(map[PageIndex]struct{})
		var used, capacity int
		err = t.walk(r, func(pi *pageInfo[K], _, _ *K) error {
			st.Height = max(st.Height, pi.depth+1)
			used += pi.used
			capacity += pi.capacity
			if pi.leaf {
				st.LeafPages++
				st.Entries += int64(len(pi.keys))
				return nil
			}
			st.InternalPages++
			st.Markers += len(pi.markers)
			for _, m := range pi.markers {
				blocks[m.block] = struct{}{}
			}
			return nil
		})
		st.Blocks = len(blocks)
		if capacity > 0 {
			st.FillFactor = float64(used) / float64(capacity)
		}
		return err
	})
	return st, err
}
