package sbtree

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/sbtree/dbms/encoding"
)

// codec binds the encoders of one tree and the record layout they imply.
type codec[K, V any] struct {
	keys    encoding.Encoder[K]
	values  encoding.Encoder[V]
	compare func(a, b K) int

	keyInline   bool
	valueInline bool
	keySlot     int
	valueSlot   int

	leafRecord     int
	internalRecord int

	versionFlags byte
}

func newCodec[K, V any](keys encoding.Provider[K], values encoding.Provider[V], keyVersion, valueVersion, inlineThreshold int) (*codec[K, V], error) {
	if keyVersion > encoding.MaxVersion || valueVersion > encoding.MaxVersion {
		return nil, errors.Newf("sbtree: encoder versions %d/%d do not fit the page header", keyVersion, valueVersion)
	}
	ke, err := keys.Encoder(keyVersion, encoding.PreferFixed)
	if err != nil {
		return nil, errors.Wrap(err, "sbtree: key encoder")
	}
	ve, err := values.Encoder(valueVersion, encoding.PreferVariable)
	if err != nil {
		return nil, errors.Wrap(err, "sbtree: value encoder")
	}

	c := &codec[K, V]{
		keys:         ke,
		values:       ve,
		compare:      keys.Compare,
		versionFlags: byte(keyVersion<<keyVersionShift | valueVersion<<valueVersionShift),
	}
	c.keyInline, c.keySlot = slotFor(ke.MaximumSize(), inlineThreshold)
	c.valueInline, c.valueSlot = slotFor(ve.MaximumSize(), inlineThreshold)
	c.leafRecord = c.keySlot + c.valueSlot
	c.internalRecord = c.keySlot + pointerSize
	return c, nil
}

func slotFor(maxSize, threshold int) (inline bool, slot int) {
	if maxSize != encoding.Unbounded && maxSize <= threshold {
		return true, maxSize
	}
	return false, positionSize
}

func (c *codec[K, V]) encodeKey(k K) ([]byte, error) {
	size := c.keys.ExactSize(k)
	if max := c.keys.MaximumSize(); max != encoding.Unbounded && size > max {
		return nil, errors.Wrapf(ErrEntryTooLarge, "key of %d bytes exceeds encoder bound %d", size, max)
	}
	b := make([]byte, size)
	c.keys.Encode(k, b)
	return b, nil
}

func (c *codec[K, V]) encodeValue(v V) ([]byte, error) {
	size := c.values.ExactSize(v)
	if max := c.values.MaximumSize(); max != encoding.Unbounded && size > max {
		return nil, errors.Wrapf(ErrEntryTooLarge, "value of %d bytes exceeds encoder bound %d", size, max)
	}
	b := make([]byte, size)
	c.values.Encode(v, b)
	return b, nil
}

func (c *codec[K, V]) leafEntrySize(kb, vb []byte) int {
	size := c.leafRecord
	if !c.keyInline {
		size += len(kb)
	}
	if !c.valueInline {
		size += len(vb)
	}
	return size
}

func (c *codec[K, V]) internalEntrySize(kb []byte) int {
	size := c.internalRecord
	if !c.keyInline {
		size += len(kb)
	}
	return size
}

// node is a view over one page buffer. It never outlives the lock under
// which the buffer was obtained.
type node[K, V any] struct {
	c   *codec[K, V]
	idx PageIndex
	b   []byte
	end int // end of the data area
}

// ─── Header ───────────────────────────────────────────────────────────────────

func (n *node[K, V]) i32(off int) int {
	return int(int32(binary.LittleEndian.Uint32(n.b[off:])))
}

func (n *node[K, V]) putI32(off, v int) {
	binary.LittleEndian.PutUint32(n.b[off:], uint32(int32(v)))
}

func (n *node[K, V]) i64(off int) int64 {
	return int64(binary.LittleEndian.Uint64(n.b[off:]))
}

func (n *node[K, V]) putI64(off int, v int64) {
	binary.LittleEndian.PutUint64(n.b[off:], uint64(v))
}

func (n *node[K, V]) u16(off int) int {
	return int(binary.LittleEndian.Uint16(n.b[off:]))
}

func (n *node[K, V]) putU16(off, v int) {
	binary.LittleEndian.PutUint16(n.b[off:], uint16(v))
}

// init formats the page as an empty node.
func (n *node[K, V]) init(leaf bool) {
	clear(n.b[:n.end])
	n.putI32(offFreeData, n.end)
	flags := n.c.versionFlags
	if leaf {
		flags |= flagLeaf
	}
	n.b[offFlags] = flags
	n.putI64(offLeftChild, int64(NoPage))
	n.putI64(offLeftSib, int64(NoPage))
	n.putI64(offRightSib, int64(NoPage))
}

func (n *node[K, V]) flag(f byte) bool { return n.b[offFlags]&f != 0 }

func (n *node[K, V]) setFlag(f byte, on bool) {
	if on {
		n.b[offFlags] |= f
	} else {
		n.b[offFlags] &^= f
	}
}

func (n *node[K, V]) isLeaf() bool            { return n.flag(flagLeaf) }
func (n *node[K, V]) continuedFrom() bool     { return n.flag(flagContinuedFrom) }
func (n *node[K, V]) continuedTo() bool       { return n.flag(flagContinuedTo) }
func (n *node[K, V]) setContinuedFrom(v bool) { n.setFlag(flagContinuedFrom, v) }
func (n *node[K, V]) setContinuedTo(v bool)   { n.setFlag(flagContinuedTo, v) }

func (n *node[K, V]) versions() (key, value int) {
	f := int(n.b[offFlags])
	return f >> keyVersionShift & versionMask, f >> valueVersionShift & versionMask
}

func (n *node[K, V]) entryCount() int        { return n.i32(offEntryCount) }
func (n *node[K, V]) setEntryCount(v int)    { n.putI32(offEntryCount, v) }
func (n *node[K, V]) freeData() int          { return n.i32(offFreeData) }
func (n *node[K, V]) setFreeData(v int)      { n.putI32(offFreeData, v) }
func (n *node[K, V]) treeSize() int64        { return n.i64(offTreeSize) }
func (n *node[K, V]) setTreeSize(v int64)    { n.putI64(offTreeSize, v) }
func (n *node[K, V]) markerCount() int       { return n.i32(offMarkerCount) }
func (n *node[K, V]) setMarkerCount(v int)   { n.putI32(offMarkerCount, v) }
func (n *node[K, V]) leftChild() PageIndex   { return PageIndex(n.i64(offLeftChild)) }
func (n *node[K, V]) leftSibling() PageIndex { return PageIndex(n.i64(offLeftSib)) }

func (n *node[K, V]) rightSibling() PageIndex     { return PageIndex(n.i64(offRightSib)) }
func (n *node[K, V]) setLeftChild(p PageIndex)    { n.putI64(offLeftChild, int64(p)) }
func (n *node[K, V]) setLeftSibling(p PageIndex)  { n.putI64(offLeftSib, int64(p)) }
func (n *node[K, V]) setRightSibling(p PageIndex) { n.putI64(offRightSib, int64(p)) }

// ─── Space accounting ─────────────────────────────────────────────────────────

func (n *node[K, V]) recordSize() int {
	if n.isLeaf() {
		return n.c.leafRecord
	}
	return n.c.internalRecord
}

func (n *node[K, V]) recordOff(i int) int { return headerSize + i*n.recordSize() }
func (n *node[K, V]) markersOff() int     { return n.recordOff(n.entryCount()) }
func (n *node[K, V]) markersEnd() int     { return n.markersOff() + n.markerCount()*markerSize }
func (n *node[K, V]) freeSpace() int      { return n.freeData() - n.markersEnd() }
func (n *node[K, V]) capacity() int       { return n.end - headerSize }

// outOfLineSize is the number of data-area bytes owned by entry i.
func (n *node[K, V]) outOfLineSize(i int) (int, error) {
	size := 0
	if !n.c.keyInline {
		kb, err := n.rawKey(i)
		if err != nil {
			return 0, err
		}
		size += len(kb)
	}
	if n.isLeaf() && !n.c.valueInline {
		vb, err := n.rawValue(i)
		if err != nil {
			return 0, err
		}
		size += len(vb)
	}
	return size, nil
}

func (n *node[K, V]) entryBytes(i int) (int, error) {
	ool, err := n.outOfLineSize(i)
	return n.recordSize() + ool, err
}

// countEntriesToMoveUntilHalfFree returns how many trailing entries must leave
// the node for it to be at least half free. The first entry always stays.
func (n *node[K, V]) countEntriesToMoveUntilHalfFree() (int, error) {
	free := n.freeSpace()
	half := n.capacity() / 2
	count := 0
	for i := n.entryCount() - 1; i > 0 && free < half; i-- {
		size, err := n.entryBytes(i)
		if err != nil {
			return 0, err
		}
		free += size
		count++
	}
	return count, nil
}

// ─── Records ──────────────────────────────────────────────────────────────────

func (n *node[K, V]) corrupt(format string, args ...any) error {
	return errors.Wrapf(ErrCorruptPage, "page %d: "+format, append([]any{n.idx}, args...)...)
}

// field returns the encoded bytes of the field whose slot starts at at.
func (n *node[K, V]) field(at int, inline bool, slot int, stream func([]byte) (int, error)) ([]byte, error) {
	start, limit := at, at+slot
	if !inline {
		start = n.u16(at)
		limit = n.end
		if start < n.freeData() || start >= n.end {
			return nil, n.corrupt("data offset %d outside [%d, %d)", start, n.freeData(), n.end)
		}
	}
	size, err := stream(n.b[start:limit])
	if err != nil {
		return nil, n.corrupt("field at %d: %v", start, err)
	}
	if start+size > limit {
		return nil, n.corrupt("field at %d overruns its area", start)
	}
	return n.b[start : start+size], nil
}

// rawKey returns the encoded key of entry i. The slice aliases the page.
func (n *node[K, V]) rawKey(i int) ([]byte, error) {
	return n.field(n.recordOff(i), n.c.keyInline, n.c.keySlot, n.c.keys.ExactSizeInStream)
}

// rawValue returns the encoded value of leaf entry i.
func (n *node[K, V]) rawValue(i int) ([]byte, error) {
	return n.field(n.recordOff(i)+n.c.keySlot, n.c.valueInline, n.c.valueSlot, n.c.values.ExactSizeInStream)
}

func (n *node[K, V]) rawPointer(i int) []byte {
	at := n.recordOff(i) + n.c.keySlot
	return n.b[at : at+pointerSize]
}

func (n *node[K, V]) keyAt(i int) (K, error) {
	kb, err := n.rawKey(i)
	if err != nil {
		var zero K
		return zero, err
	}
	k, _, err := n.c.keys.Decode(kb)
	if err != nil {
		return k, n.corrupt("key %d: %v", i, err)
	}
	return k, nil
}

func (n *node[K, V]) valueAt(i int) (V, error) {
	vb, err := n.rawValue(i)
	if err != nil {
		var zero V
		return zero, err
	}
	v, _, err := n.c.values.Decode(vb)
	if err != nil {
		return v, n.corrupt("value %d: %v", i, err)
	}
	return v, nil
}

func (n *node[K, V]) keySizeAt(i int) (int, error) {
	kb, err := n.rawKey(i)
	return len(kb), err
}

func (n *node[K, V]) valueSizeAt(i int) (int, error) {
	vb, err := n.rawValue(i)
	return len(vb), err
}

func (n *node[K, V]) pointerAt(i int) PageIndex {
	return PageIndex(n.i64(n.recordOff(i) + n.c.keySlot))
}

func (n *node[K, V]) updatePointer(i int, p PageIndex) {
	n.putI64(n.recordOff(i)+n.c.keySlot, int64(p))
}

// childAt resolves pointer index p: 0 is the left child, p > 0 the pointer of
// entry p-1.
func (n *node[K, V]) childAt(p int) PageIndex {
	if p == 0 {
		return n.leftChild()
	}
	return n.pointerAt(p - 1)
}

func (n *node[K, V]) setChildAt(p int, child PageIndex) {
	if p == 0 {
		n.setLeftChild(child)
		return
	}
	n.updatePointer(p-1, child)
}

// indexOf binary-searches the keys. It returns the entry index on a match and
// -(insertion point + 1) otherwise.
func (n *node[K, V]) indexOf(key K) (int, error) {
	lo, hi := 0, n.entryCount()-1
	for lo <= hi {
		mid := int(uint(lo+hi) >> 1)
		k, err := n.keyAt(mid)
		if err != nil {
			return 0, err
		}
		switch c := n.c.compare(k, key); {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid - 1
		default:
			return mid, nil
		}
	}
	return -(lo + 1), nil
}

// searchPointer maps an indexOf result to the pointer index to descend into.
// A match routes right of the key; an insertion point routes to the pointer
// just left of it.
func searchPointer(r int) int {
	if r >= 0 {
		return r + 1
	}
	return -r - 1
}

// pointerFor resolves the child an indexOf result routes to.
func (n *node[K, V]) pointerFor(r int) PageIndex {
	return n.childAt(searchPointer(r))
}

// ─── Data area ────────────────────────────────────────────────────────────────

func (n *node[K, V]) alloc(size int) int {
	at := n.freeData() - size
	n.setFreeData(at)
	return at
}

// free releases size bytes at off and compacts the data area against the free
// space boundary. Every out-of-line offset below off moves up by size.
func (n *node[K, V]) free(off, size int) {
	fp := n.freeData()
	copy(n.b[fp+size:off+size], n.b[fp:off])
	clear(n.b[fp : fp+size])
	leaf := n.isLeaf()
	for j, count := 0, n.entryCount(); j < count; j++ {
		ro := n.recordOff(j)
		if !n.c.keyInline {
			if o := n.u16(ro); o < off {
				n.putU16(ro, o+size)
			}
		}
		if leaf && !n.c.valueInline {
			if o := n.u16(ro + n.c.keySlot); o < off {
				n.putU16(ro+n.c.keySlot, o+size)
			}
		}
	}
	n.setFreeData(fp + size)
}

func (n *node[K, V]) putField(at int, raw []byte, inline bool, slot int) {
	if inline {
		clear(n.b[at : at+slot])
		copy(n.b[at:at+slot], raw)
		return
	}
	off := n.alloc(len(raw))
	copy(n.b[off:], raw)
	n.putU16(at, off)
}

// ─── Mutation ─────────────────────────────────────────────────────────────────

// insertRaw places an encoded entry at index i, shifting the following records
// and the marker area. second is the encoded value of a leaf entry or the
// 8-byte child pointer of an internal entry. The caller checks for space.
func (n *node[K, V]) insertRaw(i int, kb, second []byte) {
	rs := n.recordSize()
	ro := n.recordOff(i)
	end := n.markersEnd()
	copy(n.b[ro+rs:end+rs], n.b[ro:end])
	clear(n.b[ro : ro+rs])
	n.setEntryCount(n.entryCount() + 1)

	n.putField(ro, kb, n.c.keyInline, n.c.keySlot)
	if n.isLeaf() {
		n.putField(ro+n.c.keySlot, second, n.c.valueInline, n.c.valueSlot)
	} else {
		copy(n.b[ro+n.c.keySlot:ro+n.c.keySlot+pointerSize], second)
	}
}

func (n *node[K, V]) insertValue(i int, kb, vb []byte) {
	n.insertRaw(i, kb, vb)
}

// insertPointer adds separator kb at entry i with child as its pointer, which
// becomes pointer index i+1. Markers starting at or after that pointer shift
// right; the caller accounts the new pointer to its covering marker.
func (n *node[K, V]) insertPointer(i int, kb []byte, child PageIndex) {
	var pb [pointerSize]byte
	binary.LittleEndian.PutUint64(pb[:], uint64(child))
	n.insertRaw(i, kb, pb[:])
	q := i + 1
	for j, count := 0, n.markerCount(); j < count; j++ {
		if m := n.markerAt(j); m.pointer >= q {
			m.pointer++
			n.setMarker(j, m)
		}
	}
}

// canUpdateValue reports whether entry i can take vb in place.
func (n *node[K, V]) canUpdateValue(i int, vb []byte) (bool, error) {
	if n.c.valueInline {
		return true, nil
	}
	old, err := n.rawValue(i)
	if err != nil {
		return false, err
	}
	return len(vb)-len(old) <= n.freeSpace(), nil
}

func (n *node[K, V]) updateValue(i int, vb []byte) error {
	at := n.recordOff(i) + n.c.keySlot
	if n.c.valueInline {
		n.putField(at, vb, true, n.c.valueSlot)
		return nil
	}
	old, err := n.rawValue(i)
	if err != nil {
		return err
	}
	if len(old) == len(vb) {
		copy(old, vb)
		return nil
	}
	n.free(n.u16(at), len(old))
	n.putField(at, vb, false, 0)
	return nil
}

// removeRecord deletes entry i and its data. Markers are left to the caller.
func (n *node[K, V]) removeRecord(i int) error {
	ro := n.recordOff(i)
	if !n.c.keyInline {
		kb, err := n.rawKey(i)
		if err != nil {
			return err
		}
		n.free(n.u16(ro), len(kb))
	}
	if n.isLeaf() && !n.c.valueInline {
		vb, err := n.rawValue(i)
		if err != nil {
			return err
		}
		n.free(n.u16(ro+n.c.keySlot), len(vb))
	}
	rs := n.recordSize()
	end := n.markersEnd()
	copy(n.b[ro:end-rs], n.b[ro+rs:end])
	clear(n.b[end-rs : end])
	n.setEntryCount(n.entryCount() - 1)
	return nil
}

// ─── Markers ──────────────────────────────────────────────────────────────────

func (n *node[K, V]) markerOff(j int) int { return n.markersOff() + j*markerSize }

func (n *node[K, V]) markerAt(j int) marker {
	mo := n.markerOff(j)
	return marker{
		pointer: n.i32(mo),
		block:   PageIndex(n.i64(mo + 4)),
		used:    n.i32(mo + 12),
	}
}

func (n *node[K, V]) setMarker(j int, m marker) {
	mo := n.markerOff(j)
	n.putI32(mo, m.pointer)
	n.putI64(mo+4, int64(m.block))
	n.putI32(mo+12, m.used)
}

func (n *node[K, V]) markers() []marker {
	ms := make([]marker, n.markerCount())
	for j := range ms {
		ms[j] = n.markerAt(j)
	}
	return ms
}

// setMarkers replaces the marker area. The caller checks for space.
func (n *node[K, V]) setMarkers(ms []marker) {
	n.setMarkerCount(len(ms))
	for j, m := range ms {
		n.setMarker(j, m)
	}
}

// markerIndexOf searches markers by first pointer index, with the indexOf
// result convention.
func (n *node[K, V]) markerIndexOf(p int) int {
	lo, hi := 0, n.markerCount()-1
	for lo <= hi {
		mid := int(uint(lo+hi) >> 1)
		switch mp := n.markerAt(mid).pointer; {
		case mp < p:
			lo = mid + 1
		case mp > p:
			hi = mid - 1
		default:
			return mid
		}
	}
	return -(lo + 1)
}

// nearestMarker returns the index of the marker whose range covers pointer p.
func (n *node[K, V]) nearestMarker(p int) int {
	r := n.markerIndexOf(p)
	if r >= 0 {
		return r
	}
	return -r - 2
}

func (n *node[K, V]) insertMarker(j int, m marker) {
	mo := n.markerOff(j)
	end := n.markersEnd()
	copy(n.b[mo+markerSize:end+markerSize], n.b[mo:end])
	n.setMarkerCount(n.markerCount() + 1)
	n.setMarker(j, m)
}

// insertMarkerForPointerAt starts a new marker at pointer p and returns its
// index.
func (n *node[K, V]) insertMarkerForPointerAt(p int, block PageIndex, used int) int {
	j := n.markerIndexOf(p)
	if j < 0 {
		j = -j - 1
	}
	n.insertMarker(j, marker{pointer: p, block: block, used: used})
	return j
}

func (n *node[K, V]) updateMarkerCount(j, used int) {
	m := n.markerAt(j)
	m.used = used
	n.setMarker(j, m)
}

func (n *node[K, V]) updateMarker(j int, block PageIndex, used int) {
	m := n.markerAt(j)
	m.block, m.used = block, used
	n.setMarker(j, m)
}

// ─── Split support ────────────────────────────────────────────────────────────

// moveTailTo moves entries from index s on into the empty node dst and returns
// the separator for the parent. Leaves copy the first moved key up. Internal
// nodes push entry s up: its pointer becomes dst's left child, and markers
// covering pointers above s move along, the one straddling the cut being
// divided between both nodes.
func (n *node[K, V]) moveTailTo(dst *node[K, V], s int) ([]byte, error) {
	count := n.entryCount()
	kb, err := n.rawKey(s)
	if err != nil {
		return nil, err
	}
	sep := append([]byte(nil), kb...)

	if n.isLeaf() {
		for i := s; i < count; i++ {
			kb, err := n.rawKey(i)
			if err != nil {
				return nil, err
			}
			vb, err := n.rawValue(i)
			if err != nil {
				return nil, err
			}
			dst.insertRaw(dst.entryCount(), kb, vb)
		}
		for i := count - 1; i >= s; i-- {
			if err := n.removeRecord(i); err != nil {
				return nil, err
			}
		}
		return sep, nil
	}

	dst.setLeftChild(n.pointerAt(s))
	for i := s + 1; i < count; i++ {
		kb, err := n.rawKey(i)
		if err != nil {
			return nil, err
		}
		dst.insertRaw(dst.entryCount(), kb, n.rawPointer(i))
	}

	cut := s + 1
	var keep, moved []marker
	straddle := false
	for _, m := range n.markers() {
		switch {
		case m.end() <= cut:
			keep = append(keep, m)
		case m.pointer >= cut:
			m.pointer -= cut
			moved = append(moved, m)
		default:
			straddle = true
			keep = append(keep, marker{pointer: m.pointer, block: m.block, used: cut - m.pointer})
			moved = append(moved, marker{pointer: 0, block: m.block, used: m.end() - cut})
		}
	}
	n.setMarkerCount(0)
	for i := count - 1; i >= s; i-- {
		if err := n.removeRecord(i); err != nil {
			return nil, err
		}
	}
	n.setMarkers(keep)
	dst.setMarkers(moved)

	dst.setContinuedTo(n.continuedTo())
	dst.setContinuedFrom(straddle)
	n.setContinuedTo(straddle)
	return sep, nil
}

// copyInto rebuilds this node's entries and markers in the empty node dst.
func (n *node[K, V]) copyInto(dst *node[K, V]) error {
	leaf := n.isLeaf()
	if !leaf {
		dst.setLeftChild(n.leftChild())
	}
	for i, count := 0, n.entryCount(); i < count; i++ {
		kb, err := n.rawKey(i)
		if err != nil {
			return err
		}
		second := n.rawPointer(i)
		if leaf {
			if second, err = n.rawValue(i); err != nil {
				return err
			}
		}
		dst.insertRaw(i, kb, second)
	}
	if !leaf {
		dst.setMarkers(n.markers())
	}
	return nil
}
