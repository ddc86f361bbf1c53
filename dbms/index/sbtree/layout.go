// Package sbtree implements the SB-tree, a B+ tree whose pages are clustered
// into aligned blocks of 16 pages so that the children of one internal node
// sit next to each other on disk.
//
// Page layout (little-endian):
//
//	[0-3]    int32   free data position (start of the data area)
//	[4]      byte    flags: leaf | continued-from | continued-to |
//	                 key version (2 bits) | value version (2 bits) | extension
//	[5-8]    int32   entry count
//	[9-16]   int64   tree size (root page only)
//	[17-24]  int64   left child pointer (internal pages only)
//	[25-28]  int32   marker count (internal pages only)
//	[29-36]  int64   left sibling
//	[37-44]  int64   right sibling
//	[45+]    fixed-size records, followed by markers (internal pages)
//	         ...free space...
//	         data area with out-of-line keys and values, growing down
//	         from the end of the page
//
// Leaf record: key slot | value slot. Internal record: key slot | child
// pointer (int64). A slot holds the encoded field inline when its encoder has
// a bounded size under the inline threshold, otherwise a uint16 offset into
// the data area.
//
// Marker: [0-3] int32 first pointer index, [4-11] int64 block start,
// [12-15] int32 pages used. Pointer index 0 is the left child, pointer i+1
// is the pointer of entry i.
//
// The root page ends with an 8-byte descriptor: magic, inline threshold and
// heap segment size. Page 0 carries the extension flag when it is the null
// key page, in which case the root is page 1.
package sbtree

import (
	"strconv"

	"github.com/btree-query-bench/sbtree/dbms/encoding"
	"github.com/btree-query-bench/sbtree/dbms/pager"
)

// PageIndex is the position of a page in the tree's file.
type PageIndex int64

// NoPage marks an absent page reference.
const NoPage PageIndex = -1

func (p PageIndex) String() string {
	if p == NoPage {
		return "none"
	}
	return strconv.FormatInt(int64(p), 10)
}

// BlockSize is the number of pages in a block.
const BlockSize = 16

const (
	offFreeData    = 0
	offFlags       = 4
	offEntryCount  = 5
	offTreeSize    = 9
	offLeftChild   = 17
	offMarkerCount = 25
	offLeftSib     = 29
	offRightSib    = 37
	headerSize     = 45

	pageSize     = pager.PageSize
	usableSpace  = pageSize - headerSize
	markerSize   = 16
	pointerSize  = 8
	positionSize = 2

	// maxEntrySize bounds one encoded entry, record included.
	maxEntrySize = usableSpace / 3

	descriptorSize  = 8
	descriptorMagic = 0x5342
)

const (
	flagLeaf          = 1 << 0
	flagContinuedFrom = 1 << 1
	flagContinuedTo   = 1 << 2
	keyVersionShift   = 3
	valueVersionShift = 5
	versionMask       = encoding.MaxVersion
	flagExtension     = 1 << 7
)

// DefaultInlineThreshold is the largest bounded field size stored inline.
const DefaultInlineThreshold = 64

type marker struct {
	pointer int
	block   PageIndex
	used    int
}

func (m marker) end() int { return m.pointer + m.used }
