package sbtree

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrEntryTooLarge is returned before any page is touched when an encoded
	// entry exceeds its encoder bounds or a third of a page.
	ErrEntryTooLarge = errors.New("sbtree: entry too large")
	// ErrNullKeyNotAllowed is returned by the null-key operations of a tree
	// created without null key support.
	ErrNullKeyNotAllowed = errors.New("sbtree: null key not allowed")
	ErrClosed            = errors.New("sbtree: tree closed")
	ErrCorruptPage       = errors.New("sbtree: corrupt page")
	ErrNotSBTree         = errors.New("sbtree: file is not an SB-tree")
)

// wrap attaches the tree name and operation to err. Assertion failures keep
// their marker so callers can still tell bugs from storage errors.
func (t *Tree[K, V]) wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "sbtree %s: %s", t.name, op)
}
