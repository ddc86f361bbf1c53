// Package encoding holds the versioned serializers the index structures use
// for keys and values. A Provider hands out an Encoder for a given format
// version and size preference; the encoder never allocates for fixed-size
// types and reports its size bounds so callers can lay out records.
package encoding

import (
	"github.com/cockroachdb/errors"
)

// Unbounded is the MaximumSize of an encoder without an upper size bound.
const Unbounded = -1

// MaxVersion is the highest format version a provider may hand out. Page
// headers reserve two bits per encoder for it.
const MaxVersion = 3

// Preference asks a provider for a fixed- or variable-size encoding.
type Preference int

const (
	// PreferFixed favours encodings with a bounded size so the field can be
	// stored inline.
	PreferFixed Preference = iota
	// PreferVariable favours compact length-prefixed encodings.
	PreferVariable
)

func (p Preference) String() string {
	if p == PreferFixed {
		return "fixed"
	}
	return "variable"
}

var (
	ErrUnknownVersion = errors.New("encoding: unknown version")
	ErrShortBuffer    = errors.New("encoding: short buffer")
	ErrTooLarge       = errors.New("encoding: value exceeds encoder bound")
)

// Encoder serializes values of one type.
type Encoder[T any] interface {
	MinimumSize() int
	// MaximumSize returns Unbounded when values have no size limit.
	MaximumSize() int
	ExactSize(v T) int
	// ExactSizeInStream returns the size of the encoded value at the start
	// of buf without decoding it.
	ExactSizeInStream(buf []byte) (int, error)
	// Encode writes v to the start of buf, which must hold ExactSize(v)
	// bytes, and returns the number of bytes written.
	Encode(v T, buf []byte) int
	Decode(buf []byte) (T, int, error)
	Version() int
}

// Provider hands out encoders and orders values of one type.
type Provider[T any] interface {
	Encoder(version int, pref Preference) (Encoder[T], error)
	CurrentVersion() int
	Compare(a, b T) int
}

func checkVersion(version, lo, hi int) error {
	if version < lo || version > hi {
		return errors.Wrapf(ErrUnknownVersion, "version %d not in [%d, %d]", version, lo, hi)
	}
	return nil
}

func short(need, have int) error {
	return errors.Wrapf(ErrShortBuffer, "need %d bytes, have %d", need, have)
}
