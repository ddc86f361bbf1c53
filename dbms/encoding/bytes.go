package encoding

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// Bytes encodes byte slices.
//
// Version 0 prefixes the data with a uint16 length. Version 1 uses a uvarint
// length for PreferVariable and, when MaxLen is set, a fixed-width slot of
// MaxLen bytes plus a uint16 length for PreferFixed.
type Bytes struct {
	// MaxLen bounds the length of encoded values. Zero means unbounded.
	MaxLen int
}

func (Bytes) CurrentVersion() int     { return 1 }
func (Bytes) Compare(a, b []byte) int { return bytes.Compare(a, b) }

func (p Bytes) Encoder(version int, pref Preference) (Encoder[[]byte], error) {
	if err := checkVersion(version, 0, 1); err != nil {
		return nil, err
	}
	switch {
	case version == 0:
		return prefixedBytes{maxLen: p.MaxLen}, nil
	case pref == PreferFixed && p.MaxLen > 0:
		return fixedBytes{maxLen: p.MaxLen}, nil
	default:
		return varBytes{maxLen: p.MaxLen}, nil
	}
}

// prefixedBytes: uint16 length | data.
type prefixedBytes struct{ maxLen int }

func (prefixedBytes) MinimumSize() int { return 2 }
func (prefixedBytes) Version() int     { return 0 }

func (e prefixedBytes) MaximumSize() int {
	if e.maxLen == 0 {
		return 2 + 0xFFFF
	}
	return 2 + e.maxLen
}

func (prefixedBytes) ExactSize(v []byte) int { return 2 + len(v) }

func (prefixedBytes) Encode(v []byte, buf []byte) int {
	binary.LittleEndian.PutUint16(buf, uint16(len(v)))
	return 2 + copy(buf[2:], v)
}

func (prefixedBytes) ExactSizeInStream(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, short(2, len(buf))
	}
	return 2 + int(binary.LittleEndian.Uint16(buf)), nil
}

func (e prefixedBytes) Decode(buf []byte) ([]byte, int, error) {
	n, err := e.ExactSizeInStream(buf)
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < n {
		return nil, 0, short(n, len(buf))
	}
	return append([]byte(nil), buf[2:n]...), n, nil
}

// fixedBytes: uint16 length | data padded to maxLen.
type fixedBytes struct{ maxLen int }

func (e fixedBytes) MinimumSize() int { return 2 + e.maxLen }
func (e fixedBytes) MaximumSize() int { return 2 + e.maxLen }
func (fixedBytes) Version() int       { return 1 }

// ExactSize reports oversized values by their true length so callers can
// reject them against MaximumSize.
func (e fixedBytes) ExactSize(v []byte) int { return 2 + max(e.maxLen, len(v)) }

func (e fixedBytes) Encode(v []byte, buf []byte) int {
	binary.LittleEndian.PutUint16(buf, uint16(len(v)))
	n := copy(buf[2:2+e.maxLen], v)
	clear(buf[2+n : 2+e.maxLen])
	return 2 + e.maxLen
}

func (e fixedBytes) ExactSizeInStream(buf []byte) (int, error) {
	if len(buf) < 2+e.maxLen {
		return 0, short(2+e.maxLen, len(buf))
	}
	return 2 + e.maxLen, nil
}

func (e fixedBytes) Decode(buf []byte) ([]byte, int, error) {
	if len(buf) < 2+e.maxLen {
		return nil, 0, short(2+e.maxLen, len(buf))
	}
	l := int(binary.LittleEndian.Uint16(buf))
	if l > e.maxLen {
		return nil, 0, ErrTooLarge
	}
	return append([]byte(nil), buf[2:2+l]...), 2 + e.maxLen, nil
}

// varBytes: uvarint length | data.
type varBytes struct{ maxLen int }

func (varBytes) MinimumSize() int { return 1 }
func (varBytes) Version() int     { return 1 }

func (e varBytes) MaximumSize() int {
	if e.maxLen == 0 {
		return Unbounded
	}
	return uvarintEncoder{}.ExactSize(uint64(e.maxLen)) + e.maxLen
}

func (varBytes) ExactSize(v []byte) int {
	return uvarintEncoder{}.ExactSize(uint64(len(v))) + len(v)
}

func (varBytes) Encode(v []byte, buf []byte) int {
	n := binary.PutUvarint(buf, uint64(len(v)))
	return n + copy(buf[n:], v)
}

func (varBytes) ExactSizeInStream(buf []byte) (int, error) {
	l, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, short(1, len(buf))
	}
	return n + int(l), nil
}

func (e varBytes) Decode(buf []byte) ([]byte, int, error) {
	l, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, 0, short(1, len(buf))
	}
	end := n + int(l)
	if len(buf) < end {
		return nil, 0, short(end, len(buf))
	}
	return append([]byte(nil), buf[n:end]...), end, nil
}

// String encodes strings with the Bytes formats.
type String struct {
	MaxLen int
}

func (String) CurrentVersion() int     { return 1 }
func (String) Compare(a, b string) int { return strings.Compare(a, b) }

func (p String) Encoder(version int, pref Preference) (Encoder[string], error) {
	enc, err := Bytes{MaxLen: p.MaxLen}.Encoder(version, pref)
	if err != nil {
		return nil, err
	}
	return stringEncoder{enc}, nil
}

type stringEncoder struct{ b Encoder[[]byte] }

func (e stringEncoder) MinimumSize() int { return e.b.MinimumSize() }
func (e stringEncoder) MaximumSize() int { return e.b.MaximumSize() }
func (e stringEncoder) Version() int     { return e.b.Version() }

func (e stringEncoder) ExactSize(v string) int { return e.b.ExactSize([]byte(v)) }

func (e stringEncoder) ExactSizeInStream(buf []byte) (int, error) {
	return e.b.ExactSizeInStream(buf)
}

func (e stringEncoder) Encode(v string, buf []byte) int {
	return e.b.Encode([]byte(v), buf)
}

func (e stringEncoder) Decode(buf []byte) (string, int, error) {
	b, n, err := e.b.Decode(buf)
	return string(b), n, err
}
