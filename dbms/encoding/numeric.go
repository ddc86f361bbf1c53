package encoding

import (
	"cmp"
	"encoding/binary"
)

// Int64 encodes int64 values as 8 little-endian bytes.
type Int64 struct{}

func (Int64) CurrentVersion() int    { return 0 }
func (Int64) Compare(a, b int64) int { return cmp.Compare(a, b) }

func (Int64) Encoder(version int, _ Preference) (Encoder[int64], error) {
	if err := checkVersion(version, 0, 0); err != nil {
		return nil, err
	}
	return int64Encoder{}, nil
}

type int64Encoder struct{}

func (int64Encoder) MinimumSize() int    { return 8 }
func (int64Encoder) MaximumSize() int    { return 8 }
func (int64Encoder) ExactSize(int64) int { return 8 }
func (int64Encoder) Version() int        { return 0 }
func (int64Encoder) Encode(v int64, buf []byte) int {
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return 8
}

func (int64Encoder) ExactSizeInStream(buf []byte) (int, error) {
	if len(buf) < 8 {
		return 0, short(8, len(buf))
	}
	return 8, nil
}

func (int64Encoder) Decode(buf []byte) (int64, int, error) {
	if len(buf) < 8 {
		return 0, 0, short(8, len(buf))
	}
	return int64(binary.LittleEndian.Uint64(buf)), 8, nil
}

// Uint64 encodes uint64 values. Version 0 is 8 fixed bytes; version 1 with
// PreferVariable is a uvarint.
type Uint64 struct{}

func (Uint64) CurrentVersion() int     { return 1 }
func (Uint64) Compare(a, b uint64) int { return cmp.Compare(a, b) }

func (Uint64) Encoder(version int, pref Preference) (Encoder[uint64], error) {
	if err := checkVersion(version, 0, 1); err != nil {
		return nil, err
	}
	if version == 1 && pref == PreferVariable {
		return uvarintEncoder{}, nil
	}
	return uint64Encoder{version: version}, nil
}

type uint64Encoder struct{ version int }

func (uint64Encoder) MinimumSize() int     { return 8 }
func (uint64Encoder) MaximumSize() int     { return 8 }
func (uint64Encoder) ExactSize(uint64) int { return 8 }
func (e uint64Encoder) Version() int       { return e.version }
func (uint64Encoder) Encode(v uint64, buf []byte) int {
	binary.LittleEndian.PutUint64(buf, v)
	return 8
}

func (uint64Encoder) ExactSizeInStream(buf []byte) (int, error) {
	if len(buf) < 8 {
		return 0, short(8, len(buf))
	}
	return 8, nil
}

func (uint64Encoder) Decode(buf []byte) (uint64, int, error) {
	if len(buf) < 8 {
		return 0, 0, short(8, len(buf))
	}
	return binary.LittleEndian.Uint64(buf), 8, nil
}

type uvarintEncoder struct{}

func (uvarintEncoder) MinimumSize() int { return 1 }
func (uvarintEncoder) MaximumSize() int { return binary.MaxVarintLen64 }
func (uvarintEncoder) Version() int     { return 1 }

func (uvarintEncoder) ExactSize(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func (uvarintEncoder) Encode(v uint64, buf []byte) int {
	return binary.PutUvarint(buf, v)
}

func (uvarintEncoder) ExactSizeInStream(buf []byte) (int, error) {
	_, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, short(1, len(buf))
	}
	return n, nil
}

func (uvarintEncoder) Decode(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, short(1, len(buf))
	}
	return v, n, nil
}
