package encoding

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// BSON stores documents as raw BSON. The document's own int32 length header
// delimits it in a stream, so no extra prefix is written.
type BSON struct{}

func (BSON) CurrentVersion() int { return 0 }

// Compare orders documents by their raw bytes.
func (BSON) Compare(a, b bson.Raw) int { return bytes.Compare(a, b) }

func (BSON) Encoder(version int, _ Preference) (Encoder[bson.Raw], error) {
	if err := checkVersion(version, 0, 0); err != nil {
		return nil, err
	}
	return bsonEncoder{}, nil
}

// Document marshals v into a raw BSON document.
func Document(v any) (bson.Raw, error) {
	b, err := bson.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding: marshal bson")
	}
	return bson.Raw(b), nil
}

type bsonEncoder struct{}

// The empty document is 5 bytes: length plus terminator.
func (bsonEncoder) MinimumSize() int         { return 5 }
func (bsonEncoder) MaximumSize() int         { return Unbounded }
func (bsonEncoder) Version() int             { return 0 }
func (bsonEncoder) ExactSize(v bson.Raw) int { return len(v) }

func (bsonEncoder) Encode(v bson.Raw, buf []byte) int {
	return copy(buf, v)
}

func (bsonEncoder) ExactSizeInStream(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, short(4, len(buf))
	}
	n := int(int32(binary.LittleEndian.Uint32(buf)))
	if n < 5 {
		return 0, errors.Newf("encoding: invalid bson length %d", n)
	}
	return n, nil
}

func (e bsonEncoder) Decode(buf []byte) (bson.Raw, int, error) {
	n, err := e.ExactSizeInStream(buf)
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < n {
		return nil, 0, short(n, len(buf))
	}
	doc := bson.Raw(append([]byte(nil), buf[:n]...))
	if err := doc.Validate(); err != nil {
		return nil, 0, errors.Wrap(err, "encoding: invalid bson document")
	}
	return doc, n, nil
}
