package sbtree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/btree-query-bench/sbtree/dbms/encoding"
)

type account struct {
	ID    int64  `bson:"_id"`
	Owner string `bson:"owner"`
	Notes string `bson:"notes"`
}

func accountDoc(t *testing.T, id int64, notes int) bson.Raw {
	t.Helper()
	doc, err := encoding.Document(account{ID: id, Owner: "owner-" + string(rune('a'+id%26)), Notes: strings.Repeat("n", notes)})
	require.NoError(t, err)
	return doc
}

func TestDocumentValues(t *testing.T) {
	m := newManager(t)
	tr, err := Create[int64, bson.Raw](m, "accounts", encoding.Int64{}, encoding.BSON{}, Options{})
	require.NoError(t, err)

	for id := int64(0); id < 400; id++ {
		_, err := tr.Put(id, accountDoc(t, id, 120))
		require.NoError(t, err)
	}
	// Grow every tenth document past the size of its neighbours.
	for id := int64(0); id < 400; id += 10 {
		inserted, err := tr.Put(id, accountDoc(t, id, 600))
		require.NoError(t, err)
		assert.False(t, inserted)
	}
	require.NoError(t, tr.Verify())
	require.NoError(t, tr.Close())

	tr, err = Open[int64, bson.Raw](m, "accounts", encoding.Int64{}, encoding.BSON{}, Options{})
	require.NoError(t, err)
	doc, found, err := tr.Get(30)
	require.NoError(t, err)
	require.True(t, found)
	var got account
	require.NoError(t, bson.Unmarshal(doc, &got))
	assert.Equal(t, int64(30), got.ID)
	assert.Equal(t, "owner-e", got.Owner)
	assert.Len(t, got.Notes, 600)

	c := tr.ValueRange(Incl[int64](100), Excl[int64](110), Forward)
	var n int
	for ; c.Next(); n++ {
		require.NoError(t, c.Value().Validate())
		assert.Equal(t, int64(100+n), c.Value().Lookup("_id").Int64())
	}
	require.NoError(t, c.Err())
	assert.Equal(t, 10, n)
}
