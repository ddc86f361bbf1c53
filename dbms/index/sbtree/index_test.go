package sbtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexAdapter(t *testing.T) {
	m := newManager(t)
	x, err := OpenIndex(m, "adapter", Options{})
	require.NoError(t, err)
	for i := int64(-10); i < 10; i++ {
		require.NoError(t, x.Insert(i, []byte{byte(i)}))
	}
	require.NoError(t, x.Delete(0))

	v, err := x.Get(-3)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(253)}, v)
	v, err = x.Get(0)
	require.NoError(t, err)
	assert.Nil(t, v)

	it, err := x.Range(-2, 2)
	require.NoError(t, err)
	var keys []int64
	for it.Next() {
		keys = append(keys, it.Key())
	}
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
	assert.Equal(t, []int64{-2, -1, 1, 2}, keys)
	require.NoError(t, x.Close())

	again, err := OpenIndex(m, "adapter", Options{})
	require.NoError(t, err)
	v, err = again.Get(9)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, v)
}
