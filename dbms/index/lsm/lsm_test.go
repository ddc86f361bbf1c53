package lsm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertGetDelete(t *testing.T) {
	l, err := Open("mem", Options{InMemory: true})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Insert(7, []byte("seven")))
	v, err := l.Get(7)
	require.NoError(t, err)
	assert.Equal(t, []byte("seven"), v)

	require.NoError(t, l.Delete(7))
	v, err = l.Get(7)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRangeOrdersNegativeKeys(t *testing.T) {
	l, err := Open("mem", Options{InMemory: true})
	require.NoError(t, err)
	defer l.Close()

	keys := []int64{math.MinInt64, -5, -1, 0, 3, math.MaxInt64}
	for _, k := range keys {
		require.NoError(t, l.Insert(k, []byte{1}))
	}

	it, err := l.Range(math.MinInt64, math.MaxInt64)
	require.NoError(t, err)
	var got []int64
	for it.Next() {
		got = append(got, it.Key())
	}
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
	assert.Equal(t, keys, got)

	it, err = l.Range(-1, 3)
	require.NoError(t, err)
	got = got[:0]
	for it.Next() {
		got = append(got, it.Key())
	}
	require.NoError(t, it.Close())
	assert.Equal(t, []int64{-1, 0, 3}, got)
}
