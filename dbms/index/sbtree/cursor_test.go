package sbtree

import (
	"context"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// expectedRange filters sorted keys the way a cursor over [begin, end] should
// return them.
func expectedRange(keys []int64, begin, end Bound[int64], dir Direction) []int64 {
	var out []int64
	for _, k := range keys {
		switch {
		case begin.Mode == Inclusive && k < begin.Key,
			begin.Mode == Exclusive && k <= begin.Key,
			end.Mode == Inclusive && k > end.Key,
			end.Mode == Exclusive && k >= end.Key:
			continue
		}
		out = append(out, k)
	}
	if dir == Reverse {
		slices.Reverse(out)
	}
	return out
}

func TestRangeBoundsAndDirections(t *testing.T) {
	tr := newIntTree(t, newManager(t), Options{})
	var keys []int64
	for i := int64(0); i < 400; i += 2 {
		_, err := tr.Put(i, valueOf(i, 200))
		require.NoError(t, err)
		keys = append(keys, i)
	}
	require.NoError(t, tr.Verify())

	bounds := func(k int64) []Bound[int64] {
		return []Bound[int64]{NoBound[int64](), Incl(k), Excl(k)}
	}
	points := []int64{-5, 0, 1, 37, 38, 200, 398, 399, 500}
	for _, lo := range points {
		for _, hi := range points {
			for _, begin := range bounds(lo) {
				for _, end := range bounds(hi) {
					for _, dir := range []Direction{Forward, Reverse} {
						want := expectedRange(keys, begin, end, dir)
						got := collectKeys(t, tr.Range(begin, end, dir))
						require.Equal(t, want, got, "begin %+v end %+v dir %d", begin, end, dir)
					}
				}
			}
		}
	}
}

func TestRangeValues(t *testing.T) {
	tr := newIntTree(t, newManager(t), Options{})
	for i := int64(0); i < 100; i++ {
		_, err := tr.Put(i, valueOf(i, 150))
		require.NoError(t, err)
	}

	c := tr.ValueRange(Incl[int64](10), Excl[int64](20), Forward)
	var n int64
	for ; c.Next(); n++ {
		assert.Equal(t, valueOf(10+n, 150), c.Value())
	}
	require.NoError(t, c.Err())
	assert.EqualValues(t, 10, n)

	c = tr.KeyRange(Incl[int64](10), Incl[int64](12), Forward)
	require.True(t, c.Next())
	assert.Nil(t, c.Value())
	require.NoError(t, c.Close())
	assert.False(t, c.Next())
}

func TestCursorSurvivesConcurrentSplits(t *testing.T) {
	tr := newIntTree(t, newManager(t), Options{})
	for i := int64(0); i < 1000; i += 10 {
		_, err := tr.Put(i, valueOf(i, 300))
		require.NoError(t, err)
	}

	c := tr.KeyRange(NoBound[int64](), NoBound[int64](), Forward)
	var got []int64
	for c.Next() {
		got = append(got, c.Key())
		if len(got) == 5 {
			// Fill the gaps everywhere; the leaves the cursor has not read
			// yet split many times.
			for i := int64(1); i < 1000; i++ {
				if i%10 != 0 {
					_, err := tr.Put(i, valueOf(i, 300))
					require.NoError(t, err)
				}
			}
			removed, err := tr.Remove(990)
			require.NoError(t, err)
			require.True(t, removed)
		}
	}
	require.NoError(t, c.Err())

	assert.True(t, slices.IsSorted(got))
	assert.Len(t, slices.Compact(slices.Clone(got)), len(got))
	for i := int64(100); i < 990; i++ {
		_, ok := slices.BinarySearch(got, i)
		assert.True(t, ok, "key %d missing", i)
	}
	assert.NotContains(t, got, int64(990))
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	tr := newIntTree(t, newManager(t), Options{})
	const n = 1500
	var written atomic.Int64

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		for i := int64(0); i < n; i++ {
			if _, err := tr.Put(i, valueOf(i, 200)); err != nil {
				return err
			}
			written.Store(i + 1)
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for written.Load() < n && ctx.Err() == nil {
				upTo := written.Load()
				for k := int64(0); k < upTo; k += 37 {
					v, found, err := tr.Get(k)
					if err != nil {
						return err
					}
					if !found || !slices.Equal(v, valueOf(k, 200)) {
						return errors.Newf("key %d lost while writing", k)
					}
				}
				c := tr.KeyRange(NoBound[int64](), Excl(upTo), Forward)
				var prev, count int64 = -1, 0
				for c.Next() {
					if c.Key() <= prev {
						return errors.Newf("range out of order: %d after %d", c.Key(), prev)
					}
					prev = c.Key()
					count++
				}
				if err := c.Err(); err != nil {
					return err
				}
				if count < upTo {
					return errors.Newf("range saw %d of %d keys", count, upTo)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, tr.Verify())
}
