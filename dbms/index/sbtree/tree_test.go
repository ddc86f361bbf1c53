package sbtree

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btree-query-bench/sbtree/dbms/atomicop"
	"github.com/btree-query-bench/sbtree/dbms/encoding"
)

func newManager(t *testing.T) *atomicop.Manager {
	t.Helper()
	return openManagerAt(t, t.TempDir())
}

func openManagerAt(t *testing.T, dir string) *atomicop.Manager {
	t.Helper()
	m, err := atomicop.Open(dir, atomicop.Options{CachePages: 512})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func testMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func newStringTree(t *testing.T, m *atomicop.Manager, opts Options) *Tree[string, string] {
	t.Helper()
	tr, err := Create[string, string](m, "strings", encoding.String{}, encoding.String{}, opts)
	require.NoError(t, err)
	return tr
}

func newIntTree(t *testing.T, m *atomicop.Manager, opts Options) *Tree[int64, []byte] {
	t.Helper()
	tr, err := Create[int64, []byte](m, "ints", encoding.Int64{}, encoding.Bytes{}, opts)
	require.NoError(t, err)
	return tr
}

// longKey makes keys big enough that an internal page holds about twenty of
// them, so a few hundred entries grow the tree several levels.
func longKey(i int) string {
	return fmt.Sprintf("key-%06d-%s", i, strings.Repeat("k", 180))
}

func valueOf(k int64, size int) []byte {
	v := make([]byte, size)
	for i := range v {
		v[i] = byte(k) + byte(i)
	}
	return v
}

func collectKeys[K, V any](t *testing.T, c *Cursor[K, V]) []K {
	t.Helper()
	var keys []K
	for c.Next() {
		keys = append(keys, c.Key())
	}
	require.NoError(t, c.Err())
	require.NoError(t, c.Close())
	return keys
}

func TestEmptyTreeGetThenPut(t *testing.T) {
	tr := newStringTree(t, newManager(t), Options{})

	_, found, err := tr.Get("x")
	require.NoError(t, err)
	assert.False(t, found)

	inserted, err := tr.Put("x", "1")
	require.NoError(t, err)
	assert.True(t, inserted)

	size, err := tr.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)
}

func TestPutExistingKeyReportsUpdate(t *testing.T) {
	tr := newStringTree(t, newManager(t), Options{})

	inserted, err := tr.Put("a", "1")
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = tr.Put("a", "2")
	require.NoError(t, err)
	assert.False(t, inserted)

	v, found, err := tr.Get("a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "2", v)

	size, err := tr.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)
}

func TestPutIsIdempotent(t *testing.T) {
	tr := newIntTree(t, newManager(t), Options{})
	for i := int64(0); i < 200; i++ {
		_, err := tr.Put(i, valueOf(i, 100))
		require.NoError(t, err)
	}
	before, err := tr.Stats()
	require.NoError(t, err)

	for i := int64(0); i < 200; i++ {
		inserted, err := tr.Put(i, valueOf(i, 100))
		require.NoError(t, err)
		assert.False(t, inserted)
	}
	after, err := tr.Stats()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	require.NoError(t, tr.Verify())
}

func TestUpdateChangesValueSize(t *testing.T) {
	tr := newIntTree(t, newManager(t), Options{})
	for i := int64(0); i < 100; i++ {
		_, err := tr.Put(i, valueOf(i, 10))
		require.NoError(t, err)
	}
	// Growing values no longer fit in place and force splits on update.
	for i := int64(0); i < 100; i++ {
		inserted, err := tr.Put(i, valueOf(i, 400))
		require.NoError(t, err)
		assert.False(t, inserted)
	}
	for i := int64(0); i < 100; i += 2 {
		_, err := tr.Put(i, valueOf(i, 3))
		require.NoError(t, err)
	}
	for i := int64(0); i < 100; i++ {
		v, found, err := tr.Get(i)
		require.NoError(t, err)
		require.True(t, found)
		want := 400
		if i%2 == 0 {
			want = 3
		}
		assert.Equal(t, valueOf(i, want), v, "key %d", i)
	}
	size, err := tr.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 100, size)
	require.NoError(t, tr.Verify())
}

func TestRemoveMissingKey(t *testing.T) {
	tr := newStringTree(t, newManager(t), Options{})
	_, err := tr.Put("a", "1")
	require.NoError(t, err)

	removed, err := tr.Remove("b")
	require.NoError(t, err)
	assert.False(t, removed)

	size, err := tr.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)

	removed, err = tr.Remove("a")
	require.NoError(t, err)
	assert.True(t, removed)
	ok, err := tr.Contains("a")
	require.NoError(t, err)
	assert.False(t, ok)
	size, err = tr.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)
}

func TestSplitsKeepOrder(t *testing.T) {
	metrics := testMetrics(t)
	tr := newStringTree(t, newManager(t), Options{Metrics: metrics})

	const n = 1500
	for _, i := range shuffled(n, 3) {
		inserted, err := tr.Put(longKey(i), fmt.Sprint(i))
		require.NoError(t, err)
		require.True(t, inserted)
	}
	require.NoError(t, tr.Verify())

	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.LeafSplits.WithLabelValues("strings")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.InternalSplits.WithLabelValues("strings")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.RootSplits.WithLabelValues("strings")), 2.0)

	first, found, err := tr.FirstKey()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, longKey(0), first)
	last, found, err := tr.LastKey()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, longKey(n-1), last)

	keys := collectKeys(t, tr.KeyRange(NoBound[string](), NoBound[string](), Forward))
	require.Len(t, keys, n)
	for i, k := range keys {
		require.Equal(t, longKey(i), k)
	}

	st, err := tr.Stats()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Height, 3)
	assert.EqualValues(t, n, st.Entries)
}

func TestBlockSplitKeepsEveryKey(t *testing.T) {
	metrics := testMetrics(t)
	tr := newIntTree(t, newManager(t), Options{Metrics: metrics})

	const n = 2000
	for i := int64(0); i < n; i++ {
		_, err := tr.Put(i, valueOf(i, 300))
		require.NoError(t, err)
		if i%250 == 0 {
			require.NoError(t, tr.Verify(), "after %d puts", i+1)
		}
	}
	require.NoError(t, tr.Verify())
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.BlockSplits.WithLabelValues("ints")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.MarkerInserts.WithLabelValues("ints")), 1.0)

	for i := int64(0); i < n; i++ {
		v, found, err := tr.Get(i)
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, valueOf(i, 300), v)
	}

	st, err := tr.Stats()
	require.NoError(t, err)
	assert.Greater(t, st.Blocks, 1)
	assert.Greater(t, st.Markers, 1)
}

func TestReverseInsertBlockSplits(t *testing.T) {
	tr := newStringTree(t, newManager(t), Options{})
	for i := 999; i >= 0; i-- {
		_, err := tr.Put(longKey(i), "v")
		require.NoError(t, err)
	}
	require.NoError(t, tr.Verify())
	keys := collectKeys(t, tr.KeyRange(NoBound[string](), NoBound[string](), Reverse))
	require.Len(t, keys, 1000)
	for i, k := range keys {
		require.Equal(t, longKey(999-i), k)
	}
}

func TestOversizedEntryIsRejected(t *testing.T) {
	metrics := testMetrics(t)
	tr := newIntTree(t, newManager(t), Options{Metrics: metrics})

	_, err := tr.Put(1, make([]byte, maxEntrySize))
	assert.True(t, errors.Is(err, ErrEntryTooLarge), "%v", err)
	size, err := tr.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)
	assert.Zero(t, testutil.ToFloat64(metrics.Rollbacks.WithLabelValues("ints")))

	bounded, err := Create[string, string](newManager(t), "bounded", encoding.String{MaxLen: 16}, encoding.String{}, Options{})
	require.NoError(t, err)
	_, err = bounded.Put(strings.Repeat("x", 17), "v")
	assert.True(t, errors.Is(err, ErrEntryTooLarge), "%v", err)
	inserted, err := bounded.Put(strings.Repeat("x", 16), "v")
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestNullKey(t *testing.T) {
	m := newManager(t)
	tr := newStringTree(t, m, Options{NullKeys: true})

	_, found, err := tr.GetNull()
	require.NoError(t, err)
	assert.False(t, found)

	inserted, err := tr.PutNull("nothing")
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = tr.PutNull("still nothing")
	require.NoError(t, err)
	assert.False(t, inserted)

	for i := 0; i < 300; i++ {
		_, err := tr.Put(longKey(i), "v")
		require.NoError(t, err)
	}
	require.NoError(t, tr.Verify())

	v, found, err := tr.GetNull()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "still nothing", v)
	size, err := tr.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 301, size)

	// The null key is not part of ranges.
	keys := collectKeys(t, tr.KeyRange(NoBound[string](), NoBound[string](), Forward))
	assert.Len(t, keys, 300)

	reopened, err := Open[string, string](m, "strings", encoding.String{}, encoding.String{}, Options{})
	require.NoError(t, err)
	ok, err := reopened.ContainsNull()
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := tr.RemoveNull()
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = tr.RemoveNull()
	require.NoError(t, err)
	assert.False(t, removed)
	size, err = tr.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 300, size)
}

func TestNullKeyNotAllowed(t *testing.T) {
	tr := newStringTree(t, newManager(t), Options{})
	_, _, err := tr.GetNull()
	assert.True(t, errors.Is(err, ErrNullKeyNotAllowed))
	_, err = tr.PutNull("v")
	assert.True(t, errors.Is(err, ErrNullKeyNotAllowed))
	_, err = tr.RemoveNull()
	assert.True(t, errors.Is(err, ErrNullKeyNotAllowed))
}

func TestReopenReadsLayoutFromFile(t *testing.T) {
	dir := t.TempDir()
	m := openManagerAt(t, dir)
	tr := newIntTree(t, m, Options{InlineThreshold: 32, HeapPages: 64})
	for i := int64(0); i < 500; i++ {
		_, err := tr.Put(i*7, valueOf(i, 200))
		require.NoError(t, err)
	}
	require.NoError(t, tr.Close())
	require.NoError(t, m.Close())

	m = openManagerAt(t, dir)
	reopened, err := Open[int64, []byte](m, "ints", encoding.Int64{}, encoding.Bytes{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 32, reopened.threshold)
	assert.Equal(t, 64, reopened.heapPages)
	require.NoError(t, reopened.Verify())

	size, err := reopened.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 500, size)
	for i := int64(0); i < 500; i++ {
		v, found, err := reopened.Get(i * 7)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, valueOf(i, 200), v)
	}
}

func TestOpenErrors(t *testing.T) {
	m := newManager(t)
	_, err := Open[int64, []byte](m, "missing", encoding.Int64{}, encoding.Bytes{}, Options{})
	assert.True(t, errors.Is(err, atomicop.ErrFileNotFound), "%v", err)

	require.NoError(t, m.Update("raw", func(op *atomicop.Operation) error {
		if err := op.AddFile("raw"); err != nil {
			return err
		}
		_, err := op.AddPage("raw")
		return err
	}))
	_, err = Open[int64, []byte](m, "raw", encoding.Int64{}, encoding.Bytes{}, Options{})
	assert.True(t, errors.Is(err, ErrNotSBTree), "%v", err)

	_, err = Create[int64, []byte](m, "bad", encoding.Int64{}, encoding.Bytes{}, Options{HeapPages: 20})
	assert.Error(t, err)
}

func TestResetAndDelete(t *testing.T) {
	m := newManager(t)
	tr := newIntTree(t, m, Options{})
	for i := int64(0); i < 300; i++ {
		_, err := tr.Put(i, valueOf(i, 300))
		require.NoError(t, err)
	}

	require.NoError(t, tr.Reset())
	size, err := tr.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)
	_, found, err := tr.FirstKey()
	require.NoError(t, err)
	assert.False(t, found)
	st, err := tr.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.FilePages)

	_, err = tr.Put(5, []byte("five"))
	require.NoError(t, err)
	require.NoError(t, tr.Verify())

	require.NoError(t, tr.Delete())
	_, _, err = tr.Get(5)
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = tr.Put(6, nil)
	assert.True(t, errors.Is(err, ErrClosed))
	require.NoError(t, m.View("ints", func(r *atomicop.Reader) error {
		ok, err := r.FileExists("ints")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestRemoveLeavesEmptyLeavesReadable(t *testing.T) {
	tr := newIntTree(t, newManager(t), Options{})
	for i := int64(0); i < 600; i++ {
		_, err := tr.Put(i, valueOf(i, 300))
		require.NoError(t, err)
	}
	// Empty out everything but a few keys at both ends and in the middle.
	for i := int64(0); i < 600; i++ {
		if i == 0 || i == 300 || i == 599 {
			continue
		}
		removed, err := tr.Remove(i)
		require.NoError(t, err)
		require.True(t, removed)
	}
	require.NoError(t, tr.Verify())

	keys := collectKeys(t, tr.KeyRange(NoBound[int64](), NoBound[int64](), Forward))
	assert.Equal(t, []int64{0, 300, 599}, keys)
	keys = collectKeys(t, tr.KeyRange(Excl[int64](0), Excl[int64](599), Reverse))
	assert.Equal(t, []int64{300}, keys)

	for _, k := range []int64{0, 599} {
		_, err := tr.Remove(k)
		require.NoError(t, err)
	}
	first, found, err := tr.FirstKey()
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 300, first)
	last, found, err := tr.LastKey()
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 300, last)
}

func TestVerifyReportsBrokenMarkers(t *testing.T) {
	tr := newIntTree(t, newManager(t), Options{})
	for i := int64(0); i < 50; i++ {
		_, err := tr.Put(i, valueOf(i, 300))
		require.NoError(t, err)
	}
	require.NoError(t, tr.Verify())

	require.NoError(t, tr.update("corrupt", func(w *mutation[int64, []byte]) error {
		root, err := w.load(tr.root)
		if err != nil {
			return err
		}
		root.updateMarkerCount(0, root.markerAt(0).used+1)
		return nil
	}))
	err := tr.Verify()
	assert.True(t, errors.Is(err, ErrInvariant), "%v", err)
}

func TestClosedTree(t *testing.T) {
	tr := newStringTree(t, newManager(t), Options{})
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	_, err := tr.Put("a", "b")
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = tr.Size()
	assert.True(t, errors.Is(err, ErrClosed))
	c := tr.Range(NoBound[string](), NoBound[string](), Forward)
	assert.False(t, c.Next())
	assert.True(t, errors.Is(c.Err(), ErrClosed))
}

func TestReservedPagesStayPinnedWhileOpen(t *testing.T) {
	m := newManager(t)
	tr, err := Create[int64, []byte](m, "pinned", encoding.Int64{}, encoding.Bytes{}, Options{NullKeys: true})
	require.NoError(t, err)
	assert.True(t, m.Pinned("pinned", 0))
	assert.True(t, m.Pinned("pinned", 1))

	for i := int64(0); i < 200; i++ {
		_, err := tr.Put(i, valueOf(i, 300))
		require.NoError(t, err)
	}
	st, err := tr.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.PinnedPages)

	require.NoError(t, tr.Reset())
	assert.True(t, m.Pinned("pinned", 1), "reset pins the fresh root")
	require.NoError(t, tr.Close())
	assert.False(t, m.Pinned("pinned", 0))
	assert.False(t, m.Pinned("pinned", 1))

	again, err := Open[int64, []byte](m, "pinned", encoding.Int64{}, encoding.Bytes{}, Options{})
	require.NoError(t, err)
	assert.True(t, m.Pinned("pinned", 1))
	require.NoError(t, again.Delete())
	assert.False(t, m.Pinned("pinned", 1))

	// The manager is still usable after deleting a tree with pinned pages.
	other := newStringTree(t, m, Options{})
	_, err = other.Put("a", "b")
	require.NoError(t, err)
}
