package cache

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btree-query-bench/sbtree/dbms/pager"
)

func fillLoader(calls *int) Loader {
	return func(key Key, pg *pager.Page) error {
		*calls++
		pg[0] = byte(key.Page)
		return nil
	}
}

func TestLoadHitsAndMisses(t *testing.T) {
	c := New(8, 1)
	calls := 0

	e, err := c.Load(Key{"f", 3}, fillLoader(&calls))
	require.NoError(t, err)
	e.AcquireShared()
	assert.Equal(t, byte(3), e.Bytes()[0])
	e.ReleaseShared()
	c.Release(e)

	e, err = c.Load(Key{"f", 3}, fillLoader(&calls))
	require.NoError(t, err)
	c.Release(e)
	assert.Equal(t, 1, calls, "second load must be served from cache")
}

func TestLoaderErrorIsNotCached(t *testing.T) {
	c := New(8, 1)
	boom := errors.New("boom")
	_, err := c.Load(Key{"f", 1}, func(Key, *pager.Page) error { return boom })
	require.True(t, errors.Is(err, boom))
	assert.Equal(t, 0, c.Len())
}

func TestEvictionSkipsAcquiredAndPinned(t *testing.T) {
	c := New(2, 1)
	calls := 0

	held, err := c.Load(Key{"f", 0}, fillLoader(&calls))
	require.NoError(t, err)
	pinned, err := c.Load(Key{"f", 1}, fillLoader(&calls))
	require.NoError(t, err)
	c.Pin(pinned)
	c.Release(pinned)

	for i := uint64(2); i < 10; i++ {
		e, err := c.Load(Key{"f", i}, fillLoader(&calls))
		require.NoError(t, err)
		c.Release(e)
	}

	before := calls
	e, err := c.Load(Key{"f", 0}, fillLoader(&calls))
	require.NoError(t, err)
	c.Release(e)
	e, err = c.Load(Key{"f", 1}, fillLoader(&calls))
	require.NoError(t, err)
	c.Release(e)
	assert.Equal(t, before, calls, "held and pinned entries stay resident")

	c.Release(held)
	c.Unpin(pinned)
	assert.False(t, pinned.Pinned())
}

func TestInstallAndDrop(t *testing.T) {
	c := New(16, 4)
	var pg pager.Page
	pg[10] = 42
	e := c.Install(Key{"a", 5}, &pg)
	c.Release(e)

	calls := 0
	e, err := c.Load(Key{"a", 5}, fillLoader(&calls))
	require.NoError(t, err)
	e.AcquireShared()
	assert.Equal(t, byte(42), e.Bytes()[10])
	e.ReleaseShared()
	c.Release(e)
	assert.Equal(t, 0, calls)

	c.Drop("a", 0)
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentLoads(t *testing.T) {
	c := New(64, 8)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				e, err := c.Load(Key{"f", uint64(i % 100)}, func(k Key, pg *pager.Page) error {
					pg[0] = byte(k.Page)
					return nil
				})
				if err != nil {
					t.Error(err)
					return
				}
				e.AcquireShared()
				if e.Bytes()[0] != byte(i%100) {
					t.Errorf("page %d has wrong content", i%100)
				}
				e.ReleaseShared()
				c.Release(e)
			}
		}()
	}
	wg.Wait()
}
