// Package cache is the shared page cache. It hands out Entry handles, one per
// (file, page), each carrying its own reader/writer lock. Entries that are in
// use or pinned are never evicted.
package cache

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/btree-query-bench/sbtree/dbms/pager"
)

// Key identifies one page of one file.
type Key struct {
	File string
	Page uint64
}

func (k Key) String() string {
	return k.File + "#" + strconv.FormatUint(k.Page, 10)
}

// Loader fills pg with the on-disk content of the page named by key.
type Loader func(key Key, pg *pager.Page) error

// Entry is a cached page. Its bytes may only be touched while one of its locks
// is held.
type Entry struct {
	key   Key
	lock  sync.RWMutex
	page  pager.Page
	users atomic.Int32
	pins  atomic.Int32

	prev *Entry
	next *Entry
}

// Key returns the page this entry caches.
func (e *Entry) Key() Key { return e.key }

// Bytes exposes the page buffer. Callers must hold a lock on the entry.
func (e *Entry) Bytes() []byte { return e.page[:] }

func (e *Entry) AcquireShared()    { e.lock.RLock() }
func (e *Entry) ReleaseShared()    { e.lock.RUnlock() }
func (e *Entry) AcquireExclusive() { e.lock.Lock() }
func (e *Entry) ReleaseExclusive() { e.lock.Unlock() }

// Pinned reports whether the entry is pinned in memory.
func (e *Entry) Pinned() bool { return e.pins.Load() > 0 }

// Cache is an LRU page cache split into independently locked shards.
type Cache struct {
	shards []*shard
	mask   uint64
}

type shard struct {
	mu    sync.Mutex
	cap   int
	items map[Key]*Entry
	head  *Entry // most recent
	tail  *Entry // least recent
}

// New creates a cache holding roughly capacity pages across the given number
// of shards (rounded up to a power of two).
func New(capacity, shards int) *Cache {
	if shards <= 0 {
		shards = 16
	}
	n := 1
	for n < shards {
		n <<= 1
	}
	if capacity < n {
		capacity = n
	}
	c := &Cache{shards: make([]*shard, n), mask: uint64(n - 1)}
	for i := range c.shards {
		c.shards[i] = &shard{cap: capacity / n, items: make(map[Key]*Entry)}
	}
	return c
}

func (c *Cache) shardFor(k Key) *shard {
	h := xxhash.Sum64String(k.File) ^ (k.Page * 0x9E3779B97F4A7C15)
	return c.shards[h&c.mask]
}

// Load returns the entry for key, reading it through load on a miss. The
// entry stays resident until Release is called.
func (c *Cache) Load(key Key, load Loader) (*Entry, error) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[key]; ok {
		e.users.Add(1)
		s.moveToFront(e)
		return e, nil
	}

	e := &Entry{key: key}
	if err := load(key, &e.page); err != nil {
		return nil, err
	}
	e.users.Add(1)
	s.items[key] = e
	s.pushFront(e)
	s.evict()
	return e, nil
}

// Install places fresh content for key into the cache, creating the entry if
// needed. Used by commit for pages that did not exist before the operation.
// The returned entry is acquired and must be released.
func (c *Cache) Install(key Key, pg *pager.Page) *Entry {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		e = &Entry{key: key}
		s.items[key] = e
		s.pushFront(e)
	} else {
		s.moveToFront(e)
	}
	e.users.Add(1)
	e.lock.Lock()
	e.page = *pg
	e.lock.Unlock()
	s.evict()
	return e
}

// Release gives back an entry obtained from Load or Install.
func (c *Cache) Release(e *Entry) {
	if e.users.Add(-1) < 0 {
		panic("cache: release of unacquired entry " + e.key.String())
	}
}

// Pin keeps an entry resident regardless of LRU pressure.
func (c *Cache) Pin(e *Entry) { e.pins.Add(1) }

// Unpin reverses Pin.
func (c *Cache) Unpin(e *Entry) { e.pins.Add(-1) }

// Pinned reports whether key is resident and pinned. It never loads.
func (c *Cache) Pinned(key Key) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	return ok && e.Pinned()
}

// Drop removes every entry of file at or beyond page from.
func (c *Cache) Drop(file string, from uint64) {
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if k.File == file && k.Page >= from {
				s.unlink(e)
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// ─── LRU list ────────────────────────────────────────────────────────────────

func (s *shard) evict() {
	for e := s.tail; e != nil && len(s.items) > s.cap; {
		prev := e.prev
		if e.users.Load() == 0 && e.pins.Load() == 0 {
			s.unlink(e)
			delete(s.items, e.key)
		}
		e = prev
	}
}

func (s *shard) pushFront(e *Entry) {
	e.next = s.head
	e.prev = nil
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *shard) moveToFront(e *Entry) {
	if s.head == e {
		return
	}
	s.unlink(e)
	s.pushFront(e)
}

func (s *shard) unlink(e *Entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}
