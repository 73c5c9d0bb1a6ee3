// Package blockcache implements the least-frequently-used cache that maps
// an SSTable file offset to the raw block bytes read from that offset,
// evicting on overflow by frequency with oldest-at-tie-frequency losing.
package blockcache

import (
	"container/list"

	"github.com/flarekv/flarekv/internal/log"
)

type entry struct {
	offset int64
	buf    []byte
	freq   int
}

// Cache is an LFU cache keyed by file offset, bounded to a fixed capacity.
type Cache struct {
	capacity int
	items    map[int64]*list.Element // offset -> element in its freq bucket
	buckets  map[int]*list.List      // freq -> ordered list of *entry, oldest at front
	minFreq  int
}

// New returns an empty Cache holding at most capacity blocks. capacity <= 0
// means unbounded (no eviction).
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		items:    make(map[int64]*list.Element),
		buckets:  make(map[int]*list.List),
	}
}

// Get returns the cached block at offset, if present, and bumps its
// frequency.
func (c *Cache) Get(offset int64) ([]byte, bool) {
	el, ok := c.items[offset]
	if !ok {
		return nil, false
	}
	c.touch(el)
	return el.Value.(*entry).buf, true
}

// Has reports whether offset is cached, without affecting its frequency.
func (c *Cache) Has(offset int64) bool {
	_, ok := c.items[offset]
	return ok
}

// Put inserts or updates the block at offset. Updating an existing entry
// bumps its frequency like Get would; inserting a new entry may evict the
// least-frequently-used block if the cache is at capacity.
func (c *Cache) Put(offset int64, buf []byte) {
	if el, ok := c.items[offset]; ok {
		e := el.Value.(*entry)
		if len(e.buf) != len(buf) {
			log.L.Warn().Int64("offset", offset).Int("old_len", len(e.buf)).Int("new_len", len(buf)).
				Msg("block cache: re-cached block changed size, source sstable or a sidecar may be corrupt")
		}
		e.buf = buf
		c.touch(el)
		return
	}

	if c.capacity > 0 && len(c.items) >= c.capacity {
		c.evict()
	}

	e := &entry{offset: offset, buf: buf, freq: 1}
	bucket := c.bucketFor(1)
	el := bucket.PushBack(e)
	c.items[offset] = el
	c.minFreq = 1
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.items = make(map[int64]*list.Element)
	c.buckets = make(map[int]*list.List)
	c.minFreq = 0
}

func (c *Cache) bucketFor(freq int) *list.List {
	b, ok := c.buckets[freq]
	if !ok {
		b = list.New()
		c.buckets[freq] = b
	}
	return b
}

// touch promotes el's entry to the next frequency bucket, maintaining the
// invariant that minFreq tracks the smallest non-empty bucket.
func (c *Cache) touch(el *list.Element) {
	e := el.Value.(*entry)
	oldFreq := e.freq
	oldBucket := c.buckets[oldFreq]
	oldBucket.Remove(el)
	if oldBucket.Len() == 0 {
		delete(c.buckets, oldFreq)
		if c.minFreq == oldFreq {
			c.minFreq = oldFreq + 1
		}
	}

	e.freq++
	newBucket := c.bucketFor(e.freq)
	c.items[e.offset] = newBucket.PushBack(e)
}

// evict drops the oldest entry in the minFreq bucket.
func (c *Cache) evict() {
	bucket, ok := c.buckets[c.minFreq]
	if !ok || bucket.Len() == 0 {
		return
	}
	front := bucket.Front()
	e := front.Value.(*entry)
	bucket.Remove(front)
	if bucket.Len() == 0 {
		delete(c.buckets, c.minFreq)
	}
	delete(c.items, e.offset)
}
