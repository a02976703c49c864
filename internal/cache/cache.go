// Package cache implements a bounded LRU cache under dual constraints:
// a maximum entry count and a maximum byte budget.
//
// Recency is tracked with a monotonic counter and entries are kept in a
// binary min-heap ordered by that counter, so the oldest entry is always at
// the root and insert, promote, and evict are all O(log n). A key → node
// index gives O(1) lookup.
//
// The cache is not internally thread-safe. Callers sharing a cache across
// goroutines must serialize access externally; in this engine the frame
// loader owns that lock.
package cache

// Cache is a bounded, recency-ordered key/value cache.
type Cache[K comparable, V any] struct {
	maxEntries int
	maxBytes   int64

	counter uint64
	bytes   int64
	heap    []*entry[K, V]
	index   map[K]*entry[K, V]

	onEvict func(K, V)
}

type entry[K comparable, V any] struct {
	key     K
	value   V
	size    int64
	recency uint64
	pos     int
}

// New creates a cache holding at most maxEntries entries and maxBytes total
// bytes. A zero or negative limit disables that constraint.
func New[K comparable, V any](maxEntries int, maxBytes int64) *Cache[K, V] {
	return &Cache[K, V]{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		index:      make(map[K]*entry[K, V]),
	}
}

// OnEvict registers a callback invoked for every entry removed by budget
// eviction. Explicit Delete/Clear calls do not trigger it.
func (c *Cache[K, V]) OnEvict(fn func(K, V)) {
	c.onEvict = fn
}

// Has reports whether key is present without promoting it.
func (c *Cache[K, V]) Has(key K) bool {
	_, ok := c.index[key]
	return ok
}

// Get returns the value for key and promotes its recency.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	e, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.touch(e)
	return e.value, true
}

// Peek returns the value for key without promoting it.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	e, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set inserts or updates key with the given value and byte size, evicting
// oldest entries first until both budgets hold. Updating an existing key
// adjusts the running byte total by the size delta and resets its recency.
//
// A value larger than the whole byte budget is not stored.
func (c *Cache[K, V]) Set(key K, value V, size int64) {
	if size < 0 {
		size = 0
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		return
	}

	if e, ok := c.index[key]; ok {
		c.bytes += size - e.size
		e.value = value
		e.size = size
		c.touch(e)
		for c.maxBytes > 0 && c.bytes > c.maxBytes && len(c.heap) > 1 {
			c.evictOldest()
		}
		return
	}

	// Byte constraint first, then the entry count.
	for c.maxBytes > 0 && len(c.heap) > 0 && c.bytes+size > c.maxBytes {
		c.evictOldest()
	}
	for c.maxEntries > 0 && len(c.heap) >= c.maxEntries {
		c.evictOldest()
	}

	c.counter++
	e := &entry[K, V]{key: key, value: value, size: size, recency: c.counter, pos: len(c.heap)}
	c.heap = append(c.heap, e)
	c.index[key] = e
	c.bytes += size
	// A fresh entry carries the largest recency seen so far, so appending it
	// as a leaf preserves the min-heap ordering without a sift.
}

// Replace swaps the value and size for an existing key without promoting
// its recency. It returns false when key is absent. The byte total is
// adjusted by the size delta, evicting oldest entries if the budget is
// exceeded.
func (c *Cache[K, V]) Replace(key K, value V, size int64) bool {
	e, ok := c.index[key]
	if !ok {
		return false
	}
	if size < 0 {
		size = 0
	}
	c.bytes += size - e.size
	e.value = value
	e.size = size
	for c.maxBytes > 0 && c.bytes > c.maxBytes && len(c.heap) > 1 {
		c.evictOldest()
	}
	return true
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) bool {
	e, ok := c.index[key]
	if !ok {
		return false
	}
	c.remove(e)
	return true
}

// DeleteMatching removes every entry whose key satisfies pred and returns
// how many were removed.
func (c *Cache[K, V]) DeleteMatching(pred func(K) bool) int {
	var keys []K
	for k := range c.index {
		if pred(k) {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		c.remove(c.index[k])
	}
	return len(keys)
}

// Clear removes all entries.
func (c *Cache[K, V]) Clear() {
	c.heap = c.heap[:0]
	c.index = make(map[K]*entry[K, V])
	c.bytes = 0
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	return len(c.heap)
}

// Bytes returns the total byte size of all entries.
func (c *Cache[K, V]) Bytes() int64 {
	return c.bytes
}

func (c *Cache[K, V]) touch(e *entry[K, V]) {
	c.counter++
	e.recency = c.counter
	c.siftDown(e.pos)
}

func (c *Cache[K, V]) evictOldest() {
	if len(c.heap) == 0 {
		return
	}
	e := c.heap[0]
	c.remove(e)
	if c.onEvict != nil {
		c.onEvict(e.key, e.value)
	}
}

func (c *Cache[K, V]) remove(e *entry[K, V]) {
	i := e.pos
	last := len(c.heap) - 1
	c.swap(i, last)
	c.heap = c.heap[:last]
	delete(c.index, e.key)
	c.bytes -= e.size
	if i < last {
		c.siftDown(i)
		c.siftUp(i)
	}
}

func (c *Cache[K, V]) swap(i, j int) {
	c.heap[i], c.heap[j] = c.heap[j], c.heap[i]
	c.heap[i].pos = i
	c.heap[j].pos = j
}

func (c *Cache[K, V]) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if c.heap[parent].recency <= c.heap[i].recency {
			return
		}
		c.swap(i, parent)
		i = parent
	}
}

func (c *Cache[K, V]) siftDown(i int) {
	n := len(c.heap)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		smallest := left
		if right := left + 1; right < n && c.heap[right].recency < c.heap[left].recency {
			smallest = right
		}
		if c.heap[i].recency <= c.heap[smallest].recency {
			return
		}
		c.swap(i, smallest)
		i = smallest
	}
}
