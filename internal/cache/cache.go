// Package cache provides a fixed-capacity cache with per-team
// invalidation. Invalidation marks entries stale but keeps their values,
// so readers can fall back to the last known artifact while a fresh one
// is computed. Values are always computed outside the cache lock; the
// cache only stores and recalls them.
package cache

import "sync"

// Key identifies one cached artifact.
type Key struct {
	TeamID int64
	Kind   string
}

// KindStats keys a team's cached statistics report.
const KindStats = "stats"

type entry struct {
	key   Key
	value any
	valid bool

	// recency list links, -1 terminated
	prev, next int
}

// Cache is a fixed arena of entries with an intrusive LRU list. Slots are
// recycled through a free list; eviction removes the least recently used
// entry regardless of its validity flag.
type Cache struct {
	mu      sync.Mutex
	entries []entry
	free    []int
	index   map[Key]int
	byTeam  map[int64]map[int]struct{}

	head, tail int // recency list, head is most recent
	size       int
}

// New creates a cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache{
		entries: make([]entry, capacity),
		free:    make([]int, 0, capacity),
		index:   make(map[Key]int, capacity),
		byTeam:  make(map[int64]map[int]struct{}),
		head:    -1,
		tail:    -1,
	}
	for i := capacity - 1; i >= 0; i-- {
		c.free = append(c.free, i)
	}
	return c
}

// Get returns the cached value for key and whether it is still valid.
// A stale entry returns its retained value with valid == false; a missing
// or evicted entry returns (nil, false).
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[key]
	if !ok {
		return nil, false
	}
	c.touch(i)
	return c.entries[i].value, c.entries[i].valid
}

// Set stores a freshly computed value, marking the entry valid and most
// recently used. When the arena is full the least recently used entry is
// evicted first.
func (c *Cache) Set(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[key]; ok {
		c.entries[i].value = value
		c.entries[i].valid = true
		c.touch(i)
		return
	}

	i, evicted := c.alloc()
	if evicted {
		c.dropIndex(i)
	}
	c.entries[i] = entry{key: key, value: value, valid: true, prev: -1, next: -1}
	c.index[key] = i
	teamSet := c.byTeam[key.TeamID]
	if teamSet == nil {
		teamSet = make(map[int]struct{})
		c.byTeam[key.TeamID] = teamSet
	}
	teamSet[i] = struct{}{}
	c.pushFront(i)
	c.size++
}

// InvalidateTeam marks every entry belonging to teamID stale. Values are
// retained for stale reads; nothing is removed.
func (c *Cache) InvalidateTeam(teamID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.byTeam[teamID] {
		c.entries[i].valid = false
	}
}

// Clear physically empties the cache. Used on full session resets and
// assignment-mode changes only.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index = make(map[Key]int, len(c.entries))
	c.byTeam = make(map[int64]map[int]struct{})
	c.free = c.free[:0]
	for i := len(c.entries) - 1; i >= 0; i-- {
		c.entries[i] = entry{}
		c.free = append(c.free, i)
	}
	c.head, c.tail = -1, -1
	c.size = 0
}

// Len returns the number of resident entries, valid or stale.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// alloc returns a usable arena slot, evicting the LRU entry when full.
// The caller re-links the slot; evicted reports whether an old entry must
// be unindexed first.
func (c *Cache) alloc() (int, bool) {
	if n := len(c.free); n > 0 {
		i := c.free[n-1]
		c.free = c.free[:n-1]
		return i, false
	}
	i := c.tail
	c.unlink(i)
	c.size--
	return i, true
}

func (c *Cache) dropIndex(i int) {
	key := c.entries[i].key
	delete(c.index, key)
	if teamSet := c.byTeam[key.TeamID]; teamSet != nil {
		delete(teamSet, i)
		if len(teamSet) == 0 {
			delete(c.byTeam, key.TeamID)
		}
	}
}

func (c *Cache) pushFront(i int) {
	c.entries[i].prev = -1
	c.entries[i].next = c.head
	if c.head >= 0 {
		c.entries[c.head].prev = i
	}
	c.head = i
	if c.tail < 0 {
		c.tail = i
	}
}

func (c *Cache) unlink(i int) {
	prev, next := c.entries[i].prev, c.entries[i].next
	if prev >= 0 {
		c.entries[prev].next = next
	} else {
		c.head = next
	}
	if next >= 0 {
		c.entries[next].prev = prev
	} else {
		c.tail = prev
	}
	c.entries[i].prev, c.entries[i].next = -1, -1
}

func (c *Cache) touch(i int) {
	if c.head == i {
		return
	}
	c.unlink(i)
	c.pushFront(i)
}
