// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package protocol

import (
	"container/list"
	"sync"
)

// DefaultInfoCacheSize bounds the process-wide connections-info cache.
const DefaultInfoCacheSize = 64

// InfoCache remembers the last ConnectionInfo observed for each remote host
// (keyed by address only, not address:port, so that a second session to a
// host already seen benefits from the first session's RTT/bandwidth
// history). Eviction is least-recently-used; GetOrCreate and Update both
// count as use.
type InfoCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type infoCacheEntry struct {
	addr string
	info *ConnectionInfo
}

// NewInfoCache returns a cache bounded to maxSize entries. A maxSize <= 0
// falls back to DefaultInfoCacheSize.
func NewInfoCache(maxSize int) *InfoCache {
	if maxSize <= 0 {
		maxSize = DefaultInfoCacheSize
	}
	return &InfoCache{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// GetOrCreate returns the cached ConnectionInfo for addr, creating a fresh
// one on miss. The returned value is a clone: callers mutate their own
// copy and must call Update to write it back.
func (c *InfoCache) GetOrCreate(addr string) *ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[addr]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*infoCacheEntry).info.Clone()
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	info := NewConnectionInfo()
	el := c.order.PushFront(&infoCacheEntry{addr: addr, info: info})
	c.entries[addr] = el
	return info.Clone()
}

// Update writes the session's final ConnectionInfo back into the cache,
// seeding future sessions to the same host. Sessions call it right before
// sending their SHUTDOWN datagram.
func (c *InfoCache) Update(addr string, info *ConnectionInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[addr]; ok {
		el.Value.(*infoCacheEntry).info = info.Clone()
		c.order.MoveToFront(el)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	el := c.order.PushFront(&infoCacheEntry{addr: addr, info: info.Clone()})
	c.entries[addr] = el
}

func (c *InfoCache) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	c.order.Remove(oldest)
	delete(c.entries, oldest.Value.(*infoCacheEntry).addr)
}

// SetPacketDataSize records a path-MTU-derived packet size for addr so the
// next session to that host starts with it, creating the entry if the host
// has not been seen yet.
func (c *InfoCache) SetPacketDataSize(addr string, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[addr]; ok {
		el.Value.(*infoCacheEntry).info.SetPacketDataSize(size)
		c.order.MoveToFront(el)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	info := NewConnectionInfo()
	info.SetPacketDataSize(size)
	el := c.order.PushFront(&infoCacheEntry{addr: addr, info: info})
	c.entries[addr] = el
}

// Len reports the number of cached entries, exported for tests.
func (c *InfoCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
