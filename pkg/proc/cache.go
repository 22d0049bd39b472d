package proc

import (
	lru "github.com/hashicorp/golang-lru"
)

const cachePageSize = 4096

// CachedReader is a MemoryReader that keeps recently read pages of the
// target in an LRU cache. It is meant for workloads that repeatedly touch
// the same pages, such as resolving many pointer paths that share a
// prefix. The cache is never invalidated implicitly: callers must call
// Purge once the target is allowed to run again.
type CachedReader struct {
	mem   MemoryReader
	pages *lru.Cache
}

// NewCachedReader returns a reader caching up to size pages of mem.
func NewCachedReader(mem MemoryReader, size int) (*CachedReader, error) {
	pages, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedReader{mem: mem, pages: pages}, nil
}

func (c *CachedReader) page(base uint64) ([]byte, bool) {
	if v, ok := c.pages.Get(base); ok {
		return v.([]byte), true
	}
	buf := make([]byte, cachePageSize)
	if err := ReadFull(c.mem, buf, base); err != nil {
		return nil, false
	}
	c.pages.Add(base, buf)
	return buf, true
}

// ReadMemory implements MemoryReader.
func (c *CachedReader) ReadMemory(buf []byte, addr uint64) (int, error) {
	n := 0
	for n < len(buf) {
		cur := addr + uint64(n)
		base := cur &^ (cachePageSize - 1)
		page, ok := c.page(base)
		if !ok {
			// Partially mapped or unreadable page, let the underlying
			// reader report exactly what it can read.
			m, err := c.mem.ReadMemory(buf[n:], cur)
			return n + m, err
		}
		n += copy(buf[n:], page[cur-base:])
	}
	return n, nil
}

// Purge drops every cached page.
func (c *CachedReader) Purge() {
	c.pages.Purge()
}

// Len returns the number of cached pages.
func (c *CachedReader) Len() int {
	return c.pages.Len()
}

type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryReader
}

func (m *memCache) contains(addr uint64, size int) bool {
	return addr >= m.cacheAddr && addr+uint64(size) <= m.cacheAddr+uint64(len(m.cache))
}

func (m *memCache) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.contains(addr, len(data)) {
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}
	return m.mem.ReadMemory(data, addr)
}

// CacheMemory reads size bytes at addr once and returns a reader serving
// reads inside that range from the copy. If the range can not be read mem
// is returned unchanged.
func CacheMemory(mem MemoryReader, addr uint64, size int) MemoryReader {
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache := make([]byte, size)
	if err := ReadFull(mem, cache, addr); err != nil {
		return mem
	}
	return &memCache{addr, cache, mem}
}
