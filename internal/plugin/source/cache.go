// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package source

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/pierrec/lz4"
)

// DefaultCompressThreshold is the code size above which cached payloads are
// stored lz4-compressed.
const DefaultCompressThreshold = 64 << 10

// Cache holds successful load results keyed by Descriptor.Key. A zero TTL
// keeps entries until Clear.
type Cache struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	threshold int
	entries   map[string]cacheEntry
}

type cacheEntry struct {
	result     LoadResult
	code       []byte
	compressed bool
	expires    time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock sets the time source used for expiry.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithCompressThreshold sets the code size above which payloads are
// compressed. Zero or less disables compression.
func WithCompressThreshold(n int) CacheOption {
	return func(c *Cache) { c.threshold = n }
}

// NewCache creates a cache.
func NewCache(ttl time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{
		ttl:       ttl,
		now:       time.Now,
		threshold: DefaultCompressThreshold,
		entries:   make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the cached result for key.
func (c *Cache) Get(key string) (*LoadResult, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	res := e.result
	if e.compressed {
		code, err := decompress(e.code)
		if err != nil {
			c.Delete(key)
			return nil, false
		}
		res.Code = string(code)
	} else {
		res.Code = string(e.code)
	}
	return &res, true
}

// Put stores a successful result. Failures are never cached.
func (c *Cache) Put(key string, res *LoadResult) {
	if res == nil || !res.Success {
		return
	}
	e := cacheEntry{result: *res, code: []byte(res.Code)}
	e.result.Code = ""
	e.result.Cached = false
	if c.threshold > 0 && len(e.code) > c.threshold {
		if packed, err := compress(e.code); err == nil {
			e.code = packed
			e.compressed = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.entries[key] = e
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// compressed reports whether key is stored compressed.
func (c *Cache) compressed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key].compressed
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, lz4.NewReader(bytes.NewReader(data))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
