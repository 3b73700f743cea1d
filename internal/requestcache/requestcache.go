// Package requestcache deduplicates concurrent identical requests and
// caches completed results.
//
// The cache provides two guarantees. First, at most one concurrent
// execution of the compute function runs per key: concurrent callers attach
// to the in-flight computation and receive its eventual result instead of
// triggering duplicate backend calls. Second, a completed entry is never
// returned after its TTL elapses, and aggregate memory is bounded by
// least-recently-used eviction under byte and entry budgets.
//
// A caller cancelling its own context detaches only that caller; the
// shared computation is aborted only when every attached waiter has
// cancelled.
package requestcache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// ComputeFunc produces the value for a key. sizeBytes is the value's
// approximate in-memory footprint, used for eviction accounting.
type ComputeFunc func(ctx context.Context) (value any, sizeBytes int64, err error)

type entry struct {
	key       string
	value     any
	sizeBytes int64
	createdAt time.Time
	ttl       time.Duration
	hitCount  int64
	elem      *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// flight is a per-key in-flight computation. Late arrivals attach to it
// rather than starting new work. waiters counts attached callers; when it
// drops to zero before completion the computation is cancelled.
type flight struct {
	waiters int
	cancel  context.CancelFunc
	done    chan struct{}
	value   any
	err     error
}

// Stats reports cache performance counters.
type Stats struct {
	Entries int     `json:"entries"`
	Bytes   int64   `json:"bytes"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is a TTL + LRU response cache with request coalescing.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	lru        *list.List // front = most recently used
	flights    map[string]*flight
	curBytes   int64
	maxBytes   int64
	maxEntries int
	hits       int64
	misses     int64
	now        func() time.Time
}

// New creates a Cache bounded to maxEntries entries and maxBytes aggregate
// value size. Either bound may be zero to disable it.
func New(maxEntries int, maxBytes int64) *Cache {
	return &Cache{
		entries:    make(map[string]*entry),
		lru:        list.New(),
		flights:    make(map[string]*flight),
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// GetOrCompute returns the cached value for key, or computes it. cached is
// true when the value came from a completed entry or a shared in-flight
// computation started by another caller.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn ComputeFunc) (any, bool, error) {
	c.mu.Lock()

	if e, ok := c.entries[key]; ok {
		if !e.expired(c.now()) {
			e.hitCount++
			c.hits++
			c.lru.MoveToFront(e.elem)
			v := e.value
			c.mu.Unlock()
			return v, true, nil
		}
		// An expired entry is indistinguishable from "never cached".
		c.removeLocked(e)
	}
	c.misses++

	if f, ok := c.flights[key]; ok {
		f.waiters++
		c.mu.Unlock()
		return c.wait(ctx, f, true)
	}

	// Win the race to create the flight. The compute context is detached
	// from the originator so its cancellation does not abort the
	// computation for other attached waiters.
	fctx, cancel := context.WithCancel(context.Background())
	f := &flight{waiters: 1, cancel: cancel, done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	go func() {
		v, size, err := fn(fctx)
		c.mu.Lock()
		f.value, f.err = v, err
		delete(c.flights, key)
		if err == nil && ttl > 0 {
			c.storeLocked(key, v, size, ttl)
		}
		c.mu.Unlock()
		cancel()
		close(f.done)
	}()

	return c.wait(ctx, f, false)
}

// wait blocks until the flight completes or the caller's context is done.
// Cancellation detaches this caller only; the flight is aborted when the
// last attached waiter detaches.
func (c *Cache) wait(ctx context.Context, f *flight, attached bool) (any, bool, error) {
	select {
	case <-f.done:
		return f.value, attached, f.err
	case <-ctx.Done():
		c.mu.Lock()
		f.waiters--
		if f.waiters <= 0 {
			f.cancel()
		}
		c.mu.Unlock()
		return nil, false, ctx.Err()
	}
}

// Invalidate drops an entry. Used when an admin update changes pricing or
// provider availability underneath cached decisions.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries: len(c.entries),
		Bytes:   c.curBytes,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *Cache) storeLocked(key string, v any, size int64, ttl time.Duration) {
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
	e := &entry{key: key, value: v, sizeBytes: size, createdAt: c.now(), ttl: ttl}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.curBytes += size
	c.evictLocked()
}

// evictLocked drops least-recently-used entries until both budgets hold.
func (c *Cache) evictLocked() {
	for (c.maxEntries > 0 && len(c.entries) > c.maxEntries) ||
		(c.maxBytes > 0 && c.curBytes > c.maxBytes) {
		back := c.lru.Back()
		if back == nil {
			return
		}
		c.removeLocked(back.Value.(*entry))
	}
}

func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	c.curBytes -= e.sizeBytes
}
