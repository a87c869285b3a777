// Package cache is a bounded TTL+LRU store of fetch results keyed by a
// deterministic hash of the normalized URL plus output-affecting options.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/use-agent/harvest/metrics"
	"github.com/use-agent/harvest/models"
)

// entry is a cached result with its expiry timestamp.
type entry struct {
	key       string
	result    *models.Result
	expiresAt time.Time
	size      int
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Cache is an in-memory result cache. It is safe for concurrent use.
// Entries past their TTL are never returned; they are evicted lazily on
// Get and periodically by a background sweep. When the cache is full the
// least-recently-accessed entry is evicted to make room.
type Cache struct {
	mu         sync.Mutex
	store      map[string]*list.Element // key -> element holding *entry
	order      *list.List               // front = most recently used
	maxEntries int
	defaultTTL time.Duration
	obs        metrics.Observer

	hits      int64
	misses    int64
	evictions int64

	done chan struct{}
	now  func() time.Time // test seam
}

// New creates a Cache and starts the expiry sweep goroutine. Call Stop on
// shutdown. obs may be nil.
func New(maxEntries int, defaultTTL, sweepInterval time.Duration, obs metrics.Observer) *Cache {
	if obs == nil {
		obs = metrics.Nop{}
	}
	c := &Cache{
		store:      make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		obs:        obs,
		done:       make(chan struct{}),
		now:        time.Now,
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

// Key derives the cache key from the URL and the output-affecting options:
// the forced adapter mode and the custom headers (sorted, so map order
// never changes the key).
func Key(url string, opts *models.Options) string {
	h := sha256.New()
	h.Write([]byte(url))
	h.Write([]byte{'|'})
	if opts != nil {
		h.Write([]byte(opts.Mode))
		keys := make([]string, 0, len(opts.Headers))
		for k := range opts.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte{'|'})
			h.Write([]byte(strings.ToLower(k)))
			h.Write([]byte{':'})
			h.Write([]byte(opts.Headers[k]))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached result for key, or (nil, false) on a miss.
// An expired entry counts as a miss and is removed. A hit promotes the
// entry to most-recently-used.
func (c *Cache) Get(key string) (*models.Result, bool) {
	c.mu.Lock()
	el, ok := c.store[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		c.obs.CacheEvent("miss")
		return nil, false
	}

	e := el.Value.(*entry)
	if c.now().After(e.expiresAt) {
		c.removeLocked(el)
		c.misses++
		c.mu.Unlock()
		c.obs.CacheEvent("miss")
		return nil, false
	}

	c.order.MoveToFront(el)
	c.hits++
	result := e.result
	c.mu.Unlock()
	c.obs.CacheEvent("hit")
	return result, true
}

// Set stores a result under key with the given TTL (the default TTL when
// ttl <= 0). At capacity the least-recently-used entry is evicted first.
func (c *Cache) Set(key string, result *models.Result, ttl time.Duration) {
	if c.maxEntries <= 0 {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	var evicted bool
	c.mu.Lock()
	if el, ok := c.store[key]; ok {
		e := el.Value.(*entry)
		e.result = result
		e.expiresAt = c.now().Add(ttl)
		e.size = result.Size()
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return
	}

	if c.order.Len() >= c.maxEntries {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
			c.evictions++
			evicted = true
		}
	}

	e := &entry{
		key:       key,
		result:    result,
		expiresAt: c.now().Add(ttl),
		size:      result.Size(),
	}
	c.store[key] = c.order.PushFront(e)
	c.mu.Unlock()

	if evicted {
		c.obs.CacheEvent("eviction")
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.store = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.order.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Stop terminates the background sweep goroutine.
func (c *Cache) Stop() {
	close(c.done)
}

// removeLocked unlinks an element. Caller holds c.mu.
func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.store, e.key)
	c.order.Remove(el)
}

// sweepLoop removes expired entries on a schedule so cold keys do not pin
// memory until their next lookup.
func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := c.now()
	c.mu.Lock()
	var el, next *list.Element
	for el = c.order.Front(); el != nil; el = next {
		next = el.Next()
		if now.After(el.Value.(*entry).expiresAt) {
			c.removeLocked(el)
		}
	}
	c.mu.Unlock()
}
