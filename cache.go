package portalclient

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	defaultCacheTTL = 5 * time.Minute
	cacheShards     = 16
)

// ResponseCache stores GET responses keyed by request signature.
type ResponseCache interface {
	Get(key string) (*Response, bool)
	Set(key string, value *Response)
	Delete(key string)
	Clear()
	Len() int
}

// CacheEntry is one stored response.
type CacheEntry struct {
	Key      string
	Value    *Response
	StoredAt time.Time
}

// InMemoryCache is a sharded, TTL-expiring ResponseCache. Expiry is lazy: an
// entry older than the TTL is treated as absent and dropped on lookup.
type InMemoryCache struct {
	shards     []*cacheShard
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*CacheEntry
	limit int
}

// CacheOption configures an InMemoryCache.
type CacheOption func(*InMemoryCache)

// WithCacheCapacity bounds the cache. Zero means unbounded. When a shard is
// full the entry stored longest ago is evicted.
func WithCacheCapacity(n int) CacheOption {
	return func(c *InMemoryCache) {
		c.maxEntries = n
	}
}

// WithCacheClock overrides the time source, for tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *InMemoryCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewInMemoryCache creates a cache whose entries live for ttl (5m if zero).
func NewInMemoryCache(ttl time.Duration, opts ...CacheOption) *InMemoryCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c := &InMemoryCache{
		ttl: ttl,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	limit := 0
	if c.maxEntries > 0 {
		limit = (c.maxEntries + cacheShards - 1) / cacheShards
	}
	c.shards = make([]*cacheShard, cacheShards)
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			store: make(map[string]*CacheEntry),
			limit: limit,
		}
	}
	return c
}

func (c *InMemoryCache) shard(key string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *InMemoryCache) expired(e *CacheEntry, now time.Time) bool {
	return now.Sub(e.StoredAt) > c.ttl
}

// Get returns a copy of the live entry for key.
func (c *InMemoryCache) Get(key string) (*Response, bool) {
	s := c.shard(key)
	now := c.now()

	s.mu.RLock()
	entry, ok := s.store[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if c.expired(entry, now) {
		s.mu.Lock()
		if cur, ok := s.store[key]; ok && cur == entry {
			delete(s.store, key)
		}
		s.mu.Unlock()
		return nil, false
	}
	return entry.Value.clone(), true
}

// Set stores a copy of value under key with a fresh timestamp.
func (c *InMemoryCache) Set(key string, value *Response) {
	if value == nil {
		return
	}
	s := c.shard(key)
	entry := &CacheEntry{Key: key, Value: value.clone(), StoredAt: c.now()}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.store[key]; !exists && s.limit > 0 && len(s.store) >= s.limit {
		s.evictOldest(c, entry.StoredAt)
	}
	s.store[key] = entry
}

// evictOldest drops expired entries, or the oldest one if none are expired.
// Caller holds s.mu.
func (s *cacheShard) evictOldest(c *InMemoryCache, now time.Time) {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for k, e := range s.store {
		if c.expired(e, now) {
			delete(s.store, k)
			continue
		}
		if oldestKey == "" || e.StoredAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.StoredAt
		}
	}
	if len(s.store) >= s.limit && oldestKey != "" {
		delete(s.store, oldestKey)
	}
}

// Delete removes key.
func (c *InMemoryCache) Delete(key string) {
	s := c.shard(key)
	s.mu.Lock()
	delete(s.store, key)
	s.mu.Unlock()
}

// DeleteFunc removes every entry whose key matches and returns how many went.
func (c *InMemoryCache) DeleteFunc(match func(key string) bool) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.store {
			if match(k) {
				delete(s.store, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Clear removes every entry.
func (c *InMemoryCache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.store = make(map[string]*CacheEntry)
		s.mu.Unlock()
	}
}

// Len counts stored entries, expired ones included until they are touched.
func (c *InMemoryCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.store)
		s.mu.RUnlock()
	}
	return n
}

// TTL returns the configured time-to-live.
func (c *InMemoryCache) TTL() time.Duration {
	return c.ttl
}

// CacheKey derives the cache signature of a request: method, path, sorted
// query and, when a GET carries one, a hash of the JSON-encoded body.
func CacheKey(req Request) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(req.Method))
	b.WriteByte(' ')
	b.WriteString(req.Path)
	if len(req.Query) > 0 {
		b.WriteByte('?')
		// Encode sorts by key.
		b.WriteString(req.Query.Encode())
	}
	if req.Body != nil {
		b.WriteByte('#')
		b.WriteString(bodyDigest(req.Body))
	}
	return b.String()
}

// bodyDigest hashes the body. A value that cannot be JSON-encoded is hashed
// by its Go representation so it still gets a key of its own.
func bodyDigest(body any) string {
	var data []byte
	switch v := body.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			encoded = fmt.Appendf(nil, "%T:%#v", v, v)
		}
		data = encoded
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// matchesCollection reports whether a cache key is a GET on collection or on
// anything beneath it.
func matchesCollection(key, collection string) bool {
	prefix := http.MethodGet + " " + strings.TrimRight(collection, "/")
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	rest := key[len(prefix):]
	return rest == "" || rest[0] == '/' || rest[0] == '?' || rest[0] == '#'
}

// storable reports whether a response may be cached. The server opts a
// response out with Cache-Control no-store or private.
func storable(h http.Header) bool {
	for _, part := range strings.Split(h.Get("Cache-Control"), ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "no-store", "private":
			return false
		}
	}
	return true
}
