// Package plancache caches compiled plans by plan hash, bounded by
// entry count, serialized size and TTL. Lookups are tenant-checked:
// a hash collision across tenants is a miss, never a leak.
package plancache

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/plan"
)

// Config bounds the cache.
type Config struct {
	MaxEntries    int
	MaxSizeBytes  int
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		MaxEntries:    1000,
		MaxSizeBytes:  100 * 1024 * 1024,
		DefaultTTL:    24 * time.Hour,
		SweepInterval: 30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxEntries <= 0 {
		c.MaxEntries = def.MaxEntries
	}
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = def.MaxSizeBytes
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = def.DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

type entry struct {
	planHash string
	tenantID uuid.UUID
	plan     *plan.Plan

	cachedAt     time.Time
	lastAccessed time.Time
	accessCount  int
	expiresAt    time.Time
	tags         []string

	size int
	elem *list.Element
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	TotalEntries      int           `json:"total_entries"`
	HitCount          int           `json:"hit_count"`
	MissCount         int           `json:"miss_count"`
	EvictionCount     int           `json:"eviction_count"`
	TotalSizeBytes    int           `json:"total_size_bytes"`
	HitRatio          float64       `json:"hit_ratio"`
	AverageAccessTime time.Duration `json:"average_access_time"`
}

// Cache is an LRU plan cache with tenant and tag indexes. Safe for
// concurrent use; every index mutation happens under the cache lock.
type Cache struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	lru       *list.List // front = most recently used
	byTenant  map[uuid.UUID]map[string]struct{}
	byTag     map[string]map[string]struct{}
	totalSize int

	hits, misses, evictions int
	accessTime              time.Duration
	accessCount             int

	stopOnce sync.Once
	stop     chan struct{}
}

func New(cfg Config) *Cache {
	return &Cache{
		cfg:      cfg.withDefaults(),
		logger:   slog.Default().With("component", "plan-cache"),
		now:      time.Now,
		entries:  map[string]*entry{},
		lru:      list.New(),
		byTenant: map[uuid.UUID]map[string]struct{}{},
		byTag:    map[string]map[string]struct{}{},
		stop:     make(chan struct{}),
	}
}

// WithClock overrides the time source.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Start launches the background sweep of expired entries. It returns
// immediately; the sweeper runs until Close or context cancellation.
func (c *Cache) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.SweepExpired()
			}
		}
	}()
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Get returns the cached plan for the hash, or false on absence,
// tenant mismatch or expiry. Hits refresh LRU order and counters.
func (c *Cache) Get(planHash string, tenantID uuid.UUID) (*plan.Plan, bool) {
	start := time.Now()
	c.mu.Lock()
	defer func() {
		c.accessTime += time.Since(start)
		c.accessCount++
		c.mu.Unlock()
	}()

	e, ok := c.entries[planHash]
	if !ok {
		c.misses++
		return nil, false
	}
	if e.tenantID != tenantID {
		c.misses++
		c.logger.Warn("cache access denied - tenant mismatch",
			"plan_hash", planHash,
			"cache_tenant_id", e.tenantID,
			"requesting_tenant_id", tenantID)
		return nil, false
	}
	now := c.now()
	if !e.expiresAt.IsZero() && e.expiresAt.Before(now) {
		c.evict(e)
		c.misses++
		return nil, false
	}

	e.accessCount++
	e.lastAccessed = now
	c.lru.MoveToFront(e.elem)
	c.hits++
	return e.plan, true
}

// Put caches the plan under its hash. A non-positive ttl uses the
// default. Returns false when the plan cannot be serialized for size
// accounting.
func (c *Cache) Put(p *plan.Plan, ttl time.Duration, tags []string) bool {
	raw, err := json.Marshal(p)
	if err != nil {
		c.logger.Error("failed to cache plan", "plan_hash", p.Hash, "error", err)
		return false
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[p.Hash]; ok {
		c.evict(existing)
	}
	c.ensureCapacity(len(raw))

	now := c.now()
	e := &entry{
		planHash:     p.Hash,
		tenantID:     p.TenantID,
		plan:         p,
		cachedAt:     now,
		lastAccessed: now,
		expiresAt:    now.Add(ttl),
		tags:         append([]string(nil), tags...),
		size:         len(raw),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[p.Hash] = e
	c.totalSize += e.size

	if c.byTenant[e.tenantID] == nil {
		c.byTenant[e.tenantID] = map[string]struct{}{}
	}
	c.byTenant[e.tenantID][e.planHash] = struct{}{}
	for _, tag := range e.tags {
		if c.byTag[tag] == nil {
			c.byTag[tag] = map[string]struct{}{}
		}
		c.byTag[tag][e.planHash] = struct{}{}
	}

	c.logger.Info("plan cached",
		"plan_hash", p.Hash,
		"tenant_id", p.TenantID,
		"expires_at", e.expiresAt,
		"tags", tags)
	return true
}

// Invalidate removes one entry. Returns whether it existed.
func (c *Cache) Invalidate(planHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[planHash]
	if !ok {
		return false
	}
	c.evict(e)
	return true
}

// InvalidateByTenant drops every entry of the tenant.
func (c *Cache) InvalidateByTenant(tenantID uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for hash := range c.byTenant[tenantID] {
		if e, ok := c.entries[hash]; ok {
			c.evict(e)
			count++
		}
	}
	return count
}

// InvalidateByTag drops every entry carrying the tag.
func (c *Cache) InvalidateByTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for hash := range c.byTag[tag] {
		if e, ok := c.entries[hash]; ok {
			c.evict(e)
			count++
		}
	}
	return count
}

// SweepExpired evicts every expired entry and returns the count.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var expired []*entry
	for _, e := range c.entries {
		if !e.expiresAt.IsZero() && e.expiresAt.Before(now) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.evict(e)
	}
	if len(expired) > 0 {
		c.logger.Info("expired cache entries cleaned up", "count", len(expired))
	}
	return len(expired)
}

// Clear drops everything and returns the number of removed entries.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := len(c.entries)
	c.entries = map[string]*entry{}
	c.lru = list.New()
	c.byTenant = map[uuid.UUID]map[string]struct{}{}
	c.byTag = map[string]map[string]struct{}{}
	c.totalSize = 0
	return count
}

// Stats snapshots cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		TotalEntries:   len(c.entries),
		HitCount:       c.hits,
		MissCount:      c.misses,
		EvictionCount:  c.evictions,
		TotalSizeBytes: c.totalSize,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRatio = float64(c.hits) / float64(total)
	}
	if c.accessCount > 0 {
		s.AverageAccessTime = c.accessTime / time.Duration(c.accessCount)
	}
	return s
}

// ensureCapacity evicts LRU entries until count and size limits can
// accommodate one more entry of the given size. Caller holds the lock.
func (c *Cache) ensureCapacity(incoming int) {
	for len(c.entries) >= c.cfg.MaxEntries && c.lru.Len() > 0 {
		c.evictLRU()
	}
	for c.totalSize+incoming > c.cfg.MaxSizeBytes && c.lru.Len() > 0 {
		c.evictLRU()
	}
}

func (c *Cache) evictLRU() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	c.evict(back.Value.(*entry))
}

// evict removes the entry from the map, LRU list and every index.
// Caller holds the lock.
func (c *Cache) evict(e *entry) {
	delete(c.entries, e.planHash)
	c.lru.Remove(e.elem)
	c.totalSize -= e.size

	if hashes := c.byTenant[e.tenantID]; hashes != nil {
		delete(hashes, e.planHash)
		if len(hashes) == 0 {
			delete(c.byTenant, e.tenantID)
		}
	}
	for _, tag := range e.tags {
		if hashes := c.byTag[tag]; hashes != nil {
			delete(hashes, e.planHash)
			if len(hashes) == 0 {
				delete(c.byTag, tag)
			}
		}
	}
	c.evictions++
}
