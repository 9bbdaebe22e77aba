// Package drivercache keeps one live storage driver per backend
// configuration, evicting the least recently used driver when full.
package drivercache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"asisaid.cn/unistore/internal/common/errors"
	"asisaid.cn/unistore/internal/common/logger"
	"asisaid.cn/unistore/internal/metrics"
	"asisaid.cn/unistore/internal/storage"
	"asisaid.cn/unistore/internal/storage/drivers"
)

// DefaultSize is the capacity used when a non-positive size is given.
const DefaultSize = 100

type entry struct {
	key        string
	driver     storage.Driver
	createdAt  time.Time
	lastAccess time.Time

	// Leases taken by Acquire and not yet released. An entry that leaves the
	// cache while leased is closed by its last release.
	leases  int
	retired bool
}

// Cache is an LRU of drivers keyed by configuration. It is safe for
// concurrent use; lookup, creation and eviction happen under one lock.
//
// A driver leaving the cache is closed once no Acquire lease on it remains.
// Drivers handed out by Get carry no lease and may be closed at any time
// after they leave the cache.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
	factory drivers.Factory
	now     func() time.Time
	log     *zap.Logger

	// Drivers removed while mu is held; closed after it is released.
	evicted []storage.Driver
}

// New creates a cache holding at most size drivers. A nil factory selects
// drivers.New.
func New(size int, factory drivers.Factory) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if factory == nil {
		factory = drivers.New
	}
	c := &Cache{
		factory: factory,
		now:     time.Now,
		log:     logger.WithComponent("DriverCache"),
	}
	entries, err := lru.NewWithEvict[string, *entry](size, c.onEvict)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	c.entries = entries
	return c
}

// Key returns a deterministic hash of every field of cfg after defaults are
// applied. Nil and empty credentials hash differently.
func Key(cfg storage.BackendConfig) string {
	cfg = cfg.Normalized()
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		// BackendConfig has only plain fields.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached driver for cfg, creating it on a miss. The driver
// is not leased; use Acquire for calls that must not race an eviction.
func (c *Cache) Get(ctx context.Context, cfg storage.BackendConfig) (storage.Driver, error) {
	c.mu.Lock()
	e, evicted, err := c.lookup(ctx, cfg)
	c.mu.Unlock()
	c.close(evicted)
	if err != nil {
		return nil, err
	}
	return e.driver, nil
}

// Acquire returns the cached driver for cfg together with a release func.
// The driver stays open until release is called, even if it is evicted in
// the meantime. Release is safe to call more than once.
func (c *Cache) Acquire(ctx context.Context, cfg storage.BackendConfig) (storage.Driver, func(), error) {
	c.mu.Lock()
	e, evicted, err := c.lookup(ctx, cfg)
	if err == nil {
		e.leases++
	}
	c.mu.Unlock()
	c.close(evicted)
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() { c.release(e) })
	}
	return e.driver, release, nil
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	e.leases--
	last := e.retired && e.leases == 0
	c.mu.Unlock()
	if last {
		c.close([]storage.Driver{e.driver})
	}
}

// lookup returns the entry for cfg, creating it on a miss, plus any drivers
// that became closable. Callers hold mu.
func (c *Cache) lookup(ctx context.Context, cfg storage.BackendConfig) (*entry, []storage.Driver, error) {
	key := Key(cfg)

	if e, ok := c.entries.Get(key); ok {
		e.lastAccess = c.now()
		metrics.RecordCacheHit()
		return e, nil, nil
	}
	metrics.RecordCacheMiss()

	d, err := c.factory(ctx, cfg)
	if err != nil {
		return nil, nil, errors.E("DriverCache.Get", errors.ErrInvalidConfig, err, "create storage driver")
	}
	now := c.now()
	e := &entry{key: key, driver: d, createdAt: now, lastAccess: now}
	if c.entries.Add(key, e) {
		metrics.RecordCacheEviction()
	}
	size := c.entries.Len()
	metrics.SetCacheSize(size)
	c.log.Debug("driver created",
		zap.String("backend", string(d.Kind())),
		zap.String("key", key[:12]),
		zap.Int("size", size),
	)
	return e, c.takeEvicted(), nil
}

// Contains reports whether a driver for cfg is cached, without refreshing it.
func (c *Cache) Contains(cfg storage.BackendConfig) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Contains(Key(cfg))
}

// LastAccess returns when the driver for cfg was last handed out.
func (c *Cache) LastAccess(cfg storage.BackendConfig) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(Key(cfg))
	if !ok {
		return time.Time{}, false
	}
	return e.lastAccess, true
}

// Remove drops the driver for cfg and closes it once unleased. It reports
// whether one was cached.
func (c *Cache) Remove(cfg storage.BackendConfig) bool {
	c.mu.Lock()
	removed := c.entries.Remove(Key(cfg))
	size := c.entries.Len()
	evicted := c.takeEvicted()
	c.mu.Unlock()

	metrics.SetCacheSize(size)
	c.close(evicted)
	return removed
}

// Clear drops every cached driver, closing each once unleased.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries.Purge()
	evicted := c.takeEvicted()
	c.mu.Unlock()

	metrics.SetCacheSize(0)
	c.close(evicted)
}

// Len returns the number of cached drivers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// onEvict runs inside lru calls made with mu held, for capacity evictions
// as well as Remove and Purge.
func (c *Cache) onEvict(key string, e *entry) {
	e.retired = true
	if e.leases == 0 {
		c.evicted = append(c.evicted, e.driver)
	}
	c.log.Debug("driver left cache",
		zap.String("key", key[:12]),
		zap.Time("last_access", e.lastAccess),
		zap.Int("leases", e.leases),
	)
}

func (c *Cache) takeEvicted() []storage.Driver {
	evicted := c.evicted
	c.evicted = nil
	return evicted
}

func (c *Cache) close(ds []storage.Driver) {
	for _, d := range ds {
		if err := d.Close(); err != nil {
			c.log.Warn("failed to close driver", zap.String("backend", string(d.Kind())), zap.Error(err))
		}
	}
}
