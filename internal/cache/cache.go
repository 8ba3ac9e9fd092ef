// Package cache memoizes task results for the execution engine.
package cache

import (
	"sync"
	"sync/atomic"

	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/task"
)

// ResultCache is a concurrency-safe task result store gated by an enable flag.
// While disabled every operation is a no-op reporting a miss. There is no
// eviction and no TTL: a stored result is served until Clear.
type ResultCache struct {
	enabled       atomic.Bool
	scope         model.CacheScope
	storeFailures bool

	mu    sync.RWMutex
	items map[string]task.Result

	hits   atomic.Int64
	misses atomic.Int64
}

func New(cfg model.CacheConfig) *ResultCache {
	scope := cfg.Scope
	if scope != model.CacheScopeExecution {
		scope = model.CacheScopeGlobal
	}
	c := &ResultCache{
		scope:         scope,
		storeFailures: cfg.ShouldStoreFailures(),
		items:         make(map[string]task.Result),
	}
	c.enabled.Store(cfg.Enabled)
	return c
}

// Key builds the cache key for a task in the configured scope.
func (c *ResultCache) Key(executionID model.ExecutionID, project, taskID string) string {
	if c.scope == model.CacheScopeExecution {
		return string(executionID) + "/" + project + "/" + taskID
	}
	return taskID
}

func (c *ResultCache) Enabled() bool {
	return c.enabled.Load()
}

func (c *ResultCache) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

func (c *ResultCache) Scope() model.CacheScope {
	return c.scope
}

func (c *ResultCache) IsCached(key string) bool {
	_, ok := c.Get(key)
	return ok
}

func (c *ResultCache) Get(key string) (task.Result, bool) {
	if !c.Enabled() {
		return task.Result{}, false
	}
	c.mu.RLock()
	result, ok := c.items[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return result, ok
}

// Store records result under key. Failed results are skipped when the cache
// was configured not to store failures.
func (c *ResultCache) Store(key string, result task.Result) {
	if !c.Enabled() {
		return
	}
	if !result.Success && !c.storeFailures {
		return
	}
	c.mu.Lock()
	c.items[key] = result
	c.mu.Unlock()
}

// Clear removes all entries and returns how many were dropped.
func (c *ResultCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.items)
	c.items = make(map[string]task.Result)
	return n
}

// Size returns the current number of items in the cache.
func (c *ResultCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns cache statistics.
func (c *ResultCache) Stats() Stats {
	return Stats{
		Enabled: c.Enabled(),
		Scope:   c.scope,
		Size:    c.Size(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// Stats represents cache statistics.
type Stats struct {
	Enabled bool             `json:"enabled"`
	Scope   model.CacheScope `json:"scope"`
	Size    int              `json:"size"`
	Hits    int64            `json:"hits"`
	Misses  int64            `json:"misses"`
}
