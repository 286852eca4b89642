// Package modelcache holds the in-memory, periodically refreshed set of
// active models, giving the balancer a synchronous GetModel lookup
// without a Postgres round trip on every request.
package modelcache

import (
	"sync"

	"github.com/railgate/gateway/domain"
)

// Cache is a concurrency-safe map of model ID to domain.Model.
type Cache struct {
	mu     sync.RWMutex
	models map[string]domain.Model
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{models: make(map[string]domain.Model)}
}

// Replace swaps the entire model set, used after a periodic reload from
// the store.
func (c *Cache) Replace(models []domain.Model) {
	next := make(map[string]domain.Model, len(models))
	for _, m := range models {
		next[m.ID] = m
	}
	c.mu.Lock()
	c.models = next
	c.mu.Unlock()
}

// GetModel looks up a model by ID, satisfying balancer.ModelSource.
func (c *Cache) GetModel(id string) (domain.Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	return m, ok
}

// All returns a snapshot of every cached model.
func (c *Cache) All() []domain.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	return out
}
