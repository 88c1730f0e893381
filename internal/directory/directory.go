// Package directory backfills display names from address-book style sources.
// Lookups go through an explicit Cache owned by one ingestion run.
package directory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Napageneral/commsledger/internal/identity"
)

// Source answers "what is this person called" for one alias.
type Source interface {
	Lookup(ctx context.Context, alias identity.Alias) (name string, found bool, err error)
}

type entry struct {
	name  string
	found bool
}

// Cache memoizes a Source for the lifetime of one run. Entries are never
// evicted, and misses and lookup errors are cached as "not found" so a slow
// or failing collaborator is asked at most once per alias.
type Cache struct {
	mu      sync.Mutex
	src     Source
	log     *zap.Logger
	entries map[string]entry
	hits    int
	misses  int
}

// NewCache wraps src. A nil src yields a cache that never finds anything.
func NewCache(src Source, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{src: src, log: log, entries: make(map[string]entry)}
}

// Lookup implements identity.NameSource.
func (c *Cache) Lookup(ctx context.Context, alias identity.Alias) (string, bool) {
	if c == nil || c.src == nil {
		return "", false
	}
	key := alias.Key()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.hits++
		c.mu.Unlock()
		return e.name, e.found
	}
	c.misses++
	c.mu.Unlock()

	name, found, err := c.src.Lookup(ctx, alias)
	if err != nil {
		c.log.Debug("name lookup failed", zap.String("alias", key), zap.Error(err))
		name, found = "", false
	}

	c.mu.Lock()
	c.entries[key] = entry{name: name, found: found}
	c.mu.Unlock()
	return name, found
}

// Stats returns cache hits and misses.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Chain asks each source in order and returns the first hit.
type Chain []Source

func (ch Chain) Lookup(ctx context.Context, alias identity.Alias) (string, bool, error) {
	var firstErr error
	for _, s := range ch {
		name, found, err := s.Lookup(ctx, alias)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if found {
			return name, true, nil
		}
	}
	return "", false, firstErr
}
