// Package idcache maps names of hosts, devices and counter kinds to the
// numeric IDs of their identity rows in the store.
//
// A cache lives exactly as long as one store session. IDs are assumed valid
// only for that session, so a reconnect starts from an empty cache and
// repopulates it in bulk.
package idcache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xtxerr/brwmon/internal/errors"
)

// Category is the identity namespace a name belongs to.
type Category string

const (
	Device    Category = "ost"
	Host      Category = "oss"
	MDS       Category = "mds"
	MDT       Category = "mdt"
	Router    Category = "router"
	Operation Category = "op"
	Stats     Category = "stats"
)

// Categories returns all categories in the order they are populated.
func Categories() []Category {
	return []Category{Host, Device, MDS, MDT, Router, Operation, Stats}
}

// ParseCategory maps a category name to its Category.
func ParseCategory(name string) (Category, error) {
	for _, c := range Categories() {
		if string(c) == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown identity category %q", name)
}

// Key identifies one cache entry. Two categories may hold the same name
// without colliding.
type Key struct {
	Category Category
	Name     string
}

// Loader reads every identity row of one category.
type Loader interface {
	LoadAll(ctx context.Context, cat Category) (map[string]uint64, error)
}

// CreateFunc inserts a missing identity row and returns its ID.
type CreateFunc func(ctx context.Context) (uint64, error)

// Cache is a concurrency-safe name to ID map.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]uint64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[Key]uint64)}
}

// Resolve returns the ID of name in cat. A miss returns an error wrapping
// errors.ErrIdentityNotFound.
func (c *Cache) Resolve(cat Category, name string) (uint64, error) {
	c.mu.RLock()
	id, ok := c.entries[Key{cat, name}]
	c.mu.RUnlock()
	if !ok {
		return 0, errors.NewNotFound(string(cat), name)
	}
	return id, nil
}

// Put records an ID, replacing any previous entry.
func (c *Cache) Put(cat Category, name string, id uint64) {
	c.mu.Lock()
	c.entries[Key{cat, name}] = id
	c.mu.Unlock()
}

// Len returns the number of entries over all categories.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Each calls fn for every entry of cat in name order. Iteration stops at the
// first error, which is returned.
func (c *Cache) Each(cat Category, fn func(name string, id uint64) error) error {
	type entry struct {
		name string
		id   uint64
	}

	c.mu.RLock()
	var list []entry
	for k, id := range c.entries {
		if k.Category == cat {
			list = append(list, entry{k.Name, id})
		}
	}
	c.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })
	for _, e := range list {
		if err := fn(e.name, e.id); err != nil {
			return err
		}
	}
	return nil
}

// Reset drops every entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[Key]uint64)
	c.mu.Unlock()
}

// Populate loads every category with one query each.
func (c *Cache) Populate(ctx context.Context, loader Loader) error {
	for _, cat := range Categories() {
		rows, err := loader.LoadAll(ctx, cat)
		if err != nil {
			return fmt.Errorf("load %s identities: %w", cat, err)
		}
		c.mu.Lock()
		for name, id := range rows {
			c.entries[Key{cat, name}] = id
		}
		c.mu.Unlock()
	}
	return nil
}

// ResolveOrCreate resolves name and, on a miss, runs create and caches the
// ID it returns.
func (c *Cache) ResolveOrCreate(ctx context.Context, cat Category, name string, create CreateFunc) (uint64, error) {
	if id, err := c.Resolve(cat, name); err == nil {
		return id, nil
	}

	id, err := create(ctx)
	if err != nil {
		return 0, fmt.Errorf("autoconfigure %s %q: %w", cat, name, err)
	}
	c.Put(cat, name, id)
	return id, nil
}
