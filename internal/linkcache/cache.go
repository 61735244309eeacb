// Package linkcache is the client's local, ordered view of the user's links.
package linkcache

import (
	"slices"
	"sync"

	"github.com/sundayezeilo/shorty/internal/errx"
	"github.com/sundayezeilo/shorty/internal/idgen"
	"github.com/sundayezeilo/shorty/internal/link"
)

// Handle identifies an optimistic record until the server confirms or rejects it.
type Handle struct {
	id link.ID
}

// ID returns the placeholder id behind the handle.
func (h Handle) ID() link.ID { return h.id }

// Cache keeps records unique by id, newest first. It is safe for concurrent use.
type Cache struct {
	mu   sync.RWMutex
	recs []link.Record
	ids  idgen.Generator
}

// New returns an empty cache. A nil generator uses UUID v7 placeholders.
func New(ids idgen.Generator) *Cache {
	if ids == nil {
		ids = idgen.NewV7()
	}
	return &Cache{ids: ids}
}

// InsertOptimistic prepends rec under a fresh placeholder id.
func (c *Cache) InsertOptimistic(rec link.Record) (Handle, error) {
	const op = "linkcache.Cache.InsertOptimistic"

	id, err := idgen.Placeholder(c.ids)
	if err != nil {
		return Handle{}, errx.E(op, errx.Internal, err)
	}
	rec.ID = id
	rec.Optimistic = true

	c.mu.Lock()
	c.recs = slices.Insert(c.recs, 0, rec)
	c.mu.Unlock()

	return Handle{id: id}, nil
}

// Replace swaps the optimistic record behind h for the confirmed rec at the same
// position. Any other entry already holding rec.ID is dropped. Reports false if the
// placeholder is gone.
func (c *Cache) Replace(h Handle, rec link.Record) bool {
	rec.Optimistic = false

	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(h.id)
	if i < 0 {
		return false
	}
	c.recs[i] = rec

	out := c.recs[:0]
	for j, r := range c.recs {
		if j != i && r.ID == rec.ID {
			continue
		}
		out = append(out, r)
	}
	c.recs = out
	return true
}

// Discard drops the optimistic record behind h.
func (c *Cache) Discard(h Handle) bool {
	return c.Remove(h.id)
}

// ReplaceAll makes the cache equal to recs: duplicates by id keep their first
// occurrence, order is CreatedAt descending and optimistic entries are dropped.
func (c *Cache) ReplaceAll(recs []link.Record) {
	seen := make(map[link.ID]struct{}, len(recs))
	next := make([]link.Record, 0, len(recs))
	for _, r := range recs {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		r.Optimistic = false
		next = append(next, r)
	}
	slices.SortStableFunc(next, func(a, b link.Record) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	c.mu.Lock()
	c.recs = next
	c.mu.Unlock()
}

// Remove deletes the record with id. Reports false when absent.
func (c *Cache) Remove(id link.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(id)
	if i < 0 {
		return false
	}
	c.recs = slices.Delete(c.recs, i, i+1)
	return true
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.recs = nil
	c.mu.Unlock()
}

// Snapshot returns a copy of the records in display order.
func (c *Cache) Snapshot() []link.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.recs)
}

func (c *Cache) Get(id link.ID) (link.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if i := c.indexLocked(id); i >= 0 {
		return c.recs[i], true
	}
	return link.Record{}, false
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.recs)
}

func (c *Cache) indexLocked(id link.ID) int {
	return slices.IndexFunc(c.recs, func(r link.Record) bool { return r.ID == id })
}
