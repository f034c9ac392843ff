// Package lockcache holds the dual-indexed (id and path) lock record cache.
package lockcache

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"pkt.systems/assetlock/lockerr"
	"pkt.systems/assetlock/record"
)

// Identifier derives a stable record id for a repository path.
type Identifier func(path string) string

// PathIdentifier derives a deterministic name-based UUID (v5) from path.
func PathIdentifier(path string) string {
	path = record.NormalizePath(path)
	if path == "" {
		return ""
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("assetlock:"+path)).String()
}

// ReconcileStats summarises one Reconcile call.
type ReconcileStats struct {
	Upserted int
	Reset    int
	Skipped  int
}

// Cache stores one record per id and per path.
type Cache struct {
	mu     sync.RWMutex
	byID   map[string]record.Record
	byPath map[string]string
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		byID:   make(map[string]record.Record),
		byPath: make(map[string]string),
	}
}

// GetByID returns the record with id.
func (c *Cache) GetByID(id string) (record.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.byID[id]
	return rec, ok
}

// GetByPath returns the record tracked at path.
func (c *Cache) GetByPath(path string) (record.Record, bool) {
	path = record.NormalizePath(path)
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byPath[path]
	if !ok {
		return record.Record{}, false
	}
	rec, ok := c.byID[id]
	return rec, ok
}

// ContainsID reports whether id is cached.
func (c *Cache) ContainsID(id string) bool {
	_, ok := c.GetByID(id)
	return ok
}

// ContainsPath reports whether path is cached.
func (c *Cache) ContainsPath(path string) bool {
	_, ok := c.GetByPath(path)
	return ok
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// Upsert inserts or replaces rec. Replacing the record with the same id may
// change its path; colliding with a different record at the path index fails.
func (c *Cache) Upsert(rec record.Record) error {
	rec = rec.Normalize()
	if !rec.Valid() || rec.Path == "" {
		return lockerr.Validation("upsert", rec.Path, lockerr.CodeInvalidPath, "record requires id and path")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upsertLocked(rec)
}

func (c *Cache) upsertLocked(rec record.Record) error {
	if owner, ok := c.byPath[rec.Path]; ok && owner != rec.ID {
		return lockerr.Validation("upsert", rec.Path, lockerr.CodeKeyCollision, "path already tracked by "+owner)
	}
	if prev, ok := c.byID[rec.ID]; ok && prev.Path != rec.Path {
		delete(c.byPath, prev.Path)
	}
	c.byID[rec.ID] = rec
	c.byPath[rec.Path] = rec.ID
	return nil
}

// RemoveByID deletes the record with id from both indices.
func (c *Cache) RemoveByID(id string) (record.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byID[id]
	if !ok {
		return record.Record{}, false
	}
	delete(c.byID, id)
	delete(c.byPath, rec.Path)
	return rec, true
}

// RemoveByPath deletes the record tracked at path from both indices.
func (c *Cache) RemoveByPath(path string) (record.Record, bool) {
	path = record.NormalizePath(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byPath[path]
	if !ok {
		return record.Record{}, false
	}
	rec := c.byID[id]
	delete(c.byID, id)
	delete(c.byPath, path)
	return rec, true
}

// Move re-keys the record at oldPath to newPath, preserving its lock fields.
func (c *Cache) Move(oldPath, newPath string) (record.Record, error) {
	oldPath = record.NormalizePath(oldPath)
	newPath = record.NormalizePath(newPath)
	if newPath == "" {
		return record.Record{}, lockerr.Validation("move", newPath, lockerr.CodeInvalidPath, "empty destination")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byPath[oldPath]
	if !ok {
		return record.Record{}, lockerr.Validation("move", oldPath, lockerr.CodeNotTracked, "")
	}
	if oldPath == newPath {
		return c.byID[id], nil
	}
	if other, taken := c.byPath[newPath]; taken && other != id {
		return record.Record{}, lockerr.Validation("move", newPath, lockerr.CodeKeyCollision, "destination already tracked")
	}
	rec := c.byID[id].WithPath(newPath)
	delete(c.byPath, oldPath)
	c.byPath[newPath] = id
	c.byID[id] = rec
	return rec, nil
}

// Snapshot returns a copy of every record ordered by path.
func (c *Cache) Snapshot() []record.Record {
	c.mu.RLock()
	out := make([]record.Record, 0, len(c.byID))
	for _, rec := range c.byID {
		out = append(out, rec)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Clear drops every record.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[string]record.Record)
	c.byPath = make(map[string]string)
}

// Load replaces the cache content with records. Records that collide are
// skipped and reported in the joined error.
func (c *Cache) Load(records []record.Record) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[string]record.Record, len(records))
	c.byPath = make(map[string]string, len(records))
	var errs []error
	loaded := 0
	for _, rec := range records {
		rec = rec.Normalize()
		if !rec.Valid() || rec.Path == "" {
			errs = append(errs, lockerr.Validation("load", rec.Path, lockerr.CodeInvalidPath, "record requires id and path"))
			continue
		}
		if err := c.upsertLocked(rec); err != nil {
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// Reconcile merges an authoritative remote listing. Each remote record is
// upserted; its id is taken from the cached record at the same path or from
// identify. Cached records absent from the listing are reset to unlocked and
// kept.
func (c *Cache) Reconcile(remote []record.Record, identify Identifier) ReconcileStats {
	if identify == nil {
		identify = PathIdentifier
	}
	var stats ReconcileStats
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{}, len(remote))
	for _, rr := range remote {
		rr = rr.Normalize()
		if rr.Path == "" {
			stats.Skipped++
			continue
		}
		if id, ok := c.byPath[rr.Path]; ok {
			rr.ID = id
		} else if rr.ID == "" || c.idTakenElsewhere(rr.ID, rr.Path) {
			rr.ID = identify(rr.Path)
		}
		if rr.ID == "" {
			stats.Skipped++
			continue
		}
		if err := c.upsertLocked(rr); err != nil {
			stats.Skipped++
			continue
		}
		seen[rr.ID] = struct{}{}
		stats.Upserted++
	}
	for id, rec := range c.byID {
		if _, ok := seen[id]; ok {
			continue
		}
		if rec.Locked {
			c.byID[id] = rec.Reset()
			stats.Reset++
		}
	}
	return stats
}

func (c *Cache) idTakenElsewhere(id, path string) bool {
	prev, ok := c.byID[id]
	return ok && prev.Path != path
}
