// Package record defines the lock record tracked for every versioned asset and
// its persisted tuple form.
package record

import (
	"path"
	"path/filepath"
	"strings"
)

// Record describes one tracked asset and its lock state. The zero value means
// "not tracked".
type Record struct {
	ID       string
	Path     string
	Name     string
	Locked   bool
	LockID   string
	Owner    string
	LockedAt string
}

// FromPath builds an unlocked record for path with the supplied stable id.
func FromPath(id, p string) Record {
	p = NormalizePath(p)
	return Record{ID: strings.TrimSpace(id), Path: p, Name: baseName(p)}
}

// FromID builds a record reference that carries only an id.
func FromID(id string) Record {
	return Record{ID: strings.TrimSpace(id)}
}

// Valid reports whether the record refers to a tracked asset.
func (r Record) Valid() bool {
	return r.ID != ""
}

// WithLock returns a copy of r locked by owner.
func (r Record) WithLock(lockID, owner, lockedAt string) Record {
	r.Locked = true
	r.LockID = lockID
	r.Owner = owner
	r.LockedAt = lockedAt
	return r
}

// Reset returns a copy of r with every lock field cleared.
func (r Record) Reset() Record {
	r.Locked = false
	r.LockID = ""
	r.Owner = ""
	r.LockedAt = ""
	return r
}

// WithPath returns a copy of r moved to p, keeping the lock fields.
func (r Record) WithPath(p string) Record {
	r.Path = NormalizePath(p)
	r.Name = baseName(r.Path)
	return r
}

// LockedBy reports whether r is locked by identity.
func (r Record) LockedBy(identity string) bool {
	return r.Locked && identity != "" && r.Owner == identity
}

// LockedByOther reports whether r is locked by anyone but identity.
func (r Record) LockedByOther(identity string) bool {
	return r.Locked && r.Owner != identity
}

// Normalize canonicalises the path and name and clears lock fields on
// unlocked records.
func (r Record) Normalize() Record {
	r.ID = strings.TrimSpace(r.ID)
	if r.Path != "" {
		r.Path = NormalizePath(r.Path)
		r.Name = baseName(r.Path)
	}
	if !r.Locked {
		r = r.Reset()
	}
	return r
}

// NormalizePath converts p to a clean, forward-slash, repository-relative path.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.ToSlash(p)
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	if p == "." {
		return ""
	}
	return p
}

func baseName(p string) string {
	if p == "" {
		return ""
	}
	return path.Base(p)
}
