// Package backend implements the transports that talk to the remote locking
// service: a git-lfs subprocess variant, an HTTP variant, and the fallback
// strategy that switches from HTTP to the subprocess variant on server errors.
package backend

import (
	"context"
	"strings"

	"pkt.systems/assetlock/api"
	"pkt.systems/assetlock/record"
)

// Backend is the contract every transport satisfies. Lock records returned by
// a backend carry Path and lock fields; the caller assigns record ids.
type Backend interface {
	// Name identifies the transport in logs and status output.
	Name() string
	// Initialize prepares the working copy and resolves the user identity.
	Initialize(ctx context.Context) (string, error)
	Track(ctx context.Context, path string) error
	Untrack(ctx context.Context, path string) error
	CreateLock(ctx context.Context, path string) (record.Record, error)
	DeleteLock(ctx context.Context, ref LockRef, force bool) (record.Record, error)
	ListLocks(ctx context.Context, filter Filter) ([]record.Record, error)
}

// LockRef addresses a lock by remote lock id, falling back to path.
type LockRef struct {
	ID   string
	Path string
}

func (r LockRef) String() string {
	if r.ID != "" {
		return "id=" + r.ID
	}
	return r.Path
}

// Filter narrows a listing. The zero value lists every lock.
type Filter struct {
	Path    string
	ID      string
	Cursor  string
	Limit   int
	Refspec string
}

// Mode selects the transport used by Fallback.
type Mode string

const (
	ModeHTTP Mode = "http"
	ModeCLI  Mode = "cli"
)

// ParseMode maps configuration strings to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http", "https", "api":
		return ModeHTTP, true
	case "cli", "process", "git-lfs":
		return ModeCLI, true
	}
	return "", false
}

// FromLock converts a wire lock into a locked record without an id.
func FromLock(l api.Lock) record.Record {
	rec := record.FromPath("", l.Path)
	return rec.WithLock(l.ID, l.OwnerName(), l.LockedAt)
}

func fromLocks(locks []api.Lock) []record.Record {
	out := make([]record.Record, 0, len(locks))
	for _, l := range locks {
		if strings.TrimSpace(l.Path) == "" {
			continue
		}
		out = append(out, FromLock(l))
	}
	return out
}
