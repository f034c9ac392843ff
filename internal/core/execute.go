package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/assetlock/internal/backend"
	"pkt.systems/assetlock/internal/clock"
	"pkt.systems/assetlock/internal/lockcache"
	"pkt.systems/assetlock/internal/queue"
	"pkt.systems/assetlock/lockerr"
	"pkt.systems/assetlock/record"
	"pkt.systems/pslog"
)

// executor applies one command against the backend and, only on success,
// the cache. It holds no state between commands.
type executor struct {
	backend  backend.Backend
	cache    *lockcache.Cache
	identity string
	identify lockcache.Identifier
	clock    clock.Clock
	logger   pslog.Logger
}

func (e executor) execute(ctx context.Context, cmd queue.Command) error {
	switch cmd.Kind {
	case queue.KindTrack:
		return e.track(ctx, cmd)
	case queue.KindUntrack:
		return e.untrack(ctx, cmd)
	case queue.KindLock:
		return e.lock(ctx, cmd)
	case queue.KindUnlock:
		return e.unlock(ctx, cmd)
	case queue.KindRefreshOne:
		return e.refreshOne(ctx, cmd)
	default:
		return fmt.Errorf("core: unknown command kind %q", cmd.Kind)
	}
}

func (e executor) track(ctx context.Context, cmd queue.Command) error {
	path := cmd.Target.Path
	if _, ok := e.cache.GetByPath(path); ok && !cmd.Force {
		return nil
	}
	if err := e.backend.Track(ctx, path); err != nil {
		return err
	}
	if _, ok := e.cache.GetByPath(path); ok {
		return nil
	}
	id := cmd.Target.ID
	if id == "" {
		id = e.identify(path)
	}
	return e.cache.Upsert(record.FromPath(id, path))
}

func (e executor) untrack(ctx context.Context, cmd queue.Command) error {
	path := cmd.Target.Path
	rec, ok := e.cache.GetByPath(path)
	if ok && rec.LockedBy(e.identity) {
		if _, err := e.backend.DeleteLock(ctx, backend.LockRef{ID: rec.LockID, Path: path}, false); err != nil {
			e.logger.Warn("engine.untrack.unlock_failed", "path", path, "lock_id", rec.LockID, "error", err)
		}
	}
	if err := e.backend.Untrack(ctx, path); err != nil {
		return err
	}
	e.cache.RemoveByPath(path)
	return nil
}

func (e executor) lock(ctx context.Context, cmd queue.Command) error {
	path := cmd.Target.Path
	rec, ok := e.cache.GetByPath(path)
	if !ok {
		return lockerr.Validation("lock", path, lockerr.CodeNotTracked, "")
	}
	if rec.LockedBy(e.identity) && !cmd.Force {
		return nil
	}
	locked, err := e.backend.CreateLock(ctx, path)
	if err != nil && cmd.Force && errors.Is(err, lockerr.ErrConflict) {
		var remote *lockerr.RemoteError
		ref := backend.LockRef{Path: path}
		if errors.As(err, &remote) {
			ref.ID = remote.Lock.LockID
		}
		e.logger.Info("engine.lock.force_takeover", "path", path, "lock_id", ref.ID, "owner", conflictOwner(remote))
		if _, derr := e.backend.DeleteLock(ctx, ref, true); derr != nil {
			return errors.Join(err, derr)
		}
		locked, err = e.backend.CreateLock(ctx, path)
	}
	if err != nil {
		return err
	}
	cur, ok := e.cache.GetByID(rec.ID)
	if !ok {
		return nil
	}
	owner := locked.Owner
	if owner == "" {
		owner = e.identity
	}
	lockedAt := locked.LockedAt
	if lockedAt == "" {
		lockedAt = e.clock.Now().UTC().Format(time.RFC3339)
	}
	return e.cache.Upsert(cur.WithLock(locked.LockID, owner, lockedAt))
}

func conflictOwner(remote *lockerr.RemoteError) string {
	if remote == nil {
		return ""
	}
	return remote.Lock.Owner
}

func (e executor) unlock(ctx context.Context, cmd queue.Command) error {
	path := cmd.Target.Path
	rec, ok := e.cache.GetByPath(path)
	if !ok {
		if !cmd.Force {
			return lockerr.Validation("unlock", path, lockerr.CodeNotTracked, "")
		}
		_, err := e.backend.DeleteLock(ctx, backend.LockRef{ID: cmd.Target.LockID, Path: path}, true)
		return err
	}
	if !rec.Locked && !cmd.Force {
		return nil
	}
	ref := backend.LockRef{ID: rec.LockID, Path: path}
	if cmd.Target.LockID != "" {
		ref.ID = cmd.Target.LockID
	}
	if _, err := e.backend.DeleteLock(ctx, ref, cmd.Force); err != nil {
		return err
	}
	if cur, ok := e.cache.GetByID(rec.ID); ok {
		return e.cache.Upsert(cur.Reset())
	}
	return nil
}

func (e executor) refreshOne(ctx context.Context, cmd queue.Command) error {
	path := cmd.Target.Path
	listed, err := e.backend.ListLocks(ctx, backend.Filter{Path: path})
	if err != nil {
		return err
	}
	var remote *record.Record
	for i := range listed {
		if record.NormalizePath(listed[i].Path) == path {
			remote = &listed[i]
			break
		}
	}
	rec, ok := e.cache.GetByPath(path)
	if remote == nil {
		if ok && rec.Locked {
			return e.cache.Upsert(rec.Reset())
		}
		return nil
	}
	if !ok {
		id := cmd.Target.ID
		if id == "" {
			id = e.identify(path)
		}
		rec = record.FromPath(id, path)
	}
	return e.cache.Upsert(rec.WithLock(remote.LockID, remote.Owner, remote.LockedAt))
}
