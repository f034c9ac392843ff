package core

import (
	"context"

	"pkt.systems/assetlock/internal/queue"
	"pkt.systems/assetlock/lockerr"
	"pkt.systems/assetlock/record"
)

// project returns the state path will have once every queued command for it
// has executed successfully. Pending is read before the cache: the executor
// updates the cache before it pops, and every overlay is idempotent.
func (s *Service) project(path, identity string) (record.Record, bool) {
	pending := s.queue.Pending(path)
	rec, tracked := s.cache.GetByPath(path)
	for _, cmd := range pending {
		switch cmd.Kind {
		case queue.KindTrack:
			if !tracked {
				rec = record.FromPath(cmd.Target.ID, path)
				tracked = true
			}
		case queue.KindUntrack:
			rec = record.Record{}
			tracked = false
		case queue.KindLock:
			if tracked {
				rec = rec.WithLock(rec.LockID, identity, rec.LockedAt)
			}
		case queue.KindUnlock:
			if tracked {
				rec = rec.Reset()
			}
		}
	}
	return rec, tracked
}

// admit normalizes path and waits for the readiness gate.
func (s *Service) admit(ctx context.Context, op, path string) (string, string, error) {
	normalized := record.NormalizePath(path)
	if normalized == "" {
		return "", "", lockerr.Validation(op, path, lockerr.CodeInvalidPath, "empty path")
	}
	identity, err := s.gate.Wait(ctx)
	if err != nil {
		return "", "", err
	}
	return normalized, identity, nil
}

// enqueue pushes cmds as one unit bound to the upcoming cycle.
func (s *Service) enqueue(delay bool, cmds ...queue.Command) *Ticket {
	s.mu.Lock()
	t := newTicket(s.next)
	for i := range cmds {
		cmds[i].Done = t.record
		t.ids = append(t.ids, cmds[i].ID)
	}
	depth := s.queue.Push(cmds...)
	s.mu.Unlock()

	for _, cmd := range cmds {
		s.logger.Debug("engine.command.enqueued", "cid", cmd.ID, "kind", cmd.Kind, "path", cmd.Target.Path, "force", cmd.Force, "depth", depth)
	}
	if delay {
		s.requestRun(s.coalesceDelay)
	} else {
		s.requestRun(0)
	}
	return t
}

// Track registers path as lockable. Already tracked paths are a no-op and
// return a nil ticket.
func (s *Service) Track(ctx context.Context, path string, force bool) (*Ticket, error) {
	path, identity, err := s.admit(ctx, "track", path)
	if err != nil {
		return nil, err
	}
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	if _, tracked := s.project(path, identity); tracked && !force {
		return nil, nil
	}
	if !force && s.shouldTrack != nil && !s.shouldTrack(path) {
		return nil, lockerr.Validation("track", path, lockerr.CodeNotTrackable, "")
	}
	return s.enqueue(true, queue.NewCommand(queue.KindTrack, queue.Target{Path: path}, force)), nil
}

// TrackMany enqueues Track for every path that is not yet tracked and passes
// the tracking verdict. Rejected paths are skipped.
func (s *Service) TrackMany(ctx context.Context, paths []string) (*Ticket, error) {
	if _, err := s.gate.Wait(ctx); err != nil {
		return nil, err
	}
	identity := s.gate.Identity()
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	seen := make(map[string]struct{}, len(paths))
	var cmds []queue.Command
	for _, p := range paths {
		p = record.NormalizePath(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if _, tracked := s.project(p, identity); tracked {
			continue
		}
		if s.shouldTrack != nil && !s.shouldTrack(p) {
			continue
		}
		cmds = append(cmds, queue.NewCommand(queue.KindTrack, queue.Target{Path: p}, false))
	}
	if len(cmds) == 0 {
		return nil, nil
	}
	s.logger.Info("engine.track_many", "requested", len(paths), "enqueued", len(cmds))
	return s.enqueue(true, cmds...), nil
}

// Untrack removes path from lock management. Untracked paths are a no-op
// unless force is set.
func (s *Service) Untrack(ctx context.Context, path string, force bool) (*Ticket, error) {
	path, identity, err := s.admit(ctx, "untrack", path)
	if err != nil {
		return nil, err
	}
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	if _, tracked := s.project(path, identity); !tracked && !force {
		return nil, nil
	}
	return s.enqueue(true, queue.NewCommand(queue.KindUntrack, queue.Target{Path: path}, force)), nil
}

// Lock acquires the remote lock on path. Without force the path must be
// tracked and unlocked. With force an untracked path is tracked first and
// an existing lock, held by anyone, is released first.
func (s *Service) Lock(ctx context.Context, path string, force bool) (*Ticket, error) {
	path, identity, err := s.admit(ctx, "lock", path)
	if err != nil {
		return nil, err
	}
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	rec, tracked := s.project(path, identity)
	if !force {
		if !tracked {
			return nil, lockerr.Validation("lock", path, lockerr.CodeNotTracked, "")
		}
		if rec.Locked {
			return nil, lockerr.Validation("lock", path, lockerr.CodeAlreadyLocked, "locked by "+rec.Owner)
		}
		return s.enqueue(true, queue.NewCommand(queue.KindLock, queue.Target{ID: rec.ID, Path: path}, false)), nil
	}
	var cmds []queue.Command
	if !tracked {
		cmds = append(cmds, queue.NewCommand(queue.KindTrack, queue.Target{Path: path}, true))
	}
	if rec.Locked {
		cmds = append(cmds, queue.NewCommand(queue.KindUnlock, queue.Target{ID: rec.ID, Path: path, LockID: rec.LockID}, true))
	}
	cmds = append(cmds, queue.NewCommand(queue.KindLock, queue.Target{ID: rec.ID, Path: path}, true))
	return s.enqueue(true, cmds...), nil
}

// Unlock releases the lock on path. Without force the path must be tracked
// and not locked by someone else.
func (s *Service) Unlock(ctx context.Context, path string, force bool) (*Ticket, error) {
	path, identity, err := s.admit(ctx, "unlock", path)
	if err != nil {
		return nil, err
	}
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	rec, tracked := s.project(path, identity)
	if !force {
		if !tracked {
			return nil, lockerr.Validation("unlock", path, lockerr.CodeNotTracked, "")
		}
		if rec.LockedByOther(identity) {
			return nil, lockerr.Validation("unlock", path, lockerr.CodeNotOwner, "locked by "+rec.Owner)
		}
	}
	return s.enqueue(true, queue.NewCommand(queue.KindUnlock, queue.Target{ID: rec.ID, Path: path, LockID: rec.LockID}, force)), nil
}

// UnlockAll enqueues Unlock for every record locked by the caller.
func (s *Service) UnlockAll(ctx context.Context) (*Ticket, error) {
	identity, err := s.gate.Wait(ctx)
	if err != nil {
		return nil, err
	}
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	var cmds []queue.Command
	for _, cached := range s.cache.Snapshot() {
		rec, tracked := s.project(cached.Path, identity)
		if !tracked || !rec.LockedBy(identity) {
			continue
		}
		cmds = append(cmds, queue.NewCommand(queue.KindUnlock, queue.Target{ID: rec.ID, Path: rec.Path, LockID: rec.LockID}, false))
	}
	if len(cmds) == 0 {
		return nil, nil
	}
	return s.enqueue(true, cmds...), nil
}

// RefreshOne re-reads the remote lock state of path.
func (s *Service) RefreshOne(ctx context.Context, path string) (*Ticket, error) {
	path, _, err := s.admit(ctx, "refresh", path)
	if err != nil {
		return nil, err
	}
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	return s.enqueue(false, queue.NewCommand(queue.KindRefreshOne, queue.Target{Path: path}, false)), nil
}

// CanEdit reports whether the caller may modify path. It returns false and
// the holder when someone else holds the lock.
func (s *Service) CanEdit(path string) (bool, string) {
	rec, ok := s.cache.GetByPath(path)
	if !ok {
		return true, ""
	}
	if rec.LockedByOther(s.gate.Identity()) {
		return false, rec.Owner
	}
	return true, ""
}

// AutoLock takes the lock on path before an edit and waits for the covering
// cycle. It refuses when someone else holds the lock and does nothing when
// the caller already holds it.
func (s *Service) AutoLock(ctx context.Context, path string) error {
	normalized := record.NormalizePath(path)
	if ok, owner := s.CanEdit(normalized); !ok {
		return lockerr.Validation("autolock", normalized, lockerr.CodeNotOwner, "locked by "+owner)
	}
	identity, err := s.gate.Wait(ctx)
	if err != nil {
		return err
	}
	s.submitMu.Lock()
	rec, tracked := s.project(normalized, identity)
	s.submitMu.Unlock()
	if tracked && rec.LockedBy(identity) {
		return nil
	}
	ticket, err := s.Lock(ctx, normalized, true)
	if err != nil {
		return err
	}
	return ticket.Wait(ctx)
}

// RegisterMove re-keys the cached record from oldPath to newPath without a
// backend round trip.
func (s *Service) RegisterMove(oldPath, newPath string) error {
	rec, err := s.cache.Move(oldPath, newPath)
	if err != nil {
		return err
	}
	s.logger.Info("engine.move", "from", record.NormalizePath(oldPath), "to", rec.Path, "id", rec.ID, "locked", rec.Locked)
	return nil
}
