package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/assetlock/internal/backend"
	"pkt.systems/assetlock/internal/correlation"
	"pkt.systems/assetlock/lockerr"
)

const cycleKey = "cycle"

// requestRun pulls the next cycle forward to at most delay from now.
func (s *Service) requestRun(delay time.Duration) {
	due := s.clock.Now().Add(delay)
	s.mu.Lock()
	if due.Before(s.nextRun) {
		s.nextRun = due
	}
	s.mu.Unlock()
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Service) due() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.clock.Now().Before(s.nextRun)
}

func (s *Service) resetCountdown() {
	s.mu.Lock()
	s.nextRun = s.clock.Now().Add(s.refreshInterval)
	s.mu.Unlock()
}

// Run drives reconciliation cycles until ctx is done. It checks the countdown
// every tick and runs a cycle when it expires or when an enqueue pulled it
// forward.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("engine.loop.start", "refresh_interval", s.refreshInterval, "tick_interval", s.tickInterval)
	defer s.logger.Info("engine.loop.stop")
	for {
		if s.due() {
			if err := s.Cycle(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, lockerr.ErrNotReady) {
				s.logger.Warn("engine.cycle.failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.trigger:
		case <-s.clock.After(s.tickInterval):
		}
	}
}

// Cycle runs one reconciliation cycle, or joins the one in flight.
func (s *Service) Cycle(ctx context.Context) error {
	ch := s.flight.DoChan(cycleKey, func() (any, error) {
		running := make(chan struct{})
		s.mu.Lock()
		s.running = running
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.running = nil
			s.mu.Unlock()
			close(running)
		}()
		return nil, s.runCycle(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Settle blocks until the cycle in flight, if any, has finished. It never
// starts a cycle.
func (s *Service) Settle(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running == nil {
		return nil
	}
	select {
	case <-running:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh requests an immediate cycle and returns a ticket resolved by it.
func (s *Service) Refresh() *Ticket {
	s.mu.Lock()
	t := newTicket(s.next)
	s.mu.Unlock()
	s.requestRun(0)
	return t
}

// ForceRefresh blocks until a cycle that started after the call has
// completed. It joins the cycle in flight and runs another when that one
// began before the call.
func (s *Service) ForceRefresh(ctx context.Context) error {
	s.mu.Lock()
	tok := s.next
	s.mu.Unlock()
	for {
		select {
		case <-tok.Done():
			return tok.Err()
		default:
		}
		if err := s.Cycle(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, lockerr.ErrNotReady) {
				return err
			}
		}
		select {
		case <-tok.Done():
			return tok.Err()
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (s *Service) runCycle(ctx context.Context) error {
	identity := s.gate.Identity()
	if identity == "" {
		s.resetCountdown()
		return lockerr.ErrNotReady
	}
	start := s.clock.Now()
	ctx, cid := correlation.Ensure(ctx)

	// Requests made while this cycle runs pull nextRun below planned and
	// survive the countdown reset at the end.
	planned := start.Add(s.refreshInterval)
	s.mu.Lock()
	tok := s.next
	s.next = newToken()
	s.nextRun = planned
	s.mu.Unlock()

	exec := executor{
		backend:  s.backend,
		cache:    s.cache,
		identity: identity,
		identify: s.identify,
		clock:    s.clock,
		logger:   s.logger,
	}
	executed, failed := s.drain(ctx, exec)

	remote, err := s.backend.ListLocks(ctx, backend.Filter{})
	if err != nil {
		err = fmt.Errorf("core: list locks: %w", err)
		s.logger.Warn("engine.cycle.list_failed", "cid", cid, "error", err)
	} else {
		stats := s.cache.Reconcile(remote, s.identify)
		s.metrics.recordReconcile(ctx, stats)
		s.logger.Trace("engine.cycle.reconciled",
			"cid", cid,
			"remote", len(remote),
			"upserted", stats.Upserted,
			"reset", stats.Reset,
			"skipped", stats.Skipped,
		)
	}

	end := s.clock.Now()
	s.mu.Lock()
	s.cycles++
	s.lastRun = end
	s.lastErr = err
	if !s.nextRun.Before(planned) {
		s.nextRun = end.Add(s.refreshInterval)
	}
	s.mu.Unlock()

	tok.resolve(err)
	s.metrics.recordCycle(ctx, end.Sub(start), err)
	s.logger.Debug("engine.cycle.complete",
		"cid", cid,
		"executed", executed,
		"failed", failed,
		"elapsed", end.Sub(start),
		"records", s.cache.Len(),
	)
	return err
}

// drain executes queued commands one at a time until the queue is empty. A
// failed command leaves the cache untouched and does not stop the drain.
func (s *Service) drain(ctx context.Context, exec executor) (executed, failed int) {
	for {
		cmd, ok := s.queue.Peek()
		if !ok {
			return executed, failed
		}
		cctx := correlation.Set(ctx, cmd.ID)
		err := exec.execute(cctx, cmd)
		s.queue.Pop()
		executed++
		if err != nil {
			failed++
			s.logger.Warn("engine.command.failed",
				"cid", cmd.ID,
				"kind", cmd.Kind,
				"path", cmd.Target.Path,
				"force", cmd.Force,
				"error", err,
			)
		} else {
			s.logger.Trace("engine.command.done", "cid", cmd.ID, "kind", cmd.Kind, "path", cmd.Target.Path)
		}
		s.metrics.recordCommand(ctx, cmd.Kind, err)
		cmd.Complete(err)
	}
}
