package assetlock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"pkt.systems/assetlock/client"
	"pkt.systems/assetlock/internal/backend"
	"pkt.systems/assetlock/internal/candidates"
	"pkt.systems/assetlock/internal/clock"
	"pkt.systems/assetlock/internal/core"
	"pkt.systems/assetlock/internal/process"
	"pkt.systems/assetlock/internal/settings"
	"pkt.systems/assetlock/internal/svcfields"
	"pkt.systems/assetlock/lockerr"
	"pkt.systems/assetlock/record"
	"pkt.systems/pslog"
)

// Ticket is returned by every mutating call; Wait blocks until the covering
// reconciliation cycle completed.
type Ticket = core.Ticket

// Status is a point-in-time view of the engine.
type Status = core.Status

// Option customises a Manager.
type Option func(*options)

type options struct {
	logger      pslog.Logger
	backend     backend.Backend
	runner      process.Runner
	store       settings.Store
	clock       clock.Clock
	onDowngrade func(error)
}

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBackend replaces the transport built from Config.
func WithBackend(b backend.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithRunner replaces the subprocess runner used by the git-lfs transport.
func WithRunner(r process.Runner) Option {
	return func(o *options) {
		o.runner = r
	}
}

// WithSettings replaces the settings file named by Config.SettingsPath.
func WithSettings(store settings.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithDowngradeHook is called once when the HTTP transport falls back to
// git-lfs.
func WithDowngradeHook(fn func(cause error)) Option {
	return func(o *options) {
		o.onDowngrade = fn
	}
}

// Manager owns the lock engine for one working copy. It loads the persisted
// cache on Start, runs the reconciliation loop in the background and saves
// the cache on Shutdown.
type Manager struct {
	cfg        Config
	logger     pslog.Logger
	store      settings.Store
	classifier *candidates.Classifier
	svc        *core.Service

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	initDone chan struct{}
	initErr  error
}

// NewManager validates cfg and wires the engine. The git-lfs transport is
// consulted to derive the locks URL when HTTP mode has none configured.
func NewManager(ctx context.Context, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := svcfields.Ensure(o.logger)
	m := &Manager{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "assetlock.manager"),
	}

	m.store = o.store
	if m.store == nil {
		file, err := settings.OpenFile(cfg.SettingsPath, settings.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		m.store = file
	}

	classifierOpts := []candidates.Option{
		candidates.WithExcludes(cfg.Excludes...),
		candidates.WithSniffLimit(cfg.SniffLimit),
		candidates.WithTrackText(cfg.TrackText),
		candidates.WithLogger(logger),
	}
	if len(cfg.Patterns) > 0 {
		classifierOpts = append(classifierOpts, candidates.WithPatterns(cfg.Patterns...))
	}
	classifier, err := candidates.New(cfg.RepoRoot, classifierOpts...)
	if err != nil {
		return nil, err
	}
	m.classifier = classifier

	b := o.backend
	if b == nil {
		if b, err = m.buildBackend(ctx, o, logger); err != nil {
			return nil, err
		}
	}

	svc, err := core.New(core.Config{
		Backend:         b,
		ReadyTimeout:    cfg.ReadyTimeout,
		ShouldTrack:     classifier.ShouldTrack,
		RefreshInterval: cfg.RefreshInterval,
		TickInterval:    cfg.TickInterval,
		CoalesceDelay:   cfg.CoalesceDelay,
		Clock:           o.clock,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	m.svc = svc
	return m, nil
}

func (m *Manager) buildBackend(ctx context.Context, o options, logger pslog.Logger) (backend.Backend, error) {
	cfg := m.cfg
	runner := o.runner
	if runner == nil {
		runner = process.New(cfg.RepoRoot,
			process.WithTimeout(cfg.ProcessTimeout),
			process.WithDebounce(cfg.DebounceWindow),
			process.WithClock(o.clock),
			process.WithLogger(logger),
		)
	}
	cli := backend.NewCLI(runner,
		backend.WithGitBinary(cfg.GitBinary),
		backend.WithLFSBinary(cfg.LFSBinary),
		backend.WithIdentity(cfg.Identity),
		backend.WithSkipInstall(cfg.SkipInstall),
		backend.WithCLILogger(logger),
	)

	mode := m.resolveMode()
	var httpBackend backend.Backend
	if mode == backend.ModeHTTP {
		locksURL, err := m.resolveLocksURL(ctx, cli)
		if err != nil {
			m.logger.Warn("assetlock.locks_url.unresolved", "error", err, "mode", backend.ModeCLI)
			mode = backend.ModeCLI
		} else {
			api, err := client.New(locksURL,
				client.WithLogger(logger),
				client.WithHTTPTimeout(cfg.HTTPTimeout),
				client.WithRefspec(cfg.Refspec),
				client.WithTokenSource(m.authToken),
			)
			if err != nil {
				return nil, err
			}
			httpBackend = backend.NewHTTP(api, cli, logger)
			m.logger.Info("assetlock.transport", "mode", mode, "locks_url", locksURL)
		}
	}
	return backend.NewFallback(mode, httpBackend, cli,
		backend.WithPersister(m.store),
		backend.WithFallbackLogger(logger),
		backend.WithDowngradeHook(func(cause error) {
			m.logger.Warn("assetlock.transport.downgraded", "error", cause)
			if o.onDowngrade != nil {
				o.onDowngrade(cause)
			}
		}),
	), nil
}

// resolveMode prefers the configured mode, then the persisted use_http flag.
// A configured http mode overriding a persisted downgrade is logged.
func (m *Manager) resolveMode() backend.Mode {
	raw, err := m.store.Get(settings.KeyUseHTTP)
	if err != nil {
		m.logger.Warn("assetlock.settings.read_failed", "key", settings.KeyUseHTTP, "error", err)
		raw = ""
	}
	persisted, parseErr := strconv.ParseBool(strings.TrimSpace(raw))
	if mode, ok := backend.ParseMode(m.cfg.Mode); ok {
		if mode == backend.ModeHTTP && parseErr == nil && !persisted {
			m.logger.Warn("assetlock.transport.reupgraded",
				"mode", mode,
				"persisted_key", settings.KeyUseHTTP,
				"persisted", persisted,
			)
		}
		return mode
	}
	if parseErr == nil {
		if persisted {
			return backend.ModeHTTP
		}
		return backend.ModeCLI
	}
	return DefaultMode
}

func (m *Manager) resolveLocksURL(ctx context.Context, cli *backend.CLI) (string, error) {
	if m.cfg.LocksURL != "" {
		return m.cfg.LocksURL, nil
	}
	if stored, err := m.store.Get(settings.KeyLocksURL); err == nil && strings.TrimSpace(stored) != "" {
		return strings.TrimSpace(stored), nil
	}
	remote, err := cli.RemoteURL(ctx, m.cfg.Remote)
	if err != nil {
		return "", fmt.Errorf("assetlock: read remote %q: %w", m.cfg.Remote, err)
	}
	return backend.DeriveLocksURL(remote)
}

// authToken is read on every request so a rotated token in the settings file
// applies without a restart.
func (m *Manager) authToken() string {
	if m.cfg.AuthToken != "" {
		return m.cfg.AuthToken
	}
	token, err := m.store.Get(settings.KeyAuthToken)
	if err != nil {
		m.logger.Warn("assetlock.settings.read_failed", "key", settings.KeyAuthToken, "error", err)
		return ""
	}
	return strings.TrimSpace(token)
}

// Start loads the persisted cache and launches initialization, the
// reconciliation loop and, for file-backed settings, the settings watcher.
// It returns once everything is scheduled; use AwaitReady to block on the
// identity.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("assetlock: manager already started")
	}
	if err := m.loadCache(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)
	m.cancel = cancel
	m.group = group
	m.initDone = make(chan struct{})
	m.started = true

	initDone := m.initDone
	group.Go(func() error {
		defer close(initDone)
		if err := m.svc.Initialize(runCtx); err != nil {
			m.logger.Error("assetlock.initialize.failed", "error", err)
			m.mu.Lock()
			m.initErr = err
			m.mu.Unlock()
		}
		return nil
	})
	group.Go(func() error {
		err := m.svc.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if file, ok := m.store.(*settings.File); ok {
		group.Go(func() error {
			err := file.Watch(runCtx, func() {
				m.logger.Debug("assetlock.settings.reloaded", "path", file.Path())
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("assetlock.settings.watch_stopped", "error", err)
			}
			return nil
		})
	}
	m.logger.Info("assetlock.started",
		"repo", m.cfg.RepoRoot,
		"backend", m.svc.Backend(),
		"records", m.svc.Cache().Len(),
	)
	return nil
}

func (m *Manager) loadCache() error {
	raw, err := m.store.Get(settings.KeyLockCache)
	if err != nil {
		return fmt.Errorf("assetlock: read lock cache: %w", err)
	}
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	records, dropped, err := record.DecodeTuples([]byte(raw))
	if err != nil {
		m.logger.Warn("assetlock.cache.corrupt", "error", err)
		return nil
	}
	if dropped > 0 {
		m.logger.Warn("assetlock.cache.dropped", "count", dropped)
	}
	loaded, err := m.svc.Cache().Load(records)
	if err != nil {
		m.logger.Warn("assetlock.cache.load_partial", "loaded", loaded, "error", err)
	}
	m.logger.Debug("assetlock.cache.loaded", "records", loaded)
	return nil
}

// AwaitReady blocks until the background initialization finished and
// returns its error.
func (m *Manager) AwaitReady(ctx context.Context) error {
	m.mu.Lock()
	done := m.initDone
	m.mu.Unlock()
	if done == nil {
		return errors.New("assetlock: manager not started")
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initErr
}

// Shutdown stops the background goroutines and persists the cache.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel, group := m.cancel, m.group
	m.mu.Unlock()

	cancel()
	var errs []error
	stopped := make(chan error, 1)
	go func() { stopped <- group.Wait() }()
	select {
	case err := <-stopped:
		if err != nil {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("assetlock: shutdown: %w", ctx.Err()))
	}
	if err := m.svc.Settle(ctx); err != nil {
		errs = append(errs, fmt.Errorf("assetlock: shutdown: wait for cycle: %w", err))
	}
	if err := m.SaveCache(); err != nil {
		errs = append(errs, err)
	}
	m.logger.Info("assetlock.stopped", "records", m.svc.Cache().Len())
	return errors.Join(errs...)
}

// SaveCache writes the cache snapshot to the settings store.
func (m *Manager) SaveCache() error {
	data, err := record.EncodeTuples(m.svc.Snapshot())
	if err != nil {
		return err
	}
	if err := m.store.Set(settings.KeyLockCache, string(data)); err != nil {
		return fmt.Errorf("assetlock: save lock cache: %w", err)
	}
	return nil
}

// Restart re-runs initialization after a permanent readiness failure.
func (m *Manager) Restart(ctx context.Context) error {
	return m.svc.Restart(ctx)
}

// Config returns the validated configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Mode returns the active transport name.
func (m *Manager) Mode() string {
	return m.svc.Backend()
}

// Identity returns the resolved lock owner, or "" before initialization.
func (m *Manager) Identity() string {
	return m.svc.Identity()
}

// Status reports the engine state.
func (m *Manager) Status() Status {
	return m.svc.Status()
}

// Track registers path as a lockable asset.
func (m *Manager) Track(ctx context.Context, path string, force bool) (*Ticket, error) {
	return m.svc.Track(ctx, path, force)
}

// TrackAll enumerates every candidate asset below the working copy and
// enqueues Track for the untracked ones.
func (m *Manager) TrackAll(ctx context.Context) (*Ticket, error) {
	var paths []string
	for p, err := range m.classifier.Enumerate(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.logger.Warn("assetlock.track_all.walk_error", "error", err)
			continue
		}
		paths = append(paths, p)
	}
	m.logger.Info("assetlock.track_all", "candidates", len(paths))
	return m.svc.TrackMany(ctx, paths)
}

// Untrack removes path from lock management.
func (m *Manager) Untrack(ctx context.Context, path string, force bool) (*Ticket, error) {
	return m.svc.Untrack(ctx, path, force)
}

// Lock takes the lock on path.
func (m *Manager) Lock(ctx context.Context, path string, force bool) (*Ticket, error) {
	return m.svc.Lock(ctx, path, force)
}

// Unlock releases the lock on path.
func (m *Manager) Unlock(ctx context.Context, path string, force bool) (*Ticket, error) {
	return m.svc.Unlock(ctx, path, force)
}

// UnlockAll releases every lock held by the caller.
func (m *Manager) UnlockAll(ctx context.Context) (*Ticket, error) {
	return m.svc.UnlockAll(ctx)
}

// RefreshOne re-reads the remote state of path.
func (m *Manager) RefreshOne(ctx context.Context, path string) (*Ticket, error) {
	return m.svc.RefreshOne(ctx, path)
}

// Refresh requests an immediate cycle.
func (m *Manager) Refresh() *Ticket {
	return m.svc.Refresh()
}

// ForceRefresh blocks until a full cycle has completed.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	return m.svc.ForceRefresh(ctx)
}

// RegisterMove re-keys the cached record after a rename.
func (m *Manager) RegisterMove(oldPath, newPath string) error {
	return m.svc.RegisterMove(oldPath, newPath)
}

// CanEdit reports whether the caller may modify path, and the holder when
// not.
func (m *Manager) CanEdit(path string) (bool, string) {
	return m.svc.CanEdit(path)
}

// AutoLock locks path before an edit. With auto-lock disabled it only
// enforces the edit guard.
func (m *Manager) AutoLock(ctx context.Context, path string) error {
	if m.cfg.DisableAutoLock {
		if ok, owner := m.svc.CanEdit(path); !ok {
			return lockerr.Validation("autolock", record.NormalizePath(path), lockerr.CodeNotOwner, "locked by "+owner)
		}
		return nil
	}
	return m.svc.AutoLock(ctx, path)
}

// Get returns the cached record at path.
func (m *Manager) Get(path string) (record.Record, bool) {
	return m.svc.Get(path)
}

// GetByID returns the cached record with id.
func (m *Manager) GetByID(id string) (record.Record, bool) {
	return m.svc.GetByID(id)
}

// IsTracked reports whether path has a record.
func (m *Manager) IsTracked(path string) bool {
	return m.svc.IsTracked(path)
}

// IsLocked reports whether path is locked by anyone.
func (m *Manager) IsLocked(path string) bool {
	return m.svc.IsLocked(path)
}

// Snapshot returns the cached records sorted by path.
func (m *Manager) Snapshot() []record.Record {
	return m.svc.Snapshot()
}

// Locks returns the locked records after a full cycle.
func (m *Manager) Locks(ctx context.Context) ([]record.Record, error) {
	if err := m.svc.ForceRefresh(ctx); err != nil {
		return nil, err
	}
	var out []record.Record
	for _, rec := range m.svc.Snapshot() {
		if rec.Locked {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Reset clears the cache.
func (m *Manager) Reset() {
	m.svc.Reset()
}

// Dump writes a human readable listing of the cache to w.
func (m *Manager) Dump(w io.Writer) error {
	records := m.svc.Snapshot()
	identity := m.svc.Identity()
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "no tracked assets")
		return err
	}
	width := len("PATH")
	for _, rec := range records {
		width = max(width, len(rec.Path))
	}
	if _, err := fmt.Fprintf(w, "%-*s  %-8s  %-16s  %s\n", width, "PATH", "STATE", "OWNER", "SINCE"); err != nil {
		return err
	}
	for _, rec := range records {
		state, owner, since := "free", "-", "-"
		if rec.Locked {
			state = "locked"
			if rec.LockedBy(identity) {
				state = "mine"
			}
			owner = rec.Owner
			since = lockAge(rec.LockedAt)
		}
		if _, err := fmt.Fprintf(w, "%-*s  %-8s  %-16s  %s\n", width, rec.Path, state, owner, since); err != nil {
			return err
		}
	}
	return nil
}

func lockAge(lockedAt string) string {
	if lockedAt == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339, lockedAt)
	if err != nil {
		return lockedAt
	}
	return humanize.Time(t)
}
