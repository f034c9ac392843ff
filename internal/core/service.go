// Package core is the lock engine: precondition policy, the serialized
// command executor and the reconciliation loop that keeps the lock cache in
// step with the remote locking service.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pkt.systems/assetlock/internal/backend"
	"pkt.systems/assetlock/internal/clock"
	"pkt.systems/assetlock/internal/lockcache"
	"pkt.systems/assetlock/internal/queue"
	"pkt.systems/assetlock/internal/svcfields"
	"pkt.systems/assetlock/record"
	"pkt.systems/pslog"
)

const (
	// DefaultRefreshInterval is the countdown between reconciliation cycles.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultTickInterval is how often Run checks the countdown.
	DefaultTickInterval = 100 * time.Millisecond
	// DefaultCoalesceDelay postpones the cycle after an enqueue so bursts of
	// commands drain together.
	DefaultCoalesceDelay = 250 * time.Millisecond
)

// Config wires a Service.
type Config struct {
	Backend backend.Backend
	// Gate defaults to a gate with ReadyTimeout.
	Gate         *backend.Gate
	ReadyTimeout time.Duration
	// Cache defaults to an empty cache.
	Cache *lockcache.Cache
	// Queue defaults to an empty queue.
	Queue *queue.Queue
	// Identify defaults to lockcache.PathIdentifier.
	Identify lockcache.Identifier
	// ShouldTrack is the binary/text verdict consulted by Track. Nil accepts
	// every path.
	ShouldTrack func(path string) bool

	RefreshInterval time.Duration
	TickInterval    time.Duration
	CoalesceDelay   time.Duration

	Clock  clock.Clock
	Logger pslog.Logger
}

// Service is the lock engine.
type Service struct {
	backend     backend.Backend
	gate        *backend.Gate
	cache       *lockcache.Cache
	queue       *queue.Queue
	identify    lockcache.Identifier
	shouldTrack func(string) bool

	refreshInterval time.Duration
	tickInterval    time.Duration
	coalesceDelay   time.Duration

	clock   clock.Clock
	logger  pslog.Logger
	metrics *engineMetrics

	// submitMu serializes validation against the projected state with the
	// enqueue that follows it.
	submitMu sync.Mutex

	mu      sync.Mutex
	next    *Token
	nextRun time.Time
	lastRun time.Time
	lastErr error
	cycles  uint64

	// running is closed when the cycle in flight finishes; nil when idle.
	running chan struct{}

	trigger chan struct{}
	flight  singleflight.Group
}

// New constructs a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("core: backend required")
	}
	logger := svcfields.WithSubsystem(cfg.Logger, svcfields.Engine)
	clk := clock.OrReal(cfg.Clock)
	gate := cfg.Gate
	if gate == nil {
		gate = backend.NewGate(cfg.ReadyTimeout, clk)
	}
	cache := cfg.Cache
	if cache == nil {
		cache = lockcache.New()
	}
	q := cfg.Queue
	if q == nil {
		q = queue.New()
	}
	identify := cfg.Identify
	if identify == nil {
		identify = lockcache.PathIdentifier
	}
	s := &Service{
		backend:         cfg.Backend,
		gate:            gate,
		cache:           cache,
		queue:           q,
		identify:        identify,
		shouldTrack:     cfg.ShouldTrack,
		refreshInterval: durationOr(cfg.RefreshInterval, DefaultRefreshInterval),
		tickInterval:    durationOr(cfg.TickInterval, DefaultTickInterval),
		coalesceDelay:   cfg.CoalesceDelay,
		clock:           clk,
		logger:          logger,
		next:            newToken(),
		trigger:         make(chan struct{}, 1),
	}
	if s.coalesceDelay < 0 {
		s.coalesceDelay = 0
	}
	s.metrics = newEngineMetrics(logger, s)
	s.nextRun = clk.Now().Add(s.refreshInterval)
	return s, nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// Initialize resolves the identity through the backend and opens the
// readiness gate.
func (s *Service) Initialize(ctx context.Context) error {
	identity, err := s.backend.Initialize(ctx)
	if err != nil {
		s.logger.Error("engine.initialize.failed", "backend", s.backend.Name(), "error", err)
		return fmt.Errorf("core: initialize: %w", err)
	}
	s.gate.MarkReady(identity)
	s.logger.Info("engine.initialize.ready", "backend", s.backend.Name(), "identity", identity)
	return nil
}

// Restart clears a permanently failed readiness gate and initializes again.
func (s *Service) Restart(ctx context.Context) error {
	s.gate.Reset()
	return s.Initialize(ctx)
}

// Identity returns the resolved identity, or "" before readiness.
func (s *Service) Identity() string {
	return s.gate.Identity()
}

// Ready reports whether the identity is resolved.
func (s *Service) Ready() bool {
	return s.gate.Ready()
}

// Backend returns the backend name currently in use.
func (s *Service) Backend() string {
	return s.backend.Name()
}

// Cache exposes the lock cache for persistence.
func (s *Service) Cache() *lockcache.Cache {
	return s.cache
}

// QueueLen returns the number of commands waiting for the next drain.
func (s *Service) QueueLen() int {
	return s.queue.Len()
}

// Get returns the cached record for path.
func (s *Service) Get(path string) (record.Record, bool) {
	return s.cache.GetByPath(path)
}

// GetByID returns the cached record with id.
func (s *Service) GetByID(id string) (record.Record, bool) {
	return s.cache.GetByID(id)
}

// IsTracked reports whether path is cached.
func (s *Service) IsTracked(path string) bool {
	return s.cache.ContainsPath(path)
}

// IsLocked reports whether path is locked by anyone.
func (s *Service) IsLocked(path string) bool {
	rec, ok := s.cache.GetByPath(path)
	return ok && rec.Locked
}

// Snapshot returns every cached record ordered by path.
func (s *Service) Snapshot() []record.Record {
	return s.cache.Snapshot()
}

// Reset drops every cached record. Queued commands are kept.
func (s *Service) Reset() {
	s.cache.Clear()
	s.logger.Info("engine.cache.reset")
}

// Status is a point-in-time view of the engine.
type Status struct {
	Identity string
	Ready    bool
	Failed   bool
	Backend  string
	Queued   int
	Records  int
	Cycles   uint64
	LastRun  time.Time
	NextRun  time.Time
	LastErr  error
}

// Status reports the engine state.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		Cycles:  s.cycles,
		LastRun: s.lastRun,
		NextRun: s.nextRun,
		LastErr: s.lastErr,
	}
	s.mu.Unlock()
	st.Identity = s.gate.Identity()
	st.Ready = st.Identity != ""
	st.Failed = s.gate.Failed()
	st.Backend = s.backend.Name()
	st.Queued = s.queue.Len()
	st.Records = s.cache.Len()
	return st
}
