package backend

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/assetlock/internal/svcfields"
	"pkt.systems/assetlock/lockerr"
	"pkt.systems/assetlock/record"
	"pkt.systems/pslog"
)

// SettingUseHTTP is the settings key that persists the transport choice.
const SettingUseHTTP = "use_http"

// Persister stores a single setting.
type Persister interface {
	Set(key, value string) error
}

// FallbackOption configures a Fallback.
type FallbackOption func(*Fallback)

// WithPersister persists the downgrade through p.
func WithPersister(p Persister) FallbackOption {
	return func(f *Fallback) {
		f.persist = p
	}
}

// WithDowngradeHook is invoked once, after the downgrade took effect.
func WithDowngradeHook(fn func(cause error)) FallbackOption {
	return func(f *Fallback) {
		f.onDowngrade = fn
	}
}

// WithFallbackLogger attaches a logger.
func WithFallbackLogger(logger pslog.Logger) FallbackOption {
	return func(f *Fallback) {
		f.logger = svcfields.WithSubsystem(logger, svcfields.Subsystem(svcfields.Backend, "fallback"))
	}
}

// Fallback routes calls to the HTTP or CLI backend. A remote server error
// from the HTTP backend downgrades it to the CLI backend for good; the
// failing call still returns its error.
type Fallback struct {
	mu          sync.RWMutex
	mode        Mode
	http        Backend
	cli         Backend
	persist     Persister
	onDowngrade func(error)
	logger      pslog.Logger
	tracer      trace.Tracer
}

// NewFallback returns a strategy starting in mode. A nil http backend forces
// ModeCLI.
func NewFallback(mode Mode, httpBackend, cliBackend Backend, opts ...FallbackOption) *Fallback {
	if httpBackend == nil {
		mode = ModeCLI
	}
	if mode != ModeHTTP {
		mode = ModeCLI
	}
	f := &Fallback{
		mode:   mode,
		http:   httpBackend,
		cli:    cliBackend,
		logger: svcfields.WithSubsystem(nil, svcfields.Subsystem(svcfields.Backend, "fallback")),
		tracer: otel.Tracer("pkt.systems/assetlock/backend"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Mode returns the active transport.
func (f *Fallback) Mode() Mode {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mode
}

func (f *Fallback) current() (Backend, Mode) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.mode == ModeHTTP {
		return f.http, ModeHTTP
	}
	return f.cli, ModeCLI
}

// Name implements Backend.
func (f *Fallback) Name() string {
	return string(f.Mode())
}

func (f *Fallback) observe(mode Mode, err error) {
	if err == nil || mode != ModeHTTP || !lockerr.IsRemoteServer(err) {
		return
	}
	f.mu.Lock()
	if f.mode != ModeHTTP {
		f.mu.Unlock()
		return
	}
	f.mode = ModeCLI
	f.mu.Unlock()

	f.logger.Warn("backend.downgrade", "from", ModeHTTP, "to", ModeCLI, "error", err)
	if f.persist != nil {
		if perr := f.persist.Set(SettingUseHTTP, strconv.FormatBool(false)); perr != nil {
			f.logger.Error("backend.downgrade.persist_failed", "error", perr)
		}
	}
	if f.onDowngrade != nil {
		f.onDowngrade(err)
	}
}

func (f *Fallback) span(ctx context.Context, op string, mode Mode, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("assetlock.backend", string(mode)))
	return f.tracer.Start(ctx, "backend."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Initialize implements Backend.
func (f *Fallback) Initialize(ctx context.Context) (string, error) {
	b, mode := f.current()
	ctx, span := f.span(ctx, "initialize", mode)
	identity, err := b.Initialize(ctx)
	endSpan(span, err)
	f.observe(mode, err)
	return identity, err
}

// Track implements Backend.
func (f *Fallback) Track(ctx context.Context, path string) error {
	b, mode := f.current()
	ctx, span := f.span(ctx, "track", mode, attribute.String("assetlock.path", path))
	err := b.Track(ctx, path)
	endSpan(span, err)
	f.observe(mode, err)
	return err
}

// Untrack implements Backend.
func (f *Fallback) Untrack(ctx context.Context, path string) error {
	b, mode := f.current()
	ctx, span := f.span(ctx, "untrack", mode, attribute.String("assetlock.path", path))
	err := b.Untrack(ctx, path)
	endSpan(span, err)
	f.observe(mode, err)
	return err
}

// CreateLock implements Backend.
func (f *Fallback) CreateLock(ctx context.Context, path string) (record.Record, error) {
	b, mode := f.current()
	ctx, span := f.span(ctx, "create_lock", mode, attribute.String("assetlock.path", path))
	rec, err := b.CreateLock(ctx, path)
	endSpan(span, err)
	f.observe(mode, err)
	return rec, err
}

// DeleteLock implements Backend.
func (f *Fallback) DeleteLock(ctx context.Context, ref LockRef, force bool) (record.Record, error) {
	b, mode := f.current()
	ctx, span := f.span(ctx, "delete_lock", mode, attribute.String("assetlock.path", ref.Path), attribute.Bool("assetlock.force", force))
	rec, err := b.DeleteLock(ctx, ref, force)
	endSpan(span, err)
	f.observe(mode, err)
	return rec, err
}

// ListLocks implements Backend.
func (f *Fallback) ListLocks(ctx context.Context, filter Filter) ([]record.Record, error) {
	b, mode := f.current()
	ctx, span := f.span(ctx, "list_locks", mode, attribute.String("assetlock.path", filter.Path))
	recs, err := b.ListLocks(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("assetlock.locks", len(recs)))
	}
	endSpan(span, err)
	f.observe(mode, err)
	return recs, err
}
