package core

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/assetlock/internal/lockcache"
	"pkt.systems/assetlock/internal/queue"
	"pkt.systems/assetlock/lockerr"
	"pkt.systems/pslog"
)

type engineMetrics struct {
	commands      metric.Int64Counter
	cycles        metric.Int64Counter
	cycleDuration metric.Int64Histogram
	reconciled    metric.Int64Counter
	reset         metric.Int64Counter
}

func newEngineMetrics(logger pslog.Logger, s *Service) *engineMetrics {
	meter := otel.Meter("pkt.systems/assetlock/engine")
	m := &engineMetrics{}
	var err error

	m.commands, err = meter.Int64Counter(
		"assetlock.engine.commands",
		metric.WithDescription("Executed lock commands"),
	)
	logMetricInitError(logger, "assetlock.engine.commands", err)

	m.cycles, err = meter.Int64Counter(
		"assetlock.engine.cycles",
		metric.WithDescription("Reconciliation cycles"),
	)
	logMetricInitError(logger, "assetlock.engine.cycles", err)

	m.cycleDuration, err = meter.Int64Histogram(
		"assetlock.engine.cycle.duration_ms",
		metric.WithDescription("Reconciliation cycle duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "assetlock.engine.cycle.duration_ms", err)

	m.reconciled, err = meter.Int64Counter(
		"assetlock.engine.reconcile.upserted",
		metric.WithDescription("Records upserted from remote listings"),
	)
	logMetricInitError(logger, "assetlock.engine.reconcile.upserted", err)

	m.reset, err = meter.Int64Counter(
		"assetlock.engine.reconcile.reset",
		metric.WithDescription("Cached locks reset because the remote listing no longer had them"),
	)
	logMetricInitError(logger, "assetlock.engine.reconcile.reset", err)

	if s != nil {
		queue.RegisterMetrics(logger, s.queue)
	}
	return m
}

func (m *engineMetrics) recordCommand(ctx context.Context, kind queue.Kind, err error) {
	if m == nil || m.commands == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("assetlock.command.kind", string(kind)),
		attribute.String("assetlock.command.result", resultLabel(err)),
	}
	m.commands.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (m *engineMetrics) recordCycle(ctx context.Context, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{attribute.String("assetlock.cycle.result", resultLabel(err))}
	if m.cycles != nil {
		m.cycles.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.cycleDuration != nil {
		m.cycleDuration.Record(ctx, elapsed.Milliseconds(), metric.WithAttributes(attrs...))
	}
}

func (m *engineMetrics) recordReconcile(ctx context.Context, stats lockcache.ReconcileStats) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.reconciled != nil && stats.Upserted > 0 {
		m.reconciled.Add(ctx, int64(stats.Upserted))
	}
	if m.reset != nil && stats.Reset > 0 {
		m.reset.Add(ctx, int64(stats.Reset))
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, lockerr.ErrValidation):
		return "invalid"
	case errors.Is(err, lockerr.ErrConflict):
		return "conflict"
	case errors.Is(err, lockerr.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, lockerr.ErrProcess):
		return "process_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
