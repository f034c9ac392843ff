package queue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// RegisterMetrics exposes the queue depth as an observable gauge.
func RegisterMetrics(logger pslog.Logger, q *Queue) {
	meter := otel.Meter("pkt.systems/assetlock/queue")
	depth, err := meter.Int64ObservableGauge(
		"assetlock.queue.depth",
		metric.WithDescription("Queued lock commands awaiting execution"),
	)
	if err != nil {
		if logger != nil {
			logger.Warn("telemetry.metric.init_failed", "name", "assetlock.queue.depth", "error", err)
		}
		return
	}
	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if q != nil {
			o.ObserveInt64(depth, int64(q.Len()))
		}
		return nil
	}, depth); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "assetlock.queue.depth", "error", err)
	}
}
