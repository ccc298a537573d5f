package txlog

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for log operations.
var (
	tracer = otel.Tracer("rxlog.txlog")
	meter  = otel.Meter("rxlog.txlog")
)

// Metrics for log operations.
var (
	snapshotsTotal      metric.Int64Counter
	reclaimsTotal       metric.Int64Counter
	clearedVersions     metric.Int64Counter
	invariantViolations metric.Int64Counter
	invalidReplayNames  metric.Int64Counter
	replayedOperations  metric.Int64Counter
	heldVersions        metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		snapshotsTotal, err = meter.Int64Counter(
			"txlog_snapshots_total",
			metric.WithDescription("Total number of log snapshots"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reclaimsTotal, err = meter.Int64Counter(
			"txlog_reclaims_total",
			metric.WithDescription("Total number of reclaim runs that cleared versions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		clearedVersions, err = meter.Int64Counter(
			"txlog_cleared_versions_total",
			metric.WithDescription("Total number of log versions cleared by reclaim"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		invariantViolations, err = meter.Int64Counter(
			"txlog_invariant_violations_total",
			metric.WithDescription("Total number of metadata invariant violations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		invalidReplayNames, err = meter.Int64Counter(
			"txlog_invalid_replay_names_total",
			metric.WithDescription("Total number of artifact names with invalid replay sequences"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		replayedOperations, err = meter.Int64Counter(
			"txlog_replayed_operations_total",
			metric.WithDescription("Total number of coalesced operations returned by replay"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		heldVersions, err = meter.Int64UpDownCounter(
			"txlog_held_versions",
			metric.WithDescription("Number of log versions physically held in storage"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordSnapshot(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	snapshotsTotal.Add(ctx, 1)
	heldVersions.Add(ctx, 1)
}

func recordReclaim(ctx context.Context, cleared int) {
	if err := initMetrics(); err != nil {
		return
	}
	reclaimsTotal.Add(ctx, 1)
	clearedVersions.Add(ctx, int64(cleared))
	heldVersions.Add(ctx, -int64(cleared))
}

func recordHeld(ctx context.Context, held int64) {
	if err := initMetrics(); err != nil {
		return
	}
	heldVersions.Add(ctx, held)
}

func recordInvariantViolation(ctx context.Context, op string) {
	if err := initMetrics(); err != nil {
		return
	}
	invariantViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

func recordReplay(ctx context.Context, rs *ReplaySet) {
	if err := initMetrics(); err != nil {
		return
	}
	replayedOperations.Add(ctx, int64(rs.Len()))
	if n := rs.InvalidCount(); n > 0 {
		invalidReplayNames.Add(ctx, int64(n))
	}
}

// startSpan creates a span for a manager operation.
func startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "txlog.Manager."+operation,
		trace.WithAttributes(attribute.String("txlog.operation", operation)),
	)
}

// setSpanMetadata records the counters on span.
func setSpanMetadata(span trace.Span, m Metadata) {
	span.SetAttributes(
		attribute.Int64("txlog.latest", m.Latest),
		attribute.Int64("txlog.active_count", m.ActiveCount),
		attribute.Int64("txlog.held_count", m.HeldCount),
	)
}

// failSpan marks span as failed and returns err unchanged.
func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
