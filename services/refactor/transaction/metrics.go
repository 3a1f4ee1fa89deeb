// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.refactor.transaction")

var (
	beginTotal          metric.Int64Counter
	commitTotal         metric.Int64Counter
	rollbackTotal       metric.Int64Counter
	rollbackFailures    metric.Int64Counter
	checkpointTotal     metric.Int64Counter
	transactionDuration metric.Float64Histogram
	filesModified       metric.Int64Histogram
	activeGauge         metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled is set by NewLedger.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		if beginTotal, err = meter.Int64Counter(
			"refactor_transaction_begin_total",
			metric.WithDescription("Total number of transaction begin operations"),
		); err != nil {
			metricsErr = err
			return
		}

		if commitTotal, err = meter.Int64Counter(
			"refactor_transaction_commit_total",
			metric.WithDescription("Total number of committed transactions"),
		); err != nil {
			metricsErr = err
			return
		}

		if rollbackTotal, err = meter.Int64Counter(
			"refactor_transaction_rollback_total",
			metric.WithDescription("Total number of rollbacks, including rollbacks to a checkpoint"),
		); err != nil {
			metricsErr = err
			return
		}

		if rollbackFailures, err = meter.Int64Counter(
			"refactor_transaction_rollback_step_failures_total",
			metric.WithDescription("Rollback steps that could not be undone"),
		); err != nil {
			metricsErr = err
			return
		}

		if checkpointTotal, err = meter.Int64Counter(
			"refactor_transaction_checkpoint_total",
			metric.WithDescription("Total number of checkpoints saved"),
		); err != nil {
			metricsErr = err
			return
		}

		if transactionDuration, err = meter.Float64Histogram(
			"refactor_transaction_duration_seconds",
			metric.WithDescription("Duration of transactions in seconds"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}

		if filesModified, err = meter.Int64Histogram(
			"refactor_transaction_files_modified",
			metric.WithDescription("Number of paths touched per transaction"),
		); err != nil {
			metricsErr = err
			return
		}

		activeGauge, err = meter.Int64UpDownCounter(
			"refactor_transaction_active",
			metric.WithDescription("Number of currently active transactions"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordBegin(ctx context.Context, success bool) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	beginTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", statusLabel(success))))
	if success {
		activeGauge.Add(ctx, 1)
	}
}

func recordCommit(ctx context.Context, duration time.Duration, files int) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", "committed"))
	commitTotal.Add(ctx, 1, attrs)
	transactionDuration.Record(ctx, duration.Seconds(), attrs)
	filesModified.Record(ctx, int64(files), attrs)
	activeGauge.Add(ctx, -1)
}

// recordRollback records a rollback. final is true when the rollback ends
// the transaction, false for a rollback to a checkpoint.
func recordRollback(ctx context.Context, duration time.Duration, files int, reason string, failures int, final bool) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}

	normalized := normalizeRollbackReason(reason)
	rollbackTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", normalized),
		attribute.Bool("final", final),
	))
	if failures > 0 {
		rollbackFailures.Add(ctx, int64(failures), metric.WithAttributes(attribute.String("reason", normalized)))
	}
	if final {
		attrs := metric.WithAttributes(
			attribute.String("status", "rolled_back"),
			attribute.String("reason", normalized),
		)
		transactionDuration.Record(ctx, duration.Seconds(), attrs)
		filesModified.Record(ctx, int64(files), attrs)
		activeGauge.Add(ctx, -1)
	}
}

func recordCheckpoint(ctx context.Context, files int) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	checkpointTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("files", files)))
}

// normalizeRollbackReason maps free-form reasons onto a bounded label set.
func normalizeRollbackReason(reason string) string {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "validation"):
		return "validation"
	case strings.Contains(r, "import"):
		return "import_repair"
	case strings.Contains(r, "write"), strings.Contains(r, "move"), strings.Contains(r, "delete"), strings.Contains(r, "create"):
		return "write"
	case strings.Contains(r, "checkpoint"):
		return "checkpoint"
	case strings.Contains(r, "panic"):
		return "panic"
	default:
		return "user"
	}
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
