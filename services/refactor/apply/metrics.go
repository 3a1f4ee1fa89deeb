// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apply

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/plan"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	applyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refactor_apply_total",
		Help: "Plan applies by final state",
	}, []string{"state"})

	applyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "refactor_apply_duration_seconds",
		Help:    "Plan apply duration by final state",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"state"})

	applyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refactor_apply_errors_total",
		Help: "Failed applies by error code",
	}, []string{"code"})

	filesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refactor_apply_files_written_total",
		Help: "Files written, created or deleted by committed applies",
	})

	importsRepaired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refactor_apply_imports_repaired_total",
		Help: "Files whose imports were rewritten after a move",
	})
)

// observe records the final state of an apply.
func observe(result *Result, elapsed time.Duration) {
	state := string(result.State)
	applyTotal.WithLabelValues(state).Inc()
	applyDuration.WithLabelValues(state).Observe(elapsed.Seconds())
	if result.Error != nil {
		applyErrors.WithLabelValues(string(result.Error.Code)).Inc()
	}
	if result.State == StateCommitted {
		filesWritten.Add(float64(len(result.AppliedFiles) + len(result.CreatedFiles) + len(result.DeletedFiles)))
	}
}

// =============================================================================
// Tracing
// =============================================================================

var tracer = otel.Tracer("aleutian.refactor.apply")

// startPhase opens a child span for one state of the apply.
func startPhase(ctx context.Context, state State) (context.Context, trace.Span) {
	return tracer.Start(ctx, "apply."+string(state))
}

// endPhase closes a phase span, marking it failed when perr is set.
func endPhase(span trace.Span, perr *plan.Error) {
	if perr != nil {
		span.RecordError(perr)
		span.SetStatus(codes.Error, string(perr.Code))
		span.SetAttributes(attribute.String("error.code", string(perr.Code)))
	}
	span.End()
}
