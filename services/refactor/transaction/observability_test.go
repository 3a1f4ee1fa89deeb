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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracer(t *testing.T) {
	t.Run("uses provided logger", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
		tracer := NewTracer(logger, true)
		assert.Same(t, logger, tracer.logger)
		assert.True(t, tracer.enabled)
	})

	t.Run("defaults logger", func(t *testing.T) {
		tracer := NewTracer(nil, false)
		assert.NotNil(t, tracer.logger)
		assert.False(t, tracer.enabled)
	})
}

func TestTracer_Spans(t *testing.T) {
	ctx := context.Background()
	tx := &Transaction{
		ID:        "tx-123",
		StartedAt: time.Now(),
		Log:       []Operation{{Seq: 1, Kind: OpModify, Path: "/a"}},
	}

	t.Run("disabled returns unchanged context", func(t *testing.T) {
		tracer := NewTracer(nil, false)
		newCtx, span := tracer.StartBegin(ctx)
		assert.Equal(t, ctx, newCtx)
		span.End() // Should not panic
	})

	t.Run("enabled spans end cleanly", func(t *testing.T) {
		tracer := NewTracer(nil, true)

		_, span := tracer.StartBegin(ctx)
		tracer.EndBegin(span, tx, nil)

		_, span = tracer.StartCommit(ctx, tx)
		tracer.EndCommit(span, &Result{Duration: time.Second, FilesModified: 1}, nil)

		_, span = tracer.StartRollback(ctx, tx, BeginCheckpoint, "write failed")
		tracer.EndRollback(span, &RollbackReport{Failures: []RollbackFailure{{Path: "/a"}}}, nil)
	})

	t.Run("errors are recorded", func(t *testing.T) {
		tracer := NewTracer(nil, true)
		_, span := tracer.StartBegin(ctx)
		tracer.EndBegin(span, nil, errors.New("boom"))

		_, span = tracer.StartCommit(ctx, tx)
		tracer.EndCommit(span, nil, errors.New("boom"))

		_, span = tracer.StartRollback(ctx, tx, "cp", "reason")
		tracer.EndRollback(span, nil, errors.New("boom"))
	})

	t.Run("handles nil span", func(t *testing.T) {
		tracer := NewTracer(nil, true)
		// Should not panic
		tracer.EndBegin(nil, nil, nil)
		tracer.EndCommit(nil, nil, nil)
		tracer.EndRollback(nil, nil, nil)
	})
}

func TestTracer_RecordStateTransition(t *testing.T) {
	tracer := NewTracer(nil, true)
	// No span in context: should not panic.
	tracer.RecordStateTransition(context.Background(), "tx", StatusActive, StatusCommitted, time.Second)
}

func TestTruncateForTrace(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abcdef", 3, "abc"},
		{"abcdef", 0, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, truncateForTrace(tt.input, tt.maxLen))
	}
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	t.Run("no span returns same logger", func(t *testing.T) {
		assert.Same(t, logger, LoggerWithTrace(context.Background(), logger))
	})

	t.Run("adds trace ids", func(t *testing.T) {
		traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
		spanID, _ := trace.SpanIDFromHex("0102030405060708")
		sc := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
		})
		ctx := trace.ContextWithSpanContext(context.Background(), sc)

		LoggerWithTrace(ctx, logger).Info("hello")
		assert.Contains(t, buf.String(), "trace_id=0102030405060708090a0b0c0d0e0f10")
		assert.Contains(t, buf.String(), "span_id=0102030405060708")
	})
}
