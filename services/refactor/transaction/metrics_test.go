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
	"testing"
	"time"
)

func TestRecordFunctions(t *testing.T) {
	ctx := context.Background()

	t.Run("records when enabled", func(t *testing.T) {
		SetMetricsEnabled(true)
		// Should not panic
		recordBegin(ctx, true)
		recordBegin(ctx, false)
		recordCheckpoint(ctx, 3)
		recordCommit(ctx, 2*time.Second, 4)
		recordRollback(ctx, time.Second, 2, "write failed", 1, true)
		recordRollback(ctx, time.Second, 2, "checkpoint", 0, false)
	})

	t.Run("skips when disabled", func(t *testing.T) {
		SetMetricsEnabled(false)
		// Should not panic
		recordBegin(ctx, true)
		recordCommit(ctx, time.Second, 1)
		recordRollback(ctx, time.Second, 1, "test", 0, true)
		SetMetricsEnabled(true) // Restore
	})
}

func TestNormalizeRollbackReason(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"post-apply validation failed", "validation"},
		{"import repair failed", "import_repair"},
		{"write failed: disk full", "write"},
		{"move failed", "write"},
		{"rollback to checkpoint", "checkpoint"},
		{"panic in apply", "panic"},
		{"user requested", "user"},
		{"", "user"},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := normalizeRollbackReason(tc.input); got != tc.expected {
				t.Errorf("normalizeRollbackReason(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitMetrics(t *testing.T) {
	err1 := initMetrics()
	err2 := initMetrics()
	if (err1 == nil) != (err2 == nil) {
		t.Errorf("initMetrics not idempotent: first=%v, second=%v", err1, err2)
	}
}
