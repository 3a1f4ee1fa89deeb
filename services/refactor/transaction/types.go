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
	"log/slog"
	"os"
	"time"
)

// BeginCheckpoint is the checkpoint saved implicitly by Begin.
const BeginCheckpoint = "begin"

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusActive      Status = "active"
	StatusCommitted   Status = "committed"
	StatusRollingBack Status = "rolling_back"
	StatusRolledBack  Status = "rolled_back"
)

// OpKind identifies a recorded filesystem operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpDelete OpKind = "delete"
	OpMove   OpKind = "move"
	OpModify OpKind = "modify"
)

// Operation is one entry in a transaction's log.
type Operation struct {
	// Seq orders operations within a transaction. Timestamps can collide
	// at clock resolution; Seq never does.
	Seq uint64

	Kind OpKind

	// Path is the affected file. For moves it is the destination.
	Path string

	// From is the move source. Empty for other kinds.
	From string

	// Content and Mode are the state before the operation, for deletes
	// and modifies.
	Content []byte
	Mode    os.FileMode

	// IsDir marks a created or deleted directory. Its files are recorded
	// separately.
	IsDir bool

	Timestamp time.Time
}

// FileState is a file's content and mode at a point in time.
type FileState struct {
	Exists  bool
	IsDir   bool
	Content []byte
	Mode    os.FileMode
}

// Checkpoint is a named, restorable snapshot inside a transaction.
type Checkpoint struct {
	Name      string
	CreatedAt time.Time

	// Seq is the last operation sequence number at save time.
	Seq uint64

	// Files holds the state of every tracked file at save time.
	Files map[string]FileState

	// Log is the operation log at save time.
	Log []Operation

	order uint64
}

// Transaction is the bookkeeping for one apply.
type Transaction struct {
	ID          string
	StartedAt   time.Time
	Status      Status
	Log         []Operation
	Checkpoints map[string]*Checkpoint
	Tracked     map[string]struct{}

	seq     uint64
	cpOrder uint64
}

// Duration returns how long the transaction has been running.
func (tx *Transaction) Duration() time.Duration {
	return time.Since(tx.StartedAt)
}

// FileCount returns the number of distinct paths touched by the log.
func (tx *Transaction) FileCount() int {
	seen := make(map[string]struct{}, len(tx.Log))
	for _, op := range tx.Log {
		seen[op.Path] = struct{}{}
		if op.From != "" {
			seen[op.From] = struct{}{}
		}
	}
	return len(seen)
}

// clone returns a deep enough copy for callers outside the lock.
func (tx *Transaction) clone() *Transaction {
	c := *tx
	c.Log = append([]Operation(nil), tx.Log...)
	c.Checkpoints = make(map[string]*Checkpoint, len(tx.Checkpoints))
	for k, v := range tx.Checkpoints {
		c.Checkpoints[k] = v
	}
	c.Tracked = make(map[string]struct{}, len(tx.Tracked))
	for k := range tx.Tracked {
		c.Tracked[k] = struct{}{}
	}
	return &c
}

// Config configures a Ledger.
type Config struct {
	// MaxTrackedFiles bounds the tracked set. Default: 10000.
	MaxTrackedFiles int

	// MetricsEnabled turns on OpenTelemetry metrics.
	MetricsEnabled bool

	// TracingEnabled turns on OpenTelemetry spans.
	TracingEnabled bool

	// Logger for ledger events. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Result summarizes a finished transaction.
type Result struct {
	TransactionID  string
	Status         Status
	Duration       time.Duration
	FilesModified  int
	RollbackReason string

	// Rollback is set when the transaction was rolled back.
	Rollback *RollbackReport
}

// RollbackFailure is one step that could not be undone.
type RollbackFailure struct {
	Path string `json:"path,omitempty"`
	Op   OpKind `json:"op,omitempty"`
	Err  string `json:"error"`
}

// RollbackReport describes what a rollback did.
type RollbackReport struct {
	Checkpoint string `json:"checkpoint"`

	// Restored lists paths written back from the checkpoint snapshot.
	Restored []string `json:"restored,omitempty"`

	// Reversed counts operations undone from the log.
	Reversed int `json:"reversed"`

	// Failures lists steps that failed. Rollback continues past them.
	Failures []RollbackFailure `json:"failures,omitempty"`
}

// Failed reports whether any rollback step failed.
func (r *RollbackReport) Failed() bool {
	return r != nil && len(r.Failures) > 0
}
