// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transaction records filesystem operations so they can be undone.
//
// # Description
//
// A Ledger holds at most one Transaction. While it is active, callers
// record each create, delete, move and modify together with the state it
// destroyed. Named checkpoints snapshot the tracked files. Rolling back
// restores a checkpoint and undoes every later operation, newest first.
// Committing only discards the bookkeeping; the files already hold the
// new state.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/atomicfs"
)

// Ledger tracks one transaction at a time.
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Only one transaction
// may be active at a time; nested transactions are not supported.
type Ledger struct {
	config Config
	active *Transaction
	writer *atomicfs.Writer
	mu     sync.Mutex
	logger *slog.Logger
	tracer *Tracer
}

// NewLedger creates a ledger.
//
// # Inputs
//
//   - config: Ledger configuration. Zero values take defaults.
//
// # Outputs
//
//   - *Ledger: Idle ledger.
func NewLedger(config Config) *Ledger {
	if config.MaxTrackedFiles <= 0 {
		config.MaxTrackedFiles = 10000
	}
	base := config.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With("component", "transaction.Ledger")

	SetMetricsEnabled(config.MetricsEnabled)

	return &Ledger{
		config: config,
		writer: atomicfs.NewWriter(atomicfs.Config{Logger: base}),
		logger: logger,
		tracer: NewTracer(logger, config.TracingEnabled),
	}
}

// Begin starts a transaction and saves the "begin" checkpoint.
//
// # Outputs
//
//   - *Transaction: Copy of the new transaction.
//   - error: ErrTransactionActive if one is already open.
func (l *Ledger) Begin(ctx context.Context) (tx *Transaction, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, span := l.tracer.StartBegin(ctx)
	defer func() { l.tracer.EndBegin(span, tx, err) }()

	logger := LoggerWithTrace(ctx, l.logger)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Begin: %v", r)
			logger.Error("panic in Begin", "panic", r)
		}
	}()
	defer func() { recordBegin(ctx, err == nil) }()

	if l.active != nil {
		return nil, ErrTransactionActive
	}

	t := &Transaction{
		ID:          uuid.New().String(),
		StartedAt:   time.Now(),
		Status:      StatusActive,
		Checkpoints: make(map[string]*Checkpoint),
		Tracked:     make(map[string]struct{}),
	}
	l.saveCheckpointLocked(t, BeginCheckpoint)
	l.active = t

	logger.Info("transaction started", "tx_id", t.ID)
	return t.clone(), nil
}

// Active returns a copy of the active transaction, or nil.
func (l *Ledger) Active() *Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active == nil {
		return nil
	}
	return l.active.clone()
}

// IsActive returns true if a transaction is open.
func (l *Ledger) IsActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active != nil
}

// Track adds paths to the set snapshotted by SaveCheckpoint. It is a no-op
// when no transaction is active.
func (l *Ledger) Track(paths ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active == nil {
		return nil
	}
	return l.trackLocked(l.active, paths...)
}

func (l *Ledger) trackLocked(tx *Transaction, paths ...string) error {
	for _, p := range paths {
		p = filepath.Clean(p)
		if _, ok := tx.Tracked[p]; ok {
			continue
		}
		if len(tx.Tracked) >= l.config.MaxTrackedFiles {
			return ErrMaxFilesExceeded
		}
		tx.Tracked[p] = struct{}{}
	}
	return nil
}

// SaveCheckpoint snapshots every tracked file under name. Saving an
// existing name replaces it.
func (l *Ledger) SaveCheckpoint(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active == nil {
		return ErrNoTransaction
	}
	cp := l.saveCheckpointLocked(l.active, name)
	recordCheckpoint(ctx, len(cp.Files))

	LoggerWithTrace(ctx, l.logger).Debug("checkpoint saved",
		"tx_id", l.active.ID,
		"checkpoint", name,
		"files", len(cp.Files),
		"seq", cp.Seq)
	return nil
}

func (l *Ledger) saveCheckpointLocked(tx *Transaction, name string) *Checkpoint {
	tx.cpOrder++
	cp := &Checkpoint{
		Name:      name,
		CreatedAt: time.Now(),
		Seq:       tx.seq,
		Files:     make(map[string]FileState, len(tx.Tracked)),
		Log:       append([]Operation(nil), tx.Log...),
		order:     tx.cpOrder,
	}
	for path := range tx.Tracked {
		state, err := Capture(path)
		if err != nil {
			l.logger.Warn("cannot snapshot tracked file", "path", path, "error", err)
			continue
		}
		cp.Files[path] = state
	}
	tx.Checkpoints[name] = cp
	return cp
}

// Capture reads the current state of path. A missing file is reported as
// FileState{Exists: false} without error.
func Capture(path string) (FileState, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return FileState{}, nil
	}
	if err != nil {
		return FileState{}, err
	}
	if info.IsDir() {
		return FileState{Exists: true, IsDir: true, Mode: info.Mode().Perm()}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return FileState{}, err
	}
	return FileState{Exists: true, Content: content, Mode: info.Mode().Perm()}, nil
}

// =============================================================================
// Recording
// =============================================================================

// RecordCreate records that path was created. Rollback removes it.
func (l *Ledger) RecordCreate(path string) error {
	return l.record(Operation{Kind: OpCreate, Path: path})
}

// RecordCreateDir records that the directory path is about to be created.
// Rollback removes it once it is empty again; record it before anything
// written inside it.
func (l *Ledger) RecordCreateDir(path string) error {
	return l.record(Operation{Kind: OpCreate, Path: path, IsDir: true})
}

// RecordDelete records that path is about to be deleted. content and mode
// are its state before deletion. Rollback recreates it.
func (l *Ledger) RecordDelete(path string, content []byte, mode os.FileMode) error {
	return l.record(Operation{Kind: OpDelete, Path: path, Content: content, Mode: mode})
}

// RecordDeleteDir records that the directory path is about to be deleted.
// Files inside must be recorded with RecordDelete first.
func (l *Ledger) RecordDeleteDir(path string, mode os.FileMode) error {
	return l.record(Operation{Kind: OpDelete, Path: path, Mode: mode, IsDir: true})
}

// RecordMove records that from was moved to to. Rollback moves it back.
func (l *Ledger) RecordMove(from, to string) error {
	return l.record(Operation{Kind: OpMove, Path: to, From: from})
}

// RecordModify records that path is about to be overwritten. content and
// mode are its state before the write.
func (l *Ledger) RecordModify(path string, content []byte, mode os.FileMode) error {
	return l.record(Operation{Kind: OpModify, Path: path, Content: content, Mode: mode})
}

func (l *Ledger) record(op Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := l.active
	if tx == nil {
		return nil
	}

	op.Path = filepath.Clean(op.Path)
	paths := []string{op.Path}
	if op.From != "" {
		op.From = filepath.Clean(op.From)
		paths = append(paths, op.From)
	}
	if err := l.trackLocked(tx, paths...); err != nil {
		return err
	}

	tx.seq++
	op.Seq = tx.seq
	op.Timestamp = time.Now()
	tx.Log = append(tx.Log, op)

	l.logger.Debug("operation recorded",
		"tx_id", tx.ID,
		"seq", op.Seq,
		"kind", op.Kind,
		"path", op.Path)
	return nil
}

// =============================================================================
// Commit and rollback
// =============================================================================

// Commit ends the transaction, keeping every change. It has no effect on
// disk.
func (l *Ledger) Commit(ctx context.Context) (result *Result, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active == nil {
		return nil, ErrNoTransaction
	}
	tx := l.active

	ctx, span := l.tracer.StartCommit(ctx, tx)
	defer func() { l.tracer.EndCommit(span, result, err) }()

	l.tracer.RecordStateTransition(ctx, tx.ID, tx.Status, StatusCommitted, tx.Duration())
	tx.Status = StatusCommitted

	result = &Result{
		TransactionID: tx.ID,
		Status:        StatusCommitted,
		Duration:      tx.Duration(),
		FilesModified: tx.FileCount(),
	}
	recordCommit(ctx, result.Duration, result.FilesModified)

	l.active = nil
	LoggerWithTrace(ctx, l.logger).Info("transaction committed",
		"tx_id", tx.ID,
		"duration", result.Duration,
		"files_modified", result.FilesModified)
	return result, nil
}

// Rollback undoes everything since Begin and ends the transaction.
//
// # Description
//
// Rolls back to the "begin" checkpoint using a background context so it
// completes even if ctx is cancelled. Individual restore failures are
// collected in the result's report; they never abort the rollback.
//
// # Outputs
//
//   - *Result: Summary including the rollback report.
//   - error: ErrNoTransaction if none is active.
func (l *Ledger) Rollback(ctx context.Context, reason string) (result *Result, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active == nil {
		return nil, ErrNoTransaction
	}
	tx := l.active

	ctx, span := l.tracer.StartRollback(ctx, tx, BeginCheckpoint, reason)
	var report *RollbackReport
	defer func() { l.tracer.EndRollback(span, report, err) }()

	files := tx.FileCount()
	report, err = l.rollbackLocked(ctx, tx, BeginCheckpoint)
	if err != nil {
		return nil, err
	}

	l.tracer.RecordStateTransition(ctx, tx.ID, StatusRollingBack, StatusRolledBack, 0)
	tx.Status = StatusRolledBack
	result = &Result{
		TransactionID:  tx.ID,
		Status:         StatusRolledBack,
		Duration:       tx.Duration(),
		FilesModified:  files,
		RollbackReason: reason,
		Rollback:       report,
	}
	recordRollback(ctx, result.Duration, files, reason, len(report.Failures), true)

	l.active = nil
	LoggerWithTrace(ctx, l.logger).Info("transaction rolled back",
		"tx_id", tx.ID,
		"reason", reason,
		"reversed", report.Reversed,
		"failures", len(report.Failures))
	return result, nil
}

// RollbackToCheckpoint restores the named checkpoint and keeps the
// transaction active.
//
// # Description
//
// Tracked files that no later operation touched are written back from
// the checkpoint snapshot. Then every operation recorded after the
// checkpoint is undone in reverse order. The log is truncated to the
// checkpoint and checkpoints saved after it are discarded.
//
// # Outputs
//
//   - *RollbackReport: What was restored and what failed.
//   - error: ErrNoTransaction or ErrCheckpointNotFound. Step failures are
//     reported, not returned.
func (l *Ledger) RollbackToCheckpoint(ctx context.Context, name string) (report *RollbackReport, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active == nil {
		return nil, ErrNoTransaction
	}
	tx := l.active

	ctx, span := l.tracer.StartRollback(ctx, tx, name, "rollback to checkpoint")
	defer func() { l.tracer.EndRollback(span, report, err) }()

	report, err = l.rollbackLocked(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	tx.Status = StatusActive
	recordRollback(ctx, tx.Duration(), tx.FileCount(), "checkpoint", len(report.Failures), false)
	return report, nil
}

// rollbackLocked performs the rollback (must be called with lock held).
func (l *Ledger) rollbackLocked(ctx context.Context, tx *Transaction, name string) (report *RollbackReport, err error) {
	cp, ok := tx.Checkpoints[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, name)
	}

	logger := LoggerWithTrace(ctx, l.logger)
	report = &RollbackReport{Checkpoint: name}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("CRITICAL: panic during rollback", "panic", r, "tx_id", tx.ID)
			report.Failures = append(report.Failures, RollbackFailure{Err: fmt.Sprintf("panic: %v", r)})
		}
	}()

	prev := tx.Status
	tx.Status = StatusRollingBack
	l.tracer.RecordStateTransition(ctx, tx.ID, prev, StatusRollingBack, tx.Duration())

	var later []Operation
	touched := make(map[string]struct{})
	for _, op := range tx.Log {
		if op.Seq <= cp.Seq {
			continue
		}
		later = append(later, op)
		touched[op.Path] = struct{}{}
		if op.From != "" {
			touched[op.From] = struct{}{}
		}
	}

	logger.Warn("rolling back",
		"tx_id", tx.ID,
		"checkpoint", name,
		"operations", len(later))

	// Paths touched by later operations are restored by reversing those
	// operations, which carry the pre-operation state.
	paths := make([]string, 0, len(cp.Files))
	for path := range cp.Files {
		if _, ok := touched[path]; !ok {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	for _, path := range paths {
		restored, err := l.restoreSnapshot(path, cp.Files[path])
		if err != nil {
			logger.Error("restore failed", "path", path, "error", err)
			report.Failures = append(report.Failures, RollbackFailure{Path: path, Op: OpModify, Err: err.Error()})
			continue
		}
		if restored {
			report.Restored = append(report.Restored, path)
		}
	}

	for i := len(later) - 1; i >= 0; i-- {
		op := later[i]
		if err := l.reverse(op); err != nil {
			logger.Error("undo failed",
				"seq", op.Seq,
				"kind", op.Kind,
				"path", op.Path,
				"error", err)
			report.Failures = append(report.Failures, RollbackFailure{Path: op.Path, Op: op.Kind, Err: err.Error()})
			continue
		}
		report.Reversed++
	}

	tx.Log = append([]Operation(nil), cp.Log...)
	tx.seq = cp.Seq
	for n, other := range tx.Checkpoints {
		if other.order > cp.order {
			delete(tx.Checkpoints, n)
		}
	}
	return report, nil
}

// restoreSnapshot makes path match state. Directories are left alone.
func (l *Ledger) restoreSnapshot(path string, state FileState) (bool, error) {
	current, err := Capture(path)
	if err != nil {
		return false, err
	}
	if state.IsDir || current.IsDir {
		return false, nil
	}

	if !state.Exists {
		if !current.Exists {
			return false, nil
		}
		return true, os.Remove(path)
	}

	if current.Exists && current.Mode == state.Mode && string(current.Content) == string(state.Content) {
		return false, nil
	}
	_, err = l.writer.WriteMode(path, state.Content, state.Mode)
	return err == nil, err
}

// reverse undoes one operation.
func (l *Ledger) reverse(op Operation) error {
	switch op.Kind {
	case OpCreate:
		if op.IsDir {
			if info, err := os.Lstat(op.Path); err == nil && !info.IsDir() {
				return fmt.Errorf("%s is no longer a directory", op.Path)
			}
		}
		if err := os.Remove(op.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil

	case OpDelete:
		if op.IsDir {
			return l.writer.Mkdir(op.Path)
		}
		_, err := l.writer.WriteMode(op.Path, op.Content, op.Mode)
		return err

	case OpMove:
		_, toErr := os.Lstat(op.Path)
		_, fromErr := os.Lstat(op.From)
		if errors.Is(toErr, fs.ErrNotExist) && fromErr == nil {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(op.From), 0755); err != nil {
			return err
		}
		return os.Rename(op.Path, op.From)

	case OpModify:
		_, err := l.writer.WriteMode(op.Path, op.Content, op.Mode)
		return err

	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}
