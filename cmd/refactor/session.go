// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianRefactor/pkg/logging"
	"github.com/AleutianAI/AleutianRefactor/pkg/telemetry"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/apply"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/backup"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/config"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/imports"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/lsp"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/transaction"
)

// errNoBackupStore is returned by the backups commands when backup.store
// is none.
var errNoBackupStore = errors.New("no backup store configured (set backup.store to sibling or badger)")

// shutdownTimeout bounds telemetry flushing and language server shutdown.
const shutdownTimeout = 5 * time.Second

// session is the configured engine for one command.
type session struct {
	cfg    *config.Config
	root   string
	logger *logging.Logger

	telemetryShutdown func(context.Context) error
	store             backup.Store
	server            *lsp.Server
	applier           *apply.Applier
}

// loadConfig reads the configuration and applies the global flags.
//
// The file is --config, or .refactor.yaml in --root (or the working
// directory) when present, or the embedded defaults.
func (a *app) loadConfig(ctx context.Context) (*config.Config, error) {
	path := a.global.configPath
	if path == "" {
		dir := a.global.root
		if dir == "" {
			dir = "."
		}
		path = config.Find(dir)
	}

	cfg, err := config.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	if a.global.root != "" {
		cfg.Workspace.Root = a.global.root
	}
	root, err := filepath.Abs(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	cfg.Workspace.Root = root

	if a.global.logLevel != "" {
		if _, err := logging.ParseLevel(a.global.logLevel); err != nil {
			return nil, err
		}
		cfg.Logging.Level = a.global.logLevel
	}
	if a.global.traceExporter != "" {
		cfg.Telemetry.TraceExporter = a.global.traceExporter
	}
	if a.global.metricExporter != "" {
		cfg.Telemetry.MetricExporter = a.global.metricExporter
	}
	if a.global.metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = a.global.metricsAddr
		if cfg.Telemetry.MetricExporter == "none" {
			cfg.Telemetry.MetricExporter = "prometheus"
		}
	}
	return cfg, nil
}

// openSession builds logging, telemetry and the backup store. withApplier
// also starts the language server, if configured, and creates the
// applier.
func (a *app) openSession(ctx context.Context, withApplier bool) (s *session, err error) {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	s = &session{
		cfg:  cfg,
		root: cfg.Workspace.Root,
		logger: logging.New(logging.Config{
			Level:   level,
			LogDir:  cfg.Logging.Dir,
			Service: "refactor",
			JSON:    cfg.Logging.JSON,
			Output:  a.stderr,
		}),
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()
	if ferr := s.logger.FileErr(); ferr != nil {
		s.logger.Warn("log file disabled", "error", ferr)
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "aleutian-refactor",
		ServiceVersion: "1.0.0",
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		MetricsAddr:    cfg.Telemetry.MetricsAddr,
		Output:         a.stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown

	if s.store, err = openStore(cfg, s.logger); err != nil {
		return nil, err
	}

	if !withApplier {
		return s, nil
	}

	var notifier apply.Notifier
	if cfg.LSP.Command != "" {
		s.server = lsp.NewServer(lsp.ServerConfig{
			Command: cfg.LSP.Command,
			Args:    cfg.LSP.Args,
			Root:    s.root,
			Logger:  s.logger.Slog(),
		})
		if serr := s.server.Start(ctx); serr != nil {
			// Notifications are best effort.
			s.logger.Warn("language server unavailable", "command", cfg.LSP.Command, "error", serr)
			s.server = nil
		} else {
			notifier = lsp.NewNotifier(s.server, s.logger.Slog())
		}
	}

	telemetryOn := cfg.Telemetry.TraceExporter != "none" || cfg.Telemetry.MetricExporter != "none"
	s.applier, err = apply.NewApplier(apply.Config{
		Root: s.root,
		Ledger: transaction.NewLedger(transaction.Config{
			MaxTrackedFiles: cfg.Transaction.MaxTrackedFiles,
			MetricsEnabled:  telemetryOn,
			TracingEnabled:  telemetryOn,
			Logger:          s.logger.Slog(),
		}),
		Imports: imports.Config{
			ScanExtensions:       cfg.Imports.ScanExtensions,
			ResolutionExtensions: cfg.Imports.ResolutionExtensions,
			Ignore:               cfg.Imports.Ignore,
		},
		Backups:  s.store,
		Notifier: notifier,
		Logger:   s.logger.Slog(),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// openStore creates the configured backup store, or nil for none.
func openStore(cfg *config.Config, logger *logging.Logger) (backup.Store, error) {
	switch cfg.Backup.Store {
	case "sibling":
		return backup.NewSiblingStore(backup.SiblingConfig{
			MaxBackups: cfg.Backup.MaxBackups,
			Logger:     logger.Slog(),
		}), nil
	case "badger":
		dir := cfg.Backup.Path
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(cfg.Workspace.Root, dir)
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating backup directory: %w", err)
		}
		store, err := backup.OpenBadgerStore(dir, logger.Slog())
		if err != nil {
			return nil, fmt.Errorf("opening backup store: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}

// Close releases everything the session opened. Errors are logged.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.applier != nil && s.applier.Pending() {
		// The process is exiting; the partial changes stay on disk.
		if err := s.applier.Release(ctx); err != nil {
			s.logger.Warn("releasing pending apply", "error", err)
		}
	}
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Debug("language server shutdown", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("closing backup store", "error", err)
		}
	}
	if s.telemetryShutdown != nil {
		if err := s.telemetryShutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown", "error", err)
		}
	}
	_ = s.logger.Close()
}
