// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the refactoring engine configuration.
//
// Values come from the embedded default.yaml, overlaid by a workspace
// .refactor.yaml when one exists. Engine packages never read this
// package; the CLI maps it onto their typed Config structs.
//
// Thread Safety:
//
//	All exported functions are safe for concurrent use.
package config

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// FileName is the workspace configuration file looked up by Find.
	FileName = ".refactor.yaml"

	// MaxFileSize is the largest configuration file accepted (1MB).
	MaxFileSize = 1024 * 1024
)

//go:embed default.yaml
var defaultYAML []byte

var (
	configLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refactor_config_loads_total",
		Help: "Configuration loads by source and status",
	}, []string{"source", "status"})

	configTracer = otel.Tracer("aleutian.refactor.config")

	configValidate = validator.New()
)

// =============================================================================
// Types
// =============================================================================

// Config is the full engine configuration.
type Config struct {
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	Imports     ImportsConfig     `yaml:"imports"`
	Apply       ApplyConfig       `yaml:"apply"`
	Transaction TransactionConfig `yaml:"transaction"`
	Backup      BackupConfig      `yaml:"backup"`
	Validation  ValidationConfig  `yaml:"validation"`
	LSP         LSPConfig         `yaml:"lsp"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// WorkspaceConfig locates the workspace.
type WorkspaceConfig struct {
	// Root resolves relative plan paths. Relative roots are taken from the
	// configuration file's directory.
	Root string `yaml:"root" validate:"required"`
}

// ImportsConfig controls import repair.
type ImportsConfig struct {
	ScanExtensions       []string `yaml:"scan_extensions" validate:"dive,startswith=."`
	ResolutionExtensions []string `yaml:"resolution_extensions" validate:"dive,startswith=."`
	Ignore               []string `yaml:"ignore"`
}

// ApplyConfig holds the default apply options.
type ApplyConfig struct {
	ValidateChecksums bool `yaml:"validate_checksums"`
	ValidatePlanType  bool `yaml:"validate_plan_type"`
	RollbackOnError   bool `yaml:"rollback_on_error"`
	KeepBackups       bool `yaml:"keep_backups"`
}

// TransactionConfig bounds the ledger.
type TransactionConfig struct {
	MaxTrackedFiles int `yaml:"max_tracked_files" validate:"gte=0"`
}

// BackupConfig selects the backup store.
type BackupConfig struct {
	// Store is none, sibling or badger.
	Store string `yaml:"store" validate:"oneof=none sibling badger"`

	// Path is the badger database directory.
	Path string `yaml:"path" validate:"required_if=Store badger"`

	MaxBackups     int `yaml:"max_backups" validate:"gte=0"`
	RetentionHours int `yaml:"retention_hours" validate:"gte=0"`
}

// Retention returns RetentionHours as a duration.
func (b BackupConfig) Retention() time.Duration {
	return time.Duration(b.RetentionHours) * time.Hour
}

// ValidationConfig is the post-apply validation command.
type ValidationConfig struct {
	Command        string `yaml:"command"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=0,lte=3600"`
	WorkingDir     string `yaml:"working_dir"`
	FailOnStderr   bool   `yaml:"fail_on_stderr"`
}

// LSPConfig is the optional language server to notify.
type LSPConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// TelemetryConfig configures pkg/telemetry.
type TelemetryConfig struct {
	// TraceExporter is none, stdout or otlp.
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`

	// MetricExporter is none, prometheus or stdout.
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none prometheus stdout"`

	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"omitempty,hostname_port"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	// MetricsAddr serves /metrics when MetricExporter is prometheus.
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// SlogLevel maps Level onto slog.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the embedded configuration.
func Default() *Config {
	cfg, err := parse(defaultYAML, nil)
	if err != nil {
		panic(fmt.Sprintf("embedded default config is invalid: %v", err))
	}
	return cfg
}

// Load reads path over the embedded defaults and validates the result.
//
// # Description
//
// Keys missing from the file keep their default values. A relative
// workspace.root is resolved against the file's directory.
//
// # Inputs
//
//   - ctx: Context for tracing.
//   - path: Configuration file. Empty returns Default().
//
// # Outputs
//
//   - *Config: The merged configuration.
//   - error: Non-nil if the file is unreadable, too large, malformed or
//     invalid.
func Load(ctx context.Context, path string) (*Config, error) {
	_, span := configTracer.Start(ctx, "config.Load")
	defer span.End()
	span.SetAttributes(attribute.String("path", path))

	if path == "" {
		configLoads.WithLabelValues("embedded", "success").Inc()
		return Default(), nil
	}

	cfg, err := loadFile(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		configLoads.WithLabelValues("file", "error").Inc()
		return nil, err
	}
	configLoads.WithLabelValues("file", "success").Inc()
	return cfg, nil
}

// Find returns the configuration file in dir, or "" if there is none.
func Find(dir string) string {
	path := filepath.Join(dir, FileName)
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		return path
	}
	return ""
}

func loadFile(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("config %s exceeds %d bytes", path, MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	base, err := parse(defaultYAML, nil)
	if err != nil {
		return nil, err
	}
	cfg, err := parse(data, base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if !filepath.IsAbs(cfg.Workspace.Root) {
		cfg.Workspace.Root = filepath.Join(filepath.Dir(path), cfg.Workspace.Root)
	}
	return cfg, nil
}

// parse decodes data over base (or an empty Config) and validates it.
func parse(data []byte, base *Config) (*Config, error) {
	cfg := base
	if cfg == nil {
		cfg = &Config{}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document decodes to io.EOF and leaves base unchanged.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := configValidate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
