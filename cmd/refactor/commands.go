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
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRefactor/pkg/ux"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath     string
	root           string
	json           bool
	logLevel       string
	output         string
	traceExporter  string
	metricExporter string
	metricsAddr    string
}

// applyFlags override the configured apply options.
type applyFlags struct {
	dryRun          bool
	diff            bool
	force           bool
	noChecksums     bool
	noRollback      bool
	backup          bool
	keepBackups     bool
	validateCmd     string
	validateTimeout time.Duration
	failOnStderr    bool
}

// app holds the command tree's state and I/O.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	global    globalFlags
	apply     applyFlags
	olderThan time.Duration
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{stdin: stdin, stdout: stdout, stderr: stderr}
}

// execute runs the command tree and returns the process exit code.
func execute(ctx context.Context, a *app, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if code == CLIExitError {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
	}
	return code
}

func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "refactor",
		Short: "Apply refactoring plans safely",
		Long: `refactor applies a precomputed refactoring plan to a workspace as one
transaction: checksums are verified first, every write is atomic, moved
files have their importers rewritten, and any failure rolls the
workspace back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			switch {
			case a.global.json:
				ux.SetPersonalityLevel(ux.PersonalityMachine)
			case a.global.output != "":
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(a.global.output))
			default:
				ux.InitPersonality()
			}
			ux.SetOutput(a.stdout, a.stderr)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&a.global.configPath, "config", "c", "", "configuration file (default: <root>/.refactor.yaml if present)")
	pf.StringVarP(&a.global.root, "root", "r", "", "workspace root (default: configured root or the current directory)")
	pf.BoolVar(&a.global.json, "json", false, "write machine-readable JSON to stdout")
	pf.StringVar(&a.global.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&a.global.output, "output", "", "output style: standard, minimal, machine")
	pf.StringVar(&a.global.traceExporter, "trace-exporter", "", "trace exporter: none, stdout, otlp")
	pf.StringVar(&a.global.metricExporter, "metric-exporter", "", "metric exporter: none, prometheus, stdout")
	pf.StringVar(&a.global.metricsAddr, "metrics-addr", "", "serve prometheus /metrics on this address while the command runs")

	rootCmd.AddCommand(
		a.applyCmd(),
		a.previewCmd(),
		a.checksumCmd(),
		a.watchCmd(),
		a.backupsCmd(),
	)
	return rootCmd
}

func (a *app) applyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <plan.json|->",
		Short: "Apply a refactoring plan to the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runApply(cmd.Context(), "apply", args[0], a.apply.dryRun)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&a.apply.dryRun, "dry-run", false, "validate and report without writing")
	f.BoolVar(&a.apply.diff, "diff", false, "include a unified diff in a dry run")
	f.BoolVar(&a.apply.force, "force", false, "skip the checksum comparison")
	f.BoolVar(&a.apply.noChecksums, "no-checksums", false, "do not compare plan checksums")
	f.BoolVar(&a.apply.noRollback, "no-rollback", false, "leave partial changes in place on failure")
	f.BoolVar(&a.apply.backup, "backup", false, "copy files to the backup store before changing them")
	f.BoolVar(&a.apply.keepBackups, "keep-backups", false, "keep backups after a successful apply")
	f.StringVar(&a.apply.validateCmd, "validate-cmd", "", "shell command to run after writing; failure rolls back")
	f.DurationVar(&a.apply.validateTimeout, "validate-timeout", 0, "validation command timeout (default 60s)")
	f.BoolVar(&a.apply.failOnStderr, "fail-on-stderr", false, "fail validation when the command writes to stderr")
	return cmd
}

func (a *app) previewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview <plan.json|->",
		Short: "Show what a plan would change, with a unified diff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.apply.diff = true
			return a.runApply(cmd.Context(), "preview", args[0], true)
		},
	}
	cmd.Flags().BoolVar(&a.apply.force, "force", false, "skip the checksum comparison")
	return cmd
}

func (a *app) checksumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checksum <file>...",
		Short: "Print the checksums a plan records for files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChecksum(args)
		},
	}
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <plan.json|->",
		Short: "Wait until a plan goes stale",
		Long: `watch blocks until any file the plan recorded a checksum for changes
on disk, then reports the stale files and exits 1. Interrupt exits 0.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runWatch(cmd.Context(), args[0])
		},
	}
}

func (a *app) backupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List, restore and prune file backups",
	}
	list := &cobra.Command{
		Use:   "list [file]",
		Short: "List backups, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return a.runBackupsList(cmd.Context(), path)
		},
	}
	restore := &cobra.Command{
		Use:   "restore <id>",
		Short: "Write a backup back over its file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBackupsRestore(cmd.Context(), args[0])
		},
	}
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove backups older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBackupsPrune(cmd.Context())
		},
	}
	prune.Flags().DurationVar(&a.olderThan, "older-than", 0, "age threshold (default: backup.retention_hours)")

	cmd.AddCommand(list, restore, prune)
	return cmd
}
