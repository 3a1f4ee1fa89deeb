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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRefactor/pkg/ux"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/checksum"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/config"
)

const (
	oldSource = "const oldName = 42;\n"
	newSource = "const newName = 42;\n"
)

// =============================================================================
// Helpers
// =============================================================================

type cliRun struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, stdin string, args ...string) cliRun {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := newApp(strings.NewReader(stdin), &stdout, &stderr)

	prev := ux.GetPersonality().Level
	t.Cleanup(func() {
		ux.SetPersonalityLevel(prev)
		ux.SetOutput(os.Stdout, os.Stderr)
	})

	code := execute(context.Background(), a, args)
	return cliRun{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func setupWorkspace(t *testing.T, files map[string]string) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

// renamePlan renames oldName in a.ts and records its checksum.
func renamePlan(sum string) string {
	return `{
  "plan_type": "rename",
  "version": "1.0",
  "changes": {
    "a.ts": [
      {"range": {"start": {"line": 0, "character": 6}, "end": {"line": 0, "character": 13}}, "newText": "newName"}
    ]
  },
  "file_checksums": {"a.ts": "` + sum + `"},
  "summary": {"affected_files": 1}
}`
}

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// envelope decodes a --json CommandResult with its data left raw.
type envelope struct {
	APIVersion string          `json:"api_version"`
	Command    string          `json:"command"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error"`
}

func decodeEnvelope(t *testing.T, out string) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(out), &env), out)
	return env
}

type applyData struct {
	Success      bool     `json:"success"`
	State        string   `json:"state"`
	AppliedFiles []string `json:"applied_files"`
	Diff         string   `json:"diff"`
	Error        *struct {
		Code      string `json:"code"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

// =============================================================================
// Exit codes
// =============================================================================

func TestExitCode(t *testing.T) {
	assert.Equal(t, CLIExitSuccess, exitCode(nil))
	assert.Equal(t, CLIExitFindings, exitCode(findings()))
	assert.Equal(t, CLIExitError, exitCode(errors.New("boom")))

	wrapped := &exitError{code: CLIExitFindings, err: errors.New("stale")}
	assert.Equal(t, "stale", wrapped.Error())
	assert.Equal(t, "exit status 1", findings().Error())
}

// =============================================================================
// apply / preview
// =============================================================================

func TestApply_JSON(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
	planPath := writePlan(t, renamePlan(checksum.Of([]byte(oldSource))))

	run := runCLI(t, "", "--root", root, "--json", "apply", planPath)
	require.Equal(t, CLIExitSuccess, run.code, run.stderr)

	env := decodeEnvelope(t, run.stdout)
	assert.Equal(t, APIVersion, env.APIVersion)
	assert.Equal(t, "apply", env.Command)
	assert.True(t, env.Success)

	var data applyData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "committed", data.State)
	assert.Equal(t, []string{"a.ts"}, data.AppliedFiles)

	content, err := os.ReadFile(filepath.Join(root, "a.ts"))
	require.NoError(t, err)
	assert.Equal(t, newSource, string(content))
}

func TestApply_PlanFromStdin(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource})

	run := runCLI(t, renamePlan(checksum.Of([]byte(oldSource))), "--root", root, "--output", "machine", "apply", "-")
	require.Equal(t, CLIExitSuccess, run.code, run.stderr)
	assert.Contains(t, run.stdout, "SUMMARY: changed=1 created=0 deleted=0")
	assert.Contains(t, run.stdout, "OK: plan applied")

	content, err := os.ReadFile(filepath.Join(root, "a.ts"))
	require.NoError(t, err)
	assert.Equal(t, newSource, string(content))
}

func TestApply_StalePlan(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
	planPath := writePlan(t, renamePlan("sha256:0000"))

	run := runCLI(t, "", "--root", root, "--json", "apply", planPath)
	assert.Equal(t, CLIExitFindings, run.code)

	env := decodeEnvelope(t, run.stdout)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "STALE_PLAN")

	var data applyData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.NotNil(t, data.Error)
	assert.Equal(t, "STALE_PLAN", data.Error.Code)
	assert.True(t, data.Error.Retryable)

	content, err := os.ReadFile(filepath.Join(root, "a.ts"))
	require.NoError(t, err)
	assert.Equal(t, oldSource, string(content))

	// --force skips the comparison.
	run = runCLI(t, "", "--root", root, "--json", "apply", "--force", planPath)
	assert.Equal(t, CLIExitSuccess, run.code, run.stderr)
}

func TestApply_MalformedPlan(t *testing.T) {
	root := setupWorkspace(t, nil)

	run := runCLI(t, "{not json", "--root", root, "--json", "apply", "-")
	assert.Equal(t, CLIExitFindings, run.code)

	var data applyData
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, run.stdout).Data, &data))
	require.NotNil(t, data.Error)
	assert.Equal(t, "INVALID_PLAN", data.Error.Code)
}

func TestApply_MissingPlanFile(t *testing.T) {
	root := setupWorkspace(t, nil)

	run := runCLI(t, "", "--root", root, "apply", filepath.Join(root, "missing.json"))
	assert.Equal(t, CLIExitError, run.code)
	assert.Contains(t, run.stderr, "opening plan")
}

func TestApply_ValidationFailureRollsBack(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
	planPath := writePlan(t, renamePlan(checksum.Of([]byte(oldSource))))

	run := runCLI(t, "", "--root", root, "--json", "apply", "--validate-cmd", "exit 4", planPath)
	assert.Equal(t, CLIExitFindings, run.code)

	var data applyData
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, run.stdout).Data, &data))
	require.NotNil(t, data.Error)
	assert.Equal(t, "VALIDATION_FAILED", data.Error.Code)

	content, err := os.ReadFile(filepath.Join(root, "a.ts"))
	require.NoError(t, err)
	assert.Equal(t, oldSource, string(content))
}

func TestPreview(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
	planPath := writePlan(t, renamePlan(checksum.Of([]byte(oldSource))))

	run := runCLI(t, "", "--root", root, "--json", "preview", planPath)
	require.Equal(t, CLIExitSuccess, run.code, run.stderr)

	var data applyData
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, run.stdout).Data, &data))
	assert.Equal(t, "previewed", data.State)
	assert.Contains(t, data.Diff, "-const oldName = 42;")
	assert.Contains(t, data.Diff, "+const newName = 42;")

	content, err := os.ReadFile(filepath.Join(root, "a.ts"))
	require.NoError(t, err)
	assert.Equal(t, oldSource, string(content))
}

func TestPreview_Minimal(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
	planPath := writePlan(t, renamePlan(checksum.Of([]byte(oldSource))))

	run := runCLI(t, "", "--root", root, "--output", "minimal", "preview", planPath)
	require.Equal(t, CLIExitSuccess, run.code, run.stderr)
	assert.Contains(t, run.stdout, "~ a.ts")
	assert.Contains(t, run.stdout, "+const newName = 42;")
	assert.Contains(t, run.stdout, "plan is ready to apply")
}

// =============================================================================
// applyOptions
// =============================================================================

func TestApplyOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Validation.Command = "make check"
	cfg.Validation.TimeoutSeconds = 30

	a := newApp(nil, nil, nil)
	opts := a.applyOptions(cfg, false)
	assert.True(t, opts.ValidateChecksums)
	assert.True(t, opts.RollbackOnError)
	assert.False(t, opts.Backup, "backup store is none")
	require.NotNil(t, opts.Validation)
	assert.Equal(t, "make check", opts.Validation.Command)
	assert.Equal(t, 30, opts.Validation.TimeoutSeconds)

	a.apply = applyFlags{
		noChecksums:     true,
		noRollback:      true,
		validateCmd:     "go vet ./...",
		validateTimeout: 1500 * time.Millisecond,
		failOnStderr:    true,
	}
	cfg.Backup.Store = "sibling"
	opts = a.applyOptions(cfg, true)
	assert.True(t, opts.DryRun)
	assert.False(t, opts.ValidateChecksums)
	assert.False(t, opts.RollbackOnError)
	assert.True(t, opts.Backup)
	assert.Equal(t, "go vet ./...", opts.Validation.Command)
	assert.Equal(t, 2, opts.Validation.TimeoutSeconds)
	assert.True(t, opts.Validation.FailOnStderr)
}

// =============================================================================
// checksum
// =============================================================================

func TestChecksum(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
	path := filepath.Join(root, "a.ts")

	run := runCLI(t, "", "checksum", path)
	require.Equal(t, CLIExitSuccess, run.code, run.stderr)
	assert.Equal(t, checksum.Of([]byte(oldSource))+"  "+path+"\n", run.stdout)

	run = runCLI(t, "", "--json", "checksum", path, filepath.Join(root, "missing.ts"))
	assert.Equal(t, CLIExitFindings, run.code)

	env := decodeEnvelope(t, run.stdout)
	assert.False(t, env.Success)
	var sums []fileChecksum
	require.NoError(t, json.Unmarshal(env.Data, &sums))
	require.Len(t, sums, 2)
	assert.Equal(t, checksum.Of([]byte(oldSource)), sums[0].Checksum)
	assert.NotEmpty(t, sums[1].Error)
}

// =============================================================================
// watch
// =============================================================================

func TestWatch_AlreadyStale(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
	planPath := writePlan(t, renamePlan("sha256:0000"))

	run := runCLI(t, "", "--root", root, "--json", "watch", planPath)
	assert.Equal(t, CLIExitFindings, run.code)

	var report watchReport
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, run.stdout).Data, &report))
	assert.True(t, report.Stale)
	require.Len(t, report.Files, 1)
	assert.Equal(t, "a.ts", report.Files[0].Path)
}

func TestWatch_DetectsChange(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
	planPath := writePlan(t, renamePlan(checksum.Of([]byte(oldSource))))

	var stdout, stderr bytes.Buffer
	a := newApp(strings.NewReader(""), &stdout, &stderr)
	t.Cleanup(func() { ux.SetOutput(os.Stdout, os.Stderr) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan int, 1)
	go func() { done <- execute(ctx, a, []string{"--root", root, "--json", "watch", planPath}) }()

	// Keep touching the file until the watcher, once registered, sees it.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case code := <-done:
			assert.Equal(t, CLIExitFindings, code, stderr.String())
			var report watchReport
			require.NoError(t, json.Unmarshal(decodeEnvelope(t, stdout.String()).Data, &report))
			assert.True(t, report.Stale)
			return
		case <-ticker.C:
			require.NoError(t, os.WriteFile(filepath.Join(root, "a.ts"), []byte(newSource), 0644))
		case <-ctx.Done():
			t.Fatal("watch did not report the change")
		}
	}
}

func TestWatch_NoChecksums(t *testing.T) {
	root := setupWorkspace(t, nil)
	planPath := writePlan(t, `{"plan_type": "rename", "version": "1.0", "changes": {}}`)

	run := runCLI(t, "", "--root", root, "watch", planPath)
	assert.Equal(t, CLIExitError, run.code)
	assert.Contains(t, run.stderr, "no file checksums")
}

// =============================================================================
// backups
// =============================================================================

func TestBackups_SiblingStore(t *testing.T) {
	root := setupWorkspace(t, map[string]string{
		"a.ts": oldSource,
		config.FileName: "backup:\n  store: sibling\napply:\n  keep_backups: true\n",
	})
	planPath := writePlan(t, renamePlan(checksum.Of([]byte(oldSource))))

	run := runCLI(t, "", "--root", root, "--json", "apply", planPath)
	require.Equal(t, CLIExitSuccess, run.code, run.stderr)

	run = runCLI(t, "", "--root", root, "--json", "backups", "list", "a.ts")
	require.Equal(t, CLIExitSuccess, run.code, run.stderr)
	var entries []struct {
		ID   string `json:"id"`
		Path string `json:"path"`
	}
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, run.stdout).Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Join(root, "a.ts"), entries[0].Path)

	run = runCLI(t, "", "--root", root, "--json", "backups", "restore", entries[0].ID)
	require.Equal(t, CLIExitSuccess, run.code, run.stderr)

	content, err := os.ReadFile(filepath.Join(root, "a.ts"))
	require.NoError(t, err)
	assert.Equal(t, oldSource, string(content))

	run = runCLI(t, "", "--root", root, "backups", "list")
	assert.Equal(t, CLIExitError, run.code)
	assert.Contains(t, run.stderr, "pass a file")
}

func TestBackups_RestoreUnknown(t *testing.T) {
	root := setupWorkspace(t, map[string]string{config.FileName: "backup:\n  store: sibling\n"})

	run := runCLI(t, "", "--root", root, "--output", "machine", "backups", "restore", filepath.Join(root, "nope.backup"))
	assert.Equal(t, CLIExitFindings, run.code)
	assert.Contains(t, run.stderr, "not found")
}

func TestBackups_NoStore(t *testing.T) {
	root := setupWorkspace(t, nil)

	run := runCLI(t, "", "--root", root, "backups", "list", "a.ts")
	assert.Equal(t, CLIExitError, run.code)
	assert.Contains(t, run.stderr, errNoBackupStore.Error())
}

func TestBackups_Prune(t *testing.T) {
	root := setupWorkspace(t, map[string]string{config.FileName: "backup:\n  store: sibling\n"})

	run := runCLI(t, "", "--root", root, "--json", "backups", "prune", "--older-than", "1h")
	require.Equal(t, CLIExitSuccess, run.code, run.stderr)

	var data map[string]int
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, run.stdout).Data, &data))
	assert.Equal(t, 0, data["removed"])
}

// =============================================================================
// configuration
// =============================================================================

func TestLoadConfig_Overrides(t *testing.T) {
	root := setupWorkspace(t, map[string]string{config.FileName: "logging:\n  level: warn\n"})

	a := newApp(nil, nil, nil)
	a.global = globalFlags{root: root, logLevel: "debug", metricsAddr: "127.0.0.1:0"}

	cfg, err := a.loadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, root, cfg.Workspace.Root)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "prometheus", cfg.Telemetry.MetricExporter)

	a.global.logLevel = "loud"
	_, err = a.loadConfig(context.Background())
	assert.Error(t, err)
}

func TestSessionDisplay(t *testing.T) {
	s := &session{root: "/work"}
	assert.Equal(t, "src/a.ts", s.display("/work/src/a.ts"))
	assert.Equal(t, "/other/a.ts", s.display("/other/a.ts"))
}
