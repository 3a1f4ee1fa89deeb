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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/atomicfs"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/backup"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/checksum"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/plan"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/textedit"
)

const (
	oldSource = "const oldName = 42;\n"
	newSource = "const newName = 42;\n"
)

// =============================================================================
// Helpers
// =============================================================================

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

func readFile(t *testing.T, root, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
	require.NoError(t, err)
	return string(data)
}

func newTestApplier(t *testing.T, root string, mods ...func(*Config)) *Applier {
	t.Helper()
	cfg := Config{Root: root}
	for _, mod := range mods {
		mod(&cfg)
	}
	a, err := NewApplier(cfg)
	require.NoError(t, err)
	return a
}

// renameEdit replaces "oldName" in oldSource.
func renameEdit() textedit.TextEdit {
	return textedit.TextEdit{
		Range: textedit.Range{
			Start: textedit.Position{Line: 0, Character: 6},
			End:   textedit.Position{Line: 0, Character: 13},
		},
		NewText: "newName",
	}
}

func renamePlan(files ...string) *plan.Plan {
	p := &plan.Plan{
		Kind:    plan.KindRename,
		Version: "1.0",
		Changes: map[string][]textedit.TextEdit{},
	}
	for _, f := range files {
		p.Changes[f] = []textedit.TextEdit{renameEdit()}
	}
	return p
}

func withValidation(command string) Options {
	opts := DefaultOptions()
	opts.Validation = &ValidationOptions{Command: command}
	return opts
}

// failingWriter fails the failAt-th Write.
type failingWriter struct {
	*atomicfs.Writer
	failAt int

	mu     sync.Mutex
	writes int
}

func (w *failingWriter) Write(path string, content []byte) (*atomicfs.WriteResult, error) {
	w.mu.Lock()
	w.writes++
	n := w.writes
	w.mu.Unlock()
	if n == w.failAt {
		return nil, fmt.Errorf("writing %s: %w", path, errors.New("disk full"))
	}
	return w.Writer.Write(path, content)
}

type recordingNotifier struct {
	mu      sync.Mutex
	writes  []string
	deletes []string
}

func (n *recordingNotifier) DidWrite(_ context.Context, path string, _ []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.writes = append(n.writes, path)
	return nil
}

func (n *recordingNotifier) DidDelete(_ context.Context, path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deletes = append(n.deletes, path)
	return errors.New("server gone")
}

// =============================================================================
// Construction
// =============================================================================

func TestNewApplier(t *testing.T) {
	t.Run("requires root", func(t *testing.T) {
		_, err := NewApplier(Config{})
		assert.Error(t, err)
	})

	t.Run("root must be a directory", func(t *testing.T) {
		root := setupWorkspace(t, map[string]string{"f.txt": "x"})
		_, err := NewApplier(Config{Root: filepath.Join(root, "f.txt")})
		assert.Error(t, err)
	})

	t.Run("root is made absolute", func(t *testing.T) {
		root := setupWorkspace(t, nil)
		a := newTestApplier(t, root)
		assert.Equal(t, root, a.Root())
	})
}

// =============================================================================
// Committed Applies
// =============================================================================

func TestApply_Rename(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"src/a.ts": oldSource})
	a := newTestApplier(t, root)

	p := renamePlan("src/a.ts")
	p.FileChecksums = map[string]string{"src/a.ts": checksum.Of([]byte(oldSource))}

	res := a.Apply(context.Background(), p, DefaultOptions())

	require.Nil(t, res.Error)
	assert.True(t, res.Success)
	assert.Equal(t, StateCommitted, res.State)
	assert.NotEmpty(t, res.ApplyID)
	assert.Equal(t, []string{"src/a.ts"}, res.AppliedFiles)
	assert.Empty(t, res.CreatedFiles)
	assert.Empty(t, res.DeletedFiles)
	assert.False(t, res.RollbackAvailable)
	assert.Equal(t, newSource, readFile(t, root, "src/a.ts"))
	assert.False(t, a.Pending())
}

func TestApply_PreservesLineEndings(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": "const oldName = 42;\r\nlet y = 1;\r\n"})
	a := newTestApplier(t, root)

	res := a.Apply(context.Background(), renamePlan("a.ts"), DefaultOptions())

	require.Nil(t, res.Error)
	assert.Equal(t, "const newName = 42;\r\nlet y = 1;\r\n", readFile(t, root, "a.ts"))
}

func TestApply_PlanWarningsCarried(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
	a := newTestApplier(t, root)

	p := renamePlan("a.ts")
	p.Warnings = []plan.Warning{
		{Code: "AMBIGUOUS_SYMBOL", Message: "two candidates"},
		{Message: "dynamic import skipped"},
	}
	res := a.Apply(context.Background(), p, DefaultOptions())

	require.True(t, res.Success)
	assert.Contains(t, res.Warnings, "AMBIGUOUS_SYMBOL: two candidates")
	assert.Contains(t, res.Warnings, "dynamic import skipped")
}

func TestApply_Symlink(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"real.ts": oldSource})
	require.NoError(t, os.Symlink("real.ts", filepath.Join(root, "link.ts")))
	a := newTestApplier(t, root)

	res := a.Apply(context.Background(), renamePlan("link.ts"), DefaultOptions())

	require.Nil(t, res.Error)
	assert.Equal(t, []string{"link.ts"}, res.AppliedFiles)
	assert.Equal(t, newSource, readFile(t, root, "real.ts"))

	info, err := os.Lstat(filepath.Join(root, "link.ts"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink, "link must stay a symlink")
}

func TestApply_Notifier(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource, "old.ts": "x"})
	n := &recordingNotifier{}
	a := newTestApplier(t, root, func(c *Config) { c.Notifier = n })

	p := renamePlan("a.ts")
	p.FileOperations = []plan.FileOperation{{Kind: plan.OpDelete, Path: "old.ts"}}
	res := a.Apply(context.Background(), p, DefaultOptions())

	require.True(t, res.Success, "notification failures must not fail the apply")
	assert.Equal(t, []string{filepath.Join(root, "a.ts")}, n.writes)
	assert.Equal(t, []string{filepath.Join(root, "old.ts")}, n.deletes)
}

// =============================================================================
// Rejections
// =============================================================================

func TestApply_StalePlan(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
	a := newTestApplier(t, root)

	p := renamePlan("a.ts")
	p.FileChecksums = map[string]string{"a.ts": "sha256:AAA"}

	t.Run("rejected", func(t *testing.T) {
		res := a.Apply(context.Background(), p, DefaultOptions())

		require.NotNil(t, res.Error)
		assert.False(t, res.Success)
		assert.Equal(t, StateFailed, res.State)
		assert.Equal(t, plan.CodeStalePlan, res.Error.Code)
		assert.True(t, res.Error.Retryable)
		assert.False(t, res.RollbackAvailable)
		assert.Empty(t, res.AppliedFiles)
		assert.Equal(t, oldSource, readFile(t, root, "a.ts"))
	})

	t.Run("checksum validation off", func(t *testing.T) {
		opts := DefaultOptions()
		opts.ValidateChecksums = false
		opts.DryRun = true
		res := a.Apply(context.Background(), p, opts)
		assert.True(t, res.Success)
	})

	t.Run("force", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Force = true
		res := a.Apply(context.Background(), p, opts)

		require.Nil(t, res.Error)
		assert.Equal(t, newSource, readFile(t, root, "a.ts"))
	})
}

func TestApply_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		plan  func() *plan.Plan
		code  plan.Code
	}{
		{
			name: "position past end of file",
			plan: func() *plan.Plan {
				p := renamePlan()
				p.Changes["a.ts"] = []textedit.TextEdit{{
					Range:   textedit.Range{Start: textedit.Position{Line: 5}, End: textedit.Position{Line: 5}},
					NewText: "x",
				}}
				return p
			},
			code: plan.CodeInvalidPosition,
		},
		{
			name: "overlapping edits",
			plan: func() *plan.Plan {
				p := renamePlan()
				overlap := renameEdit()
				overlap.Range.Start.Character = 8
				overlap.NewText = "x"
				p.Changes["a.ts"] = []textedit.TextEdit{renameEdit(), overlap}
				return p
			},
			code: plan.CodeInvalidPosition,
		},
		{
			name: "missing file",
			plan: func() *plan.Plan { return renamePlan("missing.ts") },
			code: plan.CodeFileNotFound,
		},
		{
			name:  "directory as edit target",
			files: map[string]string{"dir/x.ts": "x"},
			plan:  func() *plan.Plan { return renamePlan("dir") },
			code:  plan.CodeInvalidPlan,
		},
		{
			name: "path outside the workspace",
			plan: func() *plan.Plan { return renamePlan("../outside.ts") },
			code: plan.CodeInvalidPlan,
		},
		{
			name:  "protected path",
			files: map[string]string{".ssh/config": oldSource},
			plan:  func() *plan.Plan { return renamePlan(".ssh/config") },
			code:  plan.CodeInvalidPlan,
		},
		{
			name: "same file listed twice",
			plan: func() *plan.Plan { return renamePlan("a.ts", "./a.ts") },
			code: plan.CodeInvalidPlan,
		},
		{
			name: "unknown plan type",
			plan: func() *plan.Plan {
				p := renamePlan("a.ts")
				p.Kind = "frobnicate"
				return p
			},
			code: plan.CodeInvalidPlan,
		},
		{
			name: "unsupported version",
			plan: func() *plan.Plan {
				p := renamePlan("a.ts")
				p.Version = "2.0"
				return p
			},
			code: plan.CodeInvalidPlan,
		},
		{
			name:  "deletions outside a delete plan",
			files: map[string]string{"b.ts": "b"},
			plan: func() *plan.Plan {
				p := renamePlan("a.ts")
				p.Deletions = []plan.Deletion{{Path: "b.ts"}}
				return p
			},
			code: plan.CodeInvalidPlan,
		},
		{
			name:  "create onto an existing file",
			files: map[string]string{"b.ts": "b"},
			plan: func() *plan.Plan {
				p := renamePlan("a.ts")
				p.FileOperations = []plan.FileOperation{{Kind: plan.OpCreate, Path: "b.ts", Content: "new"}}
				return p
			},
			code: plan.CodeInvalidPlan,
		},
		{
			name: "move from a missing path",
			plan: func() *plan.Plan {
				p := renamePlan("a.ts")
				p.FileOperations = []plan.FileOperation{{Kind: plan.OpMove, OldPath: "gone.ts", NewPath: "b.ts"}}
				return p
			},
			code: plan.CodeFileNotFound,
		},
		{
			name:  "move onto an existing path",
			files: map[string]string{"b.ts": "b"},
			plan: func() *plan.Plan {
				p := renamePlan()
				p.FileOperations = []plan.FileOperation{{Kind: plan.OpMove, OldPath: "a.ts", NewPath: "b.ts"}}
				return p
			},
			code: plan.CodeInvalidPlan,
		},
		{
			name: "delete of a missing path",
			plan: func() *plan.Plan {
				p := renamePlan("a.ts")
				p.FileOperations = []plan.FileOperation{{Kind: plan.OpDelete, Path: "gone.ts"}}
				return p
			},
			code: plan.CodeFileNotFound,
		},
		{
			name: "edit of a file the plan deletes",
			plan: func() *plan.Plan {
				p := renamePlan("a.ts")
				p.FileOperations = []plan.FileOperation{{Kind: plan.OpDelete, Path: "a.ts"}}
				return p
			},
			code: plan.CodeFileNotFound,
		},
		{
			name: "edit at the old path of a moved file",
			plan: func() *plan.Plan {
				p := renamePlan("a.ts")
				p.FileOperations = []plan.FileOperation{{Kind: plan.OpMove, OldPath: "a.ts", NewPath: "b.ts"}}
				return p
			},
			code: plan.CodeFileNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := map[string]string{"a.ts": oldSource}
			for k, v := range tt.files {
				files[k] = v
			}
			root := setupWorkspace(t, files)
			a := newTestApplier(t, root)

			res := a.Apply(context.Background(), tt.plan(), DefaultOptions())

			require.NotNil(t, res.Error)
			assert.Equal(t, tt.code, res.Error.Code, res.Error.Message)
			assert.Equal(t, StateFailed, res.State)
			assert.False(t, res.RollbackAvailable)
			assert.Nil(t, res.Rollback)
			for name, content := range files {
				assert.Equal(t, content, readFile(t, root, name), "%s must be untouched", name)
			}
			assert.False(t, a.Pending())
		})
	}
}

func TestApply_NilPlan(t *testing.T) {
	a := newTestApplier(t, setupWorkspace(t, nil))
	res := a.Apply(context.Background(), nil, DefaultOptions())
	require.NotNil(t, res.Error)
	assert.Equal(t, plan.CodeInvalidPlan, res.Error.Code)
}

func TestApply_UnknownPlanTypeAllowed(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
	a := newTestApplier(t, root)

	p := renamePlan("a.ts")
	p.Kind = "frobnicate"
	opts := DefaultOptions()
	opts.ValidatePlanType = false

	res := a.Apply(context.Background(), p, opts)

	require.Nil(t, res.Error)
	assert.Equal(t, newSource, readFile(t, root, "a.ts"))
}

func TestApply_CancelledBeforeWriting(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
	a := newTestApplier(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := a.Apply(ctx, renamePlan("a.ts"), DefaultOptions())

	require.NotNil(t, res.Error)
	assert.Equal(t, plan.CodeCancelled, res.Error.Code)
	assert.False(t, res.Success)
	assert.False(t, res.RollbackAvailable)
	assert.Equal(t, oldSource, readFile(t, root, "a.ts"))
}

// =============================================================================
// Rollback
// =============================================================================

func TestApply_WriteFailureRollsBack(t *testing.T) {
	files := map[string]string{}
	names := []string{"f1.ts", "f2.ts", "f3.ts", "f4.ts", "f5.ts"}
	for _, name := range names {
		files[name] = oldSource
	}
	root := setupWorkspace(t, files)
	writer := &failingWriter{Writer: atomicfs.NewWriter(atomicfs.Config{}), failAt: 3}
	a := newTestApplier(t, root, func(c *Config) { c.Writer = writer })

	res := a.Apply(context.Background(), renamePlan(names...), DefaultOptions())

	require.NotNil(t, res.Error)
	assert.Equal(t, plan.CodeWriteFailed, res.Error.Code)
	assert.Equal(t, StateFailed, res.State)
	assert.True(t, res.RollbackAvailable)
	require.NotNil(t, res.Rollback)
	assert.Empty(t, res.Rollback.Failures)
	assert.Equal(t, []string{"f1.ts", "f2.ts"}, res.AppliedFiles)
	for _, name := range names {
		assert.Equal(t, oldSource, readFile(t, root, name), "%s must be restored", name)
	}
	assert.False(t, a.Pending())
}

func TestApply_ValidationCommand(t *testing.T) {
	t.Run("passing command commits", func(t *testing.T) {
		root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
		a := newTestApplier(t, root)

		res := a.Apply(context.Background(), renamePlan("a.ts"), withValidation("grep -q newName a.ts"))

		require.Nil(t, res.Error)
		require.NotNil(t, res.Validation)
		assert.True(t, res.Validation.Passed)
		assert.Equal(t, newSource, readFile(t, root, "a.ts"))
	})

	t.Run("failing command rolls back", func(t *testing.T) {
		root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
		a := newTestApplier(t, root)

		res := a.Apply(context.Background(), renamePlan("a.ts"), withValidation("exit 3"))

		require.NotNil(t, res.Error)
		assert.Equal(t, plan.CodeValidationFailed, res.Error.Code)
		assert.Equal(t, 3, res.Error.Details["exit_code"])
		require.NotNil(t, res.Validation)
		assert.Equal(t, 3, res.Validation.ExitCode)
		assert.Equal(t, StateFailed, res.State)
		assert.True(t, res.RollbackAvailable)
		assert.Equal(t, []string{"a.ts"}, res.AppliedFiles)
		assert.Equal(t, oldSource, readFile(t, root, "a.ts"))
	})
}

func TestApply_LeaveInPlace(t *testing.T) {
	setup := func(t *testing.T) (string, *Applier, *Result) {
		root := setupWorkspace(t, map[string]string{"a.ts": oldSource, "b.ts": oldSource})
		a := newTestApplier(t, root)
		opts := withValidation("false")
		opts.RollbackOnError = false

		res := a.Apply(context.Background(), renamePlan("a.ts"), opts)
		require.NotNil(t, res.Error)
		return root, a, res
	}

	t.Run("partial state stays and blocks the next apply", func(t *testing.T) {
		root, a, res := setup(t)

		assert.Equal(t, StateFailed, res.State)
		assert.True(t, res.RollbackAvailable)
		assert.Nil(t, res.Rollback)
		assert.True(t, a.Pending())
		assert.Equal(t, newSource, readFile(t, root, "a.ts"))

		next := a.Apply(context.Background(), renamePlan("b.ts"), DefaultOptions())
		require.NotNil(t, next.Error)
		assert.Equal(t, plan.CodeWriteFailed, next.Error.Code)
		assert.Equal(t, oldSource, readFile(t, root, "b.ts"))
	})

	t.Run("rollback restores", func(t *testing.T) {
		root, a, _ := setup(t)

		report, err := a.Rollback(context.Background())
		require.NoError(t, err)
		assert.Empty(t, report.Failures)
		assert.Equal(t, oldSource, readFile(t, root, "a.ts"))
		assert.False(t, a.Pending())

		_, err = a.Rollback(context.Background())
		assert.ErrorIs(t, err, ErrNothingPending)
	})

	t.Run("release keeps", func(t *testing.T) {
		root, a, _ := setup(t)

		require.NoError(t, a.Release(context.Background()))
		assert.Equal(t, newSource, readFile(t, root, "a.ts"))
		assert.False(t, a.Pending())
		assert.ErrorIs(t, a.Release(context.Background()), ErrNothingPending)
	})
}

// =============================================================================
// File Operations
// =============================================================================

func TestApply_FileOperations(t *testing.T) {
	t.Run("create and delete", func(t *testing.T) {
		root := setupWorkspace(t, map[string]string{"a.ts": oldSource, "old.ts": "old"})
		a := newTestApplier(t, root)

		p := renamePlan("a.ts")
		p.Kind = plan.KindExtract
		p.FileOperations = []plan.FileOperation{
			{Kind: plan.OpCreate, Path: "lib/new.ts", Content: "export {}\n"},
			{Kind: plan.OpDelete, Path: "old.ts"},
		}
		res := a.Apply(context.Background(), p, DefaultOptions())

		require.Nil(t, res.Error)
		assert.Equal(t, []string{"lib/new.ts"}, res.CreatedFiles)
		assert.Equal(t, []string{"old.ts"}, res.DeletedFiles)
		assert.Equal(t, []string{"a.ts"}, res.AppliedFiles)
		assert.Equal(t, "export {}\n", readFile(t, root, "lib/new.ts"))
		assert.NoFileExists(t, filepath.Join(root, "old.ts"))
	})

	t.Run("create and delete roll back", func(t *testing.T) {
		root := setupWorkspace(t, map[string]string{"a.ts": oldSource, "old.ts": "old"})
		a := newTestApplier(t, root)

		p := renamePlan("a.ts")
		p.FileOperations = []plan.FileOperation{
			{Kind: plan.OpCreate, Path: "new.ts", Content: "new"},
			{Kind: plan.OpDelete, Path: "old.ts"},
		}
		res := a.Apply(context.Background(), p, withValidation("exit 1"))

		require.NotNil(t, res.Error)
		assert.NoFileExists(t, filepath.Join(root, "new.ts"))
		assert.Equal(t, "old", readFile(t, root, "old.ts"))
		assert.Equal(t, oldSource, readFile(t, root, "a.ts"))
	})

	t.Run("directories created by the apply roll back", func(t *testing.T) {
		root := setupWorkspace(t, map[string]string{"a/foo.txt": "foo", "keep/k.txt": "k"})
		a := newTestApplier(t, root)

		p := renamePlan()
		p.Kind = plan.KindMove
		p.FileOperations = []plan.FileOperation{
			{Kind: plan.OpMove, OldPath: "a/foo.txt", NewPath: "b/deep/foo.txt"},
			{Kind: plan.OpCreate, Path: "c/new/x.ts", Content: "export {}\n"},
			{Kind: plan.OpCreate, Path: "keep/sub/y.ts", Content: "export {}\n"},
		}
		res := a.Apply(context.Background(), p, withValidation("exit 1"))

		require.NotNil(t, res.Error)
		require.NotNil(t, res.Rollback)
		assert.Empty(t, res.Rollback.Failures)
		assert.Equal(t, "foo", readFile(t, root, "a/foo.txt"))
		for _, dir := range []string{"b", "c", "keep/sub"} {
			assert.NoDirExists(t, filepath.Join(root, filepath.FromSlash(dir)), dir)
		}
		assert.Equal(t, "k", readFile(t, root, "keep/k.txt"))
	})

	t.Run("directories created by the apply are kept on commit", func(t *testing.T) {
		root := setupWorkspace(t, map[string]string{"a/foo.txt": "foo"})
		a := newTestApplier(t, root)

		p := renamePlan()
		p.Kind = plan.KindMove
		p.FileOperations = []plan.FileOperation{
			{Kind: plan.OpMove, OldPath: "a/foo.txt", NewPath: "b/deep/foo.txt"},
		}
		res := a.Apply(context.Background(), p, DefaultOptions())

		require.Nil(t, res.Error)
		assert.Equal(t, "foo", readFile(t, root, "b/deep/foo.txt"))
	})

	t.Run("overwrite", func(t *testing.T) {
		root := setupWorkspace(t, map[string]string{"a.ts": "before"})
		a := newTestApplier(t, root)

		p := renamePlan()
		p.FileOperations = []plan.FileOperation{{Kind: plan.OpCreate, Path: "a.ts", Content: "after", Overwrite: true}}
		res := a.Apply(context.Background(), p, DefaultOptions())

		require.Nil(t, res.Error)
		assert.Equal(t, []string{"a.ts"}, res.AppliedFiles)
		assert.Empty(t, res.CreatedFiles)
		assert.Equal(t, "after", readFile(t, root, "a.ts"))
	})

	t.Run("edits to a created file", func(t *testing.T) {
		root := setupWorkspace(t, nil)
		a := newTestApplier(t, root)

		p := renamePlan("gen.ts")
		p.FileOperations = []plan.FileOperation{{Kind: plan.OpCreate, Path: "gen.ts", Content: oldSource}}
		res := a.Apply(context.Background(), p, DefaultOptions())

		require.Nil(t, res.Error)
		assert.Equal(t, []string{"gen.ts"}, res.CreatedFiles)
		assert.Empty(t, res.AppliedFiles)
		assert.Equal(t, newSource, readFile(t, root, "gen.ts"))
	})

	t.Run("edits addressed to the new path of a moved file", func(t *testing.T) {
		root := setupWorkspace(t, map[string]string{"src/a.ts": oldSource})
		a := newTestApplier(t, root)

		p := renamePlan("lib/a.ts")
		p.Kind = plan.KindMove
		p.FileOperations = []plan.FileOperation{{Kind: plan.OpMove, OldPath: "src/a.ts", NewPath: "lib/a.ts"}}
		res := a.Apply(context.Background(), p, DefaultOptions())

		require.Nil(t, res.Error)
		assert.Equal(t, []string{"lib/a.ts"}, res.AppliedFiles)
		assert.Equal(t, newSource, readFile(t, root, "lib/a.ts"))
		assert.NoFileExists(t, filepath.Join(root, "src", "a.ts"))
	})
}

func TestApply_MoveRepairsImports(t *testing.T) {
	const importer = "import x from './foo'\nimport y from './foo.txt'\n"
	const repaired = "import x from '../b/foo'\nimport y from '../b/foo.txt'\n"

	movePlan := func() *plan.Plan {
		return &plan.Plan{
			Kind:           plan.KindMove,
			Version:        "1.0",
			Changes:        map[string][]textedit.TextEdit{},
			FileOperations: []plan.FileOperation{{Kind: plan.OpMove, OldPath: "a/foo.txt", NewPath: "b/foo.txt"}},
		}
	}
	files := map[string]string{"a/foo.txt": "foo", "a/bar.txt": importer}

	t.Run("committed", func(t *testing.T) {
		root := setupWorkspace(t, files)
		a := newTestApplier(t, root)

		res := a.Apply(context.Background(), movePlan(), DefaultOptions())

		require.Nil(t, res.Error)
		assert.ElementsMatch(t, []string{"b/foo.txt", "a/bar.txt"}, res.AppliedFiles)
		assert.Equal(t, "foo", readFile(t, root, "b/foo.txt"))
		assert.NoFileExists(t, filepath.Join(root, "a", "foo.txt"))
		assert.Equal(t, repaired, readFile(t, root, "a/bar.txt"))
	})

	t.Run("rolled back", func(t *testing.T) {
		root := setupWorkspace(t, files)
		a := newTestApplier(t, root)

		res := a.Apply(context.Background(), movePlan(), withValidation("exit 1"))

		require.NotNil(t, res.Error)
		assert.Equal(t, "foo", readFile(t, root, "a/foo.txt"))
		assert.NoFileExists(t, filepath.Join(root, "b", "foo.txt"))
		assert.NoDirExists(t, filepath.Join(root, "b"))
		assert.Equal(t, importer, readFile(t, root, "a/bar.txt"))
		require.NotNil(t, res.Rollback)
		assert.Empty(t, res.Rollback.Failures)
	})

	t.Run("previewed", func(t *testing.T) {
		root := setupWorkspace(t, files)
		a := newTestApplier(t, root)
		opts := DefaultOptions()
		opts.DryRun = true
		opts.Diff = true

		res := a.Apply(context.Background(), movePlan(), opts)

		require.Nil(t, res.Error)
		assert.Equal(t, StatePreviewed, res.State)
		assert.ElementsMatch(t, []string{"b/foo.txt", "a/bar.txt"}, res.AppliedFiles)
		assert.Contains(t, res.Diff, "+import x from '../b/foo'")
		assert.Equal(t, importer, readFile(t, root, "a/bar.txt"))
		assert.FileExists(t, filepath.Join(root, "a", "foo.txt"))
	})
}

func TestApply_SeveralMovesRepairImports(t *testing.T) {
	files := map[string]string{
		"a/foo.ts": "export const foo = 1\n",
		"c/x.ts":   "import { foo } from '../a/foo'\n",
	}
	movePlan := func() *plan.Plan {
		return &plan.Plan{
			Kind:    plan.KindMove,
			Version: "1.0",
			Changes: map[string][]textedit.TextEdit{},
			FileOperations: []plan.FileOperation{
				{Kind: plan.OpMove, OldPath: "a/foo.ts", NewPath: "b/foo.ts"},
				{Kind: plan.OpMove, OldPath: "c/x.ts", NewPath: "d/deep/x.ts"},
			},
		}
	}

	t.Run("committed", func(t *testing.T) {
		root := setupWorkspace(t, files)
		a := newTestApplier(t, root)

		res := a.Apply(context.Background(), movePlan(), DefaultOptions())

		require.Nil(t, res.Error)
		assert.Empty(t, res.Warnings)
		assert.ElementsMatch(t, []string{"b/foo.ts", "d/deep/x.ts"}, res.AppliedFiles)
		assert.Equal(t, "import { foo } from '../../b/foo'\n", readFile(t, root, "d/deep/x.ts"))
	})

	t.Run("previewed", func(t *testing.T) {
		root := setupWorkspace(t, files)
		a := newTestApplier(t, root)
		opts := DefaultOptions()
		opts.DryRun = true
		opts.Diff = true

		res := a.Apply(context.Background(), movePlan(), opts)

		require.Nil(t, res.Error)
		assert.Empty(t, res.Warnings)
		assert.Contains(t, res.Diff, "+import { foo } from '../../b/foo'")
		assert.Equal(t, files["c/x.ts"], readFile(t, root, "c/x.ts"))
	})

	t.Run("chained moves", func(t *testing.T) {
		root := setupWorkspace(t, map[string]string{
			"a/foo.ts": "export const foo = 1\n",
			"app.ts":   "import { foo } from './a/foo'\n",
		})
		a := newTestApplier(t, root)

		p := movePlan()
		p.FileOperations = []plan.FileOperation{
			{Kind: plan.OpMove, OldPath: "a", NewPath: "b"},
			{Kind: plan.OpMove, OldPath: "b/foo.ts", NewPath: "lib/foo.ts"},
		}
		res := a.Apply(context.Background(), p, DefaultOptions())

		require.Nil(t, res.Error)
		assert.Equal(t, "import { foo } from './lib/foo'\n", readFile(t, root, "app.ts"))
	})
}

func TestApply_DeletePlan(t *testing.T) {
	files := map[string]string{
		"dead/x.ts":        "x",
		"dead/nested/y.ts": "y",
		"z.ts":             "z",
		"keep.ts":          "keep",
	}
	deletePlan := func() *plan.Plan {
		return &plan.Plan{
			Kind:    plan.KindDelete,
			Version: "1",
			Changes: map[string][]textedit.TextEdit{},
			Deletions: []plan.Deletion{
				{Path: "dead", Kind: "directory"},
				{Path: "z.ts"},
			},
		}
	}

	t.Run("committed", func(t *testing.T) {
		root := setupWorkspace(t, files)
		a := newTestApplier(t, root)

		res := a.Apply(context.Background(), deletePlan(), DefaultOptions())

		require.Nil(t, res.Error)
		assert.Equal(t, []string{"dead", "z.ts"}, res.DeletedFiles)
		assert.NoDirExists(t, filepath.Join(root, "dead"))
		assert.NoFileExists(t, filepath.Join(root, "z.ts"))
		assert.Equal(t, "keep", readFile(t, root, "keep.ts"))
	})

	t.Run("rolled back", func(t *testing.T) {
		root := setupWorkspace(t, files)
		a := newTestApplier(t, root)

		res := a.Apply(context.Background(), deletePlan(), withValidation("exit 1"))

		require.NotNil(t, res.Error)
		for name, content := range files {
			assert.Equal(t, content, readFile(t, root, name), "%s must be restored", name)
		}
	})

	t.Run("kind mismatch", func(t *testing.T) {
		root := setupWorkspace(t, files)
		a := newTestApplier(t, root)

		p := deletePlan()
		p.Deletions = []plan.Deletion{{Path: "z.ts", Kind: "directory"}}
		res := a.Apply(context.Background(), p, DefaultOptions())

		require.NotNil(t, res.Error)
		assert.Equal(t, plan.CodeInvalidPlan, res.Error.Code)
		assert.Equal(t, "z", readFile(t, root, "z.ts"))
	})
}

// =============================================================================
// Dry Run
// =============================================================================

func TestApply_DryRun(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource, "old.ts": "gone\n"})
	a := newTestApplier(t, root)

	p := renamePlan("a.ts")
	p.FileOperations = []plan.FileOperation{
		{Kind: plan.OpCreate, Path: "new.ts", Content: "fresh\n"},
		{Kind: plan.OpDelete, Path: "old.ts"},
	}
	opts := DefaultOptions()
	opts.DryRun = true
	opts.Diff = true

	res := a.Apply(context.Background(), p, opts)

	require.Nil(t, res.Error)
	assert.True(t, res.Success)
	assert.True(t, res.DryRun)
	assert.Equal(t, StatePreviewed, res.State)
	assert.False(t, res.RollbackAvailable)
	assert.Equal(t, []string{"a.ts"}, res.AppliedFiles)
	assert.Equal(t, []string{"new.ts"}, res.CreatedFiles)
	assert.Equal(t, []string{"old.ts"}, res.DeletedFiles)

	assert.Contains(t, res.Diff, "--- a/a.ts")
	assert.Contains(t, res.Diff, "-const oldName = 42;")
	assert.Contains(t, res.Diff, "+const newName = 42;")
	assert.Contains(t, res.Diff, "+fresh")
	assert.Contains(t, res.Diff, "-gone")
	require.NotNil(t, res.DiffStats)
	assert.Equal(t, DiffStats{FilesAffected: 3, LinesAdded: 2, LinesRemoved: 2}, *res.DiffStats)

	assert.Equal(t, oldSource, readFile(t, root, "a.ts"))
	assert.NoFileExists(t, filepath.Join(root, "new.ts"))
	assert.FileExists(t, filepath.Join(root, "old.ts"))
	assert.False(t, a.Pending())
}

func TestApply_DryRunWithoutDiff(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
	a := newTestApplier(t, root)
	opts := DefaultOptions()
	opts.DryRun = true

	res := a.Apply(context.Background(), renamePlan("a.ts"), opts)

	require.True(t, res.Success)
	assert.Empty(t, res.Diff)
	assert.Nil(t, res.DiffStats)
}

// =============================================================================
// Backups
// =============================================================================

func TestApply_Backups(t *testing.T) {
	t.Run("kept", func(t *testing.T) {
		root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
		store := backup.NewSiblingStore(backup.SiblingConfig{})
		a := newTestApplier(t, root, func(c *Config) { c.Backups = store })
		opts := DefaultOptions()
		opts.Backup = true
		opts.KeepBackups = true

		res := a.Apply(context.Background(), renamePlan("a.ts"), opts)

		require.Nil(t, res.Error)
		require.Len(t, res.Backups, 1)
		assert.Equal(t, res.ApplyID, res.Backups[0].ApplyID)
		assert.Equal(t, filepath.Join(root, "a.ts"), res.Backups[0].Path)

		entries, err := store.List(context.Background(), filepath.Join(root, "a.ts"))
		require.NoError(t, err)
		require.Len(t, entries, 1)

		_, err = store.Restore(context.Background(), entries[0].ID)
		require.NoError(t, err)
		assert.Equal(t, oldSource, readFile(t, root, "a.ts"))
	})

	t.Run("discarded after commit", func(t *testing.T) {
		root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
		store := backup.NewSiblingStore(backup.SiblingConfig{})
		a := newTestApplier(t, root, func(c *Config) { c.Backups = store })
		opts := DefaultOptions()
		opts.Backup = true

		res := a.Apply(context.Background(), renamePlan("a.ts"), opts)

		require.Nil(t, res.Error)
		require.Len(t, res.Backups, 1)
		entries, err := store.List(context.Background(), filepath.Join(root, "a.ts"))
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("no store configured", func(t *testing.T) {
		root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
		a := newTestApplier(t, root)
		opts := DefaultOptions()
		opts.Backup = true

		res := a.Apply(context.Background(), renamePlan("a.ts"), opts)

		require.Nil(t, res.Error)
		assert.Contains(t, res.Warnings, "backup requested but no backup store is configured")
	})
}

// =============================================================================
// Options
// =============================================================================

func TestOptions_UnmarshalJSON(t *testing.T) {
	t.Run("empty object takes defaults", func(t *testing.T) {
		var opts Options
		require.NoError(t, json.Unmarshal([]byte(`{}`), &opts))
		assert.Equal(t, DefaultOptions(), opts)
	})

	t.Run("explicit values override", func(t *testing.T) {
		var opts Options
		data := `{"dry_run": true, "rollback_on_error": false, "validation": {"command": "make test", "timeout_seconds": 30}}`
		require.NoError(t, json.Unmarshal([]byte(data), &opts))

		assert.True(t, opts.DryRun)
		assert.False(t, opts.RollbackOnError)
		assert.True(t, opts.ValidateChecksums)
		assert.True(t, opts.ValidatePlanType)
		require.NotNil(t, opts.Validation)
		assert.Equal(t, "make test", opts.Validation.Command)
		assert.Equal(t, 30, opts.Validation.TimeoutSeconds)
	})

	t.Run("malformed", func(t *testing.T) {
		var opts Options
		assert.Error(t, json.Unmarshal([]byte(`{"dry_run": "yes"}`), &opts))
	})
}

func TestResult_JSON(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.ts": oldSource})
	a := newTestApplier(t, root)
	p := renamePlan("a.ts")
	p.FileChecksums = map[string]string{"a.ts": "sha256:AAA"}

	res := a.Apply(context.Background(), p, DefaultOptions())
	data, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, false, decoded["success"])
	assert.Equal(t, "failed", decoded["state"])
	assert.Equal(t, []any{}, decoded["applied_files"])
	errObj, ok := decoded["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "STALE_PLAN", errObj["code"])
	assert.Equal(t, true, errObj["retryable"])
}
