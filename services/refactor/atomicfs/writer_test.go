// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package atomicfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func createTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func listTempFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var tmp []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			tmp = append(tmp, e.Name())
		}
	}
	return tmp
}

func TestWriter_Write(t *testing.T) {
	w := NewWriter(Config{})

	t.Run("overwrites existing file", func(t *testing.T) {
		dir := setupTestDir(t)
		path := createTestFile(t, dir, "a.txt", "old")

		res, err := w.Write(path, []byte("new"))
		require.NoError(t, err)
		assert.False(t, res.Created)
		assert.Equal(t, path, res.RequestedPath)
		assert.Equal(t, path, res.ResolvedPath)
		assert.Equal(t, int64(3), res.BytesWritten)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "new", string(data))
		assert.Empty(t, listTempFiles(t, dir))
	})

	t.Run("creates file and parents", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "deep", "nested", "b.txt")

		res, err := w.Write(path, []byte("hello"))
		require.NoError(t, err)
		assert.True(t, res.Created)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, DefaultFileMode, info.Mode().Perm())
	})

	t.Run("preserves existing mode", func(t *testing.T) {
		dir := setupTestDir(t)
		path := createTestFile(t, dir, "script.sh", "#!/bin/sh\n")
		require.NoError(t, os.Chmod(path, 0755))

		_, err := w.Write(path, []byte("#!/bin/sh\necho hi\n"))
		require.NoError(t, err)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
	})

	t.Run("explicit mode wins", func(t *testing.T) {
		dir := setupTestDir(t)
		path := createTestFile(t, dir, "c.txt", "x")

		_, err := w.WriteMode(path, []byte("y"), 0600)
		require.NoError(t, err)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	})

	t.Run("refuses directory", func(t *testing.T) {
		dir := setupTestDir(t)
		_, err := w.Write(dir, []byte("x"))
		assert.Error(t, err)
	})
}

func TestWriter_Write_RenameFailureLeavesTargetIntact(t *testing.T) {
	dir := setupTestDir(t)
	path := createTestFile(t, dir, "a.txt", "original")

	w := NewWriter(Config{})
	w.rename = func(string, string) error { return errors.New("disk full") }

	_, err := w.Write(path, []byte("replacement"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
	assert.Empty(t, listTempFiles(t, dir), "temp file should be cleaned up")
}

func TestWriter_Write_Symlinks(t *testing.T) {
	w := NewWriter(Config{})

	t.Run("writes through link and keeps link", func(t *testing.T) {
		dir := setupTestDir(t)
		target := createTestFile(t, dir, "real.txt", "old")
		link := filepath.Join(dir, "link.txt")
		require.NoError(t, os.Symlink("real.txt", link))

		res, err := w.Write(link, []byte("new"))
		require.NoError(t, err)

		// Reported path is the requested link; bookkeeping uses the target.
		assert.Equal(t, link, res.RequestedPath)
		assert.Equal(t, target, res.ResolvedPath)

		info, err := os.Lstat(link)
		require.NoError(t, err)
		assert.NotZero(t, info.Mode()&os.ModeSymlink, "link must remain a symlink")

		data, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "new", string(data))
	})

	t.Run("follows chain", func(t *testing.T) {
		dir := setupTestDir(t)
		target := createTestFile(t, dir, "real.txt", "old")
		require.NoError(t, os.Symlink("real.txt", filepath.Join(dir, "mid.txt")))
		require.NoError(t, os.Symlink("mid.txt", filepath.Join(dir, "top.txt")))

		res, err := w.Write(filepath.Join(dir, "top.txt"), []byte("new"))
		require.NoError(t, err)
		assert.Equal(t, target, res.ResolvedPath)
	})

	t.Run("dangling link creates target", func(t *testing.T) {
		dir := setupTestDir(t)
		link := filepath.Join(dir, "dangling.txt")
		require.NoError(t, os.Symlink("missing.txt", link))

		res, err := w.Write(link, []byte("created"))
		require.NoError(t, err)
		assert.True(t, res.Created)
		assert.Equal(t, filepath.Join(dir, "missing.txt"), res.ResolvedPath)

		data, err := os.ReadFile(link)
		require.NoError(t, err)
		assert.Equal(t, "created", string(data))
	})
}

func TestWriter_RemoveAndRename(t *testing.T) {
	w := NewWriter(Config{})

	t.Run("remove file", func(t *testing.T) {
		dir := setupTestDir(t)
		path := createTestFile(t, dir, "a.txt", "x")
		require.NoError(t, w.Remove(path))
		_, err := os.Stat(path)
		assert.True(t, errors.Is(err, fs.ErrNotExist))
	})

	t.Run("remove directory tree", func(t *testing.T) {
		dir := setupTestDir(t)
		createTestFile(t, dir, "tree/a/b.txt", "x")
		require.NoError(t, w.Remove(filepath.Join(dir, "tree")))
		_, err := os.Stat(filepath.Join(dir, "tree"))
		assert.True(t, errors.Is(err, fs.ErrNotExist))
	})

	t.Run("remove missing fails", func(t *testing.T) {
		err := w.Remove(filepath.Join(setupTestDir(t), "nope"))
		assert.True(t, errors.Is(err, fs.ErrNotExist))
	})

	t.Run("rename creates parents", func(t *testing.T) {
		dir := setupTestDir(t)
		from := createTestFile(t, dir, "a/foo.ts", "x")
		to := filepath.Join(dir, "b", "c", "foo.ts")

		require.NoError(t, w.Rename(from, to))
		data, err := os.ReadFile(to)
		require.NoError(t, err)
		assert.Equal(t, "x", string(data))
	})

	t.Run("rename refuses existing destination", func(t *testing.T) {
		dir := setupTestDir(t)
		from := createTestFile(t, dir, "a.txt", "a")
		to := createTestFile(t, dir, "b.txt", "b")

		err := w.Rename(from, to)
		assert.True(t, errors.Is(err, fs.ErrExist))
	})
}

func TestWithin(t *testing.T) {
	dir := setupTestDir(t)
	createTestFile(t, dir, "src/a.ts", "x")

	assert.True(t, Within(dir, filepath.Join(dir, "src", "a.ts")))
	assert.True(t, Within(dir, filepath.Join(dir, "new", "dir", "b.ts")))
	assert.True(t, Within(dir, dir))
	assert.False(t, Within(dir, filepath.Join(dir, "..", "escape.ts")))
	assert.False(t, Within(filepath.Join(dir, "src"), filepath.Join(dir, "srcx", "a.ts")))
}

func TestMissingDirs(t *testing.T) {
	dir := setupTestDir(t)
	createTestFile(t, dir, "src/a.ts", "x")

	missing, err := MissingDirs(filepath.Join(dir, "src", "new", "deep"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "src", "new"),
		filepath.Join(dir, "src", "new", "deep"),
	}, missing)

	missing, err = MissingDirs(filepath.Join(dir, "src"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestIsSensitive(t *testing.T) {
	assert.True(t, IsSensitive("/home/u/.ssh/authorized_keys"))
	assert.True(t, IsSensitive("/etc/passwd"))
	assert.False(t, IsSensitive("/home/u/project/src/a.ts"))
}
