// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	badgerstore "github.com/AleutianAI/AleutianRefactor/services/refactor/storage/badger"
)

func createTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	s, err := NewBadgerStore(BadgerConfig{DB: db})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// storeContract runs the behavior every Store shares.
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()
	dir := t.TempDir()
	path := createTestFile(t, dir, "a.ts", "original")

	entry, err := store.Save(ctx, "apply-1", path, []byte("original"), 0600)
	require.NoError(t, err)
	assert.Equal(t, path, entry.Path)
	assert.Equal(t, "apply-1", entry.ApplyID)
	assert.Equal(t, int64(8), entry.Size)

	t.Run("list by path", func(t *testing.T) {
		entries, err := store.List(ctx, path)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, entry.ID, entries[0].ID)
	})

	t.Run("restore", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("modified"), 0644))

		restored, err := store.Restore(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, path, restored.Path)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "original", string(data))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	})

	t.Run("restore unknown", func(t *testing.T) {
		_, err := store.Restore(ctx, filepath.Join(dir, "nope.ts.backup.2020-01-01_000000.000000"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("discard", func(t *testing.T) {
		n, err := store.Discard(ctx, "apply-1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		entries, err := store.List(ctx, path)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("prune", func(t *testing.T) {
		_, err := store.Save(ctx, "apply-2", path, []byte("x"), 0644)
		require.NoError(t, err)

		n, err := store.Prune(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = store.Prune(ctx, -time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestSiblingStore(t *testing.T) {
	storeContract(t, NewSiblingStore(SiblingConfig{}))
}

func TestBadgerStore(t *testing.T) {
	storeContract(t, newBadgerStore(t))
}

func TestSiblingStore_Layout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := createTestFile(t, dir, "config.yaml", "v1")
	store := NewSiblingStore(SiblingConfig{MaxBackups: 2})

	var ids []string
	for i := 0; i < 3; i++ {
		e, err := store.Save(ctx, "apply", path, []byte{byte('a' + i)}, 0644)
		require.NoError(t, err)
		ids = append(ids, e.ID)
		time.Sleep(2 * time.Millisecond)
	}

	t.Run("backup sits beside the file", func(t *testing.T) {
		assert.Equal(t, dir, filepath.Dir(ids[0]))
		assert.Contains(t, filepath.Base(ids[0]), "config.yaml.backup.")
	})

	t.Run("rotation keeps the newest", func(t *testing.T) {
		entries, err := store.List(ctx, path)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, ids[2], entries[0].ID)
		assert.Equal(t, ids[1], entries[1].ID)
	})

	t.Run("list requires a path", func(t *testing.T) {
		_, err := store.List(ctx, "")
		assert.ErrorIs(t, err, ErrPathRequired)
	})
}

func TestBadgerStore_ListAll(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := createTestFile(t, dir, "a.ts", "a")
	b := createTestFile(t, dir, "b.ts", "b")
	store := newBadgerStore(t)

	_, err := store.Save(ctx, "x", a, []byte("a"), 0644)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = store.Save(ctx, "x", b, []byte("b"), 0644)
	require.NoError(t, err)

	entries, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, b, entries[0].Path)
	assert.Equal(t, a, entries[1].Path)
}

func TestNewBadgerStore_RequiresDB(t *testing.T) {
	_, err := NewBadgerStore(BadgerConfig{})
	assert.Error(t, err)
}
