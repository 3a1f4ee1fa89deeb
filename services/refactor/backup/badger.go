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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/atomicfs"
	badgerstore "github.com/AleutianAI/AleutianRefactor/services/refactor/storage/badger"
)

// Key layout:
//
//	backup/meta/<id>    JSON Entry
//	backup/content/<id> raw file content
const (
	metaPrefix    = "backup/meta/"
	contentPrefix = "backup/content/"
)

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// DB is an opened database. The store closes it on Close.
	DB *badgerstore.DB

	// Writer writes restored files. Default: a new atomicfs.Writer.
	Writer *atomicfs.Writer

	// Logger for backup events. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// BadgerStore keeps backups in an embedded BadgerDB, out of the workspace.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerStore struct {
	db     *badgerstore.DB
	writer *atomicfs.Writer
	logger *slog.Logger
}

// NewBadgerStore creates a store over cfg.DB.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if cfg.DB == nil {
		return nil, errors.New("db must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Writer == nil {
		cfg.Writer = atomicfs.NewWriter(atomicfs.Config{Logger: logger})
	}
	return &BadgerStore{
		db:     cfg.DB,
		writer: cfg.Writer,
		logger: logger.With("component", "backup.BadgerStore"),
	}, nil
}

// OpenBadgerStore opens (or creates) a database at dir and wraps it.
func OpenBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	cfg := badgerstore.DefaultConfig(dir)
	cfg.Logger = logger
	db, err := badgerstore.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewBadgerStore(BadgerConfig{DB: db, Logger: logger})
}

// Save stores the entry and its content in one transaction.
func (s *BadgerStore) Save(ctx context.Context, applyID, path string, content []byte, mode os.FileMode) (Entry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Entry{}, fmt.Errorf("resolving %s: %w", path, err)
	}

	id := uuid.NewString()
	entry := Entry{
		ID:        id,
		ApplyID:   applyID,
		Path:      abs,
		Location:  contentPrefix + id,
		CreatedAt: time.Now(),
		Size:      int64(len(content)),
		Mode:      mode,
	}
	meta, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("encoding backup entry: %w", err)
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte(metaPrefix+id), meta); err != nil {
			return err
		}
		return txn.Set([]byte(contentPrefix+id), content)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("saving backup of %s: %w", abs, err)
	}

	s.logger.Debug("backup saved", "path", abs, "id", id)
	return entry, nil
}

// List returns backups of path, or all backups when path is empty,
// newest first.
func (s *BadgerStore) List(ctx context.Context, path string) ([]Entry, error) {
	var abs string
	if path != "" {
		var err error
		if abs, err = filepath.Abs(path); err != nil {
			return nil, fmt.Errorf("resolving %s: %w", path, err)
		}
	}

	var entries []Entry
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return eachEntry(txn, func(e Entry) {
			if abs == "" || e.Path == abs {
				entries = append(entries, e)
			}
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// Restore writes backup id over its original path.
func (s *BadgerStore) Restore(ctx context.Context, id string) (Entry, error) {
	var (
		entry   Entry
		content []byte
	)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + id))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
			return err
		}
		item, err = txn.Get([]byte(contentPrefix + id))
		if err != nil {
			return err
		}
		content, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("reading backup %s: %w", id, err)
	}

	if _, err := s.writer.WriteMode(entry.Path, content, entry.Mode); err != nil {
		return Entry{}, fmt.Errorf("restoring %s: %w", entry.Path, err)
	}
	s.logger.Info("backup restored", "path", entry.Path, "id", id)
	return entry, nil
}

// Discard deletes every backup saved for applyID.
func (s *BadgerStore) Discard(ctx context.Context, applyID string) (int, error) {
	return s.deleteWhere(ctx, func(e Entry) bool { return e.ApplyID == applyID })
}

// Prune deletes backups older than maxAge.
func (s *BadgerStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	return s.deleteWhere(ctx, func(e Entry) bool { return e.CreatedAt.Before(cutoff) })
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) deleteWhere(ctx context.Context, match func(Entry) bool) (int, error) {
	removed := 0
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var ids []string
		if err := eachEntry(txn, func(e Entry) {
			if match(e) {
				ids = append(ids, e.ID)
			}
		}); err != nil {
			return err
		}
		for _, id := range ids {
			if err := txn.Delete([]byte(metaPrefix + id)); err != nil {
				return err
			}
			if err := txn.Delete([]byte(contentPrefix + id)); err != nil {
				return err
			}
		}
		removed = len(ids)
		return nil
	})
	return removed, err
}

// eachEntry decodes every stored Entry. Undecodable entries are skipped.
func eachEntry(txn *badger.Txn, fn func(Entry)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(metaPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var e Entry
		err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) })
		if err != nil {
			continue
		}
		fn(e)
	}
	return nil
}

var _ Store = (*BadgerStore)(nil)
