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

import "errors"

var (
	// ErrTransactionActive is returned by Begin while a transaction is open.
	ErrTransactionActive = errors.New("transaction already active")

	// ErrNoTransaction is returned when an operation needs an open transaction.
	ErrNoTransaction = errors.New("no active transaction")

	// ErrCheckpointNotFound is returned for an unknown checkpoint name.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrMaxFilesExceeded is returned when the tracked set is full.
	ErrMaxFilesExceeded = errors.New("maximum tracked files exceeded")
)
