// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrStorageFull is returned when the local durable store cannot accept
	// another write. The in-memory copy of the attempted write is retained,
	// so reads keep working and queueing is not blocked.
	ErrStorageFull = errors.New("offline: local storage full")

	// ErrNotFound is returned when a cached record, queued mutation or
	// conflict does not exist. Resolving an already-resolved conflict hits
	// this and is a no-op.
	ErrNotFound = errors.New("offline: not found")
)

// isStorageFull reports whether err is SQLite signalling a full database
// or disk.
func isStorageFull(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrFull || se.Code == sqlite3.ErrIoErr && se.ExtendedCode == sqlite3.ErrIoErrWrite
	}
	return false
}
