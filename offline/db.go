// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

// Package offline implements the client-side offline capture and
// synchronization core: a durable local cache of domain records, a FIFO
// queue of pending mutations, a network monitor, a sync engine that drains
// the queue against the server, and a conflict store with explicit
// resolution. All durable state lives in a client-local SQLite database
// that survives process restarts and is cleared only on logout.
package offline

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// initializeDatabase creates the offline metadata tables.
func initializeDatabase(db *sql.DB) error {
	// WAL keeps readers unblocked while the engine drains the queue.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Cached records, keyed by (data_type, object_id), overwritten
		// wholesale on every prepare/confirm.
		`CREATE TABLE IF NOT EXISTS _offline_cache (
			data_type           TEXT NOT NULL,
			object_id           TEXT NOT NULL,
			payload             TEXT NOT NULL,
			version             INTEGER NOT NULL DEFAULT 0,
			fetched_at          TEXT NOT NULL,
			pending_mutation_id TEXT,
			PRIMARY KEY (data_type, object_id)
		)`,

		// Ordered log of pending mutations. position preserves enqueue
		// order across the whole queue, not per object.
		`CREATE TABLE IF NOT EXISTS _sync_queue (
			position     INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			action       TEXT NOT NULL CHECK (action IN ('create','update','delete')),
			data_type    TEXT NOT NULL,
			object_id    TEXT NOT NULL,
			payload      TEXT,
			base_version INTEGER NOT NULL DEFAULT 0,
			status       TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','processed','failed')),
			created_at   TEXT NOT NULL
		)`,

		// Unresolved conflicts, parked out of the active queue.
		`CREATE TABLE IF NOT EXISTS _sync_conflicts (
			id             TEXT PRIMARY KEY,
			data_type      TEXT NOT NULL,
			object_id      TEXT NOT NULL,
			action         TEXT NOT NULL,
			server_data    TEXT,
			server_version INTEGER NOT NULL DEFAULT 0,
			client_data    TEXT,
			created_at     TEXT NOT NULL
		)`,

		// Single-row odds and ends, currently just the global lastUpdated
		// timestamp used for the data-age display.
		`CREATE TABLE IF NOT EXISTS _offline_meta (
			k TEXT PRIMARY KEY,
			v TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create offline table: %w", err)
		}
	}

	return nil
}
