// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const metaLastUpdated = "last_updated"

// Store is the durable local cache of domain records used for offline
// reads. Every put overwrites the cached value wholesale and bumps a
// single global lastUpdated timestamp.
//
// When SQLite reports a full database the attempted write is kept in an
// in-memory overlay so reads still see it; the put returns ErrStorageFull
// but nothing is lost until process exit.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	overlay map[string]CachedRecord
}

// NewStore creates a store over an initialized offline database.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, overlay: make(map[string]CachedRecord)}
}

func overlayKey(dataType, objectID string) string { return dataType + "\x00" + objectID }

// Put overwrites the cached value as confirmed state, preserving the
// record's last known server version.
func (s *Store) Put(dataType, objectID string, record json.RawMessage) error {
	version := int64(0)
	if cur, err := s.Get(dataType, objectID); err == nil {
		version = cur.Version
	}
	return s.put(CachedRecord{
		DataType:  dataType,
		ObjectID:  objectID,
		Payload:   record,
		Version:   version,
		FetchedAt: time.Now().UTC(),
	})
}

// PutConfirmed overwrites the cached value with authoritative server state
// at the given server version.
func (s *Store) PutConfirmed(dataType, objectID string, record json.RawMessage, version int64) error {
	return s.put(CachedRecord{
		DataType:  dataType,
		ObjectID:  objectID,
		Payload:   record,
		Version:   version,
		FetchedAt: time.Now().UTC(),
	})
}

// PutPending overwrites the cached value with an optimistic local write,
// tagged with the mutation that produced it. The server version of the
// previous confirmed state is preserved.
func (s *Store) PutPending(dataType, objectID string, record json.RawMessage, mutationID string) error {
	version := int64(0)
	if cur, err := s.Get(dataType, objectID); err == nil {
		version = cur.Version
	}
	return s.put(CachedRecord{
		DataType:          dataType,
		ObjectID:          objectID,
		Payload:           record,
		Version:           version,
		FetchedAt:         time.Now().UTC(),
		PendingMutationID: mutationID,
	})
}

func (s *Store) put(rec CachedRecord) error {
	pending := sql.NullString{String: rec.PendingMutationID, Valid: rec.PendingMutationID != ""}
	fetchedAt := rec.FetchedAt.Format(time.RFC3339Nano)

	_, err := s.db.Exec(`
		INSERT INTO _offline_cache (data_type, object_id, payload, version, fetched_at, pending_mutation_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (data_type, object_id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			fetched_at = excluded.fetched_at,
			pending_mutation_id = excluded.pending_mutation_id
	`, rec.DataType, rec.ObjectID, string(rec.Payload), rec.Version, fetchedAt, pending)
	if err != nil {
		if isStorageFull(err) {
			s.mu.Lock()
			s.overlay[overlayKey(rec.DataType, rec.ObjectID)] = rec
			s.mu.Unlock()
			s.logger.Warn("local storage full, retaining write in memory",
				"data_type", rec.DataType, "object_id", rec.ObjectID)
			return fmt.Errorf("put %s/%s: %w", rec.DataType, rec.ObjectID, ErrStorageFull)
		}
		return fmt.Errorf("failed to put cached record: %w", err)
	}

	s.mu.Lock()
	delete(s.overlay, overlayKey(rec.DataType, rec.ObjectID))
	s.mu.Unlock()

	if _, err := s.db.Exec(`
		INSERT INTO _offline_meta (k, v) VALUES (?, ?)
		ON CONFLICT (k) DO UPDATE SET v = excluded.v
	`, metaLastUpdated, fetchedAt); err != nil {
		s.logger.Warn("failed to update lastUpdated", "error", err)
	}
	return nil
}

// Get returns the cached record or ErrNotFound.
func (s *Store) Get(dataType, objectID string) (*CachedRecord, error) {
	s.mu.Lock()
	if rec, ok := s.overlay[overlayKey(dataType, objectID)]; ok {
		s.mu.Unlock()
		return &rec, nil
	}
	s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT payload, version, fetched_at, pending_mutation_id
		FROM _offline_cache WHERE data_type = ? AND object_id = ?
	`, dataType, objectID)

	rec, err := scanCachedRecord(row, dataType, objectID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get %s/%s: %w", dataType, objectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached record: %w", err)
	}
	return rec, nil
}

// GetAll returns every cached record of a data type, used to hydrate list
// views offline. Order follows object id for stable display.
func (s *Store) GetAll(dataType string) ([]CachedRecord, error) {
	rows, err := s.db.Query(`
		SELECT object_id, payload, version, fetched_at, pending_mutation_id
		FROM _offline_cache WHERE data_type = ? ORDER BY object_id
	`, dataType)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached records: %w", err)
	}
	defer rows.Close()

	var records []CachedRecord
	seen := make(map[string]bool)
	for rows.Next() {
		var rec CachedRecord
		var payload string
		var fetchedAt string
		var pending sql.NullString
		if err := rows.Scan(&rec.ObjectID, &payload, &rec.Version, &fetchedAt, &pending); err != nil {
			return nil, fmt.Errorf("failed to scan cached record: %w", err)
		}
		rec.DataType = dataType
		rec.Payload = json.RawMessage(payload)
		rec.FetchedAt, _ = time.Parse(time.RFC3339Nano, fetchedAt)
		rec.PendingMutationID = pending.String

		s.mu.Lock()
		if over, ok := s.overlay[overlayKey(dataType, rec.ObjectID)]; ok {
			rec = over
		}
		s.mu.Unlock()

		seen[rec.ObjectID] = true
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cached records: %w", err)
	}

	// Overlay-only records (writes that never reached disk).
	s.mu.Lock()
	for _, rec := range s.overlay {
		if rec.DataType == dataType && !seen[rec.ObjectID] {
			records = append(records, rec)
		}
	}
	s.mu.Unlock()

	return records, nil
}

// Delete removes a cached record. Missing records are fine; an optimistic
// local delete may race a server-side one.
func (s *Store) Delete(dataType, objectID string) error {
	s.mu.Lock()
	delete(s.overlay, overlayKey(dataType, objectID))
	s.mu.Unlock()

	if _, err := s.db.Exec(`
		DELETE FROM _offline_cache WHERE data_type = ? AND object_id = ?
	`, dataType, objectID); err != nil {
		return fmt.Errorf("failed to delete cached record: %w", err)
	}
	return nil
}

// Remap moves a cached record from a temporary client id to the
// server-assigned one after a create is applied.
func (s *Store) Remap(dataType, oldID, newID string) error {
	s.mu.Lock()
	if rec, ok := s.overlay[overlayKey(dataType, oldID)]; ok {
		delete(s.overlay, overlayKey(dataType, oldID))
		rec.ObjectID = newID
		s.overlay[overlayKey(dataType, newID)] = rec
	}
	s.mu.Unlock()

	if _, err := s.db.Exec(`
		UPDATE _offline_cache SET object_id = ? WHERE data_type = ? AND object_id = ?
	`, newID, dataType, oldID); err != nil {
		return fmt.Errorf("failed to remap cached record: %w", err)
	}
	return nil
}

// Clear wipes all cached records. Used on logout or explicit cache refresh.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.overlay = make(map[string]CachedRecord)
	s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM _offline_cache`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM _offline_meta WHERE k = ?`, metaLastUpdated); err != nil {
		return fmt.Errorf("failed to clear lastUpdated: %w", err)
	}
	return nil
}

// LastUpdated returns the timestamp of the most recent put, or the zero
// time when nothing was ever cached. Drives the "data age" display.
func (s *Store) LastUpdated() (time.Time, error) {
	var v string
	err := s.db.QueryRow(`SELECT v FROM _offline_meta WHERE k = ?`, metaLastUpdated).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read lastUpdated: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse lastUpdated: %w", err)
	}
	return t, nil
}

func scanCachedRecord(row *sql.Row, dataType, objectID string) (*CachedRecord, error) {
	var payload, fetchedAt string
	var version int64
	var pending sql.NullString
	if err := row.Scan(&payload, &version, &fetchedAt, &pending); err != nil {
		return nil, err
	}
	rec := &CachedRecord{
		DataType:          dataType,
		ObjectID:          objectID,
		Payload:           json.RawMessage(payload),
		Version:           version,
		PendingMutationID: pending.String,
	}
	rec.FetchedAt, _ = time.Parse(time.RFC3339Nano, fetchedAt)
	return rec, nil
}
