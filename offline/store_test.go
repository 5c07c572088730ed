// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStorePutGet(t *testing.T) {
	store := NewStore(testDB(t), nil)

	payload := mustJSON(t, map[string]string{"name": "Acme Water"})
	require.NoError(t, store.PutConfirmed("clients", "c1", payload, 3))

	rec, err := store.Get("clients", "c1")
	require.NoError(t, err)
	require.Equal(t, "clients", rec.DataType)
	require.Equal(t, "c1", rec.ObjectID)
	require.JSONEq(t, string(payload), string(rec.Payload))
	require.Equal(t, int64(3), rec.Version)
	require.True(t, rec.Confirmed())

	_, err = store.Get("clients", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreOverwritesWholesale(t *testing.T) {
	store := NewStore(testDB(t), nil)

	require.NoError(t, store.PutConfirmed("clients", "c1",
		mustJSON(t, map[string]string{"name": "Acme", "phone": "123"}), 1))
	require.NoError(t, store.PutConfirmed("clients", "c1",
		mustJSON(t, map[string]string{"name": "Acme Renamed"}), 2))

	rec, err := store.Get("clients", "c1")
	require.NoError(t, err)
	// No field-level merge: the old phone field must be gone.
	require.JSONEq(t, `{"name":"Acme Renamed"}`, string(rec.Payload))
	require.Equal(t, int64(2), rec.Version)
}

func TestStorePendingTag(t *testing.T) {
	store := NewStore(testDB(t), nil)

	require.NoError(t, store.PutConfirmed("inspections", "i1",
		mustJSON(t, map[string]string{"status": "open"}), 5))
	require.NoError(t, store.PutPending("inspections", "i1",
		mustJSON(t, map[string]string{"status": "done"}), "mut-1"))

	rec, err := store.Get("inspections", "i1")
	require.NoError(t, err)
	require.False(t, rec.Confirmed())
	require.Equal(t, "mut-1", rec.PendingMutationID)
	// Optimistic writes keep the confirmed server version as base.
	require.Equal(t, int64(5), rec.Version)

	require.NoError(t, store.PutConfirmed("inspections", "i1", rec.Payload, 6))
	rec, err = store.Get("inspections", "i1")
	require.NoError(t, err)
	require.True(t, rec.Confirmed())
	require.Equal(t, int64(6), rec.Version)
}

func TestStoreGetAll(t *testing.T) {
	store := NewStore(testDB(t), nil)

	require.NoError(t, store.PutConfirmed("clients", "b", mustJSON(t, map[string]int{"n": 2}), 1))
	require.NoError(t, store.PutConfirmed("clients", "a", mustJSON(t, map[string]int{"n": 1}), 1))
	require.NoError(t, store.PutConfirmed("inspections", "z", mustJSON(t, map[string]int{"n": 9}), 1))

	records, err := store.GetAll("clients")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a", records[0].ObjectID)
	require.Equal(t, "b", records[1].ObjectID)
}

func TestStoreDeleteAndRemap(t *testing.T) {
	store := NewStore(testDB(t), nil)

	require.NoError(t, store.PutConfirmed("clients", "c1", mustJSON(t, map[string]int{"n": 1}), 1))
	require.NoError(t, store.Delete("clients", "c1"))
	_, err := store.Get("clients", "c1")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting a record that is already gone is fine.
	require.NoError(t, store.Delete("clients", "c1"))

	tmpID := NewTempID()
	require.NoError(t, store.PutPending("clients", tmpID, mustJSON(t, map[string]int{"n": 2}), "mut-1"))
	require.NoError(t, store.Remap("clients", tmpID, "server-id-1"))

	_, err = store.Get("clients", tmpID)
	require.ErrorIs(t, err, ErrNotFound)
	rec, err := store.Get("clients", "server-id-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"n":2}`, string(rec.Payload))
}

func TestStoreLastUpdated(t *testing.T) {
	store := NewStore(testDB(t), nil)

	ts, err := store.LastUpdated()
	require.NoError(t, err)
	require.True(t, ts.IsZero())

	before := time.Now().UTC().Add(-time.Second)
	require.NoError(t, store.PutConfirmed("clients", "c1", mustJSON(t, map[string]int{"n": 1}), 1))

	ts, err = store.LastUpdated()
	require.NoError(t, err)
	require.True(t, ts.After(before))
}

func TestStorePutStorageFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	// PRAGMA max_page_count is per connection; pin the pool to one.
	db.SetMaxOpenConns(1)
	require.NoError(t, initializeDatabase(db))
	store := NewStore(db, nil)

	require.NoError(t, store.PutConfirmed("clients", "c0", mustJSON(t, map[string]string{"name": "Acme"}), 1))

	// Cap the database at its current size so the next big write hits
	// SQLITE_FULL.
	var pages int
	require.NoError(t, db.QueryRow(`PRAGMA page_count`).Scan(&pages))
	_, err = db.Exec(fmt.Sprintf(`PRAGMA max_page_count = %d`, pages))
	require.NoError(t, err)

	big := mustJSON(t, map[string]string{"blob": strings.Repeat("x", 256*1024)})
	err = store.Put("clients", "c1", big)
	require.ErrorIs(t, err, ErrStorageFull)

	// The attempted write is still readable until process exit.
	rec, err := store.Get("clients", "c1")
	require.NoError(t, err)
	require.JSONEq(t, string(big), string(rec.Payload))

	records, err := store.GetAll("clients")
	require.NoError(t, err)
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ObjectID)
	}
	require.ElementsMatch(t, []string{"c0", "c1"}, ids)

	// Once space frees up, the write lands durably and leaves memory.
	_, err = db.Exec(`PRAGMA max_page_count = 1073741823`)
	require.NoError(t, err)
	require.NoError(t, store.Put("clients", "c1", big))
	require.Empty(t, store.overlay)
	rec, err = store.Get("clients", "c1")
	require.NoError(t, err)
	require.JSONEq(t, string(big), string(rec.Payload))
}

func TestStoreClear(t *testing.T) {
	store := NewStore(testDB(t), nil)

	require.NoError(t, store.PutConfirmed("clients", "c1", mustJSON(t, map[string]int{"n": 1}), 1))
	require.NoError(t, store.Clear())

	_, err := store.Get("clients", "c1")
	require.True(t, errors.Is(err, ErrNotFound))

	ts, err := store.LastUpdated()
	require.NoError(t, err)
	require.True(t, ts.IsZero())
}
