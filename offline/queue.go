// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue is the durable ordered log of pending local mutations. Enqueue
// order is preserved FIFO across the whole queue and survives process
// restarts.
type Queue struct {
	db *sql.DB
}

// NewQueue creates a queue over an initialized offline database.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue appends a mutation to the end of the log with status pending and
// returns its generated id.
func (q *Queue) Enqueue(action Action, dataType, objectID string, payload json.RawMessage, baseVersion int64) (string, error) {
	id := uuid.New().String()
	createdAt := time.Now().UTC().Format(time.RFC3339Nano)
	data := sql.NullString{String: string(payload), Valid: payload != nil}

	_, err := q.db.Exec(`
		INSERT INTO _sync_queue (id, action, data_type, object_id, payload, base_version, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)
	`, id, string(action), dataType, objectID, data, baseVersion, createdAt)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	return id, nil
}

// List returns every queued mutation in enqueue order.
func (q *Queue) List() ([]Mutation, error) {
	return q.list(`SELECT id, action, data_type, object_id, payload, base_version, status, created_at
		FROM _sync_queue ORDER BY position`)
}

// Pending returns only mutations still waiting to be applied, in enqueue
// order. This is what a sync run drains.
func (q *Queue) Pending() ([]Mutation, error) {
	return q.list(`SELECT id, action, data_type, object_id, payload, base_version, status, created_at
		FROM _sync_queue WHERE status = 'pending' ORDER BY position`)
}

func (q *Queue) list(query string) ([]Mutation, error) {
	rows, err := q.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var mutations []Mutation
	for rows.Next() {
		var m Mutation
		var action, status, createdAt string
		var payload sql.NullString
		if err := rows.Scan(&m.ID, &action, &m.DataType, &m.ObjectID, &payload, &m.BaseVersion, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queued mutation: %w", err)
		}
		m.Action = Action(action)
		m.Status = Status(status)
		if payload.Valid {
			m.Payload = json.RawMessage(payload.String)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync queue: %w", err)
	}
	return mutations, nil
}

// Remove deletes a mutation after successful processing. Removing a
// missing mutation is already satisfied and returns ErrNotFound.
func (q *Queue) Remove(mutationID string) error {
	res, err := q.db.Exec(`DELETE FROM _sync_queue WHERE id = ?`, mutationID)
	if err != nil {
		return fmt.Errorf("failed to remove mutation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("remove %s: %w", mutationID, ErrNotFound)
	}
	return nil
}

// UpdateStatus moves a mutation to a new lifecycle state.
func (q *Queue) UpdateStatus(mutationID string, status Status) error {
	res, err := q.db.Exec(`UPDATE _sync_queue SET status = ? WHERE id = ?`, string(status), mutationID)
	if err != nil {
		return fmt.Errorf("failed to update mutation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update status %s: %w", mutationID, ErrNotFound)
	}
	return nil
}

// Count returns the number of queued mutations, optionally filtered by
// status. Drives the pending-change badge.
func (q *Queue) Count(status ...Status) (int, error) {
	var n int
	var err error
	if len(status) == 0 {
		err = q.db.QueryRow(`SELECT COUNT(*) FROM _sync_queue`).Scan(&n)
	} else {
		err = q.db.QueryRow(`SELECT COUNT(*) FROM _sync_queue WHERE status = ?`, string(status[0])).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// RemapObjectID retargets later queued mutations from a temporary client
// id to the server-assigned one. FIFO order guarantees the create that
// triggered the remap was already applied.
func (q *Queue) RemapObjectID(dataType, oldID, newID string) error {
	if _, err := q.db.Exec(`
		UPDATE _sync_queue SET object_id = ? WHERE data_type = ? AND object_id = ?
	`, newID, dataType, oldID); err != nil {
		return fmt.Errorf("failed to remap queued mutations: %w", err)
	}
	return nil
}

// Clear wipes the queue. Used on logout together with Store.Clear.
func (q *Queue) Clear() error {
	if _, err := q.db.Exec(`DELETE FROM _sync_queue`); err != nil {
		return fmt.Errorf("failed to clear sync queue: %w", err)
	}
	return nil
}
