// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Conflicts holds unresolved sync conflicts: the server-side and
// client-side versions of the same record, parked until an explicit
// resolution. There is no automatic resolution policy; silent
// last-write-wins is deliberately not offered.
type Conflicts struct {
	db *sql.DB
}

// NewConflicts creates a conflict store over an initialized offline
// database.
func NewConflicts(db *sql.DB) *Conflicts {
	return &Conflicts{db: db}
}

// Add parks a conflicting mutation and returns the conflict id.
func (c *Conflicts) Add(conflict *Conflict) (string, error) {
	if conflict.ID == "" {
		conflict.ID = uuid.New().String()
	}
	if conflict.CreatedAt.IsZero() {
		conflict.CreatedAt = time.Now().UTC()
	}
	serverData := sql.NullString{String: string(conflict.ServerData), Valid: conflict.ServerData != nil}
	clientData := sql.NullString{String: string(conflict.ClientData), Valid: conflict.ClientData != nil}

	_, err := c.db.Exec(`
		INSERT INTO _sync_conflicts (id, data_type, object_id, action, server_data, server_version, client_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, conflict.ID, conflict.DataType, conflict.ObjectID, string(conflict.Action),
		serverData, conflict.ServerVersion, clientData, conflict.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("failed to store conflict: %w", err)
	}
	return conflict.ID, nil
}

// List returns unresolved conflicts in creation order.
func (c *Conflicts) List() ([]Conflict, error) {
	rows, err := c.db.Query(`
		SELECT id, data_type, object_id, action, server_data, server_version, client_data, created_at
		FROM _sync_conflicts ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

// Get returns one conflict or ErrNotFound.
func (c *Conflicts) Get(conflictID string) (*Conflict, error) {
	rows, err := c.db.Query(`
		SELECT id, data_type, object_id, action, server_data, server_version, client_data, created_at
		FROM _sync_conflicts WHERE id = ?
	`, conflictID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("conflict %s: %w", conflictID, ErrNotFound)
	}
	return scanConflict(rows)
}

// Remove deletes a conflict. Missing conflicts return ErrNotFound.
func (c *Conflicts) Remove(conflictID string) error {
	res, err := c.db.Exec(`DELETE FROM _sync_conflicts WHERE id = ?`, conflictID)
	if err != nil {
		return fmt.Errorf("failed to remove conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conflict %s: %w", conflictID, ErrNotFound)
	}
	return nil
}

// Count returns the number of unresolved conflicts, for the badge display.
func (c *Conflicts) Count() (int, error) {
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM _sync_conflicts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}

// Clear wipes all conflicts. Used on logout.
func (c *Conflicts) Clear() error {
	if _, err := c.db.Exec(`DELETE FROM _sync_conflicts`); err != nil {
		return fmt.Errorf("failed to clear conflicts: %w", err)
	}
	return nil
}

func scanConflict(rows *sql.Rows) (*Conflict, error) {
	var conflict Conflict
	var action, createdAt string
	var serverData, clientData sql.NullString
	if err := rows.Scan(&conflict.ID, &conflict.DataType, &conflict.ObjectID, &action,
		&serverData, &conflict.ServerVersion, &clientData, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}
	conflict.Action = Action(action)
	if serverData.Valid {
		conflict.ServerData = json.RawMessage(serverData.String)
	}
	if clientData.Valid {
		conflict.ClientData = json.RawMessage(clientData.String)
	}
	conflict.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &conflict, nil
}

// Resolver applies explicit conflict resolutions against the conflict
// store, local cache and sync queue.
type Resolver struct {
	conflicts *Conflicts
	store     *Store
	queue     *Queue
	logger    *slog.Logger
}

// NewResolver wires a resolver over the client components.
func NewResolver(conflicts *Conflicts, store *Store, queue *Queue, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{conflicts: conflicts, store: store, queue: queue, logger: logger}
}

// Resolve settles one conflict:
//
//   - use_server: the client payload is discarded and the local cache takes
//     the server state; nothing is re-enqueued.
//   - use_client: the client payload is re-enqueued as a fresh mutation
//     with the server version as its new base, so the retry carries updated
//     version expectations.
//   - merge: the caller-supplied resolvedData is enqueued the same way.
//
// Resolving a conflict that no longer exists returns ErrNotFound and
// changes nothing, so a second resolution of the same id cannot duplicate
// a re-enqueued mutation.
func (r *Resolver) Resolve(conflictID string, resolution Resolution, resolvedData json.RawMessage) error {
	conflict, err := r.conflicts.Get(conflictID)
	if err != nil {
		return err
	}

	switch resolution {
	case ResolveUseServer:
		if len(conflict.ServerData) == 0 {
			// Record was deleted server-side; accepting the server means
			// dropping the local copy too.
			if err := r.store.Delete(conflict.DataType, conflict.ObjectID); err != nil {
				return err
			}
		} else if err := r.store.PutConfirmed(conflict.DataType, conflict.ObjectID, conflict.ServerData, conflict.ServerVersion); err != nil {
			return err
		}

	case ResolveUseClient:
		if err := r.reenqueue(conflict, conflict.ClientData); err != nil {
			return err
		}

	case ResolveMerge:
		if len(resolvedData) == 0 {
			return fmt.Errorf("merge resolution requires resolved data")
		}
		if err := r.reenqueue(conflict, resolvedData); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	if err := r.conflicts.Remove(conflictID); err != nil {
		return err
	}
	r.logger.Info("conflict resolved",
		"conflict_id", conflictID, "resolution", string(resolution),
		"data_type", conflict.DataType, "object_id", conflict.ObjectID)
	return nil
}

func (r *Resolver) reenqueue(conflict *Conflict, payload json.RawMessage) error {
	action := conflict.Action
	if action == ActionCreate && len(conflict.ServerData) > 0 {
		// The record exists server-side, so retrying as a create would
		// conflict again immediately.
		action = ActionUpdate
	}
	mutationID, err := r.queue.Enqueue(action, conflict.DataType, conflict.ObjectID, payload, conflict.ServerVersion)
	if err != nil {
		return err
	}
	if action != ActionDelete {
		if err := r.store.PutPending(conflict.DataType, conflict.ObjectID, payload, mutationID); err != nil {
			return err
		}
	}
	return nil
}
