// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

// Package syncserver is the authoritative counterpart of the offline
// client: it hydrates caches, applies queued mutations with version-gated
// conflict detection, keeps conflict bookkeeping and records GPS tracking
// sessions. State lives in Postgres.
package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned for a missing conflict or tracking session.
var ErrNotFound = errors.New("syncserver: not found")

// Config holds configuration for the sync service.
type Config struct {
	AppName      string   // connection/application tag
	DataTypes    []string // data type names accepted for sync (empty = accept all)
	MaxBatchSize int      // maximum mutations per sync request (0 = unlimited)
}

// Service provides the server half of the offline sync protocol.
type Service struct {
	pool      *pgxpool.Pool
	logger    *slog.Logger
	config    *Config
	dataTypes map[string]bool
}

// NewService creates the service and initializes its schema.
func NewService(ctx context.Context, pool *pgxpool.Pool, config *Config, logger *slog.Logger) (*Service, error) {
	if config == nil {
		config = &Config{AppName: "fieldsync"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		pool:      pool,
		logger:    logger,
		config:    config,
		dataTypes: make(map[string]bool),
	}
	for _, dt := range config.DataTypes {
		s.dataTypes[strings.ToLower(dt)] = true
	}

	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}
	return s, nil
}

func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sync_records (
			user_id    TEXT NOT NULL,
			data_type  TEXT NOT NULL,
			object_id  TEXT NOT NULL,
			payload    JSONB,
			version    BIGINT NOT NULL DEFAULT 1,
			deleted    BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, data_type, object_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_conflicts (
			id             UUID PRIMARY KEY,
			user_id        TEXT NOT NULL,
			data_type      TEXT NOT NULL,
			object_id      TEXT NOT NULL,
			action         TEXT NOT NULL,
			server_data    JSONB,
			server_version BIGINT NOT NULL DEFAULT 0,
			client_data    JSONB,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS tracking_sessions (
			id            UUID PRIMARY KEY,
			user_id       TEXT NOT NULL,
			inspection_id TEXT NOT NULL,
			started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			stopped_at    TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS tracking_sessions_active_idx
			ON tracking_sessions (user_id, inspection_id) WHERE stopped_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS tracking_points (
			id          BIGSERIAL PRIMARY KEY,
			session_id  UUID NOT NULL REFERENCES tracking_sessions(id),
			recorded_at TIMESTAMPTZ NOT NULL,
			latitude    DOUBLE PRECISION NOT NULL,
			longitude   DOUBLE PRECISION NOT NULL,
			accuracy    DOUBLE PRECISION
		)`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync schema: %w", err)
		}
	}
	return nil
}

// typeAllowed reports whether the data type is registered for sync.
func (s *Service) typeAllowed(dataType string) bool {
	if len(s.dataTypes) == 0 {
		return true
	}
	return s.dataTypes[strings.ToLower(dataType)]
}

// Prepare returns the authoritative live records for the requested data
// types, used to hydrate the client cache.
func (s *Service) Prepare(ctx context.Context, userID string, dataTypes []string) (*PrepareResponse, error) {
	resp := &PrepareResponse{Data: make(map[string][]PreparedRecord)}
	for _, dataType := range dataTypes {
		if !s.typeAllowed(dataType) {
			continue
		}
		rows, err := s.pool.Query(ctx, `
			SELECT object_id, payload, version, updated_at
			FROM sync_records
			WHERE user_id = $1 AND data_type = $2 AND NOT deleted
			ORDER BY object_id
		`, userID, dataType)
		if err != nil {
			return nil, fmt.Errorf("failed to query records for %s: %w", dataType, err)
		}

		records := []PreparedRecord{}
		for rows.Next() {
			var rec PreparedRecord
			var payload []byte
			if err := rows.Scan(&rec.ObjectID, &payload, &rec.Version, &rec.UpdatedAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan record: %w", err)
			}
			rec.Payload = json.RawMessage(payload)
			records = append(records, rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating records for %s: %w", dataType, err)
		}
		resp.Data[dataType] = records
	}
	return resp, nil
}

// ProcessSync applies a batch of mutations in order. Each mutation runs in
// its own transaction so one bad item cannot poison the rest; outcomes are
// reported per item.
func (s *Service) ProcessSync(ctx context.Context, userID string, req *SyncRequest) (*SyncResponse, error) {
	if s.config.MaxBatchSize > 0 && len(req.Mutations) > s.config.MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit %d", len(req.Mutations), s.config.MaxBatchSize)
	}

	resp := &SyncResponse{Statuses: make([]MutationStatus, 0, len(req.Mutations))}
	for i := range req.Mutations {
		m := &req.Mutations[i]
		resp.Processed++

		status := s.applyMutation(ctx, userID, m)
		switch status.Status {
		case StApplied:
			resp.Successful++
		case StConflict:
			resp.Conflicts++
		default:
			resp.Failed++
		}
		resp.Statuses = append(resp.Statuses, status)
	}
	return resp, nil
}

// applyMutation applies one mutation with version gating:
//
//   - create: a live record under the same id is a conflict; temporary ids
//     get a server-assigned one.
//   - update: missing records materialize as creates (the client may be
//     ahead of a slow fan-out); a base version behind the current one is a
//     conflict carrying the server state.
//   - delete: missing records are already satisfied; stale base versions
//     conflict.
func (s *Service) applyMutation(ctx context.Context, userID string, m *MutationUpload) MutationStatus {
	if !ValidAction(m.Action) {
		return invalidStatus(m.ID, fmt.Sprintf("unknown action %q", m.Action))
	}
	if !s.typeAllowed(m.DataType) {
		return invalidStatus(m.ID, fmt.Sprintf("unregistered data type %q", m.DataType))
	}
	if m.ObjectID == "" {
		return invalidStatus(m.ID, "object_id is required")
	}
	if m.Action != ActionDelete && len(m.Payload) == 0 {
		return invalidStatus(m.ID, "payload is required")
	}

	var status MutationStatus
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		status, err = s.applyMutationInTx(ctx, tx, userID, m)
		return err
	})
	if err != nil {
		s.logger.Error("failed to apply mutation",
			"mutation_id", m.ID, "data_type", m.DataType, "object_id", m.ObjectID, "error", err)
		return invalidStatus(m.ID, err.Error())
	}
	return status
}

func (s *Service) applyMutationInTx(ctx context.Context, tx pgx.Tx, userID string, m *MutationUpload) (MutationStatus, error) {
	var curVersion int64
	var curPayload []byte
	var curDeleted bool
	err := tx.QueryRow(ctx, `
		SELECT version, payload, deleted FROM sync_records
		WHERE user_id = $1 AND data_type = $2 AND object_id = $3
		FOR UPDATE
	`, userID, m.DataType, m.ObjectID).Scan(&curVersion, &curPayload, &curDeleted)
	exists := true
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		return MutationStatus{}, fmt.Errorf("failed to load record: %w", err)
	}

	switch m.Action {
	case ActionCreate:
		if exists && !curDeleted {
			return s.conflictStatus(ctx, tx, userID, m, curPayload, curVersion)
		}
		objectID := m.ObjectID
		if strings.HasPrefix(objectID, TempIDPrefix) {
			objectID = uuid.New().String()
		}
		newVersion := int64(1)
		if exists {
			// Reviving a soft-deleted id keeps its version history moving.
			newVersion = curVersion + 1
			if _, err := tx.Exec(ctx, `
				DELETE FROM sync_records WHERE user_id = $1 AND data_type = $2 AND object_id = $3
			`, userID, m.DataType, m.ObjectID); err != nil {
				return MutationStatus{}, fmt.Errorf("failed to replace deleted record: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO sync_records (user_id, data_type, object_id, payload, version, deleted, updated_at)
			VALUES ($1, $2, $3, $4, $5, FALSE, now())
		`, userID, m.DataType, objectID, []byte(m.Payload), newVersion); err != nil {
			return MutationStatus{}, fmt.Errorf("failed to create record: %w", err)
		}
		return appliedStatus(m.ID, objectID, newVersion), nil

	case ActionUpdate:
		if !exists || curDeleted {
			// Update of a missing record materializes as a create.
			if _, err := tx.Exec(ctx, `
				INSERT INTO sync_records (user_id, data_type, object_id, payload, version, deleted, updated_at)
				VALUES ($1, $2, $3, $4, 1, FALSE, now())
				ON CONFLICT (user_id, data_type, object_id) DO UPDATE SET
					payload = excluded.payload,
					version = sync_records.version + 1,
					deleted = FALSE,
					updated_at = now()
			`, userID, m.DataType, m.ObjectID, []byte(m.Payload)); err != nil {
				return MutationStatus{}, fmt.Errorf("failed to materialize update: %w", err)
			}
			var newVersion int64
			if err := tx.QueryRow(ctx, `
				SELECT version FROM sync_records WHERE user_id = $1 AND data_type = $2 AND object_id = $3
			`, userID, m.DataType, m.ObjectID).Scan(&newVersion); err != nil {
				return MutationStatus{}, fmt.Errorf("failed to read new version: %w", err)
			}
			return appliedStatus(m.ID, m.ObjectID, newVersion), nil
		}
		if m.BaseVersion != curVersion {
			return s.conflictStatus(ctx, tx, userID, m, curPayload, curVersion)
		}
		newVersion := curVersion + 1
		if _, err := tx.Exec(ctx, `
			UPDATE sync_records SET payload = $4, version = $5, updated_at = now()
			WHERE user_id = $1 AND data_type = $2 AND object_id = $3
		`, userID, m.DataType, m.ObjectID, []byte(m.Payload), newVersion); err != nil {
			return MutationStatus{}, fmt.Errorf("failed to update record: %w", err)
		}
		return appliedStatus(m.ID, m.ObjectID, newVersion), nil

	case ActionDelete:
		if !exists || curDeleted {
			// Already satisfied.
			return appliedStatus(m.ID, m.ObjectID, curVersion), nil
		}
		if m.BaseVersion != curVersion {
			return s.conflictStatus(ctx, tx, userID, m, curPayload, curVersion)
		}
		newVersion := curVersion + 1
		if _, err := tx.Exec(ctx, `
			UPDATE sync_records SET deleted = TRUE, version = $4, updated_at = now()
			WHERE user_id = $1 AND data_type = $2 AND object_id = $3
		`, userID, m.DataType, m.ObjectID, newVersion); err != nil {
			return MutationStatus{}, fmt.Errorf("failed to delete record: %w", err)
		}
		return appliedStatus(m.ID, m.ObjectID, newVersion), nil
	}

	return invalidStatus(m.ID, fmt.Sprintf("unknown action %q", m.Action)), nil
}

// conflictStatus records the conflict server-side and reports the current
// server state back to the client.
func (s *Service) conflictStatus(ctx context.Context, tx pgx.Tx, userID string, m *MutationUpload, serverData []byte, serverVersion int64) (MutationStatus, error) {
	conflictID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO sync_conflicts (id, user_id, data_type, object_id, action, server_data, server_version, client_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, conflictID, userID, m.DataType, m.ObjectID, m.Action, serverData, serverVersion, []byte(m.Payload)); err != nil {
		return MutationStatus{}, fmt.Errorf("failed to record conflict: %w", err)
	}
	return MutationStatus{
		ID:            m.ID,
		Status:        StConflict,
		ObjectID:      m.ObjectID,
		ServerData:    json.RawMessage(serverData),
		ServerVersion: serverVersion,
		ConflictID:    conflictID.String(),
	}, nil
}

// ListConflicts returns the user's unresolved conflicts in creation order.
func (s *Service) ListConflicts(ctx context.Context, userID string) ([]ConflictRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, data_type, object_id, action, server_data, server_version, client_data, created_at
		FROM sync_conflicts WHERE user_id = $1 ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []ConflictRecord
	for rows.Next() {
		var c ConflictRecord
		var id uuid.UUID
		var serverData, clientData []byte
		if err := rows.Scan(&id, &c.DataType, &c.ObjectID, &c.Action, &serverData, &c.ServerVersion, &clientData, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c.ID = id.String()
		c.ServerData = json.RawMessage(serverData)
		c.ClientData = json.RawMessage(clientData)
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

// ResolveConflict settles one server-side conflict. use_server just drops
// the bookkeeping entry (the server already holds its own state);
// use_client and merge apply the chosen payload as a new version.
// Resolving a missing conflict returns ErrNotFound and is a no-op.
func (s *Service) ResolveConflict(ctx context.Context, userID string, req *ResolveRequest) error {
	if !ValidResolution(req.Resolution) {
		return fmt.Errorf("unknown resolution %q", req.Resolution)
	}
	conflictID, err := uuid.Parse(req.ConflictID)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", req.ConflictID, ErrNotFound)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var dataType, objectID string
		var clientData []byte
		err := tx.QueryRow(ctx, `
			SELECT data_type, object_id, client_data FROM sync_conflicts
			WHERE id = $1 AND user_id = $2
			FOR UPDATE
		`, conflictID, userID).Scan(&dataType, &objectID, &clientData)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("resolve %s: %w", req.ConflictID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load conflict: %w", err)
		}

		payload := []byte(req.ResolvedData)
		switch req.Resolution {
		case ResolveUseServer:
			payload = nil
		case ResolveUseClient:
			payload = clientData
		case ResolveMerge:
			if len(payload) == 0 {
				return fmt.Errorf("merge resolution requires resolved data")
			}
		}

		if payload != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO sync_records (user_id, data_type, object_id, payload, version, deleted, updated_at)
				VALUES ($1, $2, $3, $4, 1, FALSE, now())
				ON CONFLICT (user_id, data_type, object_id) DO UPDATE SET
					payload = excluded.payload,
					version = sync_records.version + 1,
					deleted = FALSE,
					updated_at = now()
			`, userID, dataType, objectID, payload); err != nil {
				return fmt.Errorf("failed to apply resolution: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM sync_conflicts WHERE id = $1`, conflictID); err != nil {
			return fmt.Errorf("failed to remove conflict: %w", err)
		}
		return nil
	})
}

// StartTracking opens a tracking session, or returns the already-active
// one for the inspection.
func (s *Service) StartTracking(ctx context.Context, userID, inspectionID string) (*TrackingStartResponse, error) {
	var id uuid.UUID
	var startedAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, started_at FROM tracking_sessions
		WHERE user_id = $1 AND inspection_id = $2 AND stopped_at IS NULL
	`, userID, inspectionID).Scan(&id, &startedAt)
	if err == nil {
		return &TrackingStartResponse{SessionID: id.String(), InspectionID: inspectionID, StartedAt: startedAt}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to query tracking session: %w", err)
	}

	id = uuid.New()
	startedAt = time.Now().UTC()
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO tracking_sessions (id, user_id, inspection_id, started_at)
		VALUES ($1, $2, $3, $4)
	`, id, userID, inspectionID, startedAt); err != nil {
		return nil, fmt.Errorf("failed to start tracking session: %w", err)
	}
	return &TrackingStartResponse{SessionID: id.String(), InspectionID: inspectionID, StartedAt: startedAt}, nil
}

// RecordTrackingPoint stores one sample against the active session.
// ErrNotFound when the inspection has no active session.
func (s *Service) RecordTrackingPoint(ctx context.Context, userID string, req *TrackingRecordRequest) error {
	var sessionID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM tracking_sessions
		WHERE user_id = $1 AND inspection_id = $2 AND stopped_at IS NULL
	`, userID, req.InspectionID).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("record point for %s: %w", req.InspectionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to query tracking session: %w", err)
	}

	recordedAt := time.Now().UTC()
	if req.Timestamp != nil {
		if t, err := time.Parse(time.RFC3339Nano, *req.Timestamp); err == nil {
			recordedAt = t
		}
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO tracking_points (session_id, recorded_at, latitude, longitude, accuracy)
		VALUES ($1, $2, $3, $4, $5)
	`, sessionID, recordedAt, req.Latitude, req.Longitude, req.Accuracy); err != nil {
		return fmt.Errorf("failed to record tracking point: %w", err)
	}
	return nil
}

// StopTracking ends the active session and returns its summary.
func (s *Service) StopTracking(ctx context.Context, userID, inspectionID string) (*TrackingStopResponse, error) {
	var resp *TrackingStopResponse
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var sessionID uuid.UUID
		var startedAt time.Time
		err := tx.QueryRow(ctx, `
			SELECT id, started_at FROM tracking_sessions
			WHERE user_id = $1 AND inspection_id = $2 AND stopped_at IS NULL
			FOR UPDATE
		`, userID, inspectionID).Scan(&sessionID, &startedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("stop tracking %s: %w", inspectionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to query tracking session: %w", err)
		}

		stoppedAt := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE tracking_sessions SET stopped_at = $2 WHERE id = $1
		`, sessionID, stoppedAt); err != nil {
			return fmt.Errorf("failed to stop tracking session: %w", err)
		}

		var count int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM tracking_points WHERE session_id = $1
		`, sessionID).Scan(&count); err != nil {
			return fmt.Errorf("failed to count tracking points: %w", err)
		}

		resp = &TrackingStopResponse{
			SessionID:    sessionID.String(),
			InspectionID: inspectionID,
			PointCount:   count,
			StartedAt:    startedAt,
			StoppedAt:    stoppedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func appliedStatus(id, objectID string, version int64) MutationStatus {
	return MutationStatus{ID: id, Status: StApplied, ObjectID: objectID, NewVersion: &version}
}

func invalidStatus(id, message string) MutationStatus {
	return MutationStatus{ID: id, Status: StInvalid, Message: message}
}
