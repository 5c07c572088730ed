// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/smartleakpro/fieldsync/syncserver"
)

// Action is a queued mutation kind.
type Action string

const (
	ActionCreate Action = syncserver.ActionCreate
	ActionUpdate Action = syncserver.ActionUpdate
	ActionDelete Action = syncserver.ActionDelete
)

// Status is the lifecycle state of a queued mutation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Mutation is one pending local change waiting to be applied server-side.
type Mutation struct {
	ID          string          `json:"id"`
	Action      Action          `json:"action"`
	DataType    string          `json:"data_type"`
	ObjectID    string          `json:"object_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion int64           `json:"base_version"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Upload converts the mutation to its wire representation.
func (m *Mutation) Upload() syncserver.MutationUpload {
	return syncserver.MutationUpload{
		ID:          m.ID,
		Action:      string(m.Action),
		DataType:    m.DataType,
		ObjectID:    m.ObjectID,
		BaseVersion: m.BaseVersion,
		Payload:     m.Payload,
		CreatedAt:   m.CreatedAt,
	}
}

// CachedRecord is a locally cached copy of a server record. Payload is
// overwritten wholesale on every successful prepare or sync, never merged
// field by field.
type CachedRecord struct {
	DataType string          `json:"data_type"`
	ObjectID string          `json:"object_id"`
	Payload  json.RawMessage `json:"payload"`
	// Version is the last server version this record was fetched or
	// confirmed at; it becomes the base version of later mutations.
	Version   int64     `json:"version"`
	FetchedAt time.Time `json:"fetched_at"`
	// PendingMutationID tags speculative state: empty means the record
	// reflects confirmed server state, otherwise it names the mutation
	// whose optimistic write produced it.
	PendingMutationID string `json:"pending_mutation_id,omitempty"`
}

// Confirmed reports whether the record reflects authoritative server state
// rather than an optimistic local write.
func (r *CachedRecord) Confirmed() bool { return r.PendingMutationID == "" }

// Conflict is a queued mutation whose target changed server-side since the
// client last fetched it. It stays parked until explicitly resolved.
type Conflict struct {
	ID            string          `json:"id"`
	DataType      string          `json:"model"`
	ObjectID      string          `json:"object_id"`
	Action        Action          `json:"action"`
	ServerData    json.RawMessage `json:"server_data,omitempty"`
	ServerVersion int64           `json:"server_version"`
	ClientData    json.RawMessage `json:"client_data,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Resolution selects how a conflict is settled.
type Resolution string

const (
	ResolveUseServer Resolution = syncserver.ResolveUseServer
	ResolveUseClient Resolution = syncserver.ResolveUseClient
	ResolveMerge     Resolution = syncserver.ResolveMerge
)

// SyncResult summarizes one drain of the sync queue.
type SyncResult struct {
	// Deferred is set when the sync did not start at all: either the
	// monitor reported offline or another run was already in progress.
	Deferred   bool     `json:"deferred,omitempty"`
	Processed  int      `json:"processed"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Conflicts  int      `json:"conflicts"`
	Errors     []string `json:"errors,omitempty"`
}

// NewTempID generates a client-side temporary object id for creates. The
// server assigns the permanent id and the engine remaps on success.
func NewTempID() string {
	return syncserver.TempIDPrefix + uuid.New().String()
}
