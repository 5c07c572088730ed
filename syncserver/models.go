// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the /offline and /geolocation HTTP APIs.
// These models are shared with the offline client transport.

// Mutation actions accepted by the sync endpoint.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Per-mutation outcome statuses.
const (
	StApplied  = "applied"
	StConflict = "conflict"
	StInvalid  = "invalid"
)

// Conflict resolutions.
const (
	ResolveUseServer = "use_server"
	ResolveUseClient = "use_client"
	ResolveMerge     = "merge"
)

// TempIDPrefix marks client-generated temporary object ids. The server
// assigns a permanent id to creates carrying this prefix and echoes it back
// in the mutation status so the client can remap.
const TempIDPrefix = "tmp-"

// PrepareRequest asks the server to hydrate the client cache.
type PrepareRequest struct {
	DataTypes []string `json:"data_types"`
}

// PreparedRecord is one authoritative record returned by prepare.
type PreparedRecord struct {
	ObjectID  string          `json:"object_id"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
}

// PrepareResponse maps data type name to its records.
type PrepareResponse struct {
	Data map[string][]PreparedRecord `json:"data"`
}

// MutationUpload represents a single queued mutation in a sync request.
// Note: user identity is derived from the JWT sub claim, not the body.
type MutationUpload struct {
	ID          string          `json:"id"`
	Action      string          `json:"action"`
	DataType    string          `json:"data_type"`
	ObjectID    string          `json:"object_id"`
	BaseVersion int64           `json:"base_version"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SyncRequest carries a batch of mutations to drain.
type SyncRequest struct {
	Mutations []MutationUpload `json:"mutations"`
}

// MutationStatus is the per-mutation result of a sync request.
type MutationStatus struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"` // applied, conflict, invalid
	ObjectID      string          `json:"object_id,omitempty"`
	NewVersion    *int64          `json:"new_version,omitempty"`
	ServerData    json.RawMessage `json:"server_data,omitempty"`
	ServerVersion int64           `json:"server_version,omitempty"`
	ConflictID    string          `json:"conflict_id,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// SyncResponse summarizes a drained batch.
type SyncResponse struct {
	Processed  int              `json:"processed"`
	Successful int              `json:"successful"`
	Failed     int              `json:"failed"`
	Conflicts  int              `json:"conflicts"`
	Statuses   []MutationStatus `json:"statuses"`
}

// QueueAck acknowledges a server-side mirror of a client enqueue.
type QueueAck struct {
	Accepted   bool   `json:"accepted"`
	MutationID string `json:"mutation_id"`
}

// ConflictRecord is the server-side bookkeeping entry for a version conflict.
type ConflictRecord struct {
	ID            string          `json:"id"`
	DataType      string          `json:"data_type"`
	ObjectID      string          `json:"object_id"`
	Action        string          `json:"action"`
	ServerData    json.RawMessage `json:"server_data,omitempty"`
	ServerVersion int64           `json:"server_version"`
	ClientData    json.RawMessage `json:"client_data,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ConflictListResponse lists unresolved conflicts.
type ConflictListResponse struct {
	Conflicts []ConflictRecord `json:"conflicts"`
	Count     int              `json:"count"`
}

// ResolveRequest resolves a single conflict.
type ResolveRequest struct {
	ConflictID   string          `json:"conflict_id"`
	Resolution   string          `json:"resolution"`
	ResolvedData json.RawMessage `json:"resolved_data,omitempty"`
}

// ResolveResponse acknowledges a resolution.
type ResolveResponse struct {
	Resolved   bool   `json:"resolved"`
	ConflictID string `json:"conflict_id"`
}

// StatusResponse is the lightweight reachability probe response.
type StatusResponse struct {
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackingStartRequest starts a tracking session for an inspection.
type TrackingStartRequest struct {
	InspectionID string `json:"inspection_id"`
}

// TrackingStartResponse returns the active session id.
type TrackingStartResponse struct {
	SessionID    string    `json:"session_id"`
	InspectionID string    `json:"inspection_id"`
	StartedAt    time.Time `json:"started_at"`
}

// TrackingRecordRequest records one GPS sample.
type TrackingRecordRequest struct {
	InspectionID string   `json:"inspection_id"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Accuracy     *float64 `json:"accuracy,omitempty"`
	Timestamp    *string  `json:"timestamp,omitempty"`
}

// TrackingStopRequest ends a tracking session.
type TrackingStopRequest struct {
	InspectionID string `json:"inspection_id"`
}

// TrackingStopResponse summarizes the finished session.
type TrackingStopResponse struct {
	SessionID    string    `json:"session_id"`
	InspectionID string    `json:"inspection_id"`
	PointCount   int       `json:"point_count"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ValidAction reports whether a is a recognized mutation action.
func ValidAction(a string) bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ValidResolution reports whether r is a recognized conflict resolution.
func ValidResolution(r string) bool {
	switch r {
	case ResolveUseServer, ResolveUseClient, ResolveMerge:
		return true
	}
	return false
}
