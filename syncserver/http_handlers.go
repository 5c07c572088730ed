// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/smartleakpro/fieldsync/geotrack"
	"github.com/smartleakpro/fieldsync/internal/auth"
)

// ClientAuthenticator extracts user and device identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// Backend is the service surface the HTTP handlers sit on. *Service
// implements it; tests substitute a stub.
type Backend interface {
	Prepare(ctx context.Context, userID string, dataTypes []string) (*PrepareResponse, error)
	ProcessSync(ctx context.Context, userID string, req *SyncRequest) (*SyncResponse, error)
	ListConflicts(ctx context.Context, userID string) ([]ConflictRecord, error)
	ResolveConflict(ctx context.Context, userID string, req *ResolveRequest) error
	StartTracking(ctx context.Context, userID, inspectionID string) (*TrackingStartResponse, error)
	RecordTrackingPoint(ctx context.Context, userID string, req *TrackingRecordRequest) error
	StopTracking(ctx context.Context, userID, inspectionID string) (*TrackingStopResponse, error)
}

// HTTPHandlers provides the /offline and /geolocation HTTP API.
type HTTPHandlers struct {
	backend       Backend
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates a new instance of the API handlers.
func NewHTTPHandlers(backend Backend, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	return &HTTPHandlers{
		backend:       backend,
		authenticator: authenticator,
		logger:        logger,
	}
}

// userID resolves the authenticated user: identity placed in the request
// context by JWTAuth.Middleware wins, direct header authentication is the
// fallback for muxes registered without the middleware.
func (h *HTTPHandlers) userID(r *http.Request) (string, error) {
	if id, ok := auth.GetUserID(r.Context()); ok {
		return id, nil
	}
	return h.authenticator.GetUserID(r)
}

// deviceID resolves the calling device the same way. Best effort; only
// used for logging.
func (h *HTTPHandlers) deviceID(r *http.Request) string {
	if id, ok := auth.GetDeviceID(r.Context()); ok {
		return id
	}
	id, err := h.authenticator.GetSourceID(r)
	if err != nil {
		return ""
	}
	return id
}

// Register wires all endpoints onto the mux.
func (h *HTTPHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/offline/prepare", h.HandlePrepare)
	mux.HandleFunc("/offline/sync", h.HandleSync)
	mux.HandleFunc("/offline/queue", h.HandleQueue)
	mux.HandleFunc("/offline/conflicts", h.HandleConflicts)
	mux.HandleFunc("/offline/conflicts/resolve", h.HandleResolveConflict)
	mux.HandleFunc("/offline/status", h.HandleStatus)
	mux.HandleFunc("/geolocation/tracking/start", h.HandleTrackingStart)
	mux.HandleFunc("/geolocation/tracking/record", h.HandleTrackingRecord)
	mux.HandleFunc("/geolocation/tracking/stop", h.HandleTrackingStop)
}

// HandlePrepare returns the authoritative records for the requested data
// types so the client can hydrate its cache.
func (h *HTTPHandlers) HandlePrepare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.userID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req PrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse prepare request")
		return
	}

	response, err := h.backend.Prepare(r.Context(), userID, req.DataTypes)
	if err != nil {
		h.logger.Error("Failed to prepare offline data", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "prepare_failed", "Failed to prepare offline data")
		return
	}

	h.writeJSON(w, response)
}

// HandleSync drains a batch of queued mutations with per-item outcomes.
func (h *HTTPHandlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.userID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse sync request")
		return
	}

	response, err := h.backend.ProcessSync(r.Context(), userID, &req)
	if err != nil {
		h.logger.Error("Failed to process sync", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "sync_failed", "Failed to process sync")
		return
	}

	h.writeJSON(w, response)
}

// HandleQueue acknowledges a best-effort mirror of a client-side enqueue.
// The mutation stays queued on the client; this endpoint only confirms
// receipt for observability.
func (h *HTTPHandlers) HandleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.userID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var m MutationUpload
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse queued mutation")
		return
	}
	if !ValidAction(m.Action) || m.ID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Queued mutation needs an id and a valid action")
		return
	}

	h.logger.Info("Queued mutation mirrored",
		"user_id", userID, "device_id", h.deviceID(r),
		"mutation_id", m.ID, "action", m.Action, "data_type", m.DataType)
	h.writeJSON(w, &QueueAck{Accepted: true, MutationID: m.ID})
}

// HandleConflicts lists the user's unresolved conflicts.
func (h *HTTPHandlers) HandleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, err := h.userID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	conflicts, err := h.backend.ListConflicts(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list conflicts", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "conflicts_failed", "Failed to list conflicts")
		return
	}
	if conflicts == nil {
		conflicts = []ConflictRecord{}
	}

	h.writeJSON(w, &ConflictListResponse{Conflicts: conflicts, Count: len(conflicts)})
}

// HandleResolveConflict settles one conflict with the chosen resolution.
func (h *HTTPHandlers) HandleResolveConflict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.userID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse resolve request")
		return
	}
	if !ValidResolution(req.Resolution) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown resolution")
		return
	}

	if err := h.backend.ResolveConflict(r.Context(), userID, &req); err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "conflict_not_found", "Conflict does not exist or was already resolved")
			return
		}
		h.logger.Error("Failed to resolve conflict", "error", err, "user_id", userID, "conflict_id", req.ConflictID)
		h.writeError(w, http.StatusInternalServerError, "resolve_failed", "Failed to resolve conflict")
		return
	}

	h.writeJSON(w, &ResolveResponse{Resolved: true, ConflictID: req.ConflictID})
}

// HandleStatus is the unauthenticated reachability probe the client's
// network monitor polls.
func (h *HTTPHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	h.writeJSON(w, &StatusResponse{Online: true, Timestamp: time.Now().UTC()})
}

// HandleTrackingStart opens (or returns) the active tracking session for an
// inspection.
func (h *HTTPHandlers) HandleTrackingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.userID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req TrackingStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InspectionID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "inspection_id is required")
		return
	}

	response, err := h.backend.StartTracking(r.Context(), userID, req.InspectionID)
	if err != nil {
		h.logger.Error("Failed to start tracking", "error", err, "user_id", userID, "inspection_id", req.InspectionID)
		h.writeError(w, http.StatusInternalServerError, "tracking_failed", "Failed to start tracking")
		return
	}

	h.writeJSON(w, response)
}

// HandleTrackingRecord stores one GPS sample against the active session.
func (h *HTTPHandlers) HandleTrackingRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.userID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req TrackingRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InspectionID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "inspection_id is required")
		return
	}
	if !geotrack.ValidateCoordinates(req.Latitude, req.Longitude) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Coordinates out of range")
		return
	}

	if err := h.backend.RecordTrackingPoint(r.Context(), userID, &req); err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "session_not_found", "No active tracking session for inspection")
			return
		}
		h.logger.Error("Failed to record tracking point", "error", err, "user_id", userID, "inspection_id", req.InspectionID)
		h.writeError(w, http.StatusInternalServerError, "tracking_failed", "Failed to record tracking point")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleTrackingStop ends the active session and returns its summary.
func (h *HTTPHandlers) HandleTrackingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.userID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req TrackingStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InspectionID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "inspection_id is required")
		return
	}

	response, err := h.backend.StopTracking(r.Context(), userID, req.InspectionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "session_not_found", "No active tracking session for inspection")
			return
		}
		h.logger.Error("Failed to stop tracking", "error", err, "user_id", userID, "inspection_id", req.InspectionID)
		h.writeError(w, http.StatusInternalServerError, "tracking_failed", "Failed to stop tracking")
		return
	}

	h.writeJSON(w, response)
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(&ErrorResponse{Error: errorCode, Message: message}); err != nil {
		h.logger.Error("Failed to encode error response", "error", err)
	}
}
