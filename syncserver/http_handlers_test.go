// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubBackend scripts service behavior so handlers are tested without
// Postgres.
type stubBackend struct {
	prepare     *PrepareResponse
	syncResp    *SyncResponse
	conflicts   []ConflictRecord
	resolveErr  error
	recordErr   error
	stopErr     error
	lastUserID  string
	lastResolve *ResolveRequest
}

func (b *stubBackend) Prepare(ctx context.Context, userID string, dataTypes []string) (*PrepareResponse, error) {
	b.lastUserID = userID
	if b.prepare != nil {
		return b.prepare, nil
	}
	return &PrepareResponse{Data: map[string][]PreparedRecord{}}, nil
}

func (b *stubBackend) ProcessSync(ctx context.Context, userID string, req *SyncRequest) (*SyncResponse, error) {
	b.lastUserID = userID
	if b.syncResp != nil {
		return b.syncResp, nil
	}
	resp := &SyncResponse{}
	for _, m := range req.Mutations {
		v := m.BaseVersion + 1
		resp.Processed++
		resp.Successful++
		resp.Statuses = append(resp.Statuses, MutationStatus{
			ID: m.ID, Status: StApplied, ObjectID: m.ObjectID, NewVersion: &v,
		})
	}
	return resp, nil
}

func (b *stubBackend) ListConflicts(ctx context.Context, userID string) ([]ConflictRecord, error) {
	b.lastUserID = userID
	return b.conflicts, nil
}

func (b *stubBackend) ResolveConflict(ctx context.Context, userID string, req *ResolveRequest) error {
	b.lastUserID = userID
	b.lastResolve = req
	return b.resolveErr
}

func (b *stubBackend) StartTracking(ctx context.Context, userID, inspectionID string) (*TrackingStartResponse, error) {
	return &TrackingStartResponse{SessionID: "sess-1", InspectionID: inspectionID, StartedAt: time.Now().UTC()}, nil
}

func (b *stubBackend) RecordTrackingPoint(ctx context.Context, userID string, req *TrackingRecordRequest) error {
	return b.recordErr
}

func (b *stubBackend) StopTracking(ctx context.Context, userID, inspectionID string) (*TrackingStopResponse, error) {
	if b.stopErr != nil {
		return nil, b.stopErr
	}
	return &TrackingStopResponse{SessionID: "sess-1", InspectionID: inspectionID, PointCount: 3}, nil
}

func newTestServer(t *testing.T, backend Backend) (*httptest.Server, string) {
	t.Helper()
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("tech-1", "tablet-1", time.Hour)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHTTPHandlers(backend, jwtAuth, testLogger()).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, token
}

func doJSON(t *testing.T, method, url, token string, body, out any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequest(method, url, &reqBody)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// rejectAllAuth fails every direct header authentication, so a request
// can only succeed through middleware-populated context identity.
type rejectAllAuth struct{}

func (rejectAllAuth) GetUserID(r *http.Request) (string, error) {
	return "", fmt.Errorf("no direct authentication")
}

func (rejectAllAuth) GetSourceID(r *http.Request) (string, error) {
	return "", fmt.Errorf("no direct authentication")
}

func TestMiddlewareSuppliesIdentity(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("tech-7", "tablet-7", time.Hour)
	require.NoError(t, err)

	backend := &stubBackend{}
	api := http.NewServeMux()
	NewHTTPHandlers(backend, rejectAllAuth{}, testLogger()).Register(api)
	server := httptest.NewServer(jwtAuth.Middleware(api))
	t.Cleanup(server.Close)

	// The handler's own authenticator rejects everything, so a 200 here
	// proves the user id came from the middleware context.
	var out SyncResponse
	resp := doJSON(t, http.MethodPost, server.URL+"/offline/sync", token, &SyncRequest{}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "tech-7", backend.lastUserID)

	resp = doJSON(t, http.MethodPost, server.URL+"/offline/sync", "", &SyncRequest{}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleStatusNoAuth(t *testing.T) {
	server, _ := newTestServer(t, &stubBackend{})

	var status StatusResponse
	resp := doJSON(t, http.MethodGet, server.URL+"/offline/status", "", nil, &status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, status.Online)
}

func TestHandleSync(t *testing.T) {
	backend := &stubBackend{}
	server, token := newTestServer(t, backend)

	req := &SyncRequest{Mutations: []MutationUpload{
		{ID: "m1", Action: ActionUpdate, DataType: "clients", ObjectID: "c1", BaseVersion: 2, Payload: []byte(`{"name":"Acme"}`)},
	}}
	var out SyncResponse
	resp := doJSON(t, http.MethodPost, server.URL+"/offline/sync", token, req, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, out.Processed)
	require.Equal(t, 1, out.Successful)
	require.Equal(t, "tech-1", backend.lastUserID)
	require.Equal(t, StApplied, out.Statuses[0].Status)
	require.Equal(t, int64(3), *out.Statuses[0].NewVersion)
}

func TestHandleSyncRejectsUnauthenticated(t *testing.T) {
	server, _ := newTestServer(t, &stubBackend{})

	resp := doJSON(t, http.MethodPost, server.URL+"/offline/sync", "", &SyncRequest{}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleSyncMethodNotAllowed(t *testing.T) {
	server, token := newTestServer(t, &stubBackend{})

	resp := doJSON(t, http.MethodGet, server.URL+"/offline/sync", token, nil, nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandlePrepare(t *testing.T) {
	backend := &stubBackend{prepare: &PrepareResponse{Data: map[string][]PreparedRecord{
		"clients": {{ObjectID: "c1", Version: 2, Payload: []byte(`{"name":"Acme"}`)}},
	}}}
	server, token := newTestServer(t, backend)

	var out PrepareResponse
	resp := doJSON(t, http.MethodPost, server.URL+"/offline/prepare", token,
		&PrepareRequest{DataTypes: []string{"clients"}}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Data["clients"], 1)
	require.Equal(t, "c1", out.Data["clients"][0].ObjectID)
}

func TestHandleQueueAck(t *testing.T) {
	server, token := newTestServer(t, &stubBackend{})

	var ack QueueAck
	resp := doJSON(t, http.MethodPost, server.URL+"/offline/queue", token,
		&MutationUpload{ID: "m1", Action: ActionCreate, DataType: "clients", ObjectID: "tmp-x"}, &ack)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, ack.Accepted)
	require.Equal(t, "m1", ack.MutationID)

	// Missing id or unknown action is rejected.
	resp = doJSON(t, http.MethodPost, server.URL+"/offline/queue", token,
		&MutationUpload{Action: "upsert"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleConflicts(t *testing.T) {
	backend := &stubBackend{conflicts: []ConflictRecord{
		{ID: "cf1", DataType: "interventions", ObjectID: "iv1", Action: ActionUpdate, ServerVersion: 4},
	}}
	server, token := newTestServer(t, backend)

	var out ConflictListResponse
	resp := doJSON(t, http.MethodGet, server.URL+"/offline/conflicts", token, nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, out.Count)
	require.Equal(t, "cf1", out.Conflicts[0].ID)
}

func TestHandleResolveConflict(t *testing.T) {
	backend := &stubBackend{}
	server, token := newTestServer(t, backend)

	var out ResolveResponse
	resp := doJSON(t, http.MethodPost, server.URL+"/offline/conflicts/resolve", token,
		&ResolveRequest{ConflictID: "cf1", Resolution: ResolveUseClient}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, out.Resolved)
	require.Equal(t, ResolveUseClient, backend.lastResolve.Resolution)

	// Unknown resolution never reaches the backend.
	resp = doJSON(t, http.MethodPost, server.URL+"/offline/conflicts/resolve", token,
		&ResolveRequest{ConflictID: "cf1", Resolution: "newest_wins"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleResolveConflictNotFound(t *testing.T) {
	backend := &stubBackend{resolveErr: fmt.Errorf("resolve cf9: %w", ErrNotFound)}
	server, token := newTestServer(t, backend)

	resp := doJSON(t, http.MethodPost, server.URL+"/offline/conflicts/resolve", token,
		&ResolveRequest{ConflictID: "cf9", Resolution: ResolveUseServer}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleTracking(t *testing.T) {
	server, token := newTestServer(t, &stubBackend{})

	var start TrackingStartResponse
	resp := doJSON(t, http.MethodPost, server.URL+"/geolocation/tracking/start", token,
		&TrackingStartRequest{InspectionID: "insp-1"}, &start)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "sess-1", start.SessionID)

	resp = doJSON(t, http.MethodPost, server.URL+"/geolocation/tracking/record", token,
		&TrackingRecordRequest{InspectionID: "insp-1", Latitude: 48.85, Longitude: 2.35}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var stop TrackingStopResponse
	resp = doJSON(t, http.MethodPost, server.URL+"/geolocation/tracking/stop", token,
		&TrackingStopRequest{InspectionID: "insp-1"}, &stop)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 3, stop.PointCount)
}

func TestHandleTrackingRecordValidation(t *testing.T) {
	server, token := newTestServer(t, &stubBackend{})

	// Out-of-range coordinates are rejected before reaching the backend.
	resp := doJSON(t, http.MethodPost, server.URL+"/geolocation/tracking/record", token,
		&TrackingRecordRequest{InspectionID: "insp-1", Latitude: 123.0, Longitude: 2.35}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing inspection id is rejected too.
	resp = doJSON(t, http.MethodPost, server.URL+"/geolocation/tracking/record", token,
		&TrackingRecordRequest{Latitude: 48.85, Longitude: 2.35}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleTrackingNoActiveSession(t *testing.T) {
	backend := &stubBackend{
		recordErr: fmt.Errorf("record point: %w", ErrNotFound),
		stopErr:   fmt.Errorf("stop tracking: %w", ErrNotFound),
	}
	server, token := newTestServer(t, backend)

	resp := doJSON(t, http.MethodPost, server.URL+"/geolocation/tracking/record", token,
		&TrackingRecordRequest{InspectionID: "insp-9", Latitude: 48.85, Longitude: 2.35}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, server.URL+"/geolocation/tracking/stop", token,
		&TrackingStopRequest{InspectionID: "insp-9"}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
