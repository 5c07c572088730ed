// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/smartleakpro/fieldsync/syncserver"
)

// statusError is a non-2xx server response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.code, e.body)
}

// retryable reports whether the same request may succeed later: server
// errors, throttling, and auth lapses a token refresh can cure. Other 4xx
// responses will fail identically on every retry.
func (e *statusError) retryable() bool {
	switch e.code {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.code >= 500
}

// TokenFunc supplies the bearer token for server calls.
type TokenFunc func(ctx context.Context) (string, error)

// Transport performs the HTTP calls of the offline protocol. All calls
// apply the configured bounded timeout; timeouts and 5xx responses are
// transient failures, never conflicts.
type Transport struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
}

// NewTransport creates a transport for the given server base URL.
func NewTransport(baseURL string, token TokenFunc, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Transport{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Apply attempts a single queued mutation server-side and returns its
// per-item outcome. A returned error means the attempt was transient (the
// mutation stays pending); conflicts and invalids come back as statuses.
func (t *Transport) Apply(ctx context.Context, m *Mutation) (*syncserver.MutationStatus, error) {
	req := syncserver.SyncRequest{Mutations: []syncserver.MutationUpload{m.Upload()}}
	var resp syncserver.SyncResponse
	if err := t.post(ctx, "/offline/sync", &req, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			// Retrying an outright rejection cannot help; report it as an
			// invalid mutation so the engine parks it out of the drain.
			return &syncserver.MutationStatus{
				ID:      m.ID,
				Status:  syncserver.StInvalid,
				Message: se.Error(),
			}, nil
		}
		return nil, err
	}
	if len(resp.Statuses) != 1 {
		return nil, fmt.Errorf("status count mismatch: sent 1 mutation, got %d statuses", len(resp.Statuses))
	}
	return &resp.Statuses[0], nil
}

// Prepare fetches authoritative records for the given data types, used to
// hydrate the local store.
func (t *Transport) Prepare(ctx context.Context, dataTypes []string) (map[string][]syncserver.PreparedRecord, error) {
	req := syncserver.PrepareRequest{DataTypes: dataTypes}
	var resp syncserver.PrepareResponse
	if err := t.post(ctx, "/offline/prepare", &req, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Probe hits the lightweight reachability endpoint.
func (t *Transport) Probe(ctx context.Context) (bool, error) {
	httpReq, err := t.newRequest(ctx, http.MethodGet, "/offline/status", nil)
	if err != nil {
		return false, err
	}
	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("reachability probe failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	var status syncserver.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, fmt.Errorf("failed to decode status response: %w", err)
	}
	return status.Online, nil
}

// MirrorEnqueue best-effort mirrors a local enqueue server-side. Optional;
// some deployments queue purely client-side.
func (t *Transport) MirrorEnqueue(ctx context.Context, m *Mutation) error {
	req := m.Upload()
	var ack syncserver.QueueAck
	return t.post(ctx, "/offline/queue", &req, &ack)
}

// StartTracking opens a server-side tracking session for an inspection.
func (t *Transport) StartTracking(ctx context.Context, inspectionID string) (*syncserver.TrackingStartResponse, error) {
	req := syncserver.TrackingStartRequest{InspectionID: inspectionID}
	var resp syncserver.TrackingStartResponse
	if err := t.post(ctx, "/geolocation/tracking/start", &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecordTrackingPoint forwards one GPS sample to the server.
func (t *Transport) RecordTrackingPoint(ctx context.Context, req *syncserver.TrackingRecordRequest) error {
	var out struct {
		Recorded bool `json:"recorded"`
	}
	return t.post(ctx, "/geolocation/tracking/record", req, &out)
}

// StopTracking closes the server-side session and returns its summary.
func (t *Transport) StopTracking(ctx context.Context, inspectionID string) (*syncserver.TrackingStopResponse, error) {
	req := syncserver.TrackingStopRequest{InspectionID: inspectionID}
	var resp syncserver.TrackingStopResponse
	if err := t.post(ctx, "/geolocation/tracking/stop", &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *Transport) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if t.Token != nil {
		token, err := t.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

func (t *Transport) post(ctx context.Context, path string, in, out any) error {
	jsonData, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := t.newRequest(ctx, http.MethodPost, path, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(resp.Body)
		return &statusError{code: resp.StatusCode, body: string(body)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
