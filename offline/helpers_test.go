// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/smartleakpro/fieldsync/syncserver"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, initializeDatabase(db))
	return db
}

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(code int, v any) *http.Response {
	body, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: code,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// fakeServer scripts the server side of the sync protocol for transport
// and engine tests.
type fakeServer struct {
	apply   func(m syncserver.MutationUpload) syncserver.MutationStatus
	prepare map[string][]syncserver.PreparedRecord
	online  bool
}

func (s *fakeServer) roundTrip(req *http.Request) (*http.Response, error) {
	switch req.URL.Path {
	case "/offline/status":
		if !s.online {
			return jsonResponse(http.StatusServiceUnavailable, &syncserver.ErrorResponse{Error: "offline"}), nil
		}
		return jsonResponse(http.StatusOK, &syncserver.StatusResponse{Online: true, Timestamp: time.Now().UTC()}), nil

	case "/offline/sync":
		var sreq syncserver.SyncRequest
		if err := json.NewDecoder(req.Body).Decode(&sreq); err != nil {
			return jsonResponse(http.StatusBadRequest, &syncserver.ErrorResponse{Error: "invalid_request"}), nil
		}
		resp := &syncserver.SyncResponse{}
		for _, m := range sreq.Mutations {
			status := s.apply(m)
			resp.Processed++
			switch status.Status {
			case syncserver.StApplied:
				resp.Successful++
			case syncserver.StConflict:
				resp.Conflicts++
			default:
				resp.Failed++
			}
			resp.Statuses = append(resp.Statuses, status)
		}
		return jsonResponse(http.StatusOK, resp), nil

	case "/offline/prepare":
		return jsonResponse(http.StatusOK, &syncserver.PrepareResponse{Data: s.prepare}), nil

	case "/offline/queue":
		return jsonResponse(http.StatusOK, &syncserver.QueueAck{Accepted: true}), nil
	}
	return jsonResponse(http.StatusNotFound, &syncserver.ErrorResponse{Error: "not_found"}), nil
}

func newFakeTransport(s *fakeServer) *Transport {
	tr := NewTransport("http://sync.test", nil, time.Second)
	tr.HTTP = &http.Client{Transport: roundTripFunc(s.roundTrip)}
	return tr
}

func appliedAt(m syncserver.MutationUpload, version int64) syncserver.MutationStatus {
	return syncserver.MutationStatus{
		ID:         m.ID,
		Status:     syncserver.StApplied,
		ObjectID:   m.ObjectID,
		NewVersion: &version,
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
