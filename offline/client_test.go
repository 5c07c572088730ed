// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smartleakpro/fieldsync/syncserver"
)

func newTestClient(t *testing.T, server *fakeServer) *Client {
	t.Helper()
	config := DefaultConfig("http://sync.test", nil)
	config.SyncDebounce = 20 * time.Millisecond

	client, err := NewClient(testDB(t), config, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	client.Transport.HTTP = &http.Client{Transport: roundTripFunc(server.roundTrip)}
	return client
}

func TestClientHydrate(t *testing.T) {
	server := &fakeServer{
		online: true,
		prepare: map[string][]syncserver.PreparedRecord{
			"clients": {
				{ObjectID: "c1", Version: 3, Payload: []byte(`{"name":"Acme"}`)},
				{ObjectID: "c2", Version: 1, Payload: []byte(`{"name":"Borealis"}`)},
			},
			"inspections": {
				{ObjectID: "i1", Version: 2, Payload: []byte(`{"status":"open"}`)},
			},
		},
	}
	client := newTestClient(t, server)

	require.NoError(t, client.Hydrate(context.Background()))

	rec, err := client.Store.Get("clients", "c1")
	require.NoError(t, err)
	require.Equal(t, int64(3), rec.Version)
	require.True(t, rec.Confirmed())

	records, err := client.Store.GetAll("clients")
	require.NoError(t, err)
	require.Len(t, records, 2)

	ts, err := client.Store.LastUpdated()
	require.NoError(t, err)
	require.False(t, ts.IsZero())
}

func TestClientEnqueueOptimistic(t *testing.T) {
	client := newTestClient(t, &fakeServer{})

	// Fully offline: the write must land locally regardless.
	id, err := client.Enqueue(context.Background(), ActionCreate, "inspections", NewTempID(),
		mustJSON(t, map[string]string{"status": "open"}))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	pending, err := client.Queue.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	rec, err := client.Store.Get("inspections", pending[0].ObjectID)
	require.NoError(t, err)
	require.False(t, rec.Confirmed())
	require.Equal(t, id, rec.PendingMutationID)

	n, err := client.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestClientEnqueueUsesCachedBaseVersion(t *testing.T) {
	client := newTestClient(t, &fakeServer{})

	require.NoError(t, client.Store.PutConfirmed("clients", "c1", mustJSON(t, map[string]string{"name": "Acme"}), 5))

	_, err := client.Enqueue(context.Background(), ActionUpdate, "clients", "c1",
		mustJSON(t, map[string]string{"name": "Acme Renamed"}))
	require.NoError(t, err)

	pending, err := client.Queue.Pending()
	require.NoError(t, err)
	require.Equal(t, int64(5), pending[0].BaseVersion)
}

func TestClientEnqueueDelete(t *testing.T) {
	client := newTestClient(t, &fakeServer{})

	require.NoError(t, client.Store.PutConfirmed("clients", "c1", mustJSON(t, map[string]string{"name": "Acme"}), 1))

	_, err := client.Enqueue(context.Background(), ActionDelete, "clients", "c1", nil)
	require.NoError(t, err)

	// Optimistic delete removes the record from the cache immediately.
	_, err = client.Store.Get("clients", "c1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClientReconnectTriggersSync(t *testing.T) {
	server := &fakeServer{online: true, apply: func(m syncserver.MutationUpload) syncserver.MutationStatus {
		v := m.BaseVersion + 1
		return syncserver.MutationStatus{ID: m.ID, Status: syncserver.StApplied, ObjectID: m.ObjectID, NewVersion: &v}
	}}
	client := newTestClient(t, server)

	_, err := client.Enqueue(context.Background(), ActionUpdate, "clients", "c1",
		mustJSON(t, map[string]string{"name": "Acme"}))
	require.NoError(t, err)

	client.Monitor.SetOnline(true)

	require.Eventually(t, func() bool {
		n, err := client.PendingCount()
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)

	rec, err := client.Store.Get("clients", "c1")
	require.NoError(t, err)
	require.True(t, rec.Confirmed())
}

func TestClientReset(t *testing.T) {
	client := newTestClient(t, &fakeServer{})

	_, err := client.Enqueue(context.Background(), ActionCreate, "clients", NewTempID(),
		mustJSON(t, map[string]string{"name": "Acme"}))
	require.NoError(t, err)
	_, err = client.Conflicts.Add(&Conflict{DataType: "clients", ObjectID: "c9", Action: ActionUpdate})
	require.NoError(t, err)

	require.NoError(t, client.Reset())

	n, err := client.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 0, n)
	n, err = client.ConflictCount()
	require.NoError(t, err)
	require.Equal(t, 0, n)
	records, err := client.Store.GetAll("clients")
	require.NoError(t, err)
	require.Empty(t, records)
}
