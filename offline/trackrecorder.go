// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smartleakpro/fieldsync/geotrack"
	"github.com/smartleakpro/fieldsync/syncserver"
)

// TrackingPointType is the data type under which offline GPS samples are
// queued against the owning inspection.
const TrackingPointType = "tracking_point"

// trackingPointPayload is the queued form of an offline GPS sample.
type trackingPointPayload struct {
	InspectionID string    `json:"inspection_id"`
	Timestamp    time.Time `json:"timestamp"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     *float64  `json:"accuracy,omitempty"`
}

// TrackRecorder plugs the location tracker into the offline/online
// pipeline: samples go straight to the server when online and become
// queued mutations when not. It implements geotrack.Recorder and
// geotrack.SessionNotifier.
type TrackRecorder struct {
	client *Client
}

// NewTrackRecorder creates the pipeline adapter for a client.
func NewTrackRecorder(client *Client) *TrackRecorder {
	return &TrackRecorder{client: client}
}

// Record forwards one sample, online or offline.
func (r *TrackRecorder) Record(ctx context.Context, inspectionID string, p geotrack.Position) error {
	if r.client.Monitor.Online() {
		ts := p.Timestamp.UTC().Format(time.RFC3339Nano)
		err := r.client.Transport.RecordTrackingPoint(ctx, &syncserver.TrackingRecordRequest{
			InspectionID: inspectionID,
			Latitude:     p.Latitude,
			Longitude:    p.Longitude,
			Accuracy:     p.Accuracy,
			Timestamp:    &ts,
		})
		if err == nil {
			return nil
		}
		// Fall through to the queue so the sample is not lost.
		r.client.logger.Debug("online point record failed, queueing", "error", err)
	}

	payload, err := json.Marshal(trackingPointPayload{
		InspectionID: inspectionID,
		Timestamp:    p.Timestamp.UTC(),
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
		Accuracy:     p.Accuracy,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal tracking point: %w", err)
	}
	_, err = r.client.Queue.Enqueue(ActionCreate, TrackingPointType, NewTempID(), payload, 0)
	return err
}

// Begin mirrors the session start server-side when reachable.
func (r *TrackRecorder) Begin(ctx context.Context, inspectionID string) error {
	if !r.client.Monitor.Online() {
		return nil
	}
	_, err := r.client.Transport.StartTracking(ctx, inspectionID)
	return err
}

// End mirrors the session stop server-side when reachable.
func (r *TrackRecorder) End(ctx context.Context, inspectionID string) error {
	if !r.client.Monitor.Online() {
		return nil
	}
	_, err := r.client.Transport.StopTracking(ctx, inspectionID)
	return err
}
