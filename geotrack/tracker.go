// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package geotrack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrPositionUnavailable means positioning is denied or absent; Start
	// fails fast and no session is created.
	ErrPositionUnavailable = errors.New("geotrack: position unavailable")

	// ErrNotTracking means no active session exists for the inspection.
	ErrNotTracking = errors.New("geotrack: no active tracking session")
)

// Provider acquires the current device position.
type Provider interface {
	Current(ctx context.Context) (Position, error)
}

// Recorder receives every delivered sample for auto-recording. The offline
// client provides an implementation that forwards to the server when
// online and enqueues a mutation against the owning inspection when not.
type Recorder interface {
	Record(ctx context.Context, inspectionID string, p Position) error
}

// SessionNotifier is an optional Recorder extension mirroring the tracking
// session to the server. Failures are logged and ignored; the local
// session is authoritative.
type SessionNotifier interface {
	Begin(ctx context.Context, inspectionID string) error
	End(ctx context.Context, inspectionID string) error
}

// Callback observes every delivered sample, e.g. to draw the live track.
type Callback func(inspectionID string, p Position)

// Config holds tracker timing parameters.
type Config struct {
	// Interval is the periodic sampling resolution.
	Interval time.Duration
	// MinMovement in meters triggers an extra sample between intervals
	// when the device moved at least this far.
	MinMovement float64
}

// DefaultConfig returns the stock tracker timings.
func DefaultConfig() *Config {
	return &Config{
		Interval:    30 * time.Second,
		MinMovement: 10,
	}
}

// Summary describes a tracking session at or after its end.
type Summary struct {
	InspectionID string    `json:"inspection_id"`
	PointCount   int       `json:"point_count"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
}

type session struct {
	inspectionID string
	startedAt    time.Time
	cancel       context.CancelFunc
	stop         chan struct{}
	done         chan struct{}

	mu      sync.Mutex
	points  []Position
	stopped bool
}

func (s *session) deliver(p Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.points = append(s.points, p)
	return true
}

func (s *session) snapshot() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		InspectionID: s.inspectionID,
		PointCount:   len(s.points),
		StartedAt:    s.startedAt,
	}
}

// Tracker runs at most one sampling session per inspection.
type Tracker struct {
	provider Provider
	recorder Recorder
	callback Callback
	config   *Config
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewTracker creates a tracker. recorder and callback may be nil.
func NewTracker(provider Provider, recorder Recorder, callback Callback, config *Config, logger *slog.Logger) *Tracker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		provider: provider,
		recorder: recorder,
		callback: callback,
		config:   config,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Start begins sampling for an inspection. Starting while already tracking
// is a no-op returning the existing session's summary. The first sample is
// taken synchronously: if positioning is unavailable Start fails with
// ErrPositionUnavailable and no session is created.
func (t *Tracker) Start(ctx context.Context, inspectionID string) (Summary, error) {
	t.mu.Lock()
	if existing, ok := t.sessions[inspectionID]; ok {
		t.mu.Unlock()
		return existing.snapshot(), nil
	}
	t.mu.Unlock()

	first, err := t.provider.Current(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrPositionUnavailable, err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		inspectionID: inspectionID,
		startedAt:    time.Now().UTC(),
		cancel:       cancel,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}

	t.mu.Lock()
	if existing, ok := t.sessions[inspectionID]; ok {
		// Lost the race to another starter; keep theirs.
		t.mu.Unlock()
		cancel()
		return existing.snapshot(), nil
	}
	t.sessions[inspectionID] = s
	t.mu.Unlock()

	if n, ok := t.recorder.(SessionNotifier); ok {
		if err := n.Begin(sessCtx, inspectionID); err != nil {
			t.logger.Debug("remote tracking start failed", "inspection_id", inspectionID, "error", err)
		}
	}

	t.record(sessCtx, s, first)
	go t.sampleLoop(sessCtx, s, first)

	t.logger.Info("tracking started", "inspection_id", inspectionID)
	return s.snapshot(), nil
}

// sampleLoop polls the provider, delivering a sample every Interval and an
// extra one whenever the device moved at least MinMovement meters.
func (t *Tracker) sampleLoop(ctx context.Context, s *session, last Position) {
	defer close(s.done)

	poll := t.config.Interval / 3
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	lastDelivered := time.Now()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pos, err := t.provider.Current(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Debug("position sample failed", "inspection_id", s.inspectionID, "error", err)
			continue
		}

		moved := Distance(last.Latitude, last.Longitude, pos.Latitude, pos.Longitude)
		if time.Since(lastDelivered) < t.config.Interval && moved < t.config.MinMovement {
			continue
		}

		t.record(ctx, s, pos)
		last = pos
		lastDelivered = time.Now()
	}
}

// record delivers one sample: session log, callback, then auto-record. An
// in-flight auto-record is allowed to complete after Stop, but a sample
// arriving for a stopped session is discarded.
func (t *Tracker) record(ctx context.Context, s *session, p Position) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	if !s.deliver(p) {
		return
	}
	if t.callback != nil {
		t.callback(s.inspectionID, p)
	}
	if t.recorder != nil {
		if err := t.recorder.Record(ctx, s.inspectionID, p); err != nil {
			t.logger.Debug("auto-record failed", "inspection_id", s.inspectionID, "error", err)
		}
	}
}

// Stop ends the session and returns its summary. ErrNotTracking when no
// session exists for the inspection.
func (t *Tracker) Stop(inspectionID string) (Summary, error) {
	t.mu.Lock()
	s, ok := t.sessions[inspectionID]
	if !ok {
		t.mu.Unlock()
		return Summary{}, fmt.Errorf("stop %s: %w", inspectionID, ErrNotTracking)
	}
	delete(t.sessions, inspectionID)
	t.mu.Unlock()

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	// Signal the loop without cancelling the context: an in-flight
	// auto-record finishes normally, its sample discarded by deliver.
	close(s.stop)
	<-s.done
	s.cancel()

	if n, ok := t.recorder.(SessionNotifier); ok {
		if err := n.End(context.Background(), inspectionID); err != nil {
			t.logger.Debug("remote tracking stop failed", "inspection_id", inspectionID, "error", err)
		}
	}

	summary := s.snapshot()
	summary.StoppedAt = time.Now().UTC()
	t.logger.Info("tracking stopped",
		"inspection_id", inspectionID, "points", summary.PointCount)
	return summary, nil
}

// Status returns the live summary of an active session.
func (t *Tracker) Status(inspectionID string) (Summary, bool) {
	t.mu.Lock()
	s, ok := t.sessions[inspectionID]
	t.mu.Unlock()
	if !ok {
		return Summary{}, false
	}
	return s.snapshot(), true
}
