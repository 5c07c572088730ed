// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config holds configuration for the offline client.
type Config struct {
	BaseURL        string        // sync server base URL, e.g. "https://api.example.com"
	Token          TokenFunc     // bearer token supplier
	DataTypes      []string      // data types hydrated by Prepare, e.g. clients, interventions, inspections
	RequestTimeout time.Duration // bound on every network call
	SyncDebounce   time.Duration // reconnect-to-sync delay absorbing flap
	MirrorEnqueue  bool          // best-effort POST /offline/queue after local enqueue
}

// DefaultConfig returns a configuration with the stock data types and
// timings.
func DefaultConfig(baseURL string, token TokenFunc) *Config {
	return &Config{
		BaseURL:        baseURL,
		Token:          token,
		DataTypes:      []string{"clients", "interventions", "inspections"},
		RequestTimeout: 30 * time.Second,
		SyncDebounce:   2 * time.Second,
	}
}

// Client owns the offline components and their lifecycle: explicitly
// constructed, dependency-injected, initialized on app start and torn down
// on logout. Tests instantiate isolated clients instead of sharing
// process-wide state.
type Client struct {
	DB        *sql.DB
	Store     *Store
	Queue     *Queue
	Conflicts *Conflicts
	Resolver  *Resolver
	Monitor   *Monitor
	Engine    *Engine
	Transport *Transport

	config          *Config
	logger          *slog.Logger
	disableAutoSync func()
}

// NewClient initializes the offline schema on db and wires all components.
// Auto-sync is armed immediately; Close disarms it.
func NewClient(db *sql.DB, config *Config, logger *slog.Logger) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize offline database: %w", err)
	}

	transport := NewTransport(config.BaseURL, config.Token, config.RequestTimeout)
	store := NewStore(db, logger)
	queue := NewQueue(db)
	conflicts := NewConflicts(db)
	monitor := NewMonitor(transport, false, logger)
	engine := NewEngine(queue, store, conflicts, monitor, transport, config.SyncDebounce, logger)

	c := &Client{
		DB:        db,
		Store:     store,
		Queue:     queue,
		Conflicts: conflicts,
		Resolver:  NewResolver(conflicts, store, queue, logger),
		Monitor:   monitor,
		Engine:    engine,
		Transport: transport,
		config:    config,
		logger:    logger,
	}
	c.disableAutoSync = engine.EnableAutoSync()
	return c, nil
}

// Enqueue records a user action: the mutation is appended to the sync
// queue and the local store is updated optimistically, tagged with the
// pending mutation id so the UI can tell speculative from confirmed state.
// It always succeeds locally even when offline; a full local store is
// surfaced via ErrStorageFull but does not block queueing.
func (c *Client) Enqueue(ctx context.Context, action Action, dataType, objectID string, payload json.RawMessage) (string, error) {
	baseVersion := int64(0)
	if rec, err := c.Store.Get(dataType, objectID); err == nil {
		baseVersion = rec.Version
	}

	mutationID, err := c.Queue.Enqueue(action, dataType, objectID, payload, baseVersion)
	if err != nil {
		return "", err
	}

	var storeErr error
	switch action {
	case ActionDelete:
		storeErr = c.Store.Delete(dataType, objectID)
	default:
		storeErr = c.Store.PutPending(dataType, objectID, payload, mutationID)
	}
	if storeErr != nil && !errors.Is(storeErr, ErrStorageFull) {
		return mutationID, storeErr
	}

	if c.config.MirrorEnqueue && c.Monitor.Online() {
		m := Mutation{ID: mutationID, Action: action, DataType: dataType, ObjectID: objectID,
			Payload: payload, BaseVersion: baseVersion, CreatedAt: time.Now().UTC()}
		if err := c.Transport.MirrorEnqueue(ctx, &m); err != nil {
			c.logger.Debug("queue mirror failed", "mutation_id", mutationID, "error", err)
		}
	}

	return mutationID, storeErr
}

// Hydrate fetches authoritative records for the configured data types and
// overwrites the local cache with confirmed state.
func (c *Client) Hydrate(ctx context.Context) error {
	data, err := c.Transport.Prepare(ctx, c.config.DataTypes)
	if err != nil {
		return fmt.Errorf("failed to prepare offline data: %w", err)
	}
	for dataType, records := range data {
		for _, rec := range records {
			if err := c.Store.PutConfirmed(dataType, rec.ObjectID, rec.Payload, rec.Version); err != nil {
				if errors.Is(err, ErrStorageFull) {
					c.logger.Warn("cache hydration hit full storage",
						"data_type", dataType, "object_id", rec.ObjectID)
					continue
				}
				return err
			}
		}
	}
	c.logger.Info("offline cache hydrated", "data_types", c.config.DataTypes)
	return nil
}

// PerformSync drains the queue; see Engine.PerformSync.
func (c *Client) PerformSync(ctx context.Context) (*SyncResult, error) {
	return c.Engine.PerformSync(ctx)
}

// PendingCount returns the pending-change badge value.
func (c *Client) PendingCount() (int, error) {
	return c.Queue.Count(StatusPending)
}

// ConflictCount returns the conflict badge value.
func (c *Client) ConflictCount() (int, error) {
	return c.Conflicts.Count()
}

// Reset wipes cache, queue and conflicts. Used on logout.
func (c *Client) Reset() error {
	if err := c.Store.Clear(); err != nil {
		return err
	}
	if err := c.Queue.Clear(); err != nil {
		return err
	}
	return c.Conflicts.Clear()
}

// Close disarms auto-sync. It does not close the database; the caller
// owns that lifecycle.
func (c *Client) Close() error {
	if c.disableAutoSync != nil {
		c.disableAutoSync()
		c.disableAutoSync = nil
	}
	return nil
}
