// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartleakpro/fieldsync/syncserver"
)

// Engine state values. A sync run moves Idle -> Syncing -> Idle; a request
// to sync while Syncing is a no-op, not an error.
const (
	engineIdle int32 = iota
	engineSyncing
)

// Engine drains the sync queue against the server when online, applies
// per-item results and surfaces conflicts. Only one sync run may be active
// at a time; the atomic state flag is the mutual-exclusion mechanism, no
// lower-level lock is needed.
type Engine struct {
	queue     *Queue
	store     *Store
	conflicts *Conflicts
	monitor   *Monitor
	transport *Transport
	logger    *slog.Logger

	state    int32
	debounce time.Duration

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewEngine wires the engine over the client components. debounce is the
// delay applied to auto-sync after a reconnect, absorbing connection flap.
func NewEngine(queue *Queue, store *Store, conflicts *Conflicts, monitor *Monitor, transport *Transport, debounce time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Engine{
		queue:     queue,
		store:     store,
		conflicts: conflicts,
		monitor:   monitor,
		transport: transport,
		debounce:  debounce,
		logger:    logger,
	}
}

// Syncing reports whether a sync run is in progress, for the UI indicator.
func (e *Engine) Syncing() bool {
	return atomic.LoadInt32(&e.state) == engineSyncing
}

// PerformSync drains the queue in enqueue order. Preconditions that
// prevent the batch from starting (offline, another run active) yield a
// deferred result, not an error. Individual item failures never abort the
// batch: one bad mutation cannot block unrelated pending changes.
func (e *Engine) PerformSync(ctx context.Context) (*SyncResult, error) {
	if !e.monitor.Online() {
		return &SyncResult{Deferred: true}, nil
	}
	if !atomic.CompareAndSwapInt32(&e.state, engineIdle, engineSyncing) {
		return &SyncResult{Deferred: true}, nil
	}
	defer atomic.StoreInt32(&e.state, engineIdle)

	pending, err := e.queue.Pending()
	if err != nil {
		return nil, err
	}

	result := &SyncResult{}
	remapped := make(map[string]string)
	for i := range pending {
		m := &pending[i]
		result.Processed++

		// The batch was loaded up front; apply any id remap a create
		// earlier in this run produced.
		if newID, ok := remapped[m.DataType+"\x00"+m.ObjectID]; ok {
			m.ObjectID = newID
		}

		// An in-progress item apply always completes before state is
		// reported; sync runs are not cancellable mid-batch.
		status, err := e.transport.Apply(ctx, m)
		if err != nil {
			// Transient: leave pending for the next run, keep draining.
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("mutation %s: %v", m.ID, err))
			e.logger.Warn("transient sync failure", "mutation_id", m.ID,
				"data_type", m.DataType, "object_id", m.ObjectID, "error", err)
			continue
		}

		switch status.Status {
		case syncserver.StApplied:
			if status.ObjectID != "" && status.ObjectID != m.ObjectID {
				remapped[m.DataType+"\x00"+m.ObjectID] = status.ObjectID
			}
			if err := e.applySuccess(m, status); err != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("mutation %s: %v", m.ID, err))
				continue
			}
			result.Successful++

		case syncserver.StConflict:
			if err := e.parkConflict(m, status); err != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("mutation %s: %v", m.ID, err))
				continue
			}
			result.Conflicts++

		case syncserver.StInvalid:
			// Non-recoverable; keep it visible but out of future drains.
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("mutation %s rejected: %s", m.ID, status.Message))
			if err := e.queue.UpdateStatus(m.ID, StatusFailed); err != nil {
				e.logger.Warn("failed to mark mutation failed", "mutation_id", m.ID, "error", err)
			}

		default:
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("mutation %s: unknown status %q", m.ID, status.Status))
		}
	}

	e.logger.Info("sync run finished",
		"processed", result.Processed, "successful", result.Successful,
		"failed", result.Failed, "conflicts", result.Conflicts)
	return result, nil
}

// applySuccess removes the mutation from the queue and settles the local
// cache into confirmed state, remapping temporary create ids.
func (e *Engine) applySuccess(m *Mutation, status *syncserver.MutationStatus) error {
	if err := e.queue.Remove(m.ID); err != nil {
		return err
	}

	objectID := m.ObjectID
	if status.ObjectID != "" && status.ObjectID != m.ObjectID {
		// Server assigned a permanent id; retarget the cache and any later
		// queued mutations still using the temporary one.
		if err := e.store.Remap(m.DataType, m.ObjectID, status.ObjectID); err != nil {
			return err
		}
		if err := e.queue.RemapObjectID(m.DataType, m.ObjectID, status.ObjectID); err != nil {
			return err
		}
		objectID = status.ObjectID
	}

	if m.Action == ActionDelete {
		return e.store.Delete(m.DataType, objectID)
	}

	version := m.BaseVersion + 1
	if status.NewVersion != nil {
		version = *status.NewVersion
	}
	payload := m.Payload
	if len(status.ServerData) > 0 {
		payload = status.ServerData
	}
	return e.store.PutConfirmed(m.DataType, objectID, payload, version)
}

// parkConflict moves the mutation out of the active queue and into the
// conflict store for explicit resolution.
func (e *Engine) parkConflict(m *Mutation, status *syncserver.MutationStatus) error {
	if _, err := e.conflicts.Add(&Conflict{
		DataType:      m.DataType,
		ObjectID:      m.ObjectID,
		Action:        m.Action,
		ServerData:    status.ServerData,
		ServerVersion: status.ServerVersion,
		ClientData:    m.Payload,
	}); err != nil {
		return err
	}
	if err := e.queue.Remove(m.ID); err != nil {
		return err
	}
	e.logger.Info("sync conflict detected",
		"data_type", m.DataType, "object_id", m.ObjectID, "action", string(m.Action))
	return nil
}

// EnableAutoSync subscribes to the network monitor: an offline-to-online
// transition with a non-empty queue schedules one debounced PerformSync.
// Repeated transitions within the debounce window collapse into a single
// run. The returned disposer cancels the subscription and any pending
// timer.
func (e *Engine) EnableAutoSync() (disable func()) {
	unsubscribe := e.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		n, err := e.queue.Count(StatusPending)
		if err != nil || n == 0 {
			return
		}
		e.scheduleSync()
	})

	return func() {
		unsubscribe()
		e.timerMu.Lock()
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.timerMu.Unlock()
	}
}

func (e *Engine) scheduleSync() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timer != nil {
		// Flapping connection; restart the debounce window.
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, func() {
		e.timerMu.Lock()
		e.timer = nil
		e.timerMu.Unlock()
		if _, err := e.PerformSync(context.Background()); err != nil {
			e.logger.Warn("auto-sync failed", "error", err)
		}
	})
}
