// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"log/slog"
	"sync"
)

// Prober confirms genuine server reachability. The raw connectivity signal
// is necessary but not sufficient: a device can report online while the
// server is unreachable.
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

// Monitor tracks online/offline transitions and notifies subscribers.
// Notification is edge-triggered: listeners fire on every transition, not
// on every poll.
type Monitor struct {
	prober Prober
	logger *slog.Logger

	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(online bool)
}

// NewMonitor creates a monitor starting in the given state. prober may be
// nil when CheckStatus is never used (tests, purely signal-driven setups).
func NewMonitor(prober Prober, initialOnline bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober:    prober,
		logger:    logger,
		online:    initialOnline,
		listeners: make(map[int]func(bool)),
	}
}

// Online returns the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline feeds the runtime's connectivity signal. Listeners are invoked
// only when the state actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Debug("connectivity transition", "online", online)
	// Invoke outside the lock so listeners can read back monitor state.
	for _, fn := range fns {
		fn(online)
	}
}

// Subscribe registers a transition listener and returns its disposer.
func (m *Monitor) Subscribe(listener func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = listener
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// CheckStatus round-trips to the server to confirm reachability and feeds
// the result back into the monitor state. An unreachable server is a valid
// answer, not an error: the error return is reserved for the caller's
// context expiring.
func (m *Monitor) CheckStatus(ctx context.Context) (bool, error) {
	if m.prober == nil {
		return m.Online(), nil
	}
	online, err := m.prober.Probe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		m.logger.Debug("reachability probe failed", "error", err)
		online = false
	}
	m.SetOnline(online)
	return online, nil
}
