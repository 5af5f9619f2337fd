////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package identity

import (
	"time"
)

// MigrationStatus is a step of the key migration lifecycle.
type MigrationStatus string

// Migration lifecycle. Error is reachable from every step and only Retry
// leaves it.
const (
	Idle       MigrationStatus = "idle"
	Detecting  MigrationStatus = "detecting"
	Signing    MigrationStatus = "signing"
	Rotating   MigrationStatus = "rotating"
	Publishing MigrationStatus = "publishing"
	Complete   MigrationStatus = "complete"
	Error      MigrationStatus = "error"
)

// MigrationEvent is delivered to status listeners on every transition.
type MigrationEvent struct {
	Status MigrationStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
	At     time.Time       `json:"at"`
}

// StatusListener receives migration events.
type StatusListener func(MigrationEvent)

// OnStatus registers a listener for migration events. Returns an ID that can
// be passed to RemoveStatusListener.
func (m *Manager) OnStatus(l StatusListener) uint64 {
	m.mux.Lock()
	defer m.mux.Unlock()
	id := m.nextListenerID
	m.nextListenerID++
	m.listeners[id] = l
	return id
}

// RemoveStatusListener unregisters the listener.
func (m *Manager) RemoveStatusListener(id uint64) {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.listeners, id)
}

// Status returns the current migration status and the error that caused it,
// if any.
func (m *Manager) Status() (MigrationStatus, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.status, m.lastErr
}

// Retry moves the migration from error back to idle so the user can try
// again. It never re-prompts the wallet on its own.
func (m *Manager) Retry() bool {
	m.mux.Lock()
	if m.status != Error {
		m.mux.Unlock()
		return false
	}
	m.mux.Unlock()
	m.setStatus(Idle, nil)
	return true
}

func (m *Manager) setStatus(s MigrationStatus, err error) {
	m.mux.Lock()
	m.status = s
	m.lastErr = err
	e := MigrationEvent{Status: s, At: m.clock.Now()}
	if err != nil {
		e.Error = err.Error()
	}
	listeners := make([]StatusListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mux.Unlock()

	for _, l := range listeners {
		l(e)
	}
}
