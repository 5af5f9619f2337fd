////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package transport

import (
	jww "github.com/spf13/jwalterweatherman"
)

// Status is the connection status of the overlay node.
type Status string

const (
	Disconnected Status = "disconnected"
	Connecting   Status = "connecting"
	Connected    Status = "connected"
	Degraded     Status = "degraded"
	ErrorStatus  Status = "error"
)

// NodeState is the state of the transport as seen by one tab. Only the leader
// ever reports Connected; followers report the leader's status in
// LeaderStatus.
type NodeState struct {
	Status       Status `json:"status"`
	PeerID       string `json:"peerId,omitempty"`
	PeerCount    int    `json:"peerCount"`
	Error        string `json:"error,omitempty"`
	IsLeader     bool   `json:"isLeader"`
	LeaderTab    string `json:"leaderTab,omitempty"`
	LeaderStatus Status `json:"leaderStatus,omitempty"`
}

// Available reports whether messages can be published from this tab.
func (s NodeState) Available() bool {
	if s.IsLeader {
		return s.Status == Connected
	}
	return s.LeaderTab != "" && s.LeaderStatus == Connected
}

// StateListener is called on every state change.
type StateListener func(NodeState)

// OnStateChange registers a listener and returns its ID.
func (m *Manager) OnStateChange(l StateListener) uint64 {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.nextListenerID++
	m.listeners[m.nextListenerID] = l
	return m.nextListenerID
}

// RemoveStateListener removes the listener with the ID.
func (m *Manager) RemoveStateListener(id uint64) {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.listeners, id)
}

// State returns the current state.
func (m *Manager) State() NodeState {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.state
}

// updateState applies fn to the state and notifies listeners outside the
// lock if anything changed. A leader also renews its lease so followers see
// the new status immediately.
func (m *Manager) updateState(fn func(s *NodeState)) {
	m.mux.Lock()
	old := m.state
	fn(&m.state)
	s := m.state
	isLeader := m.role == leader
	listeners := make([]StateListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mux.Unlock()

	if old == s {
		return
	}
	jww.DEBUG.Printf("[TRANSPORT] [%s] State %s -> %s (leader %t, peers %d)",
		m.tab, old.Status, s.Status, s.IsLeader, s.PeerCount)

	if isLeader && old.Status != s.Status {
		m.sendLease()
	}
	for _, l := range listeners {
		l(s)
	}
}
