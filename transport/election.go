////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package transport

import (
	"context"
	"encoding/json"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/kinship/web3chat/broadcast"
)

// announcement is sent with the active, lease and inactive tags. A lease is
// identified by the time its holder announced itself and its tab ID; the
// later lease wins.
type announcement struct {
	Tab    string `json:"tab"`
	At     int64  `json:"at"`
	Status Status `json:"status,omitempty"`
}

// newer reports whether a is a later lease than the one of tab announced at.
func (a announcement) newer(at int64, tab string) bool {
	if a.At != at {
		return a.At > at
	}
	return a.Tab > tab
}

type event struct {
	tag broadcast.Tag
	a   announcement
}

// electionCallback queues received announcements and leases for the
// election loop.
func (m *Manager) electionCallback(tag broadcast.Tag) broadcast.ReceiverCallback {
	return func(_ string, data []byte, _ func([]byte)) {
		var a announcement
		if err := json.Unmarshal(data, &a); err != nil {
			jww.ERROR.Printf("[TRANSPORT] [%s] Invalid %q message: %+v",
				m.tab, tag, err)
			return
		}
		m.push(event{tag: tag, a: a})
	}
}

func (m *Manager) inactiveCallback(_ string, data []byte, _ func([]byte)) {
	var a announcement
	if err := json.Unmarshal(data, &a); err != nil {
		jww.ERROR.Printf("[TRANSPORT] [%s] Invalid inactive message: %+v",
			m.tab, err)
		return
	}

	m.mux.Lock()
	for topic, tabs := range m.remoteTopics {
		delete(tabs, a.Tab)
		if len(tabs) == 0 {
			delete(m.remoteTopics, topic)
		}
	}
	m.mux.Unlock()

	m.push(event{tag: broadcast.InactiveTag, a: a})
}

func (m *Manager) push(ev event) {
	select {
	case m.events <- ev:
	default:
		jww.WARN.Printf("[TRANSPORT] [%s] Election queue full, dropping %q "+
			"from %s", m.tab, ev.tag, ev.a.Tab)
	}
}

// run is the election loop. Every role change happens on this goroutine.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	grace := m.elect()
	ticker := m.clock.Ticker(m.params.LeaseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			if g := m.handle(ev); g != nil {
				grace = g
			}
		case <-grace:
			grace = nil
			m.becomeLeader()
		case <-ticker.C:
			if g := m.tick(); g != nil {
				grace = g
			}
		}
	}
}

// elect announces this tab and returns the end of the grace window.
func (m *Manager) elect() <-chan time.Time {
	now := m.clock.Now().UnixNano()

	m.mux.Lock()
	m.role = candidate
	m.announcedAt = now
	m.leaderTab = ""
	m.leaderAt = 0
	m.mux.Unlock()

	m.updateState(func(s *NodeState) {
		s.IsLeader = false
		s.LeaderTab = ""
		s.LeaderStatus = ""
	})

	jww.INFO.Printf("[TRANSPORT] [%s] Announcing active at %d", m.tab, now)
	m.send(broadcast.ActiveTag, announcement{Tab: m.tab, At: now})
	return m.clock.After(m.params.GraceWindow)
}

func (m *Manager) handle(ev event) <-chan time.Time {
	m.mux.Lock()
	r := m.role
	announcedAt := m.announcedAt
	leaderTab, leaderAt := m.leaderTab, m.leaderAt
	leaseAge := m.clock.Since(m.lastLease)
	m.mux.Unlock()

	switch ev.tag {
	case broadcast.ActiveTag:
		switch r {
		case leader:
			jww.INFO.Printf("[TRANSPORT] [%s] Tab %s became active, stepping "+
				"down", m.tab, ev.a.Tab)
			m.follow(ev.a)
			m.stopNode()
		case candidate:
			if ev.a.newer(announcedAt, m.tab) {
				jww.INFO.Printf("[TRANSPORT] [%s] Conceding to newer tab %s",
					m.tab, ev.a.Tab)
				m.follow(ev.a)
			}
		case follower:
			m.follow(ev.a)
		}

	case broadcast.LeaseTag:
		switch r {
		case leader:
			if ev.a.newer(announcedAt, m.tab) {
				jww.WARN.Printf("[TRANSPORT] [%s] Found newer leader %s, "+
					"stepping down", m.tab, ev.a.Tab)
				m.follow(ev.a)
				m.stopNode()
			}
		case follower:
			if ev.a.Tab == leaderTab || ev.a.newer(leaderAt, leaderTab) ||
				leaseAge > m.params.LeaseTimeout {
				m.follow(ev.a)
			}
		}

	case broadcast.InactiveTag:
		if r == follower && ev.a.Tab == leaderTab {
			jww.INFO.Printf("[TRANSPORT] [%s] Leader %s went inactive",
				m.tab, ev.a.Tab)
			return m.elect()
		}

	case restartTag:
		if r == leader {
			jww.INFO.Printf("[TRANSPORT] [%s] Restarting node", m.tab)
			m.stopNode()
			m.startNode()
			return nil
		}
		return m.elect()
	}

	return nil
}

func (m *Manager) tick() <-chan time.Time {
	m.mux.Lock()
	r := m.role
	leaseAge := m.clock.Since(m.lastLease)
	leaderTab := m.leaderTab
	m.mux.Unlock()

	switch r {
	case leader:
		m.sendLease()
	case follower:
		if leaseAge > m.params.LeaseTimeout {
			jww.WARN.Printf("[TRANSPORT] [%s] Lease of %s expired %s ago",
				m.tab, leaderTab, leaseAge)
			return m.elect()
		}
	}
	return nil
}

func (m *Manager) becomeLeader() {
	m.mux.Lock()
	if m.role != candidate {
		m.mux.Unlock()
		return
	}
	m.role = leader
	m.leaderTab = m.tab
	m.leaderAt = m.announcedAt
	m.mux.Unlock()

	jww.INFO.Printf("[TRANSPORT] [%s] Became leader", m.tab)
	m.updateState(func(s *NodeState) {
		s.IsLeader = true
		s.LeaderTab = m.tab
		s.LeaderStatus = ""
	})
	m.sendLease()
	m.startNode()
}

// follow makes the tab a follower of the lease holder.
func (m *Manager) follow(a announcement) {
	m.mux.Lock()
	changed := m.leaderTab != a.Tab
	m.role = follower
	m.leaderTab = a.Tab
	m.leaderAt = a.At
	m.lastLease = m.clock.Now()
	m.mux.Unlock()

	m.updateState(func(s *NodeState) {
		s.IsLeader = false
		s.LeaderTab = a.Tab
		s.LeaderStatus = a.Status
	})

	if changed {
		jww.DEBUG.Printf("[TRANSPORT] [%s] Following %s", m.tab, a.Tab)
		m.sendSubscriptions()
	}
}

func (m *Manager) sendLease() {
	m.mux.Lock()
	if m.role != leader {
		m.mux.Unlock()
		return
	}
	a := announcement{Tab: m.tab, At: m.announcedAt, Status: m.state.Status}
	m.mux.Unlock()
	m.send(broadcast.LeaseTag, a)
}
