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
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/kinship/web3chat/broadcast"
)

// eventsBufferSize is the number of election messages that can wait for the
// election loop.
const eventsBufferSize = 64

// restartTag is an internal event asking the loop to restart.
const restartTag broadcast.Tag = "restart"

type role int

const (
	stopped role = iota
	candidate
	follower
	leader
)

func (r role) String() string {
	switch r {
	case stopped:
		return "stopped"
	case candidate:
		return "candidate"
	case follower:
		return "follower"
	case leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Manager is the Transport Node Manager of one tab.
type Manager struct {
	client Client
	bcast  *broadcast.Manager
	params Params
	clock  clock.Clock
	tab    string

	role        role
	announcedAt int64
	leaderTab   string
	leaderAt    int64
	lastLease   time.Time

	state          NodeState
	listeners      map[uint64]StateListener
	nextListenerID uint64

	// handlers are the local subscriptions of this tab.
	handlers      map[string]map[uint64]MessageHandler
	nextHandlerID uint64

	// remoteTopics are the topics other tabs subscribed to, by tab.
	remoteTopics map[string]map[string]struct{}

	// clientTopics are the topics subscribed on the client for the current
	// connection. connCtx is nil while not connected.
	clientTopics map[string]struct{}
	connCtx      context.Context

	events chan event
	cancel context.CancelFunc
	done   chan struct{}

	nodeCancel context.CancelFunc
	nodeWg     sync.WaitGroup

	mux sync.Mutex
}

// NewManager returns a stopped Manager for the tab of the broadcast manager.
// It takes over the transport tags of bcast.
func NewManager(client Client, bcast *broadcast.Manager, params Params) *Manager {
	return newManager(client, bcast, params, clock.New())
}

func newManager(client Client, bcast *broadcast.Manager, params Params,
	c clock.Clock) *Manager {
	m := &Manager{
		client:       client,
		bcast:        bcast,
		params:       params,
		clock:        c,
		tab:          bcast.Sender(),
		state:        NodeState{Status: Disconnected},
		listeners:    make(map[uint64]StateListener),
		handlers:     make(map[string]map[uint64]MessageHandler),
		remoteTopics: make(map[string]map[string]struct{}),
		clientTopics: make(map[string]struct{}),
		events:       make(chan event, eventsBufferSize),
	}

	bcast.RegisterCallback(broadcast.ActiveTag,
		m.electionCallback(broadcast.ActiveTag))
	bcast.RegisterCallback(broadcast.LeaseTag,
		m.electionCallback(broadcast.LeaseTag))
	bcast.RegisterCallback(broadcast.InactiveTag, m.inactiveCallback)
	bcast.RegisterCallback(broadcast.PublishTag, m.publishCallback)
	bcast.RegisterCallback(broadcast.ReplayTag, m.replayCallback)
	bcast.RegisterCallback(broadcast.SubscribeTag, m.subscribeCallback)
	bcast.RegisterCallback(broadcast.MessageTag, m.messageCallback)

	return m
}

// Tab returns the ID of this tab.
func (m *Manager) Tab() string { return m.tab }

// Start announces this tab and runs the election. It returns immediately;
// the outcome is reported through OnStateChange.
func (m *Manager) Start() {
	m.mux.Lock()
	if m.role != stopped {
		m.mux.Unlock()
		return
	}
	m.role = candidate
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mux.Unlock()

	// Drop election messages heard while stopped
	for drained := false; !drained; {
		select {
		case <-m.events:
		default:
			drained = true
		}
	}

	go m.run(ctx)
}

// Restart stops and reconnects the node if this tab is the leader, otherwise
// it runs a new election.
func (m *Manager) Restart() {
	m.mux.Lock()
	r := m.role
	m.mux.Unlock()
	if r == stopped {
		m.Start()
		return
	}
	m.push(event{tag: restartTag})
}

// Stop tears the node down, announces that this tab is inactive and stops the
// election loop.
func (m *Manager) Stop() {
	m.mux.Lock()
	if m.role == stopped {
		m.mux.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.mux.Unlock()

	cancel()
	<-done
	m.stopNode()

	m.mux.Lock()
	m.role = stopped
	m.leaderTab = ""
	m.mux.Unlock()
	m.updateState(func(s *NodeState) {
		*s = NodeState{Status: Disconnected}
	})

	m.send(broadcast.InactiveTag, announcement{Tab: m.tab})
	jww.INFO.Printf("[TRANSPORT] [%s] Stopped", m.tab)
}

func (m *Manager) isLeader() bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.role == leader
}

func (m *Manager) send(tag broadcast.Tag, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		jww.ERROR.Printf("[TRANSPORT] [%s] Failed to marshal %q: %+v",
			m.tab, tag, err)
		return
	}
	if err = m.bcast.Send(tag, data); err != nil {
		jww.WARN.Printf("[TRANSPORT] [%s] Failed to send %q: %+v",
			m.tab, tag, err)
	}
}
