////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package transport

import (
	"context"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// startNode runs the connection loop. Only the leader runs a node.
func (m *Manager) startNode() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mux.Lock()
	m.nodeCancel = cancel
	m.mux.Unlock()

	m.nodeWg.Add(1)
	go func() {
		defer m.nodeWg.Done()
		m.connectLoop(ctx)
	}()
}

// stopNode stops the connection loop and closes the client. It does nothing
// if no node is running.
func (m *Manager) stopNode() {
	m.mux.Lock()
	cancel := m.nodeCancel
	m.nodeCancel = nil
	m.mux.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	m.nodeWg.Wait()
	if err := m.client.Close(); err != nil {
		jww.WARN.Printf("[TRANSPORT] [%s] Failed to close client: %+v",
			m.tab, err)
	}

	m.mux.Lock()
	m.connCtx = nil
	m.clientTopics = make(map[string]struct{})
	m.mux.Unlock()

	m.updateState(func(s *NodeState) {
		s.Status = Disconnected
		s.PeerID = ""
		s.PeerCount = 0
		s.Error = ""
	})
}

// connectLoop connects with exponential backoff. After MaxAttempts failures
// the node is degraded and retries every DegradedInterval until it connects
// or the context is done.
func (m *Manager) connectLoop(ctx context.Context) {
	b := NewBackOff(m.params.InitialBackoff, m.params.MaxBackoff, m.clock)
	attempts := 0

	for {
		degraded := attempts >= m.params.MaxAttempts
		if !degraded {
			m.updateState(func(s *NodeState) { s.Status = Connecting })
		}

		err := m.client.Connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			attempts = 0
			b.Reset()
			m.connected(ctx)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		attempts++
		var wait time.Duration
		if attempts >= m.params.MaxAttempts {
			if !degraded {
				jww.WARN.Printf("[TRANSPORT] [%s] Connect failed %d times, "+
					"entering degraded mode: %+v", m.tab, attempts, err)
			}
			wait = m.params.DegradedInterval
			m.updateState(func(s *NodeState) {
				s.Status = Degraded
				s.Error = err.Error()
			})
		} else {
			wait = b.NextBackOff()
			m.updateState(func(s *NodeState) {
				s.Status = ErrorStatus
				s.Error = err.Error()
			})
		}
		jww.DEBUG.Printf("[TRANSPORT] [%s] Connect attempt %d failed, "+
			"retrying in %s: %v", m.tab, attempts, wait, err)

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(wait):
		}
	}
}

// connected subscribes every known topic and checks the peer count until the
// connection is lost or the context is done.
func (m *Manager) connected(ctx context.Context) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mux.Lock()
	m.connCtx = connCtx
	m.clientTopics = make(map[string]struct{})
	topics := m.topicsUnsafe()
	m.mux.Unlock()

	peerID, peerCount := m.client.PeerID(), m.client.PeerCount()
	jww.INFO.Printf("[TRANSPORT] [%s] Connected as %s with %d peers",
		m.tab, peerID, peerCount)
	m.updateState(func(s *NodeState) {
		s.Status = Connected
		s.PeerID = peerID
		s.PeerCount = peerCount
		s.Error = ""
	})

	for _, topic := range topics {
		m.subscribeClient(connCtx, topic)
	}

	ticker := m.clock.Ticker(m.params.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := m.client.PeerCount()
			if n > 0 {
				m.updateState(func(s *NodeState) { s.PeerCount = n })
				continue
			}

			jww.WARN.Printf("[TRANSPORT] [%s] Lost all peers, reconnecting",
				m.tab)
			m.mux.Lock()
			m.connCtx = nil
			m.clientTopics = make(map[string]struct{})
			m.mux.Unlock()
			cancel()
			if err := m.client.Close(); err != nil {
				jww.WARN.Printf("[TRANSPORT] [%s] Failed to close client: %+v",
					m.tab, err)
			}
			m.updateState(func(s *NodeState) {
				s.Status = Disconnected
				s.PeerID = ""
				s.PeerCount = 0
				s.Error = "lost all peers"
			})
			return
		}
	}
}

// subscribeClient subscribes the client to the topic once per connection and
// forwards its messages until the connection context is done.
func (m *Manager) subscribeClient(ctx context.Context, topic string) {
	m.mux.Lock()
	if _, exists := m.clientTopics[topic]; exists {
		m.mux.Unlock()
		return
	}
	m.clientTopics[topic] = struct{}{}
	m.mux.Unlock()

	ch, err := m.client.Subscribe(ctx, topic)
	if err != nil {
		jww.WARN.Printf("[TRANSPORT] [%s] Failed to subscribe to %s: %+v",
			m.tab, topic, err)
		m.mux.Lock()
		delete(m.clientTopics, topic)
		m.mux.Unlock()
		return
	}
	jww.DEBUG.Printf("[TRANSPORT] [%s] Subscribed node to %s", m.tab, topic)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-ch:
				if !ok {
					return
				}
				m.deliver(topic, data, true)
			}
		}
	}()
}

// topicsUnsafe returns every topic subscribed by any tab. It must be called
// with the lock held.
func (m *Manager) topicsUnsafe() []string {
	topics := make([]string, 0, len(m.handlers)+len(m.remoteTopics))
	for topic := range m.handlers {
		topics = append(topics, topic)
	}
	for topic := range m.remoteTopics {
		if _, exists := m.handlers[topic]; !exists {
			topics = append(topics, topic)
		}
	}
	return topics
}
