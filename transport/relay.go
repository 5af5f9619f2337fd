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
	"fmt"
	"sort"

	"github.com/aquilax/truncate"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/kinship/web3chat/broadcast"
)

// relayRequest is sent by a follower to the leader.
type relayRequest struct {
	Topic string `json:"topic"`
	Data  []byte `json:"data,omitempty"`
}

// relayResponse is the leader's reply to a relayRequest.
type relayResponse struct {
	Payloads    [][]byte `json:"payloads,omitempty"`
	Error       string   `json:"error,omitempty"`
	Unavailable bool     `json:"unavailable,omitempty"`
}

func newRelayResponse(payloads [][]byte, err error) relayResponse {
	switch {
	case err == nil:
		return relayResponse{Payloads: payloads}
	case errors.Is(err, ErrTransportUnavailable):
		return relayResponse{Unavailable: true, Error: err.Error()}
	default:
		return relayResponse{Error: err.Error()}
	}
}

func (r relayResponse) err() error {
	if r.Unavailable {
		return errors.WithMessage(ErrTransportUnavailable, r.Error)
	} else if r.Error != "" {
		return errors.New(r.Error)
	}
	return nil
}

// subscription lists the topics a tab wants the leader to subscribe to.
type subscription struct {
	Topics []string `json:"topics"`
}

// overlayMessage is a message received by the leader's node and fanned out
// to the other tabs.
type overlayMessage struct {
	Topic string `json:"topic"`
	Data  []byte `json:"data"`
}

// Publish sends the data on the topic. Followers relay through the leader.
// Returns ErrTransportUnavailable if no tab holds a connected node.
func (m *Manager) Publish(ctx context.Context, topic string, data []byte) error {
	m.mux.Lock()
	r, leaderTab := m.role, m.leaderTab
	m.mux.Unlock()

	switch {
	case r == leader:
		return m.publishLocal(ctx, topic, data)
	case r == follower && leaderTab != "":
		resp, err := m.relay(ctx, broadcast.PublishTag,
			relayRequest{Topic: topic, Data: data}, leaderTab)
		if err != nil {
			return err
		}
		return resp.err()
	default:
		return ErrTransportUnavailable
	}
}

// Replay returns the messages retained by the network for the topic.
func (m *Manager) Replay(ctx context.Context, topic string) ([][]byte, error) {
	m.mux.Lock()
	r, leaderTab := m.role, m.leaderTab
	m.mux.Unlock()

	switch {
	case r == leader:
		return m.replayLocal(ctx, topic)
	case r == follower && leaderTab != "":
		resp, err := m.relay(ctx, broadcast.ReplayTag,
			relayRequest{Topic: topic}, leaderTab)
		if err != nil {
			return nil, err
		}
		return resp.Payloads, resp.err()
	default:
		return nil, ErrTransportUnavailable
	}
}

// Subscribe calls the handler with every message received on the topic,
// whichever tab holds the node. Returns an ID for Unsubscribe.
func (m *Manager) Subscribe(topic string, handler MessageHandler) uint64 {
	m.mux.Lock()
	if _, exists := m.handlers[topic]; !exists {
		m.handlers[topic] = make(map[uint64]MessageHandler)
	}
	m.nextHandlerID++
	id := m.nextHandlerID
	m.handlers[topic][id] = handler
	connCtx := m.connCtx
	r := m.role
	m.mux.Unlock()

	if connCtx != nil {
		m.subscribeClient(connCtx, topic)
	}
	if r != leader {
		m.send(broadcast.SubscribeTag, subscription{Topics: []string{topic}})
	}
	return id
}

// Unsubscribe removes the handler. The node stays subscribed to the topic
// until it reconnects.
func (m *Manager) Unsubscribe(topic string, id uint64) {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.handlers[topic], id)
	if len(m.handlers[topic]) == 0 {
		delete(m.handlers, topic)
	}
}

func (m *Manager) publishLocal(ctx context.Context, topic string, data []byte) error {
	m.mux.Lock()
	connected := m.role == leader && m.state.Status == Connected
	m.mux.Unlock()
	if !connected {
		return ErrTransportUnavailable
	}

	jww.TRACE.Printf("[TRANSPORT] [%s] Publishing on %s: %s", m.tab, topic,
		truncate.Truncate(fmt.Sprintf("%q", data), 64, "...",
			truncate.PositionMiddle))
	if err := m.client.Publish(ctx, topic, data); err != nil {
		return errors.Wrapf(err, "failed to publish on %s", topic)
	}
	return nil
}

func (m *Manager) replayLocal(ctx context.Context, topic string) ([][]byte, error) {
	m.mux.Lock()
	connected := m.role == leader && m.state.Status == Connected
	m.mux.Unlock()
	if !connected {
		return nil, ErrTransportUnavailable
	}

	payloads, err := m.client.Replay(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to replay %s", topic)
	}
	return payloads, nil
}

// relay sends the request to the leader and waits for its response.
func (m *Manager) relay(ctx context.Context, tag broadcast.Tag,
	req relayRequest, leaderTab string) (relayResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return relayResponse{}, err
	}

	data, err := m.bcast.Request(ctx, tag, payload, m.params.RelayTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return relayResponse{}, ctx.Err()
		}
		return relayResponse{}, errors.WithMessagef(ErrTransportUnavailable,
			"leader %s did not respond: %v", leaderTab, err)
	}

	var resp relayResponse
	if err = json.Unmarshal(data, &resp); err != nil {
		return relayResponse{}, errors.Wrap(err, "invalid relay response")
	}
	return resp, nil
}

// publishCallback publishes on behalf of a follower. The work runs on its own
// goroutine so the broadcast reception thread is never blocked by the
// network.
func (m *Manager) publishCallback(sender string, data []byte, reply func([]byte)) {
	if !m.isLeader() {
		return
	}
	var req relayRequest
	if err := json.Unmarshal(data, &req); err != nil {
		jww.ERROR.Printf("[TRANSPORT] [%s] Invalid publish request from %s: "+
			"%+v", m.tab, sender, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			m.params.RelayTimeout)
		defer cancel()
		err := m.publishLocal(ctx, req.Topic, req.Data)
		m.reply(reply, newRelayResponse(nil, err))
	}()
}

func (m *Manager) replayCallback(sender string, data []byte, reply func([]byte)) {
	if !m.isLeader() {
		return
	}
	var req relayRequest
	if err := json.Unmarshal(data, &req); err != nil {
		jww.ERROR.Printf("[TRANSPORT] [%s] Invalid replay request from %s: "+
			"%+v", m.tab, sender, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			m.params.RelayTimeout)
		defer cancel()
		payloads, err := m.replayLocal(ctx, req.Topic)
		m.reply(reply, newRelayResponse(payloads, err))
	}()
}

func (m *Manager) reply(reply func([]byte), resp relayResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		jww.ERROR.Printf("[TRANSPORT] [%s] Failed to marshal relay response: "+
			"%+v", m.tab, err)
		return
	}
	reply(data)
}

// subscribeCallback records the topics another tab is interested in. Every
// tab records them so a newly elected leader already knows them.
func (m *Manager) subscribeCallback(sender string, data []byte, _ func([]byte)) {
	var sub subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		jww.ERROR.Printf("[TRANSPORT] [%s] Invalid subscription from %s: %+v",
			m.tab, sender, err)
		return
	}

	m.mux.Lock()
	for _, topic := range sub.Topics {
		if _, exists := m.remoteTopics[topic]; !exists {
			m.remoteTopics[topic] = make(map[string]struct{})
		}
		m.remoteTopics[topic][sender] = struct{}{}
	}
	connCtx := m.connCtx
	m.mux.Unlock()

	if connCtx != nil {
		for _, topic := range sub.Topics {
			m.subscribeClient(connCtx, topic)
		}
	}
}

// messageCallback delivers a message fanned out by the leader.
func (m *Manager) messageCallback(_ string, data []byte, _ func([]byte)) {
	if m.isLeader() {
		return
	}
	var msg overlayMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		jww.ERROR.Printf("[TRANSPORT] [%s] Invalid overlay message: %+v",
			m.tab, err)
		return
	}
	m.deliver(msg.Topic, msg.Data, false)
}

// deliver calls the local handlers of the topic and, on the leader, fans the
// message out to the tabs interested in it.
func (m *Manager) deliver(topic string, data []byte, fanOut bool) {
	m.mux.Lock()
	handlers := make([]MessageHandler, 0, len(m.handlers[topic]))
	for _, h := range m.handlers[topic] {
		handlers = append(handlers, h)
	}
	remote := len(m.remoteTopics[topic]) > 0
	m.mux.Unlock()

	if fanOut && remote {
		m.send(broadcast.MessageTag, overlayMessage{Topic: topic, Data: data})
	}
	for _, h := range handlers {
		h(topic, data)
	}
}

// sendSubscriptions sends every local topic to the leader.
func (m *Manager) sendSubscriptions() {
	m.mux.Lock()
	topics := make([]string, 0, len(m.handlers))
	for topic := range m.handlers {
		topics = append(topics, topic)
	}
	m.mux.Unlock()

	if len(topics) == 0 {
		return
	}
	sort.Strings(topics)
	m.send(broadcast.SubscribeTag, subscription{Topics: topics})
}
