////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package broadcast carries tagged messages between the tabs of one origin.
// It is the only coordination mechanism between tabs; there are no shared
// locks.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aquilax/truncate"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// initID is the ID for the first item in the callback list. If the list only
// contains one callback, then this is the ID of that callback. If the list has
// autogenerated unique IDs, this is the initial ID to start at.
const initID = uint64(0)

// SenderCallback is called when the sender of a request gets a response. The
// message is the response from the first tab to reply.
type SenderCallback func(message []byte)

// ReceiverCallback is called when receiving a message from another tab.
// sender is the tab ID of the sender. Reply can optionally be used to send a
// response to the sender, triggering its [SenderCallback].
type ReceiverCallback func(sender string, message []byte, reply func(message []byte))

// Manager manages the sending and receiving of messages to the other tabs of
// the origin.
type Manager struct {
	// The underlying broadcast channel.
	c Channel

	// sender is the unique ID of this tab.
	sender string

	// senderCallbacks are called when receiving a response to a request. The
	// uint64 is a unique ID that connects each received reply to its original
	// request.
	senderCallbacks map[Tag]map[uint64]SenderCallback

	// receiverCallbacks are called when receiving a message from another tab.
	receiverCallbacks map[Tag]ReceiverCallback

	// responseIDs is the next ID to assign to each senderCallbacks.
	responseIDs map[Tag]uint64

	// cancel stops the thread that processes received messages.
	cancel context.CancelFunc
	done   chan struct{}

	Params

	mux sync.Mutex
}

// NewManager starts a Manager on the channel with a new random tab ID.
func NewManager(c Channel, p Params) (*Manager, error) {
	return NewManagerWithID(c, uuid.NewString(), p)
}

// NewManagerWithID starts a Manager on the channel with the given tab ID.
func NewManagerWithID(c Channel, sender string, p Params) (*Manager, error) {
	m := initManager(sender, p)
	m.c = c

	ctx, cancel := context.WithCancel(context.Background())
	events, err := c.Listen(ctx)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to listen on broadcast channel")
	}
	m.cancel = cancel

	go m.messageReception(ctx, events)

	return m, nil
}

// initManager initialises a new empty Manager.
func initManager(sender string, p Params) *Manager {
	return &Manager{
		sender:            sender,
		senderCallbacks:   make(map[Tag]map[uint64]SenderCallback),
		receiverCallbacks: make(map[Tag]ReceiverCallback),
		responseIDs:       make(map[Tag]uint64),
		done:              make(chan struct{}),
		Params:            p,
	}
}

// Sender returns the tab ID of this manager.
func (m *Manager) Sender() string { return m.sender }

// Send sends the data to every other tab with the given tag and returns
// immediately.
func (m *Manager) Send(tag Tag, data []byte) error {
	return m.post(Message{Tag: tag, ID: initID, Sender: m.sender, Data: data})
}

// Request sends the data to every other tab and waits for the first response.
// Returns an error if no tab responds before the timeout. A zero timeout uses
// Params.ResponseTimeout.
func (m *Manager) Request(ctx context.Context, tag Tag, data []byte,
	timeout time.Duration) ([]byte, error) {
	if timeout == 0 {
		timeout = m.ResponseTimeout
	}

	responseChan := make(chan []byte, 1)
	id := m.registerSenderCallback(tag, func(msg []byte) { responseChan <- msg })
	defer m.deleteSenderCallback(tag, id)

	err := m.post(Message{Tag: tag, ID: id, Sender: m.sender, Data: data})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case response := <-responseChan:
		return response, nil
	case <-timer.C:
		return nil, errors.Errorf(
			"timed out after %s waiting for response to %q", timeout, tag)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) post(msg Message) error {
	if m.MessageLogging {
		jww.DEBUG.Printf("[BCAST] [%s] Sending %q (response %t) for ID %d: %s",
			m.sender, msg.Tag, msg.Response, msg.ID, truncate.Truncate(
				fmt.Sprintf("%q", msg.Data), 64, "...", truncate.PositionMiddle))
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return m.c.Post(payload)
}

// Stop closes the message reception thread. The channel itself is left open.
func (m *Manager) Stop() {
	m.cancel()
	<-m.done
}

// messageReception processes received messages sequentially.
func (m *Manager) messageReception(ctx context.Context, events <-chan []byte) {
	defer close(m.done)
	jww.DEBUG.Printf("[BCAST] [%s] Starting message reception thread.", m.sender)
	for {
		select {
		case <-ctx.Done():
			jww.DEBUG.Printf(
				"[BCAST] [%s] Quitting message reception thread.", m.sender)
			return
		case data, ok := <-events:
			if !ok {
				jww.DEBUG.Printf("[BCAST] [%s] Broadcast channel closed.",
					m.sender)
				return
			}
			if err := m.processReceivedMessage(data); err != nil {
				jww.ERROR.Printf("[BCAST] [%s] Failed to process received "+
					"message: %+v", m.sender, err)
			}
		}
	}
}

// processReceivedMessage processes the message received from another tab and
// calls the associated callback. This functions blocks until the callback
// returns.
func (m *Manager) processReceivedMessage(data []byte) error {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	if msg.Sender == m.sender {
		return nil
	}

	if m.MessageLogging {
		jww.DEBUG.Printf("[BCAST] [%s] Received %q from %s for ID %d: %s",
			m.sender, msg.Tag, msg.Sender, msg.ID, truncate.Truncate(
				fmt.Sprintf("%q", msg.Data), 64, "...", truncate.PositionMiddle))
	}

	if msg.Response {
		if msg.Target != m.sender {
			return nil
		}
		callback, exists := m.getSenderCallback(msg.Tag, msg.ID)
		if !exists {
			// A later reply to a request that already got its response
			return nil
		}
		callback(msg.Data)
		return nil
	}

	callback, exists := m.getReceiverCallback(msg.Tag)
	if !exists {
		return nil
	}
	callback(msg.Sender, msg.Data, func(message []byte) {
		err := m.post(Message{
			Tag:      msg.Tag,
			ID:       msg.ID,
			Sender:   m.sender,
			Response: true,
			Target:   msg.Sender,
			Data:     message,
		})
		if err != nil {
			jww.ERROR.Printf("[BCAST] [%s] Failed to send response for %q "+
				"and ID %d: %+v", m.sender, msg.Tag, msg.ID, err)
		}
	})
	return nil
}

// getSenderCallback returns the SenderCallback for the given Tag and ID. The
// callback is deleted from the map once found. This function is thread safe.
func (m *Manager) getSenderCallback(tag Tag, id uint64) (SenderCallback, bool) {
	m.mux.Lock()
	defer m.mux.Unlock()
	callback, exists := m.senderCallbacks[tag][id]
	if !exists {
		return nil, false
	}
	m.deleteSenderCallbackUnsafe(tag, id)
	return callback, true
}

func (m *Manager) deleteSenderCallback(tag Tag, id uint64) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.deleteSenderCallbackUnsafe(tag, id)
}

func (m *Manager) deleteSenderCallbackUnsafe(tag Tag, id uint64) {
	delete(m.senderCallbacks[tag], id)
	if len(m.senderCallbacks[tag]) == 0 {
		delete(m.senderCallbacks, tag)
	}
}

// getReceiverCallback returns the ReceiverCallback for the given Tag. This
// function is thread safe.
func (m *Manager) getReceiverCallback(tag Tag) (ReceiverCallback, bool) {
	m.mux.Lock()
	defer m.mux.Unlock()
	callback, exists := m.receiverCallbacks[tag]
	return callback, exists
}

// RegisterCallback registers the callback for the given tag. Previous
// callbacks are overwritten. This function is thread safe.
func (m *Manager) RegisterCallback(tag Tag, receiverCB ReceiverCallback) {
	m.mux.Lock()
	defer m.mux.Unlock()

	jww.TRACE.Printf("[BCAST] [%s] Registering receiver callback for tag %q",
		m.sender, tag)

	m.receiverCallbacks[tag] = receiverCB
}

// registerSenderCallback registers the callback for the given tag and a new
// unique ID used to associate the reply to the callback. Returns the ID that
// was registered. This function is thread safe.
func (m *Manager) registerSenderCallback(
	tag Tag, senderCB SenderCallback) uint64 {
	m.mux.Lock()
	defer m.mux.Unlock()
	id := m.getNextID(tag)

	if _, exists := m.senderCallbacks[tag]; !exists {
		m.senderCallbacks[tag] = make(map[uint64]SenderCallback)
	}
	m.senderCallbacks[tag][id] = senderCB

	return id
}

// getNextID returns the next unique ID for the given tag. IDs start at 1 so
// that they never collide with fire-and-forget messages. This function is not
// thread-safe.
func (m *Manager) getNextID(tag Tag) uint64 {
	m.responseIDs[tag]++
	return m.responseIDs[tag]
}
