////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package conversations keeps the conversation records of the local user and
// shares their changes with other tabs.
package conversations

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/kinship/web3chat/broadcast"
	"gitlab.com/kinship/web3chat/model"
	"gitlab.com/kinship/web3chat/storage"
)

// recentIDsLimit is the number of message IDs a conversation remembers to
// recognise redeliveries.
const recentIDsLimit = 256

// ErrUnknownConversation is returned when operating on a conversation that
// was never created.
var ErrUnknownConversation = errors.New("unknown conversation")

// Broadcaster shares updates with the other tabs.
type Broadcaster interface {
	Send(tag broadcast.Tag, data []byte) error
	RegisterCallback(tag broadcast.Tag, cb broadcast.ReceiverCallback)
}

// UpdateListener is called with every changed conversation, whether the
// change was made in this tab or another one.
type UpdateListener func(model.Conversation)

// Manager creates and updates conversations.
type Manager struct {
	localUserID string
	kv          storage.KeyValueStore
	bcast       Broadcaster
	clock       clock.Clock

	listeners      map[uint64]UpdateListener
	nextListenerID uint64
	mux            sync.Mutex
}

// NewManager returns a conversation manager for the local user. bcast may be
// nil when there is only one tab.
func NewManager(localUserID string, kv storage.KeyValueStore,
	bcast Broadcaster) *Manager {
	return newManager(localUserID, kv, bcast, clock.New())
}

func newManager(localUserID string, kv storage.KeyValueStore,
	bcast Broadcaster, c clock.Clock) *Manager {
	m := &Manager{
		localUserID: localUserID,
		kv:          kv,
		bcast:       bcast,
		clock:       c,
		listeners:   make(map[uint64]UpdateListener),
	}
	if bcast != nil {
		bcast.RegisterCallback(broadcast.ConversationUpdatedTag,
			m.conversationUpdatedCallback)
	}
	return m
}

// EnsureConversation returns the conversation with the ID, creating it if it
// does not exist. Repeated calls return the same record.
func (m *Manager) EnsureConversation(ctx context.Context, peerUserID, topic,
	conversationID string) (*model.Conversation, error) {
	var (
		conv    model.Conversation
		created bool
	)
	err := storage.UpdateJSON(ctx, m.kv, storage.ConversationsNamespace,
		conversationID,
		func(cur model.Conversation, exists bool) (*model.Conversation, error) {
			if exists {
				conv = cur
				return &cur, nil
			}
			now := m.clock.Now()
			conv = model.Conversation{
				ID:              conversationID,
				PeerUserID:      peerUserID,
				ContentTopic:    topic,
				EncryptionState: model.EncryptionPending,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			created = true
			return &conv, nil
		})
	if err != nil {
		return nil, errors.WithMessagef(err,
			"failed to ensure conversation with %s", peerUserID)
	}

	if created {
		jww.INFO.Printf("[CONVO] Created conversation %s with %s",
			conversationID, peerUserID)
		m.changed(conv)
	}
	return &conv, nil
}

// OnNewMessage records msg as the last message of the conversation. The
// unread count is incremented unless the local user sent it. A message is
// counted once however often it is delivered.
func (m *Manager) OnNewMessage(ctx context.Context, conversationID string,
	msg model.Message) (*model.Conversation, error) {
	return m.update(ctx, conversationID, func(conv *model.Conversation) bool {
		if conv.LastMessage != nil && conv.LastMessage.ID == msg.ID {
			return false
		}
		for _, id := range conv.RecentIDs {
			if id == msg.ID {
				return false
			}
		}
		conv.RecentIDs = append(conv.RecentIDs, msg.ID)
		if n := len(conv.RecentIDs); n > recentIDsLimit {
			conv.RecentIDs = append(
				[]string(nil), conv.RecentIDs[n-recentIDsLimit:]...)
		}

		if msg.SenderUserID != m.localUserID {
			conv.UnreadCount++
		}
		// Late delivery of an older message does not replace the last one.
		if conv.LastMessage == nil ||
			!msg.Timestamp.Before(conv.LastMessage.Timestamp) {
			last := msg
			conv.LastMessage = &last
		}
		return true
	})
}

// MarkAsRead clears the unread count of the conversation.
func (m *Manager) MarkAsRead(ctx context.Context, conversationID string) (
	*model.Conversation, error) {
	return m.update(ctx, conversationID, func(conv *model.Conversation) bool {
		if conv.UnreadCount == 0 {
			return false
		}
		conv.UnreadCount = 0
		return true
	})
}

// SetEncryptionState changes the encryption state of the conversation.
func (m *Manager) SetEncryptionState(ctx context.Context,
	conversationID string, state model.EncryptionState) (
	*model.Conversation, error) {
	return m.update(ctx, conversationID, func(conv *model.Conversation) bool {
		if conv.EncryptionState == state {
			return false
		}
		conv.EncryptionState = state
		return true
	})
}

// Get returns the conversation with the ID.
func (m *Manager) Get(ctx context.Context, conversationID string) (
	*model.Conversation, error) {
	var conv model.Conversation
	err := storage.GetJSON(ctx, m.kv, storage.ConversationsNamespace,
		conversationID, &conv)
	if storage.IsNotExist(err) {
		return nil, errors.WithMessagef(ErrUnknownConversation, "%s",
			conversationID)
	} else if err != nil {
		return nil, err
	}
	return &conv, nil
}

// List returns all conversations, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]model.Conversation, error) {
	keys, err := m.kv.Keys(ctx, storage.ConversationsNamespace)
	if err != nil {
		return nil, err
	}

	convs := make([]model.Conversation, 0, len(keys))
	for _, key := range keys {
		var conv model.Conversation
		err = storage.GetJSON(ctx, m.kv, storage.ConversationsNamespace, key,
			&conv)
		if storage.IsNotExist(err) {
			continue
		} else if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

// UnreadTotal returns the sum of the unread counts of all conversations.
func (m *Manager) UnreadTotal(ctx context.Context) (int, error) {
	convs, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, conv := range convs {
		total += conv.UnreadCount
	}
	return total, nil
}

// OnUpdate registers a listener for conversation changes and returns its ID.
func (m *Manager) OnUpdate(l UpdateListener) uint64 {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.nextListenerID++
	m.listeners[m.nextListenerID] = l
	return m.nextListenerID
}

// RemoveUpdateListener removes the listener with the ID.
func (m *Manager) RemoveUpdateListener(id uint64) {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.listeners, id)
}

// update applies fn to the stored conversation. When fn reports a change,
// UpdatedAt is bumped, the record is written and the change is shared.
func (m *Manager) update(ctx context.Context, conversationID string,
	fn func(conv *model.Conversation) bool) (*model.Conversation, error) {
	var (
		conv    model.Conversation
		changed bool
	)
	err := storage.UpdateJSON(ctx, m.kv, storage.ConversationsNamespace,
		conversationID,
		func(cur model.Conversation, exists bool) (*model.Conversation, error) {
			if !exists {
				return nil, errors.WithMessagef(ErrUnknownConversation, "%s",
					conversationID)
			}
			conv = cur
			if changed = fn(&conv); !changed {
				return &cur, nil
			}
			now := m.clock.Now()
			if !now.After(conv.UpdatedAt) {
				now = conv.UpdatedAt.Add(1)
			}
			conv.UpdatedAt = now
			return &conv, nil
		})
	if err != nil {
		return nil, err
	}

	if changed {
		m.changed(conv)
	}
	return &conv, nil
}

// changed shares the conversation with other tabs and local listeners.
func (m *Manager) changed(conv model.Conversation) {
	if m.bcast != nil {
		data, err := json.Marshal(conv)
		if err != nil {
			jww.ERROR.Printf("[CONVO] Failed to marshal conversation %s: %+v",
				conv.ID, err)
		} else if err = m.bcast.Send(broadcast.ConversationUpdatedTag, data); err != nil {
			jww.WARN.Printf("[CONVO] Failed to broadcast update of %s: %+v",
				conv.ID, err)
		}
	}
	m.notify(conv)
}

func (m *Manager) notify(conv model.Conversation) {
	m.mux.Lock()
	listeners := make([]UpdateListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mux.Unlock()

	for _, l := range listeners {
		l(conv)
	}
}

// conversationUpdatedCallback applies a conversation changed in another tab
// if it is newer than the stored one.
func (m *Manager) conversationUpdatedCallback(sender string, data []byte,
	_ func([]byte)) {
	var incoming model.Conversation
	if err := json.Unmarshal(data, &incoming); err != nil {
		jww.ERROR.Printf("[CONVO] Failed to unmarshal conversation from "+
			"tab %s: %+v", sender, err)
		return
	}

	var applied bool
	err := storage.UpdateJSON(context.Background(), m.kv,
		storage.ConversationsNamespace, incoming.ID,
		func(cur model.Conversation, exists bool) (*model.Conversation, error) {
			if exists && !incoming.UpdatedAt.After(cur.UpdatedAt) {
				if incoming.UpdatedAt.Equal(cur.UpdatedAt) {
					// Shared store already holds this write.
					applied = true
				}
				return &cur, nil
			}
			applied = true
			return &incoming, nil
		})
	if err != nil {
		jww.ERROR.Printf("[CONVO] Failed to apply update of %s from tab %s: "+
			"%+v", incoming.ID, sender, err)
		return
	}

	if !applied {
		jww.DEBUG.Printf("[CONVO] Ignoring stale update of %s from tab %s",
			incoming.ID, sender)
		return
	}
	m.notify(incoming)
}
