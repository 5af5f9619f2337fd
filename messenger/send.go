////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package messenger

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/kinship/web3chat/conversations"
	"gitlab.com/kinship/web3chat/envelope"
	"gitlab.com/kinship/web3chat/history"
	"gitlab.com/kinship/web3chat/identity"
	"gitlab.com/kinship/web3chat/model"
	"gitlab.com/kinship/web3chat/peers"
)

// inboxSuffix is appended to the outbox ID of an inbox announcement.
const inboxSuffix = ":inbox"

// OpenConversation returns the conversation with the peer, creating it if
// needed. It subscribes to the conversation topic and to the peer's
// handshake topic, and applies rotations of the peer missed while offline.
func (m *Messenger) OpenConversation(ctx context.Context, peerUserID string) (
	*model.Conversation, error) {
	if peerUserID == "" || peerUserID == m.userID {
		return nil, errors.Errorf("invalid peer %q", peerUserID)
	}
	id := m.conversationID(peerUserID)
	conv, err := m.conversations.EnsureConversation(ctx, peerUserID,
		conversations.ContentTopic(id), id)
	if err != nil {
		return nil, err
	}

	m.subscribe(conv.ContentTopic, m.receive)
	m.subscribe(identity.HandshakeTopic(peerUserID), m.receiveHandshake)
	m.replayHandshakes(ctx, peerUserID)

	return conv, nil
}

// LoadHistory returns the history of the conversation with the peer, oldest
// first.
func (m *Messenger) LoadHistory(ctx context.Context, peerUserID string) (
	[]model.Message, error) {
	conv, err := m.OpenConversation(ctx, peerUserID)
	if err != nil {
		return nil, err
	}
	return m.history.LoadHistory(ctx, history.ConversationRef{
		ID:         conv.ID,
		Topic:      conv.ContentTopic,
		PeerUserID: peerUserID,
	})
}

// SendMessage encrypts the text for the peer, records it locally and hands
// it to the outbox. The returned message carries the send status reached
// before returning; later changes are reported to outbox listeners.
//
// If the transport is unavailable the message stays queued and no error is
// returned. outbox.ErrOutboxExhausted is returned when every attempt failed.
func (m *Messenger) SendMessage(ctx context.Context, peerUserID, text string) (
	*model.Message, error) {
	active, err := m.ActiveIdentity(ctx)
	if err != nil {
		return nil, err
	}
	peer, err := m.resolvePeerKey(ctx, peerUserID)
	if err != nil {
		return nil, err
	}
	conv, err := m.OpenConversation(ctx, peerUserID)
	if err != nil {
		return nil, err
	}
	secret, err := m.identity.SharedSecret(ctx, peerUserID, peer.PublicKey)
	if err != nil {
		return nil, errors.WithMessagef(err,
			"failed to derive shared secret with %s", peerUserID)
	}

	env, err := envelope.Seal(envelope.SealParams{
		ID:              uuid.NewString(),
		ConversationID:  conv.ID,
		SenderUserID:    m.userID,
		RecipientUserID: peerUserID,
		ContentType:     model.TextContent,
		Timestamp:       m.clock.Now(),
		Plaintext:       []byte(text),
		Sender:          active.EncryptionKeyPair,
		RecipientKey:    peer.PublicKey,
		Secret:          secret,
	})
	if err != nil {
		return nil, err
	}
	raw, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	msg := model.Message{
		ID:               env.ID,
		SenderUserID:     m.userID,
		RecipientUserID:  peerUserID,
		Content:          text,
		ContentType:      model.TextContent,
		Timestamp:        env.SentAt(),
		Signature:        env.Signature,
		IsVerified:       true,
		DecryptionStatus: model.Decrypted,
		SendStatus:       model.Queued,
	}
	if err = m.history.AppendLocal(ctx, conv.ID, msg); err != nil {
		return nil, errors.WithMessage(err, "failed to store message")
	}
	m.history.TrackMessage(conv.ID, msg)
	m.recordNew(ctx, conv, msg)

	out, err := m.outbox.Send(ctx, model.OutboxMessage{
		ID:             msg.ID,
		ConversationID: conv.ID,
		PeerUserID:     peerUserID,
		Topic:          conv.ContentTopic,
		Message:        raw,
		Plain:          msg,
	})
	if out == nil {
		return nil, err
	}
	if conv.LastMessage == nil {
		m.announce(conv, peerUserID, msg.ID, raw)
	}
	jww.DEBUG.Printf("[MESSENGER] Message %s to %s is %s",
		msg.ID, peerUserID, out.SendStatus)
	return &out.Plain, err
}

// recordNew updates the conversation with a new message and tells the
// message listeners.
func (m *Messenger) recordNew(ctx context.Context, conv *model.Conversation,
	msg model.Message) {
	if conv.EncryptionState == model.EncryptionPending &&
		msg.DecryptionStatus == model.Decrypted {
		_, err := m.conversations.SetEncryptionState(ctx, conv.ID,
			model.EncryptionEstablished)
		if err != nil {
			jww.WARN.Printf("[MESSENGER] Failed to set encryption state of "+
				"%s: %+v", conv.ID, err)
		}
	}
	if _, err := m.conversations.OnNewMessage(ctx, conv.ID, msg); err != nil {
		jww.WARN.Printf("[MESSENGER] Failed to update conversation %s: %+v",
			conv.ID, err)
	}
	m.notify(conv.ID, msg)
}

// resolvePeerKey resolves the peer and records its key as the first known
// rotation state.
func (m *Messenger) resolvePeerKey(ctx context.Context, peerUserID string) (
	*peers.Peer, error) {
	peer, err := m.peers.ResolvePeer(ctx, peerUserID)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to resolve %s", peerUserID)
	} else if !peer.HasKey() {
		return nil, errors.WithMessagef(ErrUnknownPeer, "%s", peerUserID)
	}
	err = m.sequences.Observe(ctx, peerUserID, peer.PublicKey,
		peer.SequenceNumber)
	if err != nil {
		jww.WARN.Printf("[MESSENGER] Failed to record key of %s: %+v",
			peerUserID, err)
	}
	return peer, nil
}

// replayHandshakes applies rotations of the peer retained by the overlay, in
// sequence order, skipping the ones already applied.
func (m *Messenger) replayHandshakes(ctx context.Context, peerUserID string) {
	payloads, err := m.transport.Replay(ctx, identity.HandshakeTopic(peerUserID))
	if err != nil {
		jww.DEBUG.Printf("[MESSENGER] Handshake replay for %s unavailable: %v",
			peerUserID, err)
		return
	}

	var rotations []identity.KeyRotationMessage
	for _, data := range payloads {
		msg, err := identity.UnmarshalRotation(data)
		if err != nil || msg.UserID != peerUserID {
			continue
		}
		rotations = append(rotations, msg)
	}
	sort.Slice(rotations, func(i, j int) bool {
		return rotations[i].SequenceNumber < rotations[j].SequenceNumber
	})
	for _, msg := range rotations {
		m.applyRotation(ctx, msg)
	}
}

// announce queues the first message of a conversation for the peer's inbox
// topic so the peer learns about the conversation. The peer drops the
// duplicate it also receives on the conversation topic.
func (m *Messenger) announce(conv *model.Conversation, peerUserID, id string,
	raw []byte) {
	m.tasks.Go("announce "+id, func(ctx context.Context) error {
		_, err := m.outbox.Send(ctx, model.OutboxMessage{
			ID:             id + inboxSuffix,
			ConversationID: conv.ID,
			PeerUserID:     peerUserID,
			Topic:          conversations.InboxTopic(peerUserID),
			Message:        raw,
		})
		return err
	})
}
