////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package messenger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/aquilax/truncate"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/kinship/web3chat/conversations"
	"gitlab.com/kinship/web3chat/envelope"
	"gitlab.com/kinship/web3chat/identity"
	"gitlab.com/kinship/web3chat/model"
)

// receive handles a payload on a conversation topic.
func (m *Messenger) receive(topic string, data []byte) {
	m.tasks.Go("receive on "+topic, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, m.params.ReceiveTimeout)
		defer cancel()
		return m.handleMessage(ctx, data)
	})
}

func (m *Messenger) handleMessage(ctx context.Context, data []byte) error {
	msg, err := m.Decode(ctx, data)
	if err != nil {
		jww.DEBUG.Printf("[MESSENGER] Dropping undecodable payload %s: %v",
			truncate.Truncate(fmt.Sprintf("%q", data), 64, "...",
				truncate.PositionMiddle), err)
		return nil
	}
	if !m.live.Alive() {
		return nil
	}
	m.receiveMux.Lock()
	defer m.receiveMux.Unlock()

	if msg.ContentType == model.ReceiptContent {
		if msg.SenderUserID == m.userID {
			return nil
		} else if !msg.IsVerified {
			jww.WARN.Printf("[MESSENGER] Ignoring unverified receipt from %s",
				msg.SenderUserID)
			return nil
		}
		if err := m.outbox.MarkDelivered(ctx, msg.Content+inboxSuffix); err != nil {
			jww.WARN.Printf("[MESSENGER] Failed to clear announcement of %s: %+v",
				msg.Content, err)
		}
		return m.outbox.MarkDelivered(ctx, msg.Content)
	}

	peerUserID := msg.SenderUserID
	if peerUserID == m.userID {
		peerUserID = msg.RecipientUserID
	}
	convID := m.conversationID(peerUserID)

	// The overlay also echoes our own publishes back, and catch-up replays
	// what was already received.
	if cached, err := m.cachedMessage(ctx, convID, msg.ID); err != nil {
		return err
	} else if cached != nil {
		return m.handleKnown(ctx, convID, *cached, msg)
	}

	conv, err := m.conversations.Get(ctx, convID)
	if errors.Is(err, conversations.ErrUnknownConversation) {
		conv, err = m.OpenConversation(ctx, peerUserID)
	}
	if err != nil {
		return err
	}
	if err = m.history.AppendLocal(ctx, convID, msg); err != nil {
		return errors.WithMessagef(err, "failed to store message %s", msg.ID)
	}
	m.history.TrackMessage(convID, msg)
	m.recordNew(ctx, conv, msg)

	jww.DEBUG.Printf("[MESSENGER] Received message %s from %s "+
		"(verified %t, %s)", msg.ID, msg.SenderUserID, msg.IsVerified,
		msg.DecryptionStatus)

	if msg.SenderUserID != m.userID && msg.IsVerified &&
		msg.DecryptionStatus == model.Decrypted {
		m.sendReceipt(ctx, conv, msg)
	}
	return nil
}

// cachedMessage returns the copy of the message in the local history, or nil
// if it was never received.
func (m *Messenger) cachedMessage(ctx context.Context, conversationID,
	id string) (*model.Message, error) {
	cached, err := m.history.Cached(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for i := range cached {
		if cached[i].ID == id {
			return &cached[i], nil
		}
	}
	return nil, nil
}

// handleKnown handles a redelivered message. It is only stored again when
// an earlier copy could not be decrypted and this one can; it is never
// counted or tracked twice.
func (m *Messenger) handleKnown(ctx context.Context, convID string,
	cached, msg model.Message) error {
	if cached.DecryptionStatus == model.Decrypted ||
		msg.DecryptionStatus != model.Decrypted {
		jww.TRACE.Printf("[MESSENGER] Message %s already received", msg.ID)
		return nil
	}

	if err := m.history.AppendLocal(ctx, convID, msg); err != nil {
		return errors.WithMessagef(err, "failed to store message %s", msg.ID)
	}
	jww.INFO.Printf("[MESSENGER] Decrypted message %s on redelivery", msg.ID)
	m.notify(convID, msg)

	if msg.SenderUserID != m.userID && msg.IsVerified {
		conv, err := m.conversations.Get(ctx, convID)
		if err != nil {
			return err
		}
		m.sendReceipt(ctx, conv, msg)
	}
	return nil
}

// sendReceipt publishes a delivery receipt for msg. Failures are logged;
// the sender keeps the message until its outbox retention expires.
func (m *Messenger) sendReceipt(ctx context.Context, conv *model.Conversation,
	msg model.Message) {
	err := func() error {
		active, err := m.ActiveIdentity(ctx)
		if err != nil {
			return err
		}
		peer, err := m.resolvePeerKey(ctx, msg.SenderUserID)
		if err != nil {
			return err
		}
		secret, err := m.identity.SharedSecret(ctx, peer.UserID, peer.PublicKey)
		if err != nil {
			return err
		}
		env, err := envelope.Seal(envelope.SealParams{
			ID:              uuid.NewString(),
			ConversationID:  conv.ID,
			SenderUserID:    m.userID,
			RecipientUserID: msg.SenderUserID,
			ContentType:     model.ReceiptContent,
			Timestamp:       m.clock.Now(),
			Plaintext:       []byte(msg.ID),
			Sender:          active.EncryptionKeyPair,
			RecipientKey:    peer.PublicKey,
			Secret:          secret,
		})
		if err != nil {
			return err
		}
		raw, err := env.Marshal()
		if err != nil {
			return err
		}
		return m.transport.Publish(ctx, conv.ContentTopic, raw)
	}()
	if err != nil {
		jww.WARN.Printf("[MESSENGER] Failed to send receipt for %s: %+v",
			msg.ID, err)
	}
}

// Decode turns an envelope into a message. Envelopes that cannot be
// decrypted are returned with DecryptionFailed status. An error is only
// returned for payloads that are not envelopes of the local user.
func (m *Messenger) Decode(ctx context.Context, raw []byte) (model.Message, error) {
	env, err := envelope.Unmarshal(raw)
	if err != nil {
		return model.Message{}, err
	}

	msg := model.Message{
		ID:               env.ID,
		SenderUserID:     env.SenderUserID,
		RecipientUserID:  env.RecipientUserID,
		ContentType:      env.ContentType,
		Timestamp:        env.SentAt(),
		Signature:        env.Signature,
		DecryptionStatus: model.DecryptionPending,
	}

	var peerUserID string
	switch m.userID {
	case env.SenderUserID:
		peerUserID = env.RecipientUserID
	case env.RecipientUserID:
		peerUserID = env.SenderUserID
	default:
		return model.Message{}, errors.Errorf(
			"envelope %s is between other users", env.ID)
	}
	if env.ConversationID != m.conversationID(peerUserID) {
		return model.Message{}, errors.Errorf(
			"envelope %s has wrong conversation %s", env.ID, env.ConversationID)
	}

	active, err := m.ActiveIdentity(ctx)
	if err != nil {
		return model.Message{}, err
	}

	// The key of the other party as claimed by the envelope, and the key
	// expected to have signed it.
	var counterpartKey, expectedSigner ed25519.PublicKey
	if env.SenderUserID == m.userID {
		counterpartKey = env.RecipientKey
		expectedSigner = active.PublicKey
	} else {
		counterpartKey = env.SenderKey
		if peer, err := m.resolvePeerKey(ctx, env.SenderUserID); err == nil {
			expectedSigner = peer.PublicKey
		} else {
			jww.WARN.Printf("[MESSENGER] Cannot verify %s: %v", env.ID, err)
		}
	}
	msg.IsVerified = env.Verify() && bytes.Equal(env.SenderKey, expectedSigner)

	plaintext, err := m.open(ctx, env, peerUserID, counterpartKey, active)
	if err != nil {
		jww.DEBUG.Printf("[MESSENGER] Failed to decrypt %s: %v", env.ID, err)
		msg.DecryptionStatus = model.DecryptionFailed
		return msg, nil
	}
	msg.Content = string(plaintext)
	msg.DecryptionStatus = model.Decrypted
	return msg, nil
}

// open decrypts the envelope with the secret shared with the counterpart
// key. Own messages sealed under a previous key pair cannot be opened.
func (m *Messenger) open(ctx context.Context, env *envelope.Envelope,
	peerUserID string, counterpartKey ed25519.PublicKey,
	active *identity.StoredKeyPair) ([]byte, error) {
	if env.SenderUserID == m.userID && !bytes.Equal(env.SenderKey, active.PublicKey) {
		return nil, errors.Wrap(envelope.ErrDecryptionFailed,
			"sealed under a previous key pair")
	} else if env.RecipientUserID == m.userID &&
		!bytes.Equal(env.RecipientKey, active.PublicKey) {
		return nil, errors.Wrap(envelope.ErrDecryptionFailed,
			"sealed for a previous key pair")
	}

	var (
		secret []byte
		err    error
	)
	if len(counterpartKey) != ed25519.PublicKeySize {
		return nil, errors.Wrap(envelope.ErrDecryptionFailed, "missing key")
	}
	if cached := m.peers.GetCachedPeer(peerUserID); cached != nil &&
		bytes.Equal(cached.PublicKey, counterpartKey) {
		secret, err = m.identity.SharedSecret(ctx, peerUserID, counterpartKey)
	} else {
		secret, err = envelope.SharedSecret(active.SecretKey, counterpartKey)
	}
	if err != nil {
		return nil, errors.Wrap(envelope.ErrDecryptionFailed, err.Error())
	}
	return envelope.Open(env, secret)
}

// receiveHandshake handles a payload on a handshake topic.
func (m *Messenger) receiveHandshake(topic string, data []byte) {
	m.tasks.Go("handshake on "+topic, func(ctx context.Context) error {
		msg, err := identity.UnmarshalRotation(data)
		if err != nil {
			return errors.WithMessagef(err, "invalid payload on %s", topic)
		}
		if identity.HandshakeTopic(msg.UserID) != topic {
			return errors.Errorf("rotation of %s published on %s",
				msg.UserID, topic)
		}
		if msg.UserID == m.userID || !m.live.Alive() {
			return nil
		}
		m.applyRotation(ctx, msg)
		return nil
	})
}

// applyRotation verifies a rotation of a peer and, if valid, replaces the
// peer's key everywhere it is cached. Rotations already applied are skipped.
func (m *Messenger) applyRotation(ctx context.Context, msg identity.KeyRotationMessage) {
	rec, exists, err := m.sequences.Get(ctx, msg.UserID)
	if err != nil {
		jww.ERROR.Printf("[MESSENGER] Failed to read rotation state of %s: %+v",
			msg.UserID, err)
		return
	}
	if exists && msg.SequenceNumber <= rec.SequenceNumber {
		return
	}

	var currentKey ed25519.PublicKey
	if !exists {
		peer, err := m.resolvePeerKey(ctx, msg.UserID)
		if err != nil {
			jww.ERROR.Printf("[MESSENGER] Cannot check rotation %d of %s: %+v",
				msg.SequenceNumber, msg.UserID, err)
			return
		}
		currentKey = peer.PublicKey

		// resolvePeerKey recorded the backend's view; re-check against it.
		if rec, exists, err = m.sequences.Get(ctx, msg.UserID); err == nil &&
			exists && msg.SequenceNumber <= rec.SequenceNumber {
			return
		}
	}

	newKey, err := m.sequences.ApplyPeerRotation(ctx, msg, currentKey)
	if err != nil {
		// Logged by ApplyPeerRotation; the rotation is not applied.
		return
	}
	if err = m.peers.RecordRotation(ctx, msg.UserID, newKey,
		msg.SequenceNumber); err != nil {
		jww.ERROR.Printf("[MESSENGER] Failed to cache rotated key of %s: %+v",
			msg.UserID, err)
	}
	m.identity.ForgetPeer(msg.UserID)

	convID := conversations.ID(m.userID, msg.UserID)
	if _, err = m.conversations.SetEncryptionState(ctx, convID,
		model.EncryptionRotated); err != nil && !errors.Is(err,
		conversations.ErrUnknownConversation) {
		jww.WARN.Printf("[MESSENGER] Failed to mark %s rotated: %+v",
			convID, err)
	}
}

// SealSnapshot encrypts a snapshot bundle with the archive key of the
// conversation.
func (m *Messenger) SealSnapshot(conversationID string, bundle []byte) ([]byte, error) {
	key, err := m.archiveKey(conversationID)
	if err != nil {
		return nil, err
	}
	return envelope.SealBlob(key, conversationID, bundle)
}

// OpenSnapshot decrypts a snapshot made by SealSnapshot.
func (m *Messenger) OpenSnapshot(conversationID string, blob []byte) ([]byte, error) {
	key, err := m.archiveKey(conversationID)
	if err != nil {
		return nil, err
	}
	return envelope.OpenBlob(key, conversationID, blob)
}

func (m *Messenger) archiveKey(conversationID string) ([]byte, error) {
	active, err := m.ActiveIdentity(context.Background())
	if err != nil {
		return nil, err
	}
	return envelope.ArchiveKey(active.SecretKey, conversationID)
}
