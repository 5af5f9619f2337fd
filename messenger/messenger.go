////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package messenger ties the engine components together into the API used
// by the browser bindings: wallet connection, conversations, sending and
// receiving messages, and history.
package messenger

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/crypto/indexedDb"

	"gitlab.com/kinship/web3chat/archive"
	"gitlab.com/kinship/web3chat/backend"
	"gitlab.com/kinship/web3chat/broadcast"
	"gitlab.com/kinship/web3chat/conversations"
	"gitlab.com/kinship/web3chat/history"
	"gitlab.com/kinship/web3chat/identity"
	"gitlab.com/kinship/web3chat/model"
	"gitlab.com/kinship/web3chat/outbox"
	"gitlab.com/kinship/web3chat/peers"
	"gitlab.com/kinship/web3chat/storage"
	"gitlab.com/kinship/web3chat/transport"
	"gitlab.com/kinship/web3chat/utils"
)

var (
	// ErrNoIdentity is returned when an operation needs a key pair and no
	// wallet has been connected.
	ErrNoIdentity = errors.New("no identity; connect a wallet first")

	// ErrUnknownPeer is returned when the peer has no messaging key.
	ErrUnknownPeer = errors.New("peer has no messaging key")
)

// Config contains the dependencies of a Messenger.
type Config struct {
	// UserID is the ID of the local user.
	UserID string

	Store   storage.KeyValueStore
	Channel broadcast.Channel
	Overlay transport.Client

	// Archive and Backend are optional. Without them snapshots are not
	// stored and peer profiles cannot be fetched.
	Archive archive.Client
	Backend *backend.Client

	// Cipher, if set, encrypts the identity keys and the temp wallet at
	// rest. See storage.NewStoreCipher.
	Cipher indexedDb.Cipher

	Params Params
}

// MessageListener is called with every new message of a conversation,
// incoming or outgoing.
type MessageListener func(conversationID string, msg model.Message)

// Messenger is the messaging engine of one tab.
type Messenger struct {
	userID string
	kv     storage.KeyValueStore
	params Params
	clock  clock.Clock

	bcast         *broadcast.Manager
	transport     *transport.Manager
	identity      *identity.Manager
	sequences     *identity.PeerSequences
	peers         *peers.Resolver
	history       *history.Resolver
	conversations *conversations.Manager
	outbox        *outbox.Outbox

	tasks     *utils.Tasks
	live      utils.Liveness
	available atomic.Bool

	// Serialises the handling of incoming messages.
	receiveMux sync.Mutex

	// subscriptions are the topics this tab handles, with their handler ID.
	subscriptions map[string]uint64

	listeners      map[uint64]MessageListener
	nextListenerID uint64
	mux            sync.Mutex
}

// New builds a Messenger. Call Start to join the transport.
func New(cfg Config) (*Messenger, error) {
	if cfg.UserID == "" {
		return nil, errors.New("user ID is required")
	} else if cfg.Store == nil || cfg.Channel == nil || cfg.Overlay == nil {
		return nil, errors.New("store, channel and overlay are required")
	}
	if cfg.Cipher != nil {
		cfg.Store = storage.NewEncryptedStore(
			cfg.Store, cfg.Cipher, storage.KeysNamespace)
	}

	bcast, err := broadcast.NewManager(cfg.Channel, cfg.Params.Broadcast)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to start broadcast manager")
	}

	m := &Messenger{
		userID:        cfg.UserID,
		kv:            cfg.Store,
		params:        cfg.Params,
		clock:         clock.New(),
		bcast:         bcast,
		sequences:     identity.NewPeerSequences(cfg.Store),
		tasks:         utils.NewTasks("MESSENGER"),
		subscriptions: make(map[string]uint64),
		listeners:     make(map[uint64]MessageListener),
	}

	m.transport = transport.NewManager(cfg.Overlay, bcast, cfg.Params.Transport)
	m.identity = identity.NewManager(
		cfg.UserID, cfg.Store, m.transport, cfg.Params.Identity)

	var (
		fetcher       peers.MetadataFetcher
		backendClient history.Backend
	)
	if cfg.Backend != nil {
		fetcher, backendClient = cfg.Backend, cfg.Backend
	}
	m.peers = peers.NewResolver(fetcher, cfg.Store, cfg.Params.Peers)
	m.identity.SetPeerKeySource(m.peers)

	m.history = history.NewResolver(cfg.Store, m.transport, cfg.Archive,
		backendClient, m, m, cfg.Params.History)
	m.conversations = conversations.NewManager(cfg.UserID, cfg.Store, bcast)
	m.outbox = outbox.NewOutbox(cfg.Store, m.transport, bcast, cfg.Params.Outbox)

	m.outbox.OnUpdate(m.outboxUpdated)
	m.transport.OnStateChange(m.transportStateChanged)

	return m, nil
}

// Start checks the store version, subscribes to the topics of every known
// conversation and joins the transport election.
func (m *Messenger) Start(ctx context.Context) error {
	if err := storage.CheckAndStoreVersion(ctx, m.kv); err != nil {
		return err
	}

	convs, err := m.conversations.List(ctx)
	if err != nil {
		return errors.WithMessage(err, "failed to list conversations")
	}
	m.subscribe(conversations.InboxTopic(m.userID), m.receive)
	for _, conv := range convs {
		m.subscribe(conv.ContentTopic, m.receive)
		m.subscribe(identity.HandshakeTopic(conv.PeerUserID), m.receiveHandshake)
	}

	m.transport.Start()
	jww.INFO.Printf("[MESSENGER] Started tab %s for %s with %d conversations",
		m.transport.Tab(), m.userID, len(convs))
	return nil
}

// Stop leaves the transport and waits for background work. Results of work
// still in flight are discarded.
func (m *Messenger) Stop() {
	m.live.Kill()
	m.transport.Stop()
	m.history.Stop()
	m.tasks.Wait()
	m.bcast.Stop()
	jww.INFO.Printf("[MESSENGER] Stopped tab %s", m.transport.Tab())
}

// UserID returns the local user ID.
func (m *Messenger) UserID() string { return m.userID }

// ConnectTempWallet sets up the identity from a locally generated wallet.
func (m *Messenger) ConnectTempWallet(ctx context.Context) (*identity.StoredKeyPair, error) {
	return m.identity.SetupTemp(ctx)
}

// ConnectWallet sets up the identity from an external wallet, rotating the
// existing key pair if it was derived from another wallet.
func (m *Messenger) ConnectWallet(ctx context.Context, address string,
	sign identity.SignFunc) (*identity.RotationResult, error) {
	res, err := m.identity.RotateIfNeeded(ctx, address, sign)
	if err != nil {
		return nil, err
	}
	if res.NoOp {
		return res, nil
	}

	convs, err := m.conversations.List(ctx)
	if err != nil {
		jww.WARN.Printf("[MESSENGER] Failed to list conversations after "+
			"rotation: %+v", err)
		return res, nil
	}
	for _, conv := range convs {
		_, err = m.conversations.SetEncryptionState(ctx, conv.ID,
			model.EncryptionRotated)
		if err != nil {
			jww.WARN.Printf("[MESSENGER] Failed to mark %s rotated: %+v",
				conv.ID, err)
		}
	}
	return res, nil
}

// ActiveIdentity returns the active key pair.
func (m *Messenger) ActiveIdentity(ctx context.Context) (*identity.StoredKeyPair, error) {
	active, err := m.identity.Active(ctx)
	if storage.IsNotExist(err) {
		return nil, ErrNoIdentity
	}
	return active, err
}

// MigrationStatus returns the key migration status and its last error.
func (m *Messenger) MigrationStatus() (identity.MigrationStatus, error) {
	return m.identity.Status()
}

// OnMigrationStatus registers a listener for key migration events.
func (m *Messenger) OnMigrationStatus(l identity.StatusListener) uint64 {
	return m.identity.OnStatus(l)
}

// RetryMigration leaves the error state so the wallet can be connected again.
func (m *Messenger) RetryMigration() bool {
	return m.identity.Retry()
}

// ResolvePeer returns the profile of the user, or nil if unknown.
func (m *Messenger) ResolvePeer(ctx context.Context, userID string) (*peers.Peer, error) {
	return m.peers.ResolvePeer(ctx, userID)
}

// Conversations returns all conversations, most recently updated first.
func (m *Messenger) Conversations(ctx context.Context) ([]model.Conversation, error) {
	return m.conversations.List(ctx)
}

// UnreadTotal returns the number of unread messages over all conversations.
func (m *Messenger) UnreadTotal(ctx context.Context) (int, error) {
	return m.conversations.UnreadTotal(ctx)
}

// MarkAsRead clears the unread count of the conversation with the peer.
func (m *Messenger) MarkAsRead(ctx context.Context, peerUserID string) (
	*model.Conversation, error) {
	return m.conversations.MarkAsRead(ctx, m.conversationID(peerUserID))
}

// OnConversationUpdate registers a listener for conversation changes.
func (m *Messenger) OnConversationUpdate(l conversations.UpdateListener) uint64 {
	return m.conversations.OnUpdate(l)
}

// OnOutboxUpdate registers a listener for outbox changes.
func (m *Messenger) OnOutboxUpdate(l outbox.UpdateListener) uint64 {
	return m.outbox.OnUpdate(l)
}

// FailedMessages returns the outgoing messages that exhausted their retries.
func (m *Messenger) FailedMessages(ctx context.Context) ([]model.OutboxMessage, error) {
	failed, err := m.outbox.Failed(ctx)
	if err != nil {
		return nil, err
	}
	msgs := failed[:0]
	for _, msg := range failed {
		if !strings.HasSuffix(msg.ID, inboxSuffix) {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// RetryMessage sends a failed message again.
func (m *Messenger) RetryMessage(ctx context.Context, id string) (*model.OutboxMessage, error) {
	return m.outbox.Retry(ctx, id)
}

// DiscardMessage removes a message from the outbox.
func (m *Messenger) DiscardMessage(ctx context.Context, id string) error {
	return m.outbox.Discard(ctx, id)
}

// TransportState returns the state of the transport node.
func (m *Messenger) TransportState() transport.NodeState {
	return m.transport.State()
}

// OnTransportState registers a listener for transport state changes.
func (m *Messenger) OnTransportState(l transport.StateListener) uint64 {
	return m.transport.OnStateChange(l)
}

// RestartTransport restarts the transport node.
func (m *Messenger) RestartTransport() {
	m.transport.Restart()
}

// SetVisibility reports whether the page is hidden. Hiding the page
// snapshots every conversation with unsaved messages.
func (m *Messenger) SetVisibility(hidden bool) {
	m.history.SetVisibility(hidden)
}

// OnMessage registers a listener for new messages and returns its ID.
func (m *Messenger) OnMessage(l MessageListener) uint64 {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.nextListenerID++
	m.listeners[m.nextListenerID] = l
	return m.nextListenerID
}

// RemoveMessageListener removes the listener with the ID.
func (m *Messenger) RemoveMessageListener(id uint64) {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.listeners, id)
}

func (m *Messenger) notify(conversationID string, msg model.Message) {
	m.mux.Lock()
	listeners := make([]MessageListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mux.Unlock()

	for _, l := range listeners {
		l(conversationID, msg)
	}
}

// subscribe registers the handler for the topic once.
func (m *Messenger) subscribe(topic string, handler transport.MessageHandler) {
	m.mux.Lock()
	if _, exists := m.subscriptions[topic]; exists {
		m.mux.Unlock()
		return
	}
	m.subscriptions[topic] = 0
	m.mux.Unlock()

	id := m.transport.Subscribe(topic, handler)

	m.mux.Lock()
	m.subscriptions[topic] = id
	m.mux.Unlock()
}

// transportStateChanged flushes the outbox whenever the transport becomes
// available.
func (m *Messenger) transportStateChanged(s transport.NodeState) {
	available := s.Available()
	if m.available.Swap(available) || !available {
		return
	}
	jww.DEBUG.Printf("[MESSENGER] Transport available, flushing outbox")
	m.tasks.Go("catch up", m.catchUp)
	m.tasks.Go("flush outbox", m.outbox.Flush)
}

// catchUp handles the messages and rotations the overlay retained while this
// tab was offline. Messages already handled are skipped.
func (m *Messenger) catchUp(ctx context.Context) error {
	convs, err := m.conversations.List(ctx)
	if err != nil {
		return errors.WithMessage(err, "failed to list conversations")
	}

	topics := []string{conversations.InboxTopic(m.userID)}
	for _, conv := range convs {
		m.replayHandshakes(ctx, conv.PeerUserID)
		topics = append(topics, conv.ContentTopic)
	}

	var handled int
	for _, topic := range topics {
		payloads, err := m.transport.Replay(ctx, topic)
		if err != nil {
			return errors.WithMessagef(err, "failed to replay %s", topic)
		}
		for _, data := range payloads {
			if !m.live.Alive() {
				return nil
			}
			if err = m.handleMessage(ctx, data); err != nil {
				jww.DEBUG.Printf("[MESSENGER] Skipping replayed payload on "+
					"%s: %v", topic, err)
				continue
			}
			handled++
		}
	}
	jww.INFO.Printf("[MESSENGER] Caught up on %d topics (%d payloads)",
		len(topics), handled)
	return nil
}

// outboxUpdated mirrors the send status of outgoing messages into the local
// history.
func (m *Messenger) outboxUpdated(msg model.OutboxMessage) {
	if msg.Plain.ID == "" {
		return
	}
	err := m.history.AppendLocal(context.Background(), msg.ConversationID,
		msg.Plain)
	if err != nil {
		jww.WARN.Printf("[MESSENGER] Failed to record status %s of %s: %+v",
			msg.SendStatus, msg.ID, err)
	}
}

func (m *Messenger) conversationID(peerUserID string) string {
	return conversations.ID(m.userID, peerUserID)
}
