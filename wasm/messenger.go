////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

//go:build js && wasm

package wasm

import (
	"context"
	"net/http"
	"syscall/js"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/crypto/indexedDb"
	"gitlab.com/elixxir/wasm-utils/exception"
	"gitlab.com/elixxir/wasm-utils/utils"

	"gitlab.com/kinship/web3chat/archive"
	"gitlab.com/kinship/web3chat/backend"
	"gitlab.com/kinship/web3chat/broadcast"
	"gitlab.com/kinship/web3chat/identity"
	"gitlab.com/kinship/web3chat/messenger"
	"gitlab.com/kinship/web3chat/model"
	"gitlab.com/kinship/web3chat/storage"
	"gitlab.com/kinship/web3chat/transport"
)

const (
	databasePrefix = "web3chat_"
	channelPrefix  = "web3chat/"

	backendTimeout = 30 * time.Second
)

// Messenger wraps the [messenger.Messenger] object so its methods can be
// wrapped to be Javascript compatible.
type Messenger struct {
	api *messenger.Messenger

	// visibility is the visibilitychange listener on the document.
	visibility js.Func
}

// newMessengerJS creates a new Javascript compatible object (map[string]any)
// that matches the [Messenger] structure.
func newMessengerJS(api *messenger.Messenger) map[string]any {
	m := &Messenger{api: api}
	m.watchVisibility()
	messengerMap := map[string]any{
		// Lifecycle
		"GetUserID": js.FuncOf(m.GetUserID),
		"Stop":      js.FuncOf(m.Stop),

		// Identity
		"ConnectTempWallet":         js.FuncOf(m.ConnectTempWallet),
		"ConnectWallet":             js.FuncOf(m.ConnectWallet),
		"GetActiveIdentity":         js.FuncOf(m.GetActiveIdentity),
		"GetMigrationStatus":        js.FuncOf(m.GetMigrationStatus),
		"RegisterMigrationListener": js.FuncOf(m.RegisterMigrationListener),
		"RetryMigration":            js.FuncOf(m.RetryMigration),

		// Peers and conversations
		"ResolvePeer":                  js.FuncOf(m.ResolvePeer),
		"OpenConversation":             js.FuncOf(m.OpenConversation),
		"GetConversations":             js.FuncOf(m.GetConversations),
		"GetUnreadTotal":               js.FuncOf(m.GetUnreadTotal),
		"MarkAsRead":                   js.FuncOf(m.MarkAsRead),
		"RegisterConversationListener": js.FuncOf(m.RegisterConversationListener),

		// Messages
		"SendMessage":             js.FuncOf(m.SendMessage),
		"LoadHistory":             js.FuncOf(m.LoadHistory),
		"RegisterMessageListener": js.FuncOf(m.RegisterMessageListener),
		"RemoveMessageListener":   js.FuncOf(m.RemoveMessageListener),

		// Outbox
		"GetFailedMessages":      js.FuncOf(m.GetFailedMessages),
		"RetryMessage":           js.FuncOf(m.RetryMessage),
		"DiscardMessage":         js.FuncOf(m.DiscardMessage),
		"RegisterOutboxListener": js.FuncOf(m.RegisterOutboxListener),

		// Transport
		"GetTransportState":         js.FuncOf(m.GetTransportState),
		"RegisterTransportListener": js.FuncOf(m.RegisterTransportListener),
		"RestartTransport":          js.FuncOf(m.RestartTransport),
		"SetVisibility":             js.FuncOf(m.SetVisibility),
	}

	return messengerMap
}

// NewMessenger creates the messaging engine for the user in this tab and
// joins the transport. Every tab of the same user shares the IndexedDB
// database and elects one tab to run the overlay node.
//
// Parameters:
//   - args[0] - The user ID (string).
//   - args[1] - JSON of [messenger.Params] (Uint8Array). Missing fields take
//     their default value. Use [GetDefaultMessengerParams] to get a template.
//   - args[2] - The backend base URL (string). An empty string disables peer
//     lookups and backend archives.
//   - args[3] - Javascript overlay node object. See [jsOverlay] for the
//     required methods.
//   - args[4] - Javascript archive object or null. See [jsArchive] for the
//     required methods.
//   - args[5] - Database password (Uint8Array) or null. When set, identity
//     keys are encrypted at rest. Every tab must pass the same password.
//
// Returns a promise:
//   - Resolves to a Javascript representation of the [Messenger] object.
//   - Rejected with an error if the storage, channel or parameters are
//     invalid.
func NewMessenger(_ js.Value, args []js.Value) any {
	userID := args[0].String()
	paramsJSON := utils.CopyBytesToGo(args[1])
	backendURL := args[2].String()
	overlay := newJsOverlay(args[3])
	var archiveClient archive.Client
	if !args[4].IsNull() && !args[4].IsUndefined() {
		archiveClient = newJsArchive(args[4])
	}
	var password []byte
	if len(args) > 5 && !args[5].IsNull() && !args[5].IsUndefined() {
		password = utils.CopyBytesToGo(args[5])
	}

	promiseFn := func(resolve, reject func(args ...any) js.Value) {
		params, err := messenger.ParamsFromJSON(paramsJSON)
		if err != nil {
			reject(exception.NewTrace(err))
			return
		}

		store, err := storage.NewIndexedDbStore(databasePrefix + userID)
		if err != nil {
			reject(exception.NewTrace(err))
			return
		}
		if err = storage.RegisterDatabase(databasePrefix + userID); err != nil {
			jww.WARN.Printf("[MESSENGER] Failed to record database: %+v", err)
		}

		var cipher indexedDb.Cipher
		if password != nil {
			cipher, err = storage.NewStoreCipher(
				context.Background(), store, password)
			if err != nil {
				reject(exception.NewTrace(err))
				return
			}
		}

		channel, err := broadcast.NewBroadcastChannel(channelPrefix + userID)
		if err != nil {
			reject(exception.NewTrace(err))
			return
		}

		var backendClient *backend.Client
		if backendURL != "" {
			backendClient = backend.NewClient(backendURL,
				&http.Client{Timeout: backendTimeout})
		}

		m, err := messenger.New(messenger.Config{
			UserID:  userID,
			Store:   store,
			Channel: channel,
			Overlay: overlay,
			Archive: archiveClient,
			Backend: backendClient,
			Cipher:  cipher,
			Params:  params,
		})
		if err != nil {
			reject(exception.NewTrace(err))
			return
		}
		if err = m.Start(context.Background()); err != nil {
			reject(exception.NewTrace(err))
			return
		}
		resolve(newMessengerJS(m))
	}

	return utils.CreatePromise(promiseFn)
}

// PurgeStorage deletes every IndexedDB database created by [NewMessenger].
// Every Messenger must be stopped first.
//
// Returns:
//   - Throws an error if a database could not be deleted.
func PurgeStorage(js.Value, []js.Value) any {
	if err := storage.PurgeIndexedDbs(); err != nil {
		exception.ThrowTrace(err)
	}
	return nil
}

// watchVisibility snapshots pending history whenever the page is hidden.
func (m *Messenger) watchVisibility() {
	document := js.Global().Get("document")
	if document.IsUndefined() {
		return
	}
	m.visibility = js.FuncOf(func(js.Value, []js.Value) any {
		hidden := document.Get("visibilityState").String() == "hidden"
		go m.api.SetVisibility(hidden)
		return nil
	})
	document.Call("addEventListener", "visibilitychange", m.visibility)
}

////////////////////////////////////////////////////////////////////////////////
// Lifecycle                                                                  //
////////////////////////////////////////////////////////////////////////////////

// GetUserID returns the ID of the local user.
//
// Returns:
//   - User ID (string).
func (m *Messenger) GetUserID(js.Value, []js.Value) any {
	return m.api.UserID()
}

// Stop leaves the transport and stops all background work. The Messenger
// cannot be used afterwards.
//
// Returns a promise that resolves once stopped.
func (m *Messenger) Stop(js.Value, []js.Value) any {
	promiseFn := func(resolve, _ func(args ...any) js.Value) {
		if m.visibility.Truthy() {
			js.Global().Get("document").Call(
				"removeEventListener", "visibilitychange", m.visibility)
			m.visibility.Release()
		}
		m.api.Stop()
		resolve()
	}
	return utils.CreatePromise(promiseFn)
}

////////////////////////////////////////////////////////////////////////////////
// Identity                                                                   //
////////////////////////////////////////////////////////////////////////////////

// identityJS is the public part of the active key pair given to Javascript.
type identityJS struct {
	PublicKey  []byte           `json:"publicKey"`
	WalletType model.WalletType `json:"walletType"`
	Address    string           `json:"address"`
	CreatedAt  time.Time        `json:"createdAt"`
}

func newIdentityJS(kp *identity.StoredKeyPair) identityJS {
	return identityJS{
		PublicKey:  kp.PublicKey,
		WalletType: kp.WalletType,
		Address:    kp.Address,
		CreatedAt:  kp.CreatedAt,
	}
}

// rotationJS is the outcome of connecting a wallet.
type rotationJS struct {
	Rotated        bool       `json:"rotated"`
	Identity       identityJS `json:"identity"`
	SequenceNumber uint64     `json:"sequenceNumber,omitempty"`
}

// ConnectTempWallet sets up a messaging identity from a wallet generated and
// kept in this browser. Does nothing if an identity exists.
//
// Returns a promise:
//   - Resolves to the JSON of the active identity (Uint8Array).
//   - Rejected with an error on failure.
func (m *Messenger) ConnectTempWallet(js.Value, []js.Value) any {
	promiseFn := func(resolve, reject func(args ...any) js.Value) {
		kp, err := m.api.ConnectTempWallet(context.Background())
		if err != nil {
			reject(exception.NewTrace(err))
			return
		}
		resolveJSON(resolve, reject, newIdentityJS(kp))
	}
	return utils.CreatePromise(promiseFn)
}

// ConnectWallet derives the messaging identity from a signature of the
// wallet. If it differs from the active identity, the keys are rotated and
// the rotation is announced to peers.
//
// Parameters:
//   - args[0] - Wallet address (string).
//   - args[1] - Javascript object with the method
//     sign(message: string): Promise<Uint8Array>.
//
// Returns a promise:
//   - Resolves to JSON of the outcome (Uint8Array).
//
// Example return:
//
//	{
//	  "rotated": true,
//	  "identity": {
//	    "publicKey": "6Y8jbOYtvZ4Qj8bwL7CzP5SGkjJ5mXkdv5oDLo4yxMM=",
//	    "walletType": "real",
//	    "address": "0x52908400098527886e0f7030069857d2e4169ee7",
//	    "createdAt": "2022-07-12T10:23:11.000Z"
//	  },
//	  "sequenceNumber": 1
//	}
//
//   - Rejected with an error if signing or the rotation failed. The
//     migration status records the step that failed.
func (m *Messenger) ConnectWallet(_ js.Value, args []js.Value) any {
	address := args[0].String()
	signer := utils.WrapCB(args[1], "sign")
	sign := func(ctx context.Context, message string) ([]byte, error) {
		v, err := await(ctx, signer(message))
		if err != nil {
			return nil, errors.WithMessage(identity.ErrSignatureRejected,
				err.Error())
		}
		return utils.CopyBytesToGo(v), nil
	}

	promiseFn := func(resolve, reject func(args ...any) js.Value) {
		res, err := m.api.ConnectWallet(context.Background(), address, sign)
		if err != nil {
			reject(exception.NewTrace(err))
			return
		}
		out := rotationJS{Rotated: !res.NoOp, Identity: newIdentityJS(&res.Active)}
		if res.Message != nil {
			out.SequenceNumber = res.Message.SequenceNumber
		}
		resolveJSON(resolve, reject, out)
	}
	return utils.CreatePromise(promiseFn)
}

// GetActiveIdentity returns the public part of the active identity.
//
// Returns a promise:
//   - Resolves to JSON of the identity (Uint8Array).
//   - Rejected with an error if no wallet was connected.
func (m *Messenger) GetActiveIdentity(js.Value, []js.Value) any {
	promiseFn := func(resolve, reject func(args ...any) js.Value) {
		kp, err := m.api.ActiveIdentity(context.Background())
		if err != nil {
			reject(exception.NewTrace(err))
			return
		}
		resolveJSON(resolve, reject, newIdentityJS(kp))
	}
	return utils.CreatePromise(promiseFn)
}

// GetMigrationStatus returns the state of the last identity migration.
//
// Returns:
//   - JSON of [identity.MigrationEvent] (Uint8Array).
func (m *Messenger) GetMigrationStatus(js.Value, []js.Value) any {
	status, err := m.api.MigrationStatus()
	event := identity.MigrationEvent{Status: status}
	if err != nil {
		event.Error = err.Error()
	}
	return marshalJS(event)
}

// RegisterMigrationListener registers a callback for every migration status
// change.
//
// Parameters:
//   - args[0] - Javascript object with the method Callback(json: Uint8Array),
//     called with the JSON of [identity.MigrationEvent].
//
// Returns:
//   - Listener ID (int).
func (m *Messenger) RegisterMigrationListener(_ js.Value, args []js.Value) any {
	cb := utils.WrapCB(args[0], "Callback")
	id := m.api.OnMigrationStatus(func(e identity.MigrationEvent) {
		cb(marshalJS(e))
	})
	return int(id)
}

// RetryMigration leaves the error state so the wallet can be connected again.
//
// Returns:
//   - True if the migration was in the error state (boolean).
func (m *Messenger) RetryMigration(js.Value, []js.Value) any {
	return m.api.RetryMigration()
}

////////////////////////////////////////////////////////////////////////////////
// Peers and Conversations                                                    //
////////////////////////////////////////////////////////////////////////////////

// ResolvePeer returns the messaging profile of a user.
//
// Parameters:
//   - args[0] - Peer user ID (string).
//
// Returns a promise:
//   - Resolves to JSON of [peers.Peer] (Uint8Array), or null if the user has
//     no profile.
func (m *Messenger) ResolvePeer(_ js.Value, args []js.Value) any {
	userID := args[0].String()
	promiseFn := func(resolve, reject func(args ...any) js.Value) {
		peer, err := m.api.ResolvePeer(context.Background(), userID)
		if err != nil {
			reject(exception.NewTrace(err))
			return
		} else if peer == nil {
			resolve(js.Null())
			return
		}
		resolveJSON(resolve, reject, peer)
	}
	return utils.CreatePromise(promiseFn)
}

// OpenConversation creates the conversation with the peer if needed and
// starts listening for its messages.
//
// Parameters:
//   - args[0] - Peer user ID (string).
//
// Returns a promise:
//   - Resolves to JSON of [model.Conversation] (Uint8Array).
func (m *Messenger) OpenConversation(_ js.Value, args []js.Value) any {
	peerUserID := args[0].String()
	promiseFn := func(resolve, reject func(args ...any) js.Value) {
		conv, err := m.api.OpenConversation(context.Background(), peerUserID)
		if err != nil {
			reject(exception.NewTrace(err))
			return
		}
		resolveJSON(resolve, reject, conv)
	}
	return utils.CreatePromise(promiseFn)
}

// GetConversations returns every conversation, most recently updated first.
//
// Returns a promise:
//   - Resolves to JSON of a slice of [model.Conversation] (Uint8Array).
func (m *Messenger) GetConversations(js.Value, []js.Value) any {
	promiseFn := func(resolve, reject func(args ...any) js.Value) {
		convs, err := m.api.Conversations(context.Background())
		if err != nil {
			reject(exception.NewTrace(err))
			return
		}
		resolveJSON(resolve, reject, convs)
	}
	return utils.CreatePromise(promiseFn)
}

// GetUnreadTotal returns the number of unread messages of all conversations.
//
// Returns a promise:
//   - Resolves to the count (int).
func (m *Messenger) GetUnreadTotal(js.Value, []js.Value) any {
	promiseFn := func(resolve, reject func(args ...any) js.Value) {
		total, err := m.api.UnreadTotal(context.Background())
		if err != nil {
			reject(exception.NewTrace(err))
			return
		}
		resolve(total)
	}
	return utils.CreatePromise(promiseFn)
}

// MarkAsRead clears the unread count of the conversation with the peer.
//
// Parameters:
//   - args[0] - Peer user ID (string).
//
// Returns a promise:
//   - Resolves to JSON of [model.Conversation] (Uint8Array).
func (m *Messenger) MarkAsRead(_ js.Value, args []js.Value) any {
	peerUserID := args[0].String()
	promiseFn := func(resolve, reject func(args ...any) js.Value) {
		conv, err := m.api.MarkAsRead(context.Background(), peerUserID)
		if err != nil {
			reject(exception.NewTrace(err))
			return
		}
		resolveJSON(resolve, reject, conv)
	}
	return utils.CreatePromise(promiseFn)
}

// RegisterConversationListener registers a callback for every conversation
// change made in any tab.
//
// Parameters:
//   - args[0] - Javascript object with the method Callback(json: Uint8Array),
//     called with the JSON of [model.Conversation].
//
// Returns:
//   - Listener ID (int).
func (m *Messenger) RegisterConversationListener(_ js.Value, args []js.Value) any {
	cb := utils.WrapCB(args[0], "Callback")
	id := m.api.OnConversationUpdate(func(conv model.Conversation) {
		cb(marshalJS(conv))
	})
	return int(id)
}

////////////////////////////////////////////////////////////////////////////////
// Messages                                                                   //
////////////////////////////////////////////////////////////////////////////////

// SendMessage encrypts the text for the peer and queues it for delivery.
//
// Parameters:
//   - args[0] - Peer user ID (string).
//   - args[1] - Message text (string).
//
// Returns a promise:
//   - Resolves to JSON of [model.Message] (Uint8Array). Its sendStatus is
//     "queued" when the transport is unavailable.
//   - Rejected with an error if the peer has no key or every retry failed.
func (m *Messenger) SendMessage(_ js.Value, args []js.Value) any {
	peerUserID, text := args[0].String(), args[1].String()
	promiseFn := func(resolve, reject func(args ...any) js.Value) {
		msg, err := m.api.SendMessage(context.Background(), peerUserID, text)
		if err != nil {
			reject(exception.NewTrace(err))
			return
		}
		resolveJSON(resolve, reject, msg)
	}
	return utils.CreatePromise(promiseFn)
}

// LoadHistory returns the history of the conversation with the peer, merged
// from the local cache, the overlay, archives and the backend.
//
// Parameters:
//   - args[0] - Peer user ID (string).
//
// Returns a promise:
//   - Resolves to JSON of a slice of [model.Message], oldest first
//     (Uint8Array).
func (m *Messenger) LoadHistory(_ js.Value, args []js.Value) any {
	peerUserID := args[0].String()
	promiseFn := func(resolve, reject func(args ...any) js.Value) {
		msgs, err := m.api.LoadHistory(context.Background(), peerUserID)
		if err != nil {
			reject(exception.NewTrace(err))
			return
		}
		resolveJSON(resolve, reject, msgs)
	}
	return utils.CreatePromise(promiseFn)
}

// RegisterMessageListener registers a callback for every new message.
//
// Parameters:
//   - args[0] - Javascript object with the method
//     Callback(conversationID: string, json: Uint8Array), called with the
//     JSON of [model.Message].
//
// Returns:
//   - Listener ID (int).
func (m *Messenger) RegisterMessageListener(_ js.Value, args []js.Value) any {
	cb := utils.WrapCB(args[0], "Callback")
	id := m.api.OnMessage(func(conversationID string, msg model.Message) {
		cb(conversationID, marshalJS(msg))
	})
	return int(id)
}

// RemoveMessageListener removes a listener registered with
// [Messenger.RegisterMessageListener].
//
// Parameters:
//   - args[0] - Listener ID (int).
func (m *Messenger) RemoveMessageListener(_ js.Value, args []js.Value) any {
	m.api.RemoveMessageListener(uint64(args[0].Int()))
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Outbox                                                                     //
////////////////////////////////////////////////////////////////////////////////

// GetFailedMessages returns the messages that exhausted their retries.
//
// Returns a promise:
//   - Resolves to JSON of a slice of [model.OutboxMessage] (Uint8Array).
func (m *Messenger) GetFailedMessages(js.Value, []js.Value) any {
	promiseFn := func(resolve, reject func(args ...any) js.Value) {
		msgs, err := m.api.FailedMessages(context.Background())
		if err != nil {
			reject(exception.NewTrace(err))
			return
		}
		resolveJSON(resolve, reject, msgs)
	}
	return utils.CreatePromise(promiseFn)
}

// RetryMessage sends a failed message again.
//
// Parameters:
//   - args[0] - Message ID (string).
//
// Returns a promise:
//   - Resolves to JSON of [model.OutboxMessage] (Uint8Array).
func (m *Messenger) RetryMessage(_ js.Value, args []js.Value) any {
	id := args[0].String()
	promiseFn := func(resolve, reject func(args ...any) js.Value) {
		msg, err := m.api.RetryMessage(context.Background(), id)
		if err != nil {
			reject(exception.NewTrace(err))
			return
		}
		resolveJSON(resolve, reject, msg)
	}
	return utils.CreatePromise(promiseFn)
}

// DiscardMessage removes a message from the outbox.
//
// Parameters:
//   - args[0] - Message ID (string).
//
// Returns a promise that resolves once removed.
func (m *Messenger) DiscardMessage(_ js.Value, args []js.Value) any {
	id := args[0].String()
	promiseFn := func(resolve, reject func(args ...any) js.Value) {
		if err := m.api.DiscardMessage(context.Background(), id); err != nil {
			reject(exception.NewTrace(err))
			return
		}
		resolve()
	}
	return utils.CreatePromise(promiseFn)
}

// RegisterOutboxListener registers a callback for every outbox change made in
// any tab.
//
// Parameters:
//   - args[0] - Javascript object with the method Callback(json: Uint8Array),
//     called with the JSON of [model.OutboxMessage].
//
// Returns:
//   - Listener ID (int).
func (m *Messenger) RegisterOutboxListener(_ js.Value, args []js.Value) any {
	cb := utils.WrapCB(args[0], "Callback")
	id := m.api.OnOutboxUpdate(func(msg model.OutboxMessage) {
		cb(marshalJS(msg))
	})
	return int(id)
}

////////////////////////////////////////////////////////////////////////////////
// Transport                                                                  //
////////////////////////////////////////////////////////////////////////////////

// GetTransportState returns the state of the overlay node as seen by this
// tab.
//
// Returns:
//   - JSON of [transport.NodeState] (Uint8Array).
func (m *Messenger) GetTransportState(js.Value, []js.Value) any {
	return marshalJS(m.api.TransportState())
}

// RegisterTransportListener registers a callback for every transport state
// change.
//
// Parameters:
//   - args[0] - Javascript object with the method Callback(json: Uint8Array),
//     called with the JSON of [transport.NodeState].
//
// Returns:
//   - Listener ID (int).
func (m *Messenger) RegisterTransportListener(_ js.Value, args []js.Value) any {
	cb := utils.WrapCB(args[0], "Callback")
	id := m.api.OnTransportState(func(s transport.NodeState) {
		cb(marshalJS(s))
	})
	return int(id)
}

// RestartTransport reconnects the overlay node, leaving degraded mode.
func (m *Messenger) RestartTransport(js.Value, []js.Value) any {
	m.api.RestartTransport()
	return nil
}

// SetVisibility reports whether the page is hidden. Hiding the page
// snapshots pending history. The document visibilitychange event already
// calls this.
//
// Parameters:
//   - args[0] - True if hidden (boolean).
func (m *Messenger) SetVisibility(_ js.Value, args []js.Value) any {
	go m.api.SetVisibility(args[0].Bool())
	return nil
}
