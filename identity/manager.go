////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package identity manages the local messaging identity: it derives key pairs
// from wallet signatures, stores the active pair, rotates it when the user
// connects a different wallet and verifies the rotations of peers.
package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/kinship/web3chat/envelope"
	"gitlab.com/kinship/web3chat/model"
	"gitlab.com/kinship/web3chat/storage"
)

// Publisher publishes data on an overlay topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// PeerKeySource lists the peer keys currently cached by the peer resolver.
type PeerKeySource interface {
	CachedPeerKeys() map[string]ed25519.PublicKey
}

// Params are the parameters of the Manager.
type Params struct {
	// PublishTimeout bounds the best-effort publish of a rotation message.
	PublishTimeout time.Duration `json:"publishTimeout"`
}

// DefaultParams returns the default parameters.
func DefaultParams() Params {
	return Params{
		PublishTimeout: 10 * time.Second,
	}
}

// StoredKeyPair is the active key pair of the local user.
type StoredKeyPair struct {
	envelope.EncryptionKeyPair
	WalletType model.WalletType `json:"walletType"`
	Address    string           `json:"address"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// RotationResult describes the outcome of RotateIfNeeded.
type RotationResult struct {
	// NoOp is true for first-time setup and when the derived key equals the
	// active key. No rotation message is created in that case.
	NoOp bool

	// Active is the key pair active after the call.
	Active StoredKeyPair

	// Message is the rotation message when a rotation happened.
	Message *KeyRotationMessage
}

// identityRecord holds the active pair and the append-only rotation history.
// Both are written in a single Update so a rotation is never half-applied.
type identityRecord struct {
	Active   StoredKeyPair        `json:"active"`
	Sequence uint64               `json:"sequence"`
	History  []KeyRotationMessage `json:"history,omitempty"`
}

type cachedSecret struct {
	localKey ed25519.PublicKey
	peerKey  ed25519.PublicKey
	secret   []byte
}

// Manager is the Key & Identity Manager of one local user.
type Manager struct {
	userID    string
	kv        storage.KeyValueStore
	publisher Publisher
	peerKeys  PeerKeySource
	params    Params
	clock     clock.Clock
	rng       io.Reader

	// active is the pair last read from the store.
	active  *StoredKeyPair
	secrets map[string]cachedSecret

	status         MigrationStatus
	lastErr        error
	listeners      map[uint64]StatusListener
	nextListenerID uint64

	// rotateMux serialises setup and rotation.
	rotateMux sync.Mutex
	mux       sync.Mutex
}

// NewManager returns a Manager for the user. publisher may be nil, in which
// case rotations are only applied locally.
func NewManager(userID string, kv storage.KeyValueStore, publisher Publisher,
	params Params) *Manager {
	return &Manager{
		userID:    userID,
		kv:        kv,
		publisher: publisher,
		params:    params,
		clock:     clock.New(),
		secrets:   make(map[string]cachedSecret),
		status:    Idle,
		listeners: make(map[uint64]StatusListener),
	}
}

// SetPeerKeySource sets the source of peer keys whose shared secrets are
// recomputed after a rotation.
func (m *Manager) SetPeerKeySource(src PeerKeySource) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.peerKeys = src
}

// UserID returns the local user ID.
func (m *Manager) UserID() string { return m.userID }

// Active returns the active key pair. Returns storage.ErrNotExist if no
// identity has been set up.
//
// The stored record is authoritative since another tab sharing the store may
// have rotated it. Cached shared secrets are dropped when that happened.
func (m *Manager) Active(ctx context.Context) (*StoredKeyPair, error) {
	rec, exists, err := m.load(ctx)
	if err != nil {
		return nil, err
	} else if !exists {
		return nil, storage.ErrNotExist
	}

	m.mux.Lock()
	if m.active != nil &&
		!bytes.Equal(m.active.PublicKey, rec.Active.PublicKey) {
		jww.INFO.Printf("[KEYS] Active key of %s was replaced by another tab",
			m.userID)
		m.secrets = make(map[string]cachedSecret)
	}
	m.active = &rec.Active
	m.mux.Unlock()

	active := rec.Active
	return &active, nil
}

// Setup performs first-time setup: it derives and stores a key pair when the
// user has none. If a pair already exists it is returned unchanged; use
// RotateIfNeeded to replace it.
func (m *Manager) Setup(ctx context.Context, address string,
	walletType model.WalletType, sign SignFunc) (*StoredKeyPair, error) {
	m.rotateMux.Lock()
	defer m.rotateMux.Unlock()
	return m.setup(ctx, address, walletType, sign)
}

func (m *Manager) setup(ctx context.Context, address string,
	walletType model.WalletType, sign SignFunc) (*StoredKeyPair, error) {
	if rec, exists, err := m.load(ctx); err != nil {
		return nil, err
	} else if exists {
		m.setActive(rec.Active)
		return &rec.Active, nil
	}

	kp, err := DeriveKeyPair(ctx, sign, address)
	if err != nil {
		return nil, err
	}

	var active StoredKeyPair
	err = storage.UpdateJSON(ctx, m.kv, storage.KeysNamespace, m.userID,
		func(cur identityRecord, exists bool) (*identityRecord, error) {
			if exists {
				active = cur.Active
				return &cur, nil
			}
			active = StoredKeyPair{
				EncryptionKeyPair: kp,
				WalletType:        walletType,
				Address:           address,
				CreatedAt:         m.clock.Now(),
			}
			return &identityRecord{Active: active}, nil
		})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to store key pair")
	}

	m.setActive(active)
	jww.INFO.Printf("[KEYS] Set up %s identity for %s", walletType, m.userID)
	return &active, nil
}

// SetupTemp loads or creates the user's temp wallet and sets up the identity
// from it.
func (m *Manager) SetupTemp(ctx context.Context) (*StoredKeyPair, error) {
	m.rotateMux.Lock()
	defer m.rotateMux.Unlock()

	w, err := loadOrCreateTempWallet(ctx, m.kv, m.userID)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load temp wallet")
	}
	return m.setup(ctx, w.Address(), model.WalletTemp, w.Sign)
}

// RotateIfNeeded replaces the active key pair with the one derived from
// newAddress. It is a no-op on first-time setup and when the derived key is
// the active key. On any failure the status moves to Error and the old key
// pair stays active.
func (m *Manager) RotateIfNeeded(ctx context.Context, newAddress string,
	sign SignFunc) (*RotationResult, error) {
	m.rotateMux.Lock()
	defer m.rotateMux.Unlock()

	if s, _ := m.Status(); s == Error {
		return nil, errors.New("migration is in error state; retry first")
	}

	m.setStatus(Detecting, nil)
	rec, exists, err := m.load(ctx)
	if err != nil {
		return nil, m.fail(err)
	}

	if !exists {
		active, err := m.setup(ctx, newAddress, model.WalletReal, sign)
		if err != nil {
			return nil, m.fail(err)
		}
		m.setStatus(Idle, nil)
		return &RotationResult{NoOp: true, Active: *active}, nil
	}

	m.setStatus(Signing, nil)
	candidate, err := DeriveKeyPair(ctx, sign, newAddress)
	if err != nil {
		return nil, m.fail(err)
	}
	if bytes.Equal(candidate.PublicKey, rec.Active.PublicKey) {
		jww.DEBUG.Printf("[KEYS] Derived key for %s is already active",
			newAddress)
		m.setStatus(Idle, nil)
		return &RotationResult{NoOp: true, Active: rec.Active}, nil
	}

	m.setStatus(Rotating, nil)
	now := m.clock.Now()
	msg, err := newRotationMessage(m.userID, rec.Active.EncryptionKeyPair,
		candidate, rec.Sequence+1, now, m.rng)
	if err != nil {
		return nil, m.fail(err)
	}
	next := StoredKeyPair{
		EncryptionKeyPair: candidate,
		WalletType:        model.WalletReal,
		Address:           newAddress,
		CreatedAt:         now,
	}

	err = storage.UpdateJSON(ctx, m.kv, storage.KeysNamespace, m.userID,
		func(cur identityRecord, exists bool) (*identityRecord, error) {
			if !exists || !bytes.Equal(cur.Active.PublicKey, rec.Active.PublicKey) {
				return nil, errors.New("identity changed during rotation")
			}
			cur.Active = next
			cur.Sequence = msg.SequenceNumber
			cur.History = append(cur.History, msg)
			return &cur, nil
		})
	if err != nil {
		return nil, m.fail(errors.WithMessage(err, "failed to store rotation"))
	}

	m.setActive(next)
	m.recomputeSecrets(next.SecretKey)

	if rec.Active.WalletType == model.WalletTemp {
		if err = deleteTempWallet(ctx, m.kv, m.userID); err != nil {
			jww.WARN.Printf("[KEYS] Failed to delete temp wallet for %s: %+v",
				m.userID, err)
		}
	}

	m.setStatus(Publishing, nil)
	m.publishRotation(ctx, msg)

	jww.INFO.Printf("[KEYS] Rotated identity of %s to sequence %d",
		m.userID, msg.SequenceNumber)
	m.setStatus(Complete, nil)
	return &RotationResult{Active: next, Message: &msg}, nil
}

// publishRotation announces the rotation on the handshake topic. Failure is
// logged only; peers recover the message from replay.
func (m *Manager) publishRotation(ctx context.Context, msg KeyRotationMessage) {
	if m.publisher == nil {
		return
	}
	data, err := msg.Marshal()
	if err != nil {
		jww.WARN.Printf("[KEYS] Failed to marshal rotation: %+v", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.params.PublishTimeout)
	defer cancel()
	if err = m.publisher.Publish(ctx, HandshakeTopic(m.userID), data); err != nil {
		jww.WARN.Printf("[KEYS] Failed to publish rotation %d: %+v",
			msg.SequenceNumber, err)
	}
}

func (m *Manager) fail(err error) error {
	jww.ERROR.Printf("[KEYS] Key migration for %s failed: %+v", m.userID, err)
	m.setStatus(Error, err)
	return err
}

// RotationHistory returns every rotation of the local identity, oldest
// first.
func (m *Manager) RotationHistory(ctx context.Context) ([]KeyRotationMessage, error) {
	rec, _, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	return rec.History, nil
}

// SharedSecret returns the shared secret between the active key pair and the
// peer. It is cached until the local or peer key changes.
func (m *Manager) SharedSecret(ctx context.Context, peerUserID string,
	peerKey ed25519.PublicKey) ([]byte, error) {
	active, err := m.Active(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "no active identity")
	}

	m.mux.Lock()
	c, exists := m.secrets[peerUserID]
	m.mux.Unlock()
	if exists && bytes.Equal(c.peerKey, peerKey) &&
		bytes.Equal(c.localKey, active.PublicKey) {
		return c.secret, nil
	}

	secret, err := envelope.SharedSecret(active.SecretKey, peerKey)
	if err != nil {
		return nil, err
	}

	m.mux.Lock()
	m.secrets[peerUserID] = cachedSecret{
		localKey: active.PublicKey, peerKey: peerKey, secret: secret}
	m.mux.Unlock()
	return secret, nil
}

// ForgetPeer drops the cached shared secret of the peer.
func (m *Manager) ForgetPeer(peerUserID string) {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.secrets, peerUserID)
}

// recomputeSecrets replaces every cached shared secret with one derived from
// the new secret key.
func (m *Manager) recomputeSecrets(sk ed25519.PrivateKey) {
	m.mux.Lock()
	peers := make(map[string]ed25519.PublicKey, len(m.secrets))
	for id, c := range m.secrets {
		peers[id] = c.peerKey
	}
	src := m.peerKeys
	m.mux.Unlock()

	if src != nil {
		for id, key := range src.CachedPeerKeys() {
			peers[id] = key
		}
	}

	localKey := sk.Public().(ed25519.PublicKey)
	secrets := make(map[string]cachedSecret, len(peers))
	for id, key := range peers {
		secret, err := envelope.SharedSecret(sk, key)
		if err != nil {
			jww.WARN.Printf("[KEYS] Failed to recompute secret with %s: %+v",
				id, err)
			continue
		}
		secrets[id] = cachedSecret{
			localKey: localKey, peerKey: key, secret: secret}
	}

	m.mux.Lock()
	m.secrets = secrets
	m.mux.Unlock()
	jww.DEBUG.Printf("[KEYS] Recomputed %d shared secrets", len(secrets))
}

func (m *Manager) setActive(active StoredKeyPair) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.active = &active
}

func (m *Manager) load(ctx context.Context) (identityRecord, bool, error) {
	var rec identityRecord
	err := storage.GetJSON(ctx, m.kv, storage.KeysNamespace, m.userID, &rec)
	if storage.IsNotExist(err) {
		return identityRecord{}, false, nil
	} else if err != nil {
		return identityRecord{}, false, err
	}
	return rec, true, nil
}
