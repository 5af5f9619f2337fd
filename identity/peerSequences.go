////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package identity

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/kinship/web3chat/storage"
)

const peerSequencePrefix = "peer/"

// PeerRecord is the last accepted key and sequence number for a peer. Unlike
// the peer cache it never expires, so replay protection survives cache
// eviction.
type PeerRecord struct {
	PublicKey      ed25519.PublicKey `json:"publicKey"`
	SequenceNumber uint64            `json:"sequenceNumber"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// PeerSequences tracks the rotation state of every peer.
type PeerSequences struct {
	kv storage.KeyValueStore
}

// NewPeerSequences returns a PeerSequences backed by the store.
func NewPeerSequences(kv storage.KeyValueStore) *PeerSequences {
	return &PeerSequences{kv: kv}
}

// Get returns the record for the peer. The boolean is false if no rotation
// has been seen for the peer.
func (ps *PeerSequences) Get(ctx context.Context, userID string) (
	PeerRecord, bool, error) {
	var rec PeerRecord
	err := storage.GetJSON(ctx, ps.kv, storage.RotationsNamespace,
		peerSequencePrefix+userID, &rec)
	if storage.IsNotExist(err) {
		return PeerRecord{}, false, nil
	} else if err != nil {
		return PeerRecord{}, false, err
	}
	return rec, true, nil
}

// Observe records the key and sequence of a peer seen for the first time. It
// does nothing if a record already exists.
func (ps *PeerSequences) Observe(ctx context.Context, userID string,
	key ed25519.PublicKey, seq uint64) error {
	return storage.UpdateJSON(ctx, ps.kv, storage.RotationsNamespace,
		peerSequencePrefix+userID,
		func(cur PeerRecord, exists bool) (*PeerRecord, error) {
			if exists {
				return &cur, nil
			}
			return &PeerRecord{
				PublicKey:      key,
				SequenceNumber: seq,
				UpdatedAt:      time.Now(),
			}, nil
		})
}

// ApplyPeerRotation verifies the rotation against the last accepted state of
// the peer and records it. currentKey is the key trusted for the peer when
// no rotation has been recorded yet. Returns the peer's new key.
func (ps *PeerSequences) ApplyPeerRotation(ctx context.Context,
	m KeyRotationMessage, currentKey ed25519.PublicKey) (ed25519.PublicKey, error) {
	if m.UserID == "" {
		return nil, errors.Wrap(ErrRotationVerificationFailed, "missing user id")
	}

	err := storage.UpdateJSON(ctx, ps.kv, storage.RotationsNamespace,
		peerSequencePrefix+m.UserID,
		func(cur PeerRecord, exists bool) (*PeerRecord, error) {
			claimed := currentKey
			if exists {
				claimed = cur.PublicKey
			}
			if err := VerifyRotation(m, claimed, cur.SequenceNumber); err != nil {
				return nil, err
			}
			return &PeerRecord{
				PublicKey:      m.NewPublicKey,
				SequenceNumber: m.SequenceNumber,
				UpdatedAt:      time.Now(),
			}, nil
		})
	if err != nil {
		jww.ERROR.Printf("[KEYS] Rejected rotation %d for %s: %+v",
			m.SequenceNumber, m.UserID, err)
		return nil, err
	}

	jww.INFO.Printf("[KEYS] Applied rotation %d for %s",
		m.SequenceNumber, m.UserID)
	return m.NewPublicKey, nil
}
