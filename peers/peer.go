////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package peers resolves user IDs to peer metadata and public keys through an
// in-memory cache, the local store and finally the backend.
package peers

import (
	"context"
	"crypto/ed25519"
	"time"

	"gitlab.com/kinship/web3chat/model"
)

// Peer is the metadata of a remote user.
type Peer struct {
	UserID         string            `json:"userId"`
	DisplayName    string            `json:"displayName,omitempty"`
	AvatarURL      string            `json:"avatarUrl,omitempty"`
	PublicKey      ed25519.PublicKey `json:"publicKey,omitempty"`
	WalletType     model.WalletType  `json:"walletType,omitempty"`
	FetchedAt      time.Time         `json:"fetchedAt"`
	SequenceNumber uint64            `json:"sequenceNumber"`
}

// HasKey reports whether the peer has published a messaging key.
func (p *Peer) HasKey() bool {
	return p != nil && len(p.PublicKey) == ed25519.PublicKeySize
}

func (p *Peer) clone() *Peer {
	if p == nil {
		return nil
	}
	c := *p
	if p.PublicKey != nil {
		c.PublicKey = append(ed25519.PublicKey(nil), p.PublicKey...)
	}
	return &c
}

// MetadataFetcher fetches peer metadata from the backend. It returns nil and
// no error when the user does not exist.
type MetadataFetcher interface {
	FetchPeer(ctx context.Context, userID string) (*Peer, error)
}

// Params are the parameters of the Resolver.
type Params struct {
	// TTL is how long a resolved peer is trusted in both cache levels.
	TTL time.Duration `json:"ttl"`
}

// DefaultParams returns the default parameters.
func DefaultParams() Params {
	return Params{
		TTL: 24 * time.Hour,
	}
}
