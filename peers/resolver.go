////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package peers

import (
	"context"
	"crypto/ed25519"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/kinship/web3chat/storage"
)

// Resolver resolves peers through two cache levels before asking the backend.
//
//  1. memory: a TTLCache local to this tab
//  2. store: the peers namespace of the local store, TTL checked on read
//  3. backend: the MetadataFetcher; results are promoted into both levels
type Resolver struct {
	fetcher MetadataFetcher
	kv      storage.KeyValueStore
	memory  *TTLCache[*Peer]
	params  Params
	clock   clock.Clock
}

// NewResolver returns a Resolver. fetcher may be nil, in which case only the
// caches are consulted.
func NewResolver(fetcher MetadataFetcher, kv storage.KeyValueStore,
	params Params) *Resolver {
	return newResolver(fetcher, kv, params, clock.New())
}

func newResolver(fetcher MetadataFetcher, kv storage.KeyValueStore,
	params Params, c clock.Clock) *Resolver {
	return &Resolver{
		fetcher: fetcher,
		kv:      kv,
		memory:  NewTTLCache[*Peer](params.TTL, c),
		params:  params,
		clock:   c,
	}
}

// ResolvePeer returns the peer with the user ID. It never goes to the network
// while a valid cached entry exists. Returns nil and no error when the backend
// does not know the user.
//
// If the backend cannot be reached, an expired stored entry is returned in
// its place.
func (r *Resolver) ResolvePeer(ctx context.Context, userID string) (*Peer, error) {
	if p, ok := r.memory.Get(userID); ok {
		return p.clone(), nil
	}

	stored, err := r.loadStored(ctx, userID)
	if err != nil {
		jww.WARN.Printf("[PEERS] Failed to load stored peer %s: %+v", userID, err)
	} else if stored != nil && r.fresh(stored) {
		jww.TRACE.Printf("[PEERS] Promoting stored peer %s to memory", userID)
		r.memory.Set(userID, stored, stored.FetchedAt)
		return stored.clone(), nil
	}

	if r.fetcher == nil {
		return nil, nil
	}

	fetched, err := r.fetcher.FetchPeer(ctx, userID)
	if err != nil {
		if stored != nil {
			jww.WARN.Printf("[PEERS] Failed to fetch peer %s, using stale "+
				"entry from %s: %+v", userID, stored.FetchedAt, err)
			return stored.clone(), nil
		}
		return nil, errors.WithMessagef(err, "failed to fetch peer %s", userID)
	} else if fetched == nil {
		jww.DEBUG.Printf("[PEERS] Backend has no peer %s", userID)
		return nil, nil
	}

	p := fetched.clone()
	p.UserID = userID
	p.FetchedAt = r.clock.Now()
	if stored != nil && p.SequenceNumber < stored.SequenceNumber {
		// The backend lags behind a rotation already seen on the overlay
		p.PublicKey = stored.PublicKey
		p.SequenceNumber = stored.SequenceNumber
	}

	r.promote(ctx, p)
	jww.DEBUG.Printf("[PEERS] Resolved peer %s from backend", userID)
	return p.clone(), nil
}

// GetCachedPeer returns the peer from memory only. It never does I/O.
func (r *Resolver) GetCachedPeer(userID string) *Peer {
	p, _ := r.memory.Get(userID)
	return p.clone()
}

// InvalidatePeer removes the peer from both cache levels so the next
// ResolvePeer goes to the backend.
func (r *Resolver) InvalidatePeer(ctx context.Context, userID string) error {
	r.memory.Delete(userID)
	if err := r.kv.Delete(ctx, storage.PeersNamespace, userID); err != nil {
		return errors.WithMessagef(err, "failed to invalidate peer %s", userID)
	}
	jww.DEBUG.Printf("[PEERS] Invalidated peer %s", userID)
	return nil
}

// RecordRotation invalidates the peer and primes both levels with the key of
// a verified rotation. Display metadata of the previous entry is kept.
func (r *Resolver) RecordRotation(ctx context.Context, userID string,
	newKey ed25519.PublicKey, seq uint64) error {
	prev, ok := r.memory.Get(userID)
	if !ok {
		prev, _ = r.loadStored(ctx, userID)
	}

	if err := r.InvalidatePeer(ctx, userID); err != nil {
		return err
	}

	p := &Peer{UserID: userID}
	if prev != nil {
		p = prev.clone()
	}
	p.PublicKey = append(ed25519.PublicKey(nil), newKey...)
	p.SequenceNumber = seq
	p.FetchedAt = r.clock.Now()

	r.promote(ctx, p)
	jww.INFO.Printf("[PEERS] Recorded rotation %d for peer %s", seq, userID)
	return nil
}

// CachedPeerKeys returns the public keys of every peer in memory.
func (r *Resolver) CachedPeerKeys() map[string]ed25519.PublicKey {
	keys := make(map[string]ed25519.PublicKey)
	r.memory.Range(func(userID string, p *Peer) {
		if p.HasKey() {
			keys[userID] = append(ed25519.PublicKey(nil), p.PublicKey...)
		}
	})
	return keys
}

// promote writes the peer to both levels. A store failure only costs a
// refetch later, so it is logged.
func (r *Resolver) promote(ctx context.Context, p *Peer) {
	r.memory.Set(p.UserID, p.clone(), p.FetchedAt)
	if err := storage.SetJSON(ctx, r.kv, storage.PeersNamespace, p.UserID, p); err != nil {
		jww.WARN.Printf("[PEERS] Failed to store peer %s: %+v", p.UserID, err)
	}
}

func (r *Resolver) loadStored(ctx context.Context, userID string) (*Peer, error) {
	var p Peer
	err := storage.GetJSON(ctx, r.kv, storage.PeersNamespace, userID, &p)
	if storage.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Resolver) fresh(p *Peer) bool {
	return r.clock.Since(p.FetchedAt) < r.params.TTL
}
