////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package peers

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/kinship/web3chat/model"
	"gitlab.com/kinship/web3chat/storage"
)

func TestMain(m *testing.M) {
	jww.SetStdoutThreshold(jww.LevelInfo)
	os.Exit(m.Run())
}

// testFetcher counts the backend fetches per user.
type testFetcher struct {
	peers map[string]*Peer
	err   error
	calls map[string]int
	mux   sync.Mutex
}

func newTestFetcher() *testFetcher {
	return &testFetcher{
		peers: make(map[string]*Peer),
		calls: make(map[string]int),
	}
}

func (f *testFetcher) FetchPeer(_ context.Context, userID string) (*Peer, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.calls[userID]++
	if f.err != nil {
		return nil, f.err
	}
	return f.peers[userID].clone(), nil
}

func (f *testFetcher) count(userID string) int {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.calls[userID]
}

func newKey(t *testing.T) ed25519.PublicKey {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %+v", err)
	}
	return pub
}

func newTestResolver(t *testing.T) (*Resolver, *testFetcher, *clock.Mock,
	*storage.MemoryStore) {
	f := newTestFetcher()
	kv := storage.NewMemoryStore()
	c := clock.NewMock()
	c.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return newResolver(f, kv, DefaultParams(), c), f, c, kv
}

// Tests that ResolvePeer goes to the backend once and serves every later call
// from memory.
func TestResolver_ResolvePeer_Memory(t *testing.T) {
	r, f, _, _ := newTestResolver(t)
	f.peers["alice"] = &Peer{DisplayName: "Alice", PublicKey: newKey(t),
		WalletType: model.WalletReal}

	for i := 0; i < 3; i++ {
		p, err := r.ResolvePeer(context.Background(), "alice")
		if err != nil {
			t.Fatalf("Failed to resolve (%d): %+v", i, err)
		}
		if p.UserID != "alice" || p.DisplayName != "Alice" {
			t.Errorf("Unexpected peer (%d): %+v", i, p)
		}
	}

	if n := f.count("alice"); n != 1 {
		t.Errorf("Unexpected number of fetches.\nexpected: %d\nreceived: %d",
			1, n)
	}
	if r.GetCachedPeer("alice") == nil {
		t.Errorf("Peer not in memory after resolution.")
	}
}

// Tests that a fresh stored entry is promoted into memory without a fetch and
// that an expired one is refetched.
func TestResolver_ResolvePeer_Store(t *testing.T) {
	r, f, c, kv := newTestResolver(t)
	ctx := context.Background()
	stored := Peer{UserID: "bob", DisplayName: "Bob", PublicKey: newKey(t),
		FetchedAt: c.Now().Add(-time.Hour)}
	if err := storage.SetJSON(ctx, kv, storage.PeersNamespace, "bob", stored); err != nil {
		t.Fatalf("Failed to store peer: %+v", err)
	}

	p, err := r.ResolvePeer(ctx, "bob")
	if err != nil {
		t.Fatalf("Failed to resolve: %+v", err)
	}
	if p.DisplayName != "Bob" || f.count("bob") != 0 {
		t.Errorf("Expected stored peer without fetch.\npeer: %+v\nfetches: %d",
			p, f.count("bob"))
	}
	if r.GetCachedPeer("bob") == nil {
		t.Errorf("Stored peer not promoted to memory.")
	}

	// Expire both levels
	c.Add(24 * time.Hour)
	f.peers["bob"] = &Peer{DisplayName: "Robert", PublicKey: newKey(t)}
	p, err = r.ResolvePeer(ctx, "bob")
	if err != nil {
		t.Fatalf("Failed to resolve: %+v", err)
	}
	if p.DisplayName != "Robert" || f.count("bob") != 1 {
		t.Errorf("Expected refetched peer.\npeer: %+v\nfetches: %d",
			p, f.count("bob"))
	}
}

// Tests that an unknown user resolves to nil and that a backend failure falls
// back to an expired stored entry.
func TestResolver_ResolvePeer_Fallbacks(t *testing.T) {
	r, f, c, kv := newTestResolver(t)
	ctx := context.Background()

	p, err := r.ResolvePeer(ctx, "nobody")
	if err != nil || p != nil {
		t.Errorf("Expected nil peer for unknown user.\npeer: %+v\nerr: %+v",
			p, err)
	}

	f.err = errors.New("offline")
	if _, err = r.ResolvePeer(ctx, "carol"); err == nil {
		t.Errorf("Expected error with no stored entry and backend offline.")
	}

	stale := Peer{UserID: "carol", DisplayName: "Carol",
		FetchedAt: c.Now().Add(-48 * time.Hour)}
	_ = storage.SetJSON(ctx, kv, storage.PeersNamespace, "carol", stale)
	p, err = r.ResolvePeer(ctx, "carol")
	if err != nil {
		t.Fatalf("Failed to resolve with stale entry: %+v", err)
	}
	if p.DisplayName != "Carol" {
		t.Errorf("Unexpected stale peer: %+v", p)
	}
}

// Tests that InvalidatePeer forces the next resolution to the backend.
func TestResolver_InvalidatePeer(t *testing.T) {
	r, f, _, _ := newTestResolver(t)
	ctx := context.Background()
	f.peers["dave"] = &Peer{PublicKey: newKey(t)}

	_, _ = r.ResolvePeer(ctx, "dave")
	if err := r.InvalidatePeer(ctx, "dave"); err != nil {
		t.Fatalf("Failed to invalidate: %+v", err)
	}
	if r.GetCachedPeer("dave") != nil {
		t.Errorf("Peer still in memory after invalidation.")
	}
	_, _ = r.ResolvePeer(ctx, "dave")
	if n := f.count("dave"); n != 2 {
		t.Errorf("Unexpected number of fetches.\nexpected: %d\nreceived: %d",
			2, n)
	}
}

// Tests that RecordRotation replaces the key in both levels, keeps display
// metadata and is not undone by a lagging backend.
func TestResolver_RecordRotation(t *testing.T) {
	r, f, c, _ := newTestResolver(t)
	ctx := context.Background()
	oldKey, newK := newKey(t), newKey(t)
	f.peers["erin"] = &Peer{DisplayName: "Erin", PublicKey: oldKey}

	_, _ = r.ResolvePeer(ctx, "erin")
	if err := r.RecordRotation(ctx, "erin", newK, 1); err != nil {
		t.Fatalf("Failed to record rotation: %+v", err)
	}

	p := r.GetCachedPeer("erin")
	if p == nil || !bytes.Equal(p.PublicKey, newK) || p.DisplayName != "Erin" {
		t.Errorf("Unexpected peer after rotation: %+v", p)
	}
	if keys := r.CachedPeerKeys(); !bytes.Equal(keys["erin"], newK) {
		t.Errorf("CachedPeerKeys does not hold the rotated key.")
	}

	// The backend still serves the old key after expiry
	c.Add(25 * time.Hour)
	p, err := r.ResolvePeer(ctx, "erin")
	if err != nil {
		t.Fatalf("Failed to resolve: %+v", err)
	}
	if !bytes.Equal(p.PublicKey, newK) || p.SequenceNumber != 1 {
		t.Errorf("Lagging backend reverted the rotation: %+v", p)
	}
}

// Tests that TTLCache entries expire relative to their stored time.
func TestTTLCache(t *testing.T) {
	c := clock.NewMock()
	cache := NewTTLCache[int](time.Minute, c)

	cache.Set("a", 1, c.Now())
	cache.Set("old", 2, c.Now().Add(-time.Hour))

	if v, ok := cache.Get("a"); !ok || v != 1 {
		t.Errorf("Unexpected value.\nexpected: %d\nreceived: %d (%t)", 1, v, ok)
	}
	if _, ok := cache.Get("old"); ok {
		t.Errorf("Entry stored past its TTL was kept.")
	}

	c.Add(time.Minute)
	if _, ok := cache.Get("a"); ok {
		t.Errorf("Entry did not expire.")
	}
	if cache.Len() != 0 {
		t.Errorf("Expired entries not evicted: %d", cache.Len())
	}
}
