////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

//go:build !js || !wasm

package overlay

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// GossipParams configure a GossipClient.
type GossipParams struct {
	// ListenAddrs are the multiaddrs the host listens on.
	ListenAddrs []string `json:"listenAddrs"`

	// BootstrapPeers are full /p2p/ multiaddrs dialled on connect. Connect
	// fails if none of them can be reached.
	BootstrapPeers []string `json:"bootstrapPeers"`

	Retention RetentionParams `json:"retention"`
}

// DefaultGossipParams listens on a random local TCP port with no bootstrap
// peers.
func DefaultGossipParams() GossipParams {
	return GossipParams{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
		Retention:   DefaultRetentionParams(),
	}
}

// GossipClient is an overlay client over libp2p GossipSub. GossipSub keeps no
// history, so the client retains the messages it sees for Replay.
type GossipClient struct {
	params    GossipParams
	retention *Retention

	host   host.Host
	ps     *pubsub.PubSub
	cancel context.CancelFunc
	topics map[string]*pubsub.Topic
	subs   map[*pubsub.Subscription]struct{}

	mux sync.Mutex
}

// NewGossipClient returns a disconnected GossipClient.
func NewGossipClient(params GossipParams) *GossipClient {
	return &GossipClient{
		params:    params,
		retention: NewRetention(params.Retention, nil),
	}
}

// Connect starts a libp2p host, joins GossipSub and dials the bootstrap
// peers.
func (gc *GossipClient) Connect(ctx context.Context) error {
	gc.mux.Lock()
	defer gc.mux.Unlock()
	if gc.host != nil {
		return nil
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(gc.params.ListenAddrs...))
	if err != nil {
		return errors.Wrap(err, "failed to start libp2p host")
	}

	psCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(psCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return errors.Wrap(err, "failed to start gossipsub")
	}

	dialled := 0
	for _, addr := range gc.params.BootstrapPeers {
		if err = dial(ctx, h, addr); err != nil {
			jww.WARN.Printf("[OVERLAY] Failed to dial bootstrap peer %s: %+v",
				addr, err)
			continue
		}
		dialled++
	}
	if len(gc.params.BootstrapPeers) > 0 && dialled == 0 {
		cancel()
		_ = h.Close()
		return errors.Errorf("failed to dial any of %d bootstrap peers",
			len(gc.params.BootstrapPeers))
	}

	gc.host, gc.ps, gc.cancel = h, ps, cancel
	gc.topics = make(map[string]*pubsub.Topic)
	gc.subs = make(map[*pubsub.Subscription]struct{})
	jww.INFO.Printf("[OVERLAY] Started gossip node %s with %d bootstrap peers",
		h.ID(), dialled)
	return nil
}

func dial(ctx context.Context, h host.Host, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return errors.Wrapf(err, "invalid multiaddr %q", addr)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return errors.Wrapf(err, "multiaddr %q has no peer ID", addr)
	}
	return h.Connect(ctx, *info)
}

// Close cancels every subscription and stops the host.
func (gc *GossipClient) Close() error {
	gc.mux.Lock()
	defer gc.mux.Unlock()
	if gc.host == nil {
		return nil
	}

	for sub := range gc.subs {
		sub.Cancel()
	}
	for _, t := range gc.topics {
		_ = t.Close()
	}
	gc.cancel()
	err := gc.host.Close()
	gc.host, gc.ps, gc.cancel, gc.topics, gc.subs = nil, nil, nil, nil, nil
	return errors.Wrap(err, "failed to close libp2p host")
}

// join returns the joined topic. It must be called with the lock held.
func (gc *GossipClient) join(topic string) (*pubsub.Topic, error) {
	if gc.ps == nil {
		return nil, ErrNotConnected
	}
	if t, exists := gc.topics[topic]; exists {
		return t, nil
	}
	t, err := gc.ps.Join(topic)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to join %s", topic)
	}
	gc.topics[topic] = t
	return t, nil
}

// Publish publishes the data on the topic.
func (gc *GossipClient) Publish(ctx context.Context, topic string, data []byte) error {
	gc.mux.Lock()
	t, err := gc.join(topic)
	gc.mux.Unlock()
	if err != nil {
		return err
	}
	if err = t.Publish(ctx, data); err != nil {
		return errors.Wrapf(err, "failed to publish on %s", topic)
	}
	return nil
}

// Subscribe subscribes to the topic. Messages are retained for Replay.
func (gc *GossipClient) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	gc.mux.Lock()
	t, err := gc.join(topic)
	if err != nil {
		gc.mux.Unlock()
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		gc.mux.Unlock()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", topic)
	}
	gc.subs[sub] = struct{}{}
	gc.mux.Unlock()

	out := make(chan []byte, subscriptionBufferSize)
	go func() {
		defer close(out)
		defer sub.Cancel()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				jww.DEBUG.Printf("[OVERLAY] Subscription to %s ended: %v",
					topic, err)
				return
			}
			gc.retention.Add(topic, msg.Data)
			select {
			case out <- msg.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Replay returns the messages this node has seen on the topic within the
// retention window.
func (gc *GossipClient) Replay(_ context.Context, topic string) ([][]byte, error) {
	gc.mux.Lock()
	connected := gc.host != nil
	gc.mux.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}
	return gc.retention.Get(topic), nil
}

// PeerID returns the libp2p peer ID of the host.
func (gc *GossipClient) PeerID() string {
	gc.mux.Lock()
	defer gc.mux.Unlock()
	if gc.host == nil {
		return ""
	}
	return gc.host.ID().String()
}

// PeerCount returns the number of connected libp2p peers.
func (gc *GossipClient) PeerCount() int {
	gc.mux.Lock()
	defer gc.mux.Unlock()
	if gc.host == nil {
		return 0
	}
	return len(gc.host.Network().Peers())
}
