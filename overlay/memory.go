////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package overlay

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// subscriptionBufferSize is the number of undelivered messages a subscription
// holds before new ones are dropped.
const subscriptionBufferSize = 256

// ErrNotConnected is returned by a client used before Connect or after Close.
var ErrNotConnected = errors.New("not connected")

// MemoryNetwork is an in-process overlay network. Every connected client
// receives the messages published on the topics it subscribed to, including
// its own.
type MemoryNetwork struct {
	retention *Retention
	clients   map[*MemoryClient]struct{}
	published map[string]int

	// peers is the peer count reported by connected clients.
	peers int

	// failConnects is the number of upcoming connects to fail. Negative
	// fails every connect.
	failConnects int

	mux sync.Mutex
}

// NewMemoryNetwork returns an empty network whose clients report three peers.
func NewMemoryNetwork(params RetentionParams) *MemoryNetwork {
	return &MemoryNetwork{
		retention: NewRetention(params, nil),
		clients:   make(map[*MemoryClient]struct{}),
		published: make(map[string]int),
		peers:     3,
	}
}

// NewClient returns a disconnected client of the network.
func (n *MemoryNetwork) NewClient() *MemoryClient {
	return &MemoryClient{
		network: n,
		id:      uuid.NewString(),
		subs:    make(map[string]map[chan []byte]struct{}),
	}
}

// SetPeers sets the peer count reported by connected clients.
func (n *MemoryNetwork) SetPeers(count int) {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.peers = count
}

// FailConnects makes the next count connects fail. A negative count fails
// every connect until it is reset with zero.
func (n *MemoryNetwork) FailConnects(count int) {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.failConnects = count
}

// Published returns the number of messages published on the topic.
func (n *MemoryNetwork) Published(topic string) int {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.published[topic]
}

// Seed adds a message to the replay buffer of the topic without delivering it.
func (n *MemoryNetwork) Seed(topic string, data []byte) {
	n.retention.Add(topic, data)
}

func (n *MemoryNetwork) connect(c *MemoryClient) error {
	n.mux.Lock()
	defer n.mux.Unlock()
	if n.failConnects != 0 {
		if n.failConnects > 0 {
			n.failConnects--
		}
		return errors.New("failed to dial bootstrap peers")
	}
	n.clients[c] = struct{}{}
	return nil
}

func (n *MemoryNetwork) disconnect(c *MemoryClient) {
	n.mux.Lock()
	defer n.mux.Unlock()
	delete(n.clients, c)
}

func (n *MemoryNetwork) publish(topic string, data []byte) {
	n.retention.Add(topic, data)

	n.mux.Lock()
	n.published[topic]++
	clients := make([]*MemoryClient, 0, len(n.clients))
	for c := range n.clients {
		clients = append(clients, c)
	}
	n.mux.Unlock()

	for _, c := range clients {
		c.deliver(topic, data)
	}
}

func (n *MemoryNetwork) peerCount() int {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.peers
}

// MemoryClient is a client of a MemoryNetwork.
type MemoryClient struct {
	network   *MemoryNetwork
	id        string
	connected bool
	closed    chan struct{}
	subs      map[string]map[chan []byte]struct{}
	connects  int
	mux       sync.Mutex
}

// Connect joins the network.
func (c *MemoryClient) Connect(context.Context) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.connects++
	if c.connected {
		return nil
	}
	if err := c.network.connect(c); err != nil {
		return err
	}
	c.connected = true
	c.closed = make(chan struct{})
	jww.DEBUG.Printf("[OVERLAY] Memory client %s connected", c.id)
	return nil
}

// Connects returns the number of calls to Connect.
func (c *MemoryClient) Connects() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.connects
}

// Close leaves the network and closes every subscription.
func (c *MemoryClient) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if !c.connected {
		return nil
	}
	c.network.disconnect(c)
	c.connected = false
	close(c.closed)
	c.subs = make(map[string]map[chan []byte]struct{})
	return nil
}

// Publish sends the data to every subscriber of the topic.
func (c *MemoryClient) Publish(_ context.Context, topic string, data []byte) error {
	c.mux.Lock()
	connected := c.connected
	c.mux.Unlock()
	if !connected {
		return ErrNotConnected
	}
	c.network.publish(topic, append([]byte(nil), data...))
	return nil
}

// Subscribe returns the messages published on the topic from now on.
func (c *MemoryClient) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if !c.connected {
		return nil, ErrNotConnected
	}

	ch := make(chan []byte, subscriptionBufferSize)
	if _, exists := c.subs[topic]; !exists {
		c.subs[topic] = make(map[chan []byte]struct{})
	}
	c.subs[topic][ch] = struct{}{}

	closed := c.closed
	go func() {
		select {
		case <-ctx.Done():
		case <-closed:
		}
		c.mux.Lock()
		delete(c.subs[topic], ch)
		c.mux.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Replay returns the messages retained for the topic.
func (c *MemoryClient) Replay(_ context.Context, topic string) ([][]byte, error) {
	c.mux.Lock()
	connected := c.connected
	c.mux.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}
	return c.network.retention.Get(topic), nil
}

// PeerID returns the client's ID while connected.
func (c *MemoryClient) PeerID() string {
	c.mux.Lock()
	defer c.mux.Unlock()
	if !c.connected {
		return ""
	}
	return c.id
}

// PeerCount returns the network's peer count while connected.
func (c *MemoryClient) PeerCount() int {
	c.mux.Lock()
	connected := c.connected
	c.mux.Unlock()
	if !connected {
		return 0
	}
	return c.network.peerCount()
}

func (c *MemoryClient) deliver(topic string, data []byte) {
	c.mux.Lock()
	defer c.mux.Unlock()
	for ch := range c.subs[topic] {
		select {
		case ch <- append([]byte(nil), data...):
		default:
			jww.WARN.Printf("[OVERLAY] Subscription to %s on %s is full, "+
				"dropping message", topic, c.id)
		}
	}
}
