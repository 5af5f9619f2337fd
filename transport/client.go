////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package transport owns the single overlay network connection shared by all
// tabs of an origin. One tab is elected leader and runs the node; the others
// relay through it over the broadcast channel.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

// ErrTransportUnavailable is returned when no tab holds a connected node.
// Callers fall back to local queueing.
var ErrTransportUnavailable = errors.New("transport unavailable")

// Client is an overlay network client.
type Client interface {
	// Connect starts the node and dials the network. It may be called again
	// after Close.
	Connect(ctx context.Context) error

	// Close stops the node and closes every subscription.
	Close() error

	// Publish sends the data on the topic.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe returns every message received on the topic. The channel is
	// closed when the context is done or the client is closed.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)

	// Replay returns the messages the network retained for the topic, oldest
	// first.
	Replay(ctx context.Context, topic string) ([][]byte, error)

	// PeerID is the ID of the local node, empty when not connected.
	PeerID() string

	// PeerCount is the number of remote peers currently connected.
	PeerCount() int
}

// MessageHandler is called with every message received on a subscribed
// topic.
type MessageHandler func(topic string, data []byte)
