////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package broadcast

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Channel is a same-origin broadcast primitive. A post reaches every other
// channel on the same origin but never the poster itself.
type Channel interface {
	// Post sends the data to every other channel.
	Post(data []byte) error

	// Listen returns every received post on the returned channel until the
	// context is cancelled or the channel is closed.
	Listen(ctx context.Context) (<-chan []byte, error)

	// Close releases the channel.
	Close() error
}

// hubBufferSize is the number of undelivered posts a listener can hold.
const hubBufferSize = 1024

// ErrClosed is returned when posting to or listening on a closed channel.
var ErrClosed = errors.New("channel closed")

// Hub connects in-process channels the way a browser connects the
// BroadcastChannel objects of one origin. Each HubChannel stands in for one
// tab.
type Hub struct {
	channels map[*HubChannel]struct{}
	mux      sync.Mutex
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[*HubChannel]struct{})}
}

// NewChannel returns a new channel joined to the hub.
func (h *Hub) NewChannel() *HubChannel {
	c := &HubChannel{hub: h, listeners: make(map[chan []byte]struct{})}
	h.mux.Lock()
	h.channels[c] = struct{}{}
	h.mux.Unlock()
	return c
}

func (h *Hub) others(c *HubChannel) []*HubChannel {
	h.mux.Lock()
	defer h.mux.Unlock()
	others := make([]*HubChannel, 0, len(h.channels))
	for o := range h.channels {
		if o != c {
			others = append(others, o)
		}
	}
	return others
}

// HubChannel is a Channel joined to a Hub.
type HubChannel struct {
	hub       *Hub
	listeners map[chan []byte]struct{}
	closed    bool
	mux       sync.Mutex
}

// Post delivers a copy of the data to every other channel of the hub.
func (c *HubChannel) Post(data []byte) error {
	c.mux.Lock()
	closed := c.closed
	c.mux.Unlock()
	if closed {
		return ErrClosed
	}

	for _, o := range c.hub.others(c) {
		o.deliver(data)
	}
	return nil
}

func (c *HubChannel) deliver(data []byte) {
	c.mux.Lock()
	defer c.mux.Unlock()
	for l := range c.listeners {
		p := make([]byte, len(data))
		copy(p, data)
		l <- p
	}
}

// Listen registers a listener that is removed when the context is done.
func (c *HubChannel) Listen(ctx context.Context) (<-chan []byte, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	l := make(chan []byte, hubBufferSize)
	c.listeners[l] = struct{}{}
	go func() {
		<-ctx.Done()
		c.removeListener(l)
	}()
	return l, nil
}

func (c *HubChannel) removeListener(l chan []byte) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if _, exists := c.listeners[l]; exists {
		delete(c.listeners, l)
		close(l)
	}
}

// Close leaves the hub and closes every listener.
func (c *HubChannel) Close() error {
	c.hub.mux.Lock()
	delete(c.hub.channels, c)
	c.hub.mux.Unlock()

	c.mux.Lock()
	defer c.mux.Unlock()
	c.closed = true
	for l := range c.listeners {
		delete(c.listeners, l)
		close(l)
	}
	return nil
}
