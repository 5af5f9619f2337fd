////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package overlay contains the overlay network clients used by the transport:
// an in-process network for tests and native tools, and a GossipSub client
// over libp2p.
package overlay

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RetentionParams bound the per-topic replay buffer.
type RetentionParams struct {
	// MaxAge is how long a message stays replayable.
	MaxAge time.Duration `json:"maxAge"`

	// MaxEntries is the number of messages kept per topic.
	MaxEntries int `json:"maxEntries"`
}

// DefaultRetentionParams returns the default retention of seven days and 500
// messages per topic.
func DefaultRetentionParams() RetentionParams {
	return RetentionParams{
		MaxAge:     7 * 24 * time.Hour,
		MaxEntries: 500,
	}
}

type retained struct {
	at   time.Time
	data []byte
}

// Retention is a bounded per-topic buffer of recently seen messages.
type Retention struct {
	params RetentionParams
	clock  clock.Clock
	topics map[string][]retained
	mux    sync.Mutex
}

// NewRetention returns an empty Retention.
func NewRetention(params RetentionParams, c clock.Clock) *Retention {
	if c == nil {
		c = clock.New()
	}
	return &Retention{
		params: params,
		clock:  c,
		topics: make(map[string][]retained),
	}
}

// Add records a copy of the message. The oldest message of the topic is
// dropped once MaxEntries is reached.
func (r *Retention) Add(topic string, data []byte) {
	r.mux.Lock()
	defer r.mux.Unlock()

	entries := r.prune(topic)
	if r.params.MaxEntries > 0 && len(entries) >= r.params.MaxEntries {
		entries = entries[len(entries)-r.params.MaxEntries+1:]
	}
	entries = append(entries,
		retained{at: r.clock.Now(), data: append([]byte(nil), data...)})
	r.topics[topic] = entries
}

// Get returns copies of the retained messages of the topic, oldest first.
func (r *Retention) Get(topic string) [][]byte {
	r.mux.Lock()
	defer r.mux.Unlock()

	entries := r.prune(topic)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = append([]byte(nil), e.data...)
	}
	return out
}

// prune drops expired messages of the topic. It must be called with the lock
// held.
func (r *Retention) prune(topic string) []retained {
	entries := r.topics[topic]
	if r.params.MaxAge <= 0 {
		return entries
	}
	cutoff := r.clock.Now().Add(-r.params.MaxAge)
	i := 0
	for i < len(entries) && !entries[i].at.After(cutoff) {
		i++
	}
	if i == len(entries) {
		delete(r.topics, topic)
		return nil
	}
	entries = entries[i:]
	r.topics[topic] = entries
	return entries
}
