////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package peers

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type ttlEntry[V any] struct {
	value   V
	expires time.Time
}

// TTLCache is a thread-safe map whose entries expire a fixed duration after
// the time they were stored at.
type TTLCache[V any] struct {
	ttl     time.Duration
	clock   clock.Clock
	entries map[string]ttlEntry[V]
	mux     sync.Mutex
}

// NewTTLCache returns an empty cache.
func NewTTLCache[V any](ttl time.Duration, c clock.Clock) *TTLCache[V] {
	if c == nil {
		c = clock.New()
	}
	return &TTLCache[V]{
		ttl:     ttl,
		clock:   c,
		entries: make(map[string]ttlEntry[V]),
	}
}

// Get returns the value at the key if it exists and has not expired. Expired
// entries are evicted.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	e, exists := c.entries[key]
	if !exists {
		var zero V
		return zero, false
	}
	if !c.clock.Now().Before(e.expires) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores the value as of storedAt. A value stored at a time already older
// than the TTL is not stored.
func (c *TTLCache[V]) Set(key string, value V, storedAt time.Time) {
	expires := storedAt.Add(c.ttl)
	c.mux.Lock()
	defer c.mux.Unlock()
	if !c.clock.Now().Before(expires) {
		delete(c.entries, key)
		return
	}
	c.entries[key] = ttlEntry[V]{value: value, expires: expires}
}

// Delete removes the key.
func (c *TTLCache[V]) Delete(key string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	delete(c.entries, key)
}

// Range calls fn for every live entry. fn must not call back into the cache.
func (c *TTLCache[V]) Range(fn func(key string, value V)) {
	c.mux.Lock()
	defer c.mux.Unlock()
	now := c.clock.Now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			continue
		}
		fn(k, e.value)
	}
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *TTLCache[V]) Len() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.entries)
}
