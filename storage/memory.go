////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a KeyValueStore kept entirely in memory.
type MemoryStore struct {
	data map[Namespace]map[string][]byte
	mux  sync.Mutex
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[Namespace]map[string][]byte)}
}

// Get returns a copy of the value stored at the key.
func (ms *MemoryStore) Get(_ context.Context, ns Namespace, key string) ([]byte, error) {
	ms.mux.Lock()
	defer ms.mux.Unlock()
	v, exists := ms.data[ns][key]
	if !exists {
		return nil, ErrNotExist
	}
	return copyBytes(v), nil
}

// Set stores a copy of the value at the key.
func (ms *MemoryStore) Set(_ context.Context, ns Namespace, key string, value []byte) error {
	ms.mux.Lock()
	defer ms.mux.Unlock()
	ms.set(ns, key, value)
	return nil
}

// Delete removes the key.
func (ms *MemoryStore) Delete(_ context.Context, ns Namespace, key string) error {
	ms.mux.Lock()
	defer ms.mux.Unlock()
	delete(ms.data[ns], key)
	return nil
}

// Keys returns the sorted keys of the namespace.
func (ms *MemoryStore) Keys(_ context.Context, ns Namespace) ([]string, error) {
	ms.mux.Lock()
	defer ms.mux.Unlock()
	keys := make([]string, 0, len(ms.data[ns]))
	for k := range ms.data[ns] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Update runs fn under the store lock.
func (ms *MemoryStore) Update(_ context.Context, ns Namespace, key string, fn UpdateFunc) error {
	ms.mux.Lock()
	defer ms.mux.Unlock()

	old, exists := ms.data[ns][key]
	next, err := fn(copyBytes(old), exists)
	if err != nil {
		return err
	}
	if next == nil {
		delete(ms.data[ns], key)
		return nil
	}
	ms.set(ns, key, next)
	return nil
}

func (ms *MemoryStore) set(ns Namespace, key string, value []byte) {
	if _, exists := ms.data[ns]; !exists {
		ms.data[ns] = make(map[string][]byte)
	}
	ms.data[ns][key] = copyBytes(value)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
