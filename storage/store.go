////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package storage contains the local persistent key-value store used by every
// component of the messaging engine, along with its native (memory, SQLite)
// and browser (IndexedDB) implementations.
package storage

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// ErrNotExist is returned by Get when the key does not exist. It is
// os.ErrNotExist so callers can use either.
var ErrNotExist = os.ErrNotExist

// Namespace partitions the key space by the kind of record stored.
type Namespace string

// Namespaces used by the engine.
const (
	KeysNamespace          Namespace = "keys"
	RotationsNamespace     Namespace = "rotations"
	PeersNamespace         Namespace = "peers"
	MessagesNamespace      Namespace = "messages"
	ConversationsNamespace Namespace = "conversations"
	SnapshotsNamespace     Namespace = "snapshots"
	OutboxNamespace        Namespace = "outbox"
	MetaNamespace          Namespace = "meta"
)

// AllNamespaces lists every namespace, used when purging.
var AllNamespaces = []Namespace{KeysNamespace, RotationsNamespace,
	PeersNamespace, MessagesNamespace, ConversationsNamespace,
	SnapshotsNamespace, OutboxNamespace, MetaNamespace}

// UpdateFunc receives the current value of a key (nil and false if it does
// not exist) and returns the value to store. Returning nil deletes the key.
// Returning an error aborts the update without writing anything.
type UpdateFunc func(old []byte, exists bool) ([]byte, error)

// KeyValueStore is the local persistent store. All writes are atomic per key.
//
// Implementations hold an internal lock while running an UpdateFunc, so the
// function must not call back into the store.
type KeyValueStore interface {
	// Get returns the value stored at the key. Returns ErrNotExist if the key
	// does not exist.
	Get(ctx context.Context, ns Namespace, key string) ([]byte, error)

	// Set stores the value at the key, replacing any existing value.
	Set(ctx context.Context, ns Namespace, key string, value []byte) error

	// Delete removes the key. Deleting a key that does not exist is not an
	// error.
	Delete(ctx context.Context, ns Namespace, key string) error

	// Keys returns every key in the namespace in ascending order.
	Keys(ctx context.Context, ns Namespace) ([]string, error)

	// Update atomically reads, modifies and writes a single key.
	Update(ctx context.Context, ns Namespace, key string, fn UpdateFunc) error
}

// GetJSON loads the JSON value at the key into v.
func GetJSON(ctx context.Context, kv KeyValueStore, ns Namespace, key string,
	v any) error {
	data, err := kv.Get(ctx, ns, key)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "failed to unmarshal %s/%s", ns, key)
	}
	return nil
}

// SetJSON stores v as JSON at the key.
func SetJSON(ctx context.Context, kv KeyValueStore, ns Namespace, key string,
	v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s/%s", ns, key)
	}
	return kv.Set(ctx, ns, key, data)
}

// UpdateJSON atomically modifies the JSON value at the key. fn receives the
// zero value of T when the key does not exist. Returning a nil pointer
// deletes the key.
func UpdateJSON[T any](ctx context.Context, kv KeyValueStore, ns Namespace,
	key string, fn func(current T, exists bool) (*T, error)) error {
	return kv.Update(ctx, ns, key, func(old []byte, exists bool) ([]byte, error) {
		var current T
		if exists {
			if err := json.Unmarshal(old, &current); err != nil {
				return nil, errors.Wrapf(err,
					"failed to unmarshal %s/%s", ns, key)
			}
		}
		next, err := fn(current, exists)
		if err != nil {
			return nil, err
		} else if next == nil {
			return nil, nil
		}
		return json.Marshal(next)
	})
}

// IsNotExist reports whether the error means a key was missing.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}
