////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

//go:build js && wasm

package storage

import (
	"context"
	"encoding/base64"
	"sync"
	"syscall/js"
	"time"

	"github.com/hack-pad/go-indexeddb/idb"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	// dbTimeout is the timeout for a single IndexedDB operation.
	dbTimeout = time.Second

	// currentVersion is the current version of the IndexedDB schema. Bump it
	// and add an upgrade step whenever a namespace is added.
	currentVersion uint = 1

	// Record fields.
	pkeyName  = "key"
	valueName = "value"
)

// IndexedDbStore is a KeyValueStore backed by a browser IndexedDB database.
// Each Namespace is its own object store.
type IndexedDbStore struct {
	db  *idb.Database
	mux sync.Mutex
}

// NewIndexedDbStore opens (or creates) the named database and records its
// name so PurgeIndexedDbs can find it.
func NewIndexedDbStore(databaseName string) (*IndexedDbStore, error) {
	ctx, cancel := newContext()
	defer cancel()

	openRequest, err := idb.Global().Open(ctx, databaseName, currentVersion,
		func(db *idb.Database, oldVersion, newVersion uint) error {
			jww.INFO.Printf("[STORE] Upgrading IndexedDb %s from v%d to v%d",
				databaseName, oldVersion, newVersion)
			if oldVersion < 1 {
				return createNamespaces(db)
			}
			return nil
		})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", databaseName)
	}

	db, err := openRequest.Await(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", databaseName)
	}

	if err = RegisterDatabase(databaseName); err != nil {
		return nil, err
	}
	jww.INFO.Printf("[STORE] Opened IndexedDb %s v%d", databaseName,
		currentVersion)
	return &IndexedDbStore{db: db}, nil
}

// createNamespaces is the v1 schema: one object store per namespace keyed by
// the record key. Later versions may only add stores.
func createNamespaces(db *idb.Database) error {
	opts := idb.ObjectStoreOptions{KeyPath: js.ValueOf(pkeyName)}
	for _, ns := range AllNamespaces {
		if _, err := db.CreateObjectStore(string(ns), opts); err != nil {
			return errors.Wrapf(err, "failed to create object store %s", ns)
		}
	}
	return nil
}

func newContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), dbTimeout)
}

// withTimeout bounds a single request by both ctx and dbTimeout.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, dbTimeout)
}

// open starts a transaction on the namespace and returns its object store.
func (s *IndexedDbStore) open(mode idb.TransactionMode, ns Namespace) (
	*idb.Transaction, *idb.ObjectStore, error) {
	txn, err := s.db.Transaction(mode, string(ns))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to start transaction on %s", ns)
	}
	store, err := txn.ObjectStore(string(ns))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open object store %s", ns)
	}
	return txn, store, nil
}

// Get returns the value stored at the key.
func (s *IndexedDbStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	_, store, err := s.open(idb.TransactionReadOnly, ns)
	if err != nil {
		return nil, err
	}
	return getRecord(ctx, store, ns, key)
}

// Set stores the value at the key.
func (s *IndexedDbStore) Set(ctx context.Context, ns Namespace, key string, value []byte) error {
	txn, store, err := s.open(idb.TransactionReadWrite, ns)
	if err != nil {
		return err
	}
	if err = putRecord(ctx, store, ns, key, value); err != nil {
		return err
	}
	return commit(ctx, txn)
}

// Delete removes the key.
func (s *IndexedDbStore) Delete(ctx context.Context, ns Namespace, key string) error {
	txn, store, err := s.open(idb.TransactionReadWrite, ns)
	if err != nil {
		return err
	}
	if err = deleteRecord(ctx, store, ns, key); err != nil {
		return err
	}
	return commit(ctx, txn)
}

// Keys returns the keys of the namespace. Cursors iterate in ascending key
// order.
func (s *IndexedDbStore) Keys(ctx context.Context, ns Namespace) ([]string, error) {
	_, store, err := s.open(idb.TransactionReadOnly, ns)
	if err != nil {
		return nil, err
	}
	cursorRequest, err := store.OpenCursor(idb.CursorNext)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open cursor on %s", ns)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var keys []string
	err = cursorRequest.Iter(ctx, func(cursor *idb.CursorWithValue) error {
		k, err := cursor.Key()
		if err == nil {
			keys = append(keys, k.String())
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list keys in %s", ns)
	}
	return keys, nil
}

// Update reads and writes the key in a single readwrite transaction. The
// store lock keeps two updates from this tab interleaving on the same key.
func (s *IndexedDbStore) Update(ctx context.Context, ns Namespace, key string, fn UpdateFunc) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	txn, store, err := s.open(idb.TransactionReadWrite, ns)
	if err != nil {
		return err
	}

	old, err := getRecord(ctx, store, ns, key)
	exists := err == nil
	if err != nil && !IsNotExist(err) {
		return err
	}

	next, err := fn(old, exists)
	if err != nil {
		_ = txn.Abort()
		return err
	}

	if next == nil {
		err = deleteRecord(ctx, store, ns, key)
	} else {
		err = putRecord(ctx, store, ns, key, next)
	}
	if err != nil {
		return err
	}
	return commit(ctx, txn)
}

func getRecord(ctx context.Context, store *idb.ObjectStore, ns Namespace,
	key string) ([]byte, error) {
	request, err := store.Get(js.ValueOf(key))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s/%s", ns, key)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	record, err := request.Await(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s/%s", ns, key)
	} else if record.IsUndefined() || record.IsNull() {
		return nil, ErrNotExist
	}

	v := record.Get(valueName)
	if v.Type() != js.TypeString {
		return nil, errors.Errorf("value of %s/%s has type %s", ns, key, v.Type())
	}
	return base64.StdEncoding.DecodeString(v.String())
}

func putRecord(ctx context.Context, store *idb.ObjectStore, ns Namespace, key string,
	value []byte) error {
	request, err := store.Put(js.ValueOf(map[string]any{
		pkeyName:  key,
		valueName: base64.StdEncoding.EncodeToString(value),
	}))
	if err != nil {
		return errors.Wrapf(err, "failed to put %s/%s", ns, key)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err = request.Await(ctx)
	return errors.Wrapf(err, "failed to put %s/%s", ns, key)
}

func deleteRecord(ctx context.Context, store *idb.ObjectStore, ns Namespace,
	key string) error {
	request, err := store.Delete(js.ValueOf(key))
	if err != nil {
		return errors.Wrapf(err, "failed to delete %s/%s", ns, key)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return errors.Wrapf(request.Await(ctx), "failed to delete %s/%s", ns, key)
}

func commit(ctx context.Context, txn *idb.Transaction) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return errors.Wrap(txn.Await(ctx), "transaction failed")
}
