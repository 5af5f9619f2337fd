////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package storage

import (
	"context"
	"io"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/crypto/indexedDb"
	"gitlab.com/xx_network/crypto/csprng"
)

const (
	// cipherSaltKey is the MetaNamespace key of the database cipher salt.
	cipherSaltKey = "cipherSalt"
	cipherSaltLen = 32

	// CipherBlockSize is the padded size of every encrypted value. Values
	// must be smaller; the largest is an identity record with its rotation
	// history.
	CipherBlockSize = 1 << 16
)

// NewStoreCipher returns the cipher for the store derived from the password.
// The salt is generated on first use and kept in the store, so every tab
// opening the same store with the same password gets the same cipher.
func NewStoreCipher(ctx context.Context, kv KeyValueStore, password []byte) (
	indexedDb.Cipher, error) {
	if len(password) == 0 {
		return nil, errors.New("database password is empty")
	}

	var salt []byte
	err := kv.Update(ctx, MetaNamespace, cipherSaltKey,
		func(old []byte, exists bool) ([]byte, error) {
			if exists {
				salt = old
				return old, nil
			}
			salt = make([]byte, cipherSaltLen)
			if _, err := io.ReadFull(csprng.NewSystemRNG(), salt); err != nil {
				return nil, errors.Wrap(err, "failed to generate salt")
			}
			jww.INFO.Printf("[STORE] Generated new database cipher salt")
			return salt, nil
		})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load cipher salt")
	}

	c, err := indexedDb.NewCipher(
		password, salt, CipherBlockSize, csprng.NewSystemRNG())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create database cipher")
	}
	return c, nil
}

// EncryptedStore encrypts the values of selected namespaces before they
// reach the underlying store. Keys are stored in the clear.
type EncryptedStore struct {
	KeyValueStore
	cipher    indexedDb.Cipher
	encrypted map[Namespace]bool
}

// NewEncryptedStore wraps kv so values in the given namespaces are encrypted
// with the cipher.
func NewEncryptedStore(kv KeyValueStore, c indexedDb.Cipher,
	namespaces ...Namespace) *EncryptedStore {
	es := &EncryptedStore{
		KeyValueStore: kv,
		cipher:        c,
		encrypted:     make(map[Namespace]bool, len(namespaces)),
	}
	for _, ns := range namespaces {
		es.encrypted[ns] = true
	}
	return es
}

// Get returns the decrypted value stored at the key.
func (es *EncryptedStore) Get(ctx context.Context, ns Namespace, key string) (
	[]byte, error) {
	data, err := es.KeyValueStore.Get(ctx, ns, key)
	if err != nil || !es.encrypted[ns] {
		return data, err
	}
	return es.decrypt(ns, key, data)
}

// Set encrypts the value and stores it at the key.
func (es *EncryptedStore) Set(ctx context.Context, ns Namespace, key string,
	value []byte) error {
	if es.encrypted[ns] {
		var err error
		if value, err = es.encrypt(ns, key, value); err != nil {
			return err
		}
	}
	return es.KeyValueStore.Set(ctx, ns, key, value)
}

// Update runs fn on the decrypted value and encrypts its result.
func (es *EncryptedStore) Update(ctx context.Context, ns Namespace, key string,
	fn UpdateFunc) error {
	if !es.encrypted[ns] {
		return es.KeyValueStore.Update(ctx, ns, key, fn)
	}
	return es.KeyValueStore.Update(ctx, ns, key,
		func(old []byte, exists bool) ([]byte, error) {
			if exists {
				var err error
				if old, err = es.decrypt(ns, key, old); err != nil {
					return nil, err
				}
			}
			next, err := fn(old, exists)
			if err != nil || next == nil {
				return nil, err
			}
			return es.encrypt(ns, key, next)
		})
}

func (es *EncryptedStore) encrypt(ns Namespace, key string, value []byte) (
	[]byte, error) {
	ciphertext, err := es.cipher.Encrypt(value)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encrypt %s/%s", ns, key)
	}
	return []byte(ciphertext), nil
}

func (es *EncryptedStore) decrypt(ns Namespace, key string, data []byte) (
	[]byte, error) {
	plaintext, err := es.cipher.Decrypt(string(data))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decrypt %s/%s", ns, key)
	}
	return plaintext, nil
}
