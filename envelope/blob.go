////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package envelope

import (
	"crypto/ed25519"
	"io"

	"github.com/pkg/errors"
	"gitlab.com/xx_network/crypto/csprng"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const archiveLabel = "web3chat/archive/v1"

// ArchiveKey returns the key used to encrypt the snapshots of one
// conversation. It is derived from the identity seed, so any device holding
// the same identity can read its own archives.
func ArchiveKey(secret ed25519.PrivateKey, conversationID string) ([]byte, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, errors.New("identity secret key is not set")
	}
	h, err := blake2b.New256(secret.Seed())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create keyed hash")
	}
	h.Write([]byte(archiveLabel))
	h.Write([]byte(conversationID))
	return h.Sum(nil), nil
}

// SealBlob encrypts data with the key. The output is nonce || ciphertext and
// the conversation id is bound as associated data.
func SealBlob(key []byte, conversationID string, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	nonce := make([]byte, NonceSize, NonceSize+len(data)+aead.Overhead())
	if _, err = io.ReadFull(csprng.NewSystemRNG(), nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}
	return aead.Seal(nonce, nonce, data, blobAAD(conversationID)), nil
}

// OpenBlob decrypts a blob made by SealBlob. Failures wrap
// ErrDecryptionFailed.
func OpenBlob(key []byte, conversationID string, blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	if len(blob) < NonceSize+aead.Overhead() {
		return nil, errors.Wrap(ErrDecryptionFailed, "blob too short")
	}
	data, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:],
		blobAAD(conversationID))
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	return data, nil
}

func blobAAD(conversationID string) []byte {
	c := NewCanonical(archiveLabel)
	c.String(conversationID)
	return c.Encoded()
}
