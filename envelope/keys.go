////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package envelope

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"io"

	"filippo.io/edwards25519"
	"github.com/pkg/errors"
	"gitlab.com/xx_network/crypto/csprng"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// dmInfo is the HKDF info string for conversation keys.
const dmInfo = "web3chat/dm/v1"

// EncryptionKeyPair is an identity key pair. The Ed25519 keys sign envelopes
// and rotation messages; their X25519 equivalents are used for key
// agreement.
type EncryptionKeyPair struct {
	PublicKey ed25519.PublicKey  `json:"publicKey"`
	SecretKey ed25519.PrivateKey `json:"secretKey"`
}

// NewKeyPairFromSeed deterministically builds a key pair from a 32-byte seed.
func NewKeyPairFromSeed(seed []byte) (EncryptionKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return EncryptionKeyPair{}, errors.Errorf(
			"seed must be %d bytes, received %d", ed25519.SeedSize, len(seed))
	}
	sk := ed25519.NewKeyFromSeed(seed)
	return EncryptionKeyPair{
		PublicKey: sk.Public().(ed25519.PublicKey),
		SecretKey: sk,
	}, nil
}

// GenerateKeyPair returns a random key pair read from the given source. A nil
// source uses the system RNG.
func GenerateKeyPair(rng io.Reader) (EncryptionKeyPair, error) {
	if rng == nil {
		rng = csprng.NewSystemRNG()
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rng, seed); err != nil {
		return EncryptionKeyPair{}, errors.Wrap(err, "failed to read seed")
	}
	return NewKeyPairFromSeed(seed)
}

// Equal reports whether both pairs hold the same keys.
func (kp EncryptionKeyPair) Equal(o EncryptionKeyPair) bool {
	return bytes.Equal(kp.PublicKey, o.PublicKey) &&
		bytes.Equal(kp.SecretKey, o.SecretKey)
}

// IsZero reports whether the pair is unset.
func (kp EncryptionKeyPair) IsZero() bool {
	return len(kp.PublicKey) == 0 && len(kp.SecretKey) == 0
}

// Seed returns the 32-byte seed of the secret key.
func (kp EncryptionKeyPair) Seed() []byte {
	return kp.SecretKey.Seed()
}

// X25519Public converts an Ed25519 public key to its Montgomery form.
func X25519Public(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.Errorf("public key must be %d bytes, received %d",
			ed25519.PublicKeySize, len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, errors.Wrap(err, "invalid Ed25519 public key")
	}
	return p.BytesMontgomery(), nil
}

// X25519Secret converts an Ed25519 secret key to the X25519 scalar used for
// key agreement.
func X25519Secret(sk ed25519.PrivateKey) []byte {
	h := sha512.Sum512(sk.Seed())
	s := make([]byte, curve25519.ScalarSize)
	copy(s, h[:curve25519.ScalarSize])
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
	return s
}

// SharedSecret returns the symmetric key shared by the owner of mySecret and
// the owner of peerPublic. Both sides derive the same key.
func SharedSecret(
	mySecret ed25519.PrivateKey, peerPublic ed25519.PublicKey) ([]byte, error) {
	if len(mySecret) != ed25519.PrivateKeySize {
		return nil, errors.Errorf("secret key must be %d bytes, received %d",
			ed25519.PrivateKeySize, len(mySecret))
	}
	peer, err := X25519Public(peerPublic)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(X25519Secret(mySecret), peer)
	if err != nil {
		return nil, errors.Wrap(err, "key agreement failed")
	}

	// Salt with both X25519 public keys in a fixed order so both sides agree
	mine, err := X25519Public(mySecret.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	salt := make([]byte, 0, 2*curve25519.PointSize)
	if bytes.Compare(mine, peer) < 0 {
		salt = append(append(salt, mine...), peer...)
	} else {
		salt = append(append(salt, peer...), mine...)
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, shared, salt, []byte(dmInfo))
	if _, err = io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "key derivation failed")
	}
	return key, nil
}
