////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package envelope contains the cryptographic primitives of the messaging
// engine: identity key pairs, key agreement, the signed and encrypted wire
// envelope and the symmetric blob encryption used for archives.
package envelope

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/xx_network/crypto/csprng"
	"golang.org/x/crypto/chacha20poly1305"

	"gitlab.com/kinship/web3chat/model"
)

// Version is the current envelope version.
const Version = 1

const (
	// KeySize is the size of a symmetric key.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the size of an XChaCha20-Poly1305 nonce.
	NonceSize = chacha20poly1305.NonceSizeX

	envelopeLabel = "web3chat/envelope/v1"
)

// ErrDecryptionFailed is returned when a payload cannot be decrypted or
// parsed. It is never fatal to a history load; the message is kept and
// marked as failed.
var ErrDecryptionFailed = errors.New("decryption failed")

// Envelope is the encrypted wire form of a message published on a content
// topic.
type Envelope struct {
	Version         int               `json:"v"`
	ID              string            `json:"id"`
	ConversationID  string            `json:"conversationId"`
	SenderUserID    string            `json:"senderUserId"`
	RecipientUserID string            `json:"recipientUserId"`
	SenderKey       ed25519.PublicKey `json:"senderKey"`
	RecipientKey    ed25519.PublicKey `json:"recipientKey"`
	ContentType     model.ContentType `json:"contentType"`
	Timestamp       int64             `json:"timestamp"`
	Nonce           []byte            `json:"nonce"`
	Ciphertext      []byte            `json:"ciphertext"`
	Signature       []byte            `json:"signature"`
}

// SealParams contains everything needed to seal an envelope.
type SealParams struct {
	ID              string
	ConversationID  string
	SenderUserID    string
	RecipientUserID string
	ContentType     model.ContentType
	Timestamp       time.Time
	Plaintext       []byte

	// Sender signs the envelope.
	Sender EncryptionKeyPair

	// RecipientKey is the peer's identity public key.
	RecipientKey ed25519.PublicKey

	// Secret is the shared secret between sender and recipient.
	Secret []byte

	// Rand is the nonce source. Defaults to the system RNG.
	Rand io.Reader
}

// Seal encrypts and signs a message.
func Seal(p SealParams) (*Envelope, error) {
	if len(p.Secret) != KeySize {
		return nil, errors.Errorf(
			"shared secret must be %d bytes, received %d", KeySize, len(p.Secret))
	} else if len(p.Sender.SecretKey) != ed25519.PrivateKeySize {
		return nil, errors.New("sender key pair is not set")
	}

	rng := p.Rand
	if rng == nil {
		rng = csprng.NewSystemRNG()
	}

	env := &Envelope{
		Version:         Version,
		ID:              p.ID,
		ConversationID:  p.ConversationID,
		SenderUserID:    p.SenderUserID,
		RecipientUserID: p.RecipientUserID,
		SenderKey:       p.Sender.PublicKey,
		RecipientKey:    p.RecipientKey,
		ContentType:     p.ContentType,
		Timestamp:       p.Timestamp.UnixMilli(),
		Nonce:           make([]byte, NonceSize),
	}
	if _, err := io.ReadFull(rng, env.Nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}

	aead, err := chacha20poly1305.NewX(p.Secret)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	env.Ciphertext = aead.Seal(nil, env.Nonce, p.Plaintext, env.aad())
	env.Signature = ed25519.Sign(p.Sender.SecretKey, env.signingBytes())

	return env, nil
}

// Open decrypts the envelope with the shared secret. It does not check the
// signature; see Envelope.Verify.
func Open(env *Envelope, secret []byte) ([]byte, error) {
	if env.Version != Version {
		return nil, errors.Wrapf(ErrDecryptionFailed,
			"unsupported envelope version %d", env.Version)
	} else if len(secret) != KeySize {
		return nil, errors.Wrap(ErrDecryptionFailed, "invalid shared secret")
	} else if len(env.Nonce) != NonceSize {
		return nil, errors.Wrap(ErrDecryptionFailed, "invalid nonce")
	}

	aead, err := chacha20poly1305.NewX(secret)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, env.aad())
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	return plaintext, nil
}

// Verify reports whether the signature is valid for the embedded sender key.
// Callers must separately check that SenderKey is the key they expect for
// SenderUserID.
func (env *Envelope) Verify() bool {
	if len(env.SenderKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(env.SenderKey, env.signingBytes(), env.Signature)
}

// SentAt returns the envelope timestamp.
func (env *Envelope) SentAt() time.Time {
	return time.UnixMilli(env.Timestamp).UTC()
}

// aad binds every header field to the ciphertext.
func (env *Envelope) aad() []byte {
	c := NewCanonical(envelopeLabel)
	c.Uint64(uint64(env.Version))
	c.String(env.ID)
	c.String(env.ConversationID)
	c.String(env.SenderUserID)
	c.String(env.RecipientUserID)
	c.Bytes(env.SenderKey)
	c.Bytes(env.RecipientKey)
	c.String(string(env.ContentType))
	c.Uint64(uint64(env.Timestamp))
	return c.Encoded()
}

func (env *Envelope) signingBytes() []byte {
	c := &Canonical{buf: env.aad()}
	c.Bytes(env.Nonce)
	c.Bytes(env.Ciphertext)
	return c.Encoded()
}

// Marshal returns the JSON encoding of the envelope.
func (env *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(env)
}

// Unmarshal parses a JSON envelope. Parse failures wrap ErrDecryptionFailed.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	return &env, nil
}

// Canonical writes length-prefixed fields so that no two distinct field lists
// encode to the same bytes. It is used for everything that is signed or bound
// as associated data.
type Canonical struct {
	buf []byte
}

// NewCanonical starts an encoding with a domain separation label.
func NewCanonical(label string) *Canonical {
	c := &Canonical{}
	c.String(label)
	return c
}

// Bytes appends a length-prefixed byte slice.
func (c *Canonical) Bytes(p []byte) {
	c.buf = binary.BigEndian.AppendUint32(c.buf, uint32(len(p)))
	c.buf = append(c.buf, p...)
}

// String appends a length-prefixed string.
func (c *Canonical) String(s string) { c.Bytes([]byte(s)) }

// Uint64 appends a fixed-width integer.
func (c *Canonical) Uint64(u uint64) {
	c.buf = binary.BigEndian.AppendUint64(c.buf, u)
}

// Encoded returns the encoding so far.
func (c *Canonical) Encoded() []byte { return c.buf }
