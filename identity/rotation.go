////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/xx_network/crypto/csprng"

	"gitlab.com/kinship/web3chat/envelope"
)

const (
	rotationLabel = "web3chat/rotation/v1"
	nonceSize     = 16
)

// ErrRotationVerificationFailed is returned when a peer's rotation message
// fails a signature or sequence check. The rotation must not be applied.
var ErrRotationVerificationFailed = errors.New("rotation verification failed")

// HandshakeTopic is the per-user topic on which key rotations are announced.
func HandshakeTopic(userID string) string {
	return "/web3chat/1/handshake-" + userID + "/proto"
}

// KeyRotationMessage announces that a user replaced OldPublicKey with
// NewPublicKey. It is signed by both keys and is immutable once created.
type KeyRotationMessage struct {
	UserID         string            `json:"userId"`
	OldPublicKey   ed25519.PublicKey `json:"oldPublicKey"`
	NewPublicKey   ed25519.PublicKey `json:"newPublicKey"`
	SignatureOld   []byte            `json:"signatureOld"`
	SignatureNew   []byte            `json:"signatureNew"`
	SequenceNumber uint64            `json:"sequenceNumber"`
	Nonce          []byte            `json:"nonce"`
	Timestamp      int64             `json:"timestamp"`
}

// SigningBytes returns the canonical encoding of every unsigned field. Both
// signatures are over these bytes.
func (m KeyRotationMessage) SigningBytes() []byte {
	c := envelope.NewCanonical(rotationLabel)
	c.String(m.UserID)
	c.Bytes(m.OldPublicKey)
	c.Bytes(m.NewPublicKey)
	c.Uint64(m.SequenceNumber)
	c.Bytes(m.Nonce)
	c.Uint64(uint64(m.Timestamp))
	return c.Encoded()
}

// Marshal returns the JSON encoding published on the handshake topic.
func (m KeyRotationMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalRotation parses a rotation message published on a handshake topic.
func UnmarshalRotation(data []byte) (KeyRotationMessage, error) {
	var m KeyRotationMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return KeyRotationMessage{}, errors.Wrap(err,
			"failed to unmarshal rotation message")
	}
	return m, nil
}

// newRotationMessage builds a rotation message signed by both key pairs.
func newRotationMessage(userID string, oldPair, newPair envelope.EncryptionKeyPair,
	seq uint64, now time.Time, rng io.Reader) (KeyRotationMessage, error) {
	if rng == nil {
		rng = csprng.NewSystemRNG()
	}
	m := KeyRotationMessage{
		UserID:         userID,
		OldPublicKey:   oldPair.PublicKey,
		NewPublicKey:   newPair.PublicKey,
		SequenceNumber: seq,
		Nonce:          make([]byte, nonceSize),
		Timestamp:      now.UnixMilli(),
	}
	if _, err := io.ReadFull(rng, m.Nonce); err != nil {
		return KeyRotationMessage{}, errors.Wrap(err, "failed to generate nonce")
	}

	b := m.SigningBytes()
	m.SignatureOld = ed25519.Sign(oldPair.SecretKey, b)
	m.SignatureNew = ed25519.Sign(newPair.SecretKey, b)
	return m, nil
}

// VerifySignatures checks both signatures against the keys the message
// claims.
func (m KeyRotationMessage) VerifySignatures() error {
	if len(m.OldPublicKey) != ed25519.PublicKeySize ||
		len(m.NewPublicKey) != ed25519.PublicKeySize {
		return errors.Wrap(ErrRotationVerificationFailed, "malformed public key")
	}
	b := m.SigningBytes()
	if !ed25519.Verify(m.OldPublicKey, b, m.SignatureOld) {
		return errors.Wrap(ErrRotationVerificationFailed,
			"old key signature invalid")
	}
	if !ed25519.Verify(m.NewPublicKey, b, m.SignatureNew) {
		return errors.Wrap(ErrRotationVerificationFailed,
			"new key signature invalid")
	}
	return nil
}

// VerifyRotation checks a peer's rotation message before it is applied. Both
// signatures must verify, the old key must be the key currently trusted for
// the user and the sequence number must be exactly one greater than the last
// accepted one. This check must never be skipped.
func VerifyRotation(m KeyRotationMessage, claimedOldKey ed25519.PublicKey,
	lastSequence uint64) error {
	if err := m.VerifySignatures(); err != nil {
		return err
	}
	if !bytes.Equal(m.OldPublicKey, claimedOldKey) {
		return errors.Wrap(ErrRotationVerificationFailed,
			"old public key does not match the trusted key")
	}
	if m.SequenceNumber != lastSequence+1 {
		return errors.Wrapf(ErrRotationVerificationFailed,
			"sequence number %d does not follow %d",
			m.SequenceNumber, lastSequence)
	}
	return nil
}
