////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package envelope

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/kinship/web3chat/model"
)

func newPair(t *testing.T, seed int64) EncryptionKeyPair {
	kp, err := GenerateKeyPair(rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("Failed to generate key pair: %+v", err)
	}
	return kp
}

// Tests that both sides of a conversation derive the same shared secret and
// that a third party does not.
func TestSharedSecret(t *testing.T) {
	alice, bob, eve := newPair(t, 1), newPair(t, 2), newPair(t, 3)

	ab, err := SharedSecret(alice.SecretKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("Failed to derive secret: %+v", err)
	}
	ba, err := SharedSecret(bob.SecretKey, alice.PublicKey)
	if err != nil {
		t.Fatalf("Failed to derive secret: %+v", err)
	}
	if !bytes.Equal(ab, ba) {
		t.Errorf("Shared secrets differ.\nalice: %x\nbob:   %x", ab, ba)
	}

	ea, err := SharedSecret(eve.SecretKey, alice.PublicKey)
	if err != nil {
		t.Fatalf("Failed to derive secret: %+v", err)
	}
	if bytes.Equal(ab, ea) {
		t.Errorf("Third party derived the same secret.")
	}
}

// Tests that the same seed always gives the same key pair.
func TestNewKeyPairFromSeed_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := NewKeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("Failed to build key pair: %+v", err)
	}
	b, _ := NewKeyPairFromSeed(seed)
	if !a.Equal(b) {
		t.Errorf("Key pairs from the same seed differ.")
	}

	if _, err = NewKeyPairFromSeed(seed[:31]); err == nil {
		t.Errorf("Expected error for short seed.")
	}
}

// Tests that an envelope sealed by one side is opened and verified by the
// other.
func TestSeal_Open(t *testing.T) {
	alice, bob := newPair(t, 1), newPair(t, 2)
	secret, _ := SharedSecret(alice.SecretKey, bob.PublicKey)

	plaintext := []byte("gm")
	env, err := Seal(SealParams{
		ID:              "msg-1",
		ConversationID:  "convo",
		SenderUserID:    "alice",
		RecipientUserID: "bob",
		ContentType:     model.TextContent,
		Timestamp:       time.UnixMilli(1700000000000),
		Plaintext:       plaintext,
		Sender:          alice,
		RecipientKey:    bob.PublicKey,
		Secret:          secret,
	})
	if err != nil {
		t.Fatalf("Failed to seal: %+v", err)
	}

	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal: %+v", err)
	}
	received, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Failed to unmarshal: %+v", err)
	}
	if !received.Verify() {
		t.Errorf("Signature did not verify.")
	}

	bobSecret, _ := SharedSecret(bob.SecretKey, alice.PublicKey)
	opened, err := Open(received, bobSecret)
	if err != nil {
		t.Fatalf("Failed to open: %+v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Errorf("Unexpected plaintext.\nexpected: %q\nreceived: %q",
			plaintext, opened)
	}
}

// Tests that tampering with a header field fails both decryption and
// signature verification.
func TestOpen_Tampered(t *testing.T) {
	alice, bob := newPair(t, 1), newPair(t, 2)
	secret, _ := SharedSecret(alice.SecretKey, bob.PublicKey)
	env, err := Seal(SealParams{
		ID:          "msg-1",
		Timestamp:   time.Now(),
		Plaintext:   []byte("hi"),
		Sender:      alice,
		Secret:      secret,
		ContentType: model.TextContent,
	})
	if err != nil {
		t.Fatalf("Failed to seal: %+v", err)
	}

	env.SenderUserID = "mallory"
	if env.Verify() {
		t.Errorf("Tampered envelope verified.")
	}
	if _, err = Open(env, secret); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Unexpected error.\nexpected: %v\nreceived: %+v",
			ErrDecryptionFailed, err)
	}
}

// Tests that Unmarshal reports garbage as a decryption failure.
func TestUnmarshal_Invalid(t *testing.T) {
	if _, err := Unmarshal([]byte("not json")); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Unexpected error.\nexpected: %v\nreceived: %+v",
			ErrDecryptionFailed, err)
	}
}

// Tests that archive blobs round trip and are bound to their conversation.
func TestSealBlob_OpenBlob(t *testing.T) {
	kp := newPair(t, 4)
	key, err := ArchiveKey(kp.SecretKey, "convo-a")
	if err != nil {
		t.Fatalf("Failed to derive archive key: %+v", err)
	}
	again, _ := ArchiveKey(kp.SecretKey, "convo-a")
	if !bytes.Equal(key, again) {
		t.Errorf("Archive key is not deterministic.")
	}

	blob, err := SealBlob(key, "convo-a", []byte("bundle"))
	if err != nil {
		t.Fatalf("Failed to seal blob: %+v", err)
	}
	data, err := OpenBlob(key, "convo-a", blob)
	if err != nil {
		t.Fatalf("Failed to open blob: %+v", err)
	}
	if string(data) != "bundle" {
		t.Errorf("Unexpected blob contents: %q", data)
	}

	if _, err = OpenBlob(key, "convo-b", blob); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Blob opened under another conversation: %+v", err)
	}
}
