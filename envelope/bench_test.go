////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package envelope

import (
	"strconv"
	"testing"
	"time"

	"gitlab.com/xx_network/crypto/csprng"

	"gitlab.com/kinship/web3chat/model"
)

func benchPair(b *testing.B) EncryptionKeyPair {
	kp, err := GenerateKeyPair(csprng.NewSystemRNG())
	if err != nil {
		b.Fatalf("Failed to generate key pair: %+v", err)
	}
	return kp
}

// Benchmarks shared secret derivation between two identity keys.
func BenchmarkSharedSecret(b *testing.B) {
	privKeys := make([]EncryptionKeyPair, b.N)
	pubKeys := make([]EncryptionKeyPair, b.N)
	for i := 0; i < b.N; i++ {
		privKeys[i], pubKeys[i] = benchPair(b), benchPair(b)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := SharedSecret(privKeys[i].SecretKey, pubKeys[i].PublicKey); err != nil {
			b.Fatalf("SharedSecret error: %+v", err)
		}
	}
}

func benchSealParams(b *testing.B, i int) SealParams {
	alice, bob := benchPair(b), benchPair(b)
	secret, err := SharedSecret(alice.SecretKey, bob.PublicKey)
	if err != nil {
		b.Fatalf("SharedSecret error: %+v", err)
	}
	return SealParams{
		ID:              strconv.Itoa(i),
		ConversationID:  "conversation",
		SenderUserID:    "alice",
		RecipientUserID: "bob",
		ContentType:     model.TextContent,
		Timestamp:       time.Unix(0, 0),
		Plaintext:       []byte(strconv.Itoa(i) + "test12345"),
		Sender:          alice,
		RecipientKey:    bob.PublicKey,
		Secret:          secret,
	}
}

// Benchmarks encrypting and signing a short message.
func BenchmarkSeal(b *testing.B) {
	p := benchSealParams(b, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Seal(p); err != nil {
			b.Fatalf("Seal error: %+v", err)
		}
	}
}

// Benchmarks verifying and decrypting a short message.
func BenchmarkVerifyOpen(b *testing.B) {
	p := benchSealParams(b, 0)
	env, err := Seal(p)
	if err != nil {
		b.Fatalf("Seal error: %+v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !env.Verify() {
			b.Fatal("Signature did not verify.")
		}
		if _, err = Open(env, p.Secret); err != nil {
			b.Fatalf("Open error: %+v", err)
		}
	}
}
