////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package identity

import (
	"context"
	"crypto/sha256"
	"io"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/crypto/hkdf"

	"gitlab.com/kinship/web3chat/envelope"
)

const identityInfo = "web3chat/identity/v1"

// ErrSignatureRejected is returned when the wallet declines, or fails, to
// sign the key derivation challenge. The operation can be retried by the
// user.
var ErrSignatureRejected = errors.New("signature rejected")

// SignFunc asks the wallet to sign a UTF-8 message. It returns an error if the
// user declines.
type SignFunc func(ctx context.Context, message string) ([]byte, error)

// Challenge returns the message a wallet signs to derive its messaging
// identity. It is bound to the address, so a signature for one address can
// never derive the keys of another.
func Challenge(address string) string {
	return "web3chat messaging identity\n" +
		"Version: 1\n" +
		"Address: " + strings.ToLower(strings.TrimSpace(address)) + "\n" +
		"Signing this message creates your end-to-end encryption keys. " +
		"It does not authorise any transaction."
}

// DeriveKeyPair obtains a signature over the address challenge and derives a
// key pair from it. The same wallet signing the same challenge always yields
// the same key pair, so keys can be recovered without any stored state.
func DeriveKeyPair(ctx context.Context, sign SignFunc, address string) (
	envelope.EncryptionKeyPair, error) {
	if sign == nil {
		return envelope.EncryptionKeyPair{},
			errors.Wrap(ErrSignatureRejected, "no signer available")
	}

	sig, err := sign(ctx, Challenge(address))
	if err != nil {
		return envelope.EncryptionKeyPair{},
			errors.Wrapf(ErrSignatureRejected, "%+v", err)
	} else if len(sig) == 0 {
		return envelope.EncryptionKeyPair{},
			errors.Wrap(ErrSignatureRejected, "empty signature")
	}

	seed := make([]byte, 32)
	salt := []byte(strings.ToLower(strings.TrimSpace(address)))
	r := hkdf.New(sha256.New, sig, salt, []byte(identityInfo))
	if _, err = io.ReadFull(r, seed); err != nil {
		return envelope.EncryptionKeyPair{},
			errors.Wrap(err, "failed to derive identity seed")
	}

	jww.DEBUG.Printf("[KEYS] Derived key pair for address %s", address)
	return envelope.NewKeyPairFromSeed(seed)
}
