////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"

	"gitlab.com/kinship/web3chat/envelope"
	"gitlab.com/kinship/web3chat/storage"
)

// tempWalletPrefix prefixes the storage key of a user's temp wallet.
const tempWalletPrefix = "temp/"

// TempWallet is a locally generated signer used before the user connects a
// real wallet. It lets the messaging identity exist from the first visit.
type TempWallet struct {
	KeyPair envelope.EncryptionKeyPair `json:"keyPair"`
}

// NewTempWallet generates a random temp wallet.
func NewTempWallet() (*TempWallet, error) {
	kp, err := envelope.GenerateKeyPair(nil)
	if err != nil {
		return nil, err
	}
	return &TempWallet{KeyPair: kp}, nil
}

// Address returns the pseudo-address of the wallet.
func (w *TempWallet) Address() string {
	return "temp:" + hex.EncodeToString(w.KeyPair.PublicKey[:20])
}

// Sign signs the message with the wallet key. It satisfies SignFunc.
func (w *TempWallet) Sign(_ context.Context, message string) ([]byte, error) {
	return ed25519.Sign(w.KeyPair.SecretKey, []byte(message)), nil
}

// loadOrCreateTempWallet returns the stored temp wallet for the user or
// stores a new one.
func loadOrCreateTempWallet(ctx context.Context, kv storage.KeyValueStore,
	userID string) (*TempWallet, error) {
	var w *TempWallet
	err := storage.UpdateJSON(ctx, kv, storage.KeysNamespace,
		tempWalletPrefix+userID,
		func(cur TempWallet, exists bool) (*TempWallet, error) {
			if exists {
				w = &cur
				return &cur, nil
			}
			var err error
			if w, err = NewTempWallet(); err != nil {
				return nil, err
			}
			return w, nil
		})
	return w, err
}

func deleteTempWallet(ctx context.Context, kv storage.KeyValueStore,
	userID string) error {
	return kv.Delete(ctx, storage.KeysNamespace, tempWalletPrefix+userID)
}
