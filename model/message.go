////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package model contains the records shared between the messaging engine
// components. They are stored as JSON in the local key-value store, so the
// JSON tags are part of the storage format and must not change.
package model

import (
	"time"
)

// WalletType describes where an identity key was derived from.
type WalletType string

const (
	// WalletTemp is a locally generated wallet used before the user connects
	// a real one.
	WalletTemp WalletType = "temp"

	// WalletReal is an externally connected wallet.
	WalletReal WalletType = "real"
)

// ContentType is the type of the payload carried by a Message.
type ContentType string

const (
	TextContent    ContentType = "text"
	ReceiptContent ContentType = "receipt"
)

// DecryptionStatus records whether a Message payload could be decrypted.
type DecryptionStatus string

const (
	DecryptionPending DecryptionStatus = "pending"
	Decrypted         DecryptionStatus = "decrypted"
	DecryptionFailed  DecryptionStatus = "failed"
)

// SendStatus is the delivery state of an outgoing message.
type SendStatus string

const (
	Queued    SendStatus = "queued"
	Sending   SendStatus = "sending"
	Sent      SendStatus = "sent"
	Delivered SendStatus = "delivered"
	Failed    SendStatus = "failed"
)

// Message is a decoded direct message. The ID is globally unique and stable
// across every history source, so it is the deduplication key.
type Message struct {
	ID               string            `json:"id"`
	SenderUserID     string            `json:"senderUserId"`
	RecipientUserID  string            `json:"recipientUserId"`
	Content          string            `json:"content"`
	ContentType      ContentType       `json:"contentType"`
	Timestamp        time.Time         `json:"timestamp"`
	Signature        []byte            `json:"signature,omitempty"`
	IsVerified       bool              `json:"isVerified"`
	DecryptionStatus DecryptionStatus  `json:"decryptionStatus"`
	SendStatus       SendStatus        `json:"sendStatus,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Completeness is a rough measure of how much information a copy of a message
// carries. It is used to pick between duplicates with equal timestamps.
func (m Message) Completeness() int {
	n := len(m.Metadata)
	if m.IsVerified {
		n++
	}
	if len(m.Signature) > 0 {
		n++
	}
	if m.DecryptionStatus == Decrypted {
		n++
	}
	if m.SendStatus != "" {
		n++
	}
	return n
}
