////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package model

import (
	"time"
)

// EncryptionState describes the key agreement state of a Conversation.
type EncryptionState string

const (
	// EncryptionPending means the peer key has not been resolved yet.
	EncryptionPending EncryptionState = "pending"

	// EncryptionEstablished means a shared secret with the peer exists.
	EncryptionEstablished EncryptionState = "established"

	// EncryptionRotated means one of the parties rotated keys since the
	// conversation was established.
	EncryptionRotated EncryptionState = "rotated"
)

// Conversation is the local record of a direct conversation with one peer.
// There is exactly one per peer pairing.
type Conversation struct {
	ID              string          `json:"id"`
	PeerUserID      string          `json:"peerUserId"`
	ContentTopic    string          `json:"contentTopic"`
	EncryptionState EncryptionState `json:"encryptionState"`
	LastMessage     *Message        `json:"lastMessage,omitempty"`
	UnreadCount     int             `json:"unreadCount"`
	CreatedAt       time.Time       `json:"createdAt"`

	// RecentIDs are the IDs of the latest messages counted by the
	// conversation, oldest first, so redeliveries are not counted twice.
	RecentIDs []string `json:"recentIds,omitempty"`

	UpdatedAt       time.Time       `json:"updatedAt"`
}

// OutboxMessage is an outgoing message waiting for (or after) delivery.
type OutboxMessage struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	PeerUserID     string     `json:"peerUserId"`
	Topic          string     `json:"topic"`
	Message        []byte     `json:"message"`
	Plain          Message    `json:"plain"`
	SendStatus     SendStatus `json:"sendStatus"`
	RetryCount     int        `json:"retryCount"`
	MaxRetries     int        `json:"maxRetries"`
	QueuedAt       time.Time  `json:"queuedAt"`
	LastAttemptAt  *time.Time `json:"lastAttemptAt,omitempty"`
	Error          string     `json:"error,omitempty"`

	// Attempt identifies the send attempt that last claimed the record. Only
	// that attempt may write the record back.
	Attempt string `json:"attempt,omitempty"`
}

// SnapshotIndex is the append-only list of archive IDs of the snapshots made
// for one conversation, oldest first.
type SnapshotIndex struct {
	CIDs          []string  `json:"cids"`
	LastTimestamp time.Time `json:"lastTimestamp"`
}

// Recent returns up to n of the most recent snapshot IDs, newest first.
func (si SnapshotIndex) Recent(n int) []string {
	if n <= 0 || len(si.CIDs) == 0 {
		return nil
	}
	if n > len(si.CIDs) {
		n = len(si.CIDs)
	}
	recent := make([]string, 0, n)
	for i := len(si.CIDs) - 1; i >= len(si.CIDs)-n; i-- {
		recent = append(recent, si.CIDs[i])
	}
	return recent
}
