////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package broadcast

// Tag describes how a message sent between tabs should be handled.
type Tag string

// List of tags that can be used when sending a message or registering a handler
// to receive a message.
const (
	ConversationUpdatedTag Tag = "conversation_updated"
	OutboxUpdatedTag       Tag = "outbox_updated"

	// Transport leader election.
	ActiveTag   Tag = "waku_active"
	InactiveTag Tag = "waku_inactive"
	LeaseTag    Tag = "waku_lease"

	// Transport relay between followers and the leader.
	PublishTag   Tag = "waku_publish"
	ReplayTag    Tag = "waku_replay"
	SubscribeTag Tag = "waku_subscribe"
	MessageTag   Tag = "waku_message"
)
