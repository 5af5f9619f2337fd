////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package conversations

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// idSize is the size of a conversation ID in bytes before hex encoding.
const idSize = 16

// ID returns the conversation ID of two users. It does not depend on the
// order of the arguments.
func ID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	h, err := blake2b.New(idSize, nil)
	if err != nil {
		// Only fails for invalid sizes or keys
		panic(err)
	}
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// ContentTopic returns the overlay topic carrying the messages of the
// conversation.
func ContentTopic(conversationID string) string {
	return "/web3chat/1/dm-" + conversationID + "/proto"
}

// InboxTopic returns the overlay topic on which the first message of a new
// conversation is announced to the user.
func InboxTopic(userID string) string {
	return "/web3chat/1/inbox-" + userID + "/proto"
}
