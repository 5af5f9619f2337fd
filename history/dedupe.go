////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package history

import (
	"bytes"
	"encoding/json"
	"sort"

	"gitlab.com/kinship/web3chat/model"
)

// DedupeAndSort merges messages from any number of sources into one list with
// a single entry per message ID, sorted by ascending timestamp. Ties between
// timestamps are ordered by ID.
//
// When an ID appears more than once, the entry with the later timestamp is
// kept. On equal timestamps the entry further along in delivery wins, then a
// decrypted entry, then the more complete one and finally the greater JSON
// encoding, so the result never depends on input order.
func DedupeAndSort(messages []model.Message) []model.Message {
	byID := make(map[string]model.Message, len(messages))
	for _, msg := range messages {
		cur, exists := byID[msg.ID]
		if !exists || replaces(msg, cur) {
			byID[msg.ID] = msg
		}
	}

	out := make([]model.Message, 0, len(byID))
	for _, msg := range byID {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// sendRanks orders send statuses by how far delivery progressed. Failed
// follows the attempts that led to it; a retry that succeeds overrides it
// with sent.
var sendRanks = map[model.SendStatus]int{
	model.Queued:    1,
	model.Sending:   2,
	model.Failed:    3,
	model.Sent:      4,
	model.Delivered: 5,
}

var decryptionRanks = map[model.DecryptionStatus]int{
	model.DecryptionFailed:  1,
	model.DecryptionPending: 2,
	model.Decrypted:         3,
}

// replaces reports whether next should replace cur for the same ID.
func replaces(next, cur model.Message) bool {
	if !next.Timestamp.Equal(cur.Timestamp) {
		return next.Timestamp.After(cur.Timestamp)
	}
	if a, b := sendRanks[next.SendStatus], sendRanks[cur.SendStatus]; a != b {
		return a > b
	}
	if a, b := decryptionRanks[next.DecryptionStatus],
		decryptionRanks[cur.DecryptionStatus]; a != b {
		return a > b
	}
	if a, b := next.Completeness(), cur.Completeness(); a != b {
		return a > b
	}
	return bytes.Compare(canonical(next), canonical(cur)) > 0
}

// canonical is the JSON encoding of the message. Map keys are sorted by
// encoding/json, so equal messages always encode the same.
func canonical(msg model.Message) []byte {
	data, _ := json.Marshal(msg)
	return data
}
