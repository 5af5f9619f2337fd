////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package history

import (
	"math/rand"
	"reflect"
	"strconv"
	"testing"
	"time"

	"gitlab.com/kinship/web3chat/model"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func msgAt(id string, minutes int) model.Message {
	return model.Message{
		ID:               id,
		SenderUserID:     "alice",
		RecipientUserID:  "bob",
		Content:          "message " + id,
		ContentType:      model.TextContent,
		Timestamp:        testEpoch.Add(time.Duration(minutes) * time.Minute),
		DecryptionStatus: model.Decrypted,
	}
}

// Tests that each ID appears once and the output is sorted by timestamp then
// ID.
func TestDedupeAndSort(t *testing.T) {
	input := []model.Message{
		msgAt("c", 3), msgAt("a", 1), msgAt("b", 1), msgAt("a", 1),
		msgAt("d", 0), msgAt("c", 3),
	}
	expected := []string{"d", "a", "b", "c"}

	out := DedupeAndSort(input)
	if len(out) != len(expected) {
		t.Fatalf("Unexpected number of messages.\nexpected: %d\nreceived: %d",
			len(expected), len(out))
	}
	for i, msg := range out {
		if msg.ID != expected[i] {
			t.Errorf("Unexpected message at %d.\nexpected: %s\nreceived: %s",
				i, expected[i], msg.ID)
		}
	}
}

// Tests that the later timestamp wins and, on equal timestamps, the more
// complete entry wins regardless of input order.
func TestDedupeAndSort_Conflicts(t *testing.T) {
	older := msgAt("x", 1)
	newer := msgAt("x", 2)
	newer.Content = "edited"

	bare := msgAt("y", 5)
	bare.DecryptionStatus = model.DecryptionPending
	rich := msgAt("y", 5)
	rich.IsVerified = true
	rich.Signature = []byte{1, 2, 3}

	for _, input := range [][]model.Message{
		{older, newer, bare, rich},
		{rich, bare, newer, older},
	} {
		out := DedupeAndSort(input)
		if len(out) != 2 {
			t.Fatalf("Expected 2 messages, received %d.", len(out))
		}
		if !reflect.DeepEqual(out[0], newer) {
			t.Errorf("Later timestamp did not win.\nexpected: %+v\nreceived: %+v",
				newer, out[0])
		}
		if !reflect.DeepEqual(out[1], rich) {
			t.Errorf("More complete entry did not win."+
				"\nexpected: %+v\nreceived: %+v", rich, out[1])
		}
	}
}

// Tests that DedupeAndSort is idempotent and does not depend on input order.
func TestDedupeAndSort_Properties(t *testing.T) {
	prng := rand.New(rand.NewSource(42))
	var input []model.Message
	for i := 0; i < 200; i++ {
		msg := msgAt(strconv.Itoa(prng.Intn(60)), prng.Intn(30))
		switch prng.Intn(4) {
		case 0:
			msg.Metadata = map[string]string{"n": strconv.Itoa(i)}
		case 1:
			msg.SendStatus = []model.SendStatus{model.Queued, model.Sent,
				model.Delivered, model.Failed}[prng.Intn(4)]
		case 2:
			msg.Content = "edit " + strconv.Itoa(i)
		}
		input = append(input, msg)
	}
	expected := DedupeAndSort(input)
	if again := DedupeAndSort(expected); !reflect.DeepEqual(again, expected) {
		t.Errorf("DedupeAndSort is not idempotent.")
	}

	for i := 0; i < 20; i++ {
		shuffled := append([]model.Message(nil), input...)
		prng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		if out := DedupeAndSort(shuffled); !reflect.DeepEqual(out, expected) {
			t.Fatalf("Output depends on input order (shuffle %d).", i)
		}
	}

	for i := 1; i < len(expected); i++ {
		if expected[i].Timestamp.Before(expected[i-1].Timestamp) {
			t.Errorf("Messages %d and %d out of order.", i-1, i)
		}
	}
}

// Tests that a copy further along in delivery wins over an equal-timestamp
// copy with the same amount of information, in either input order.
func TestDedupeAndSort_SendStatus(t *testing.T) {
	queued := msgAt("s", 1)
	queued.SendStatus = model.Queued
	sent := msgAt("s", 1)
	sent.SendStatus = model.Sent
	delivered := msgAt("s", 1)
	delivered.SendStatus = model.Delivered
	failed := msgAt("s", 1)
	failed.SendStatus = model.Failed
	failed.Metadata = map[string]string{"error": "timeout"}

	for _, input := range [][]model.Message{
		{sent, delivered}, {delivered, sent},
		{queued, failed, delivered, sent}, {sent, delivered, failed, queued},
	} {
		out := DedupeAndSort(input)
		if len(out) != 1 || out[0].SendStatus != model.Delivered {
			t.Errorf("Delivered copy did not win for %v.\nreceived: %+v",
				statuses(input), out)
		}
	}

	for _, input := range [][]model.Message{{failed, queued}, {queued, failed}} {
		if out := DedupeAndSort(input); out[0].SendStatus != model.Failed {
			t.Errorf("Queued copy won over a failed one: %+v", out[0])
		}
	}
}

// Tests that copies differing only in content resolve the same way in either
// order.
func TestDedupeAndSort_ContentTie(t *testing.T) {
	a := msgAt("c", 1)
	a.Content = "first"
	b := msgAt("c", 1)
	b.Content = "second"

	ab, ba := DedupeAndSort([]model.Message{a, b}), DedupeAndSort([]model.Message{b, a})
	if !reflect.DeepEqual(ab, ba) {
		t.Errorf("Tie depends on input order.\nexpected: %+v\nreceived: %+v",
			ab, ba)
	}
}

func statuses(msgs []model.Message) []model.SendStatus {
	s := make([]model.SendStatus, len(msgs))
	for i, msg := range msgs {
		s[i] = msg.SendStatus
	}
	return s
}

func TestDedupeAndSort_Empty(t *testing.T) {
	if out := DedupeAndSort(nil); len(out) != 0 {
		t.Errorf("Expected empty output, received %d messages.", len(out))
	}
}
