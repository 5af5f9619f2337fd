////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package model

import (
	"reflect"
	"testing"
)

// Tests that SnapshotIndex.Recent returns the newest IDs first and never more
// than are stored.
func TestSnapshotIndex_Recent(t *testing.T) {
	si := SnapshotIndex{CIDs: []string{"a", "b", "c", "d", "e", "f", "g"}}

	tests := []struct {
		n        int
		expected []string
	}{
		{0, nil},
		{1, []string{"g"}},
		{5, []string{"g", "f", "e", "d", "c"}},
		{50, []string{"g", "f", "e", "d", "c", "b", "a"}},
	}

	for i, tt := range tests {
		received := si.Recent(tt.n)
		if !reflect.DeepEqual(tt.expected, received) {
			t.Errorf("Unexpected IDs for n=%d (%d).\nexpected: %v\nreceived: %v",
				tt.n, i, tt.expected, received)
		}
	}

	if r := (SnapshotIndex{}).Recent(5); r != nil {
		t.Errorf("Expected nil for empty index, received %v", r)
	}
}

// Tests that Message.Completeness prefers copies with more information.
func TestMessage_Completeness(t *testing.T) {
	bare := Message{ID: "m"}
	full := Message{ID: "m", Signature: []byte{1}, IsVerified: true,
		DecryptionStatus: Decrypted, SendStatus: Sent,
		Metadata: map[string]string{"source": "overlay"}}

	if bare.Completeness() >= full.Completeness() {
		t.Errorf("Expected bare message to be less complete than full message."+
			"\nbare: %d\nfull: %d", bare.Completeness(), full.Completeness())
	}
}
