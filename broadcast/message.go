////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package broadcast

// Message is the outer message that contains the contents of each message
// sent between tabs. It is transmitted as JSON.
type Message struct {
	Tag    Tag    `json:"tag"`
	ID     uint64 `json:"id"`
	Sender string `json:"sender"`

	// Response is true when the message answers a request. Target is then the
	// sender of the request; every other tab ignores it.
	Response bool   `json:"response"`
	Target   string `json:"target,omitempty"`

	Data []byte `json:"data"`
}
