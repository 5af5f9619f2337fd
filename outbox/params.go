////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package outbox

import (
	"time"
)

// Params configures the Outbox.
type Params struct {
	// MaxRetries is the number of failed publish attempts after which a
	// message is marked failed.
	MaxRetries int `json:"maxRetries"`

	// InitialBackoff is the wait before the first retry. Each following
	// retry waits twice as long, up to MaxBackoff.
	InitialBackoff time.Duration `json:"initialBackoff"`
	MaxBackoff     time.Duration `json:"maxBackoff"`

	// SentRetention is how long sent messages without a receipt are kept.
	SentRetention time.Duration `json:"sentRetention"`

	// SendingTimeout is how long a message may stay in the sending state
	// before Flush treats it as queued again.
	SendingTimeout time.Duration `json:"sendingTimeout"`
}

// DefaultParams returns the default outbox parameters.
func DefaultParams() Params {
	return Params{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		SentRetention:  24 * time.Hour,
		SendingTimeout: time.Minute,
	}
}
