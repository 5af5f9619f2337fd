////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Params are the parameters of the Manager.
type Params struct {
	// GraceWindow is how long a new tab waits after announcing itself before
	// taking over the node.
	GraceWindow time.Duration `json:"graceWindow"`

	// InitialBackoff and MaxBackoff bound the doubling delay between connect
	// attempts.
	InitialBackoff time.Duration `json:"initialBackoff"`
	MaxBackoff     time.Duration `json:"maxBackoff"`

	// MaxAttempts is the number of failed connects before degraded mode.
	MaxAttempts int `json:"maxAttempts"`

	// DegradedInterval is the fixed delay between connects in degraded mode.
	DegradedInterval time.Duration `json:"degradedInterval"`

	// LeaseInterval is how often the leader renews its lease. Followers start
	// a new election when no lease is seen for LeaseTimeout.
	LeaseInterval time.Duration `json:"leaseInterval"`
	LeaseTimeout  time.Duration `json:"leaseTimeout"`

	// HealthInterval is how often a connected node checks its peer count.
	HealthInterval time.Duration `json:"healthInterval"`

	// RelayTimeout bounds a follower's wait for the leader.
	RelayTimeout time.Duration `json:"relayTimeout"`
}

// DefaultParams returns the default parameters.
func DefaultParams() Params {
	return Params{
		GraceWindow:      500 * time.Millisecond,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		MaxAttempts:      5,
		DegradedInterval: 60 * time.Second,
		LeaseInterval:    5 * time.Second,
		LeaseTimeout:     15 * time.Second,
		HealthInterval:   15 * time.Second,
		RelayTimeout:     5 * time.Second,
	}
}

// NewBackOff returns an exponential backoff starting at initial and doubling
// up to maxInterval, without jitter and without an elapsed time limit.
func NewBackOff(initial, maxInterval time.Duration, c backoff.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.MaxInterval = maxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if c != nil {
		b.Clock = c
	}
	b.Reset()
	return b
}
