////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package history

import (
	"time"
)

// Params configures the Resolver.
type Params struct {
	// ReplayWindow is how far back overlay replay messages are accepted.
	ReplayWindow time.Duration `json:"replayWindow"`

	// MaxSnapshots is the number of most recent snapshots read on load.
	MaxSnapshots int `json:"maxSnapshots"`

	// MinMessages is the history size below which backend archives are read.
	MinMessages int `json:"minMessages"`

	// SnapshotEvery is the number of tracked messages that triggers a
	// snapshot.
	SnapshotEvery int `json:"snapshotEvery"`

	// BackendPageSize is the number of archives requested per page.
	BackendPageSize int `json:"backendPageSize"`

	// BackendMaxPages bounds the number of backend pages read per load.
	BackendMaxPages int `json:"backendMaxPages"`
}

// DefaultParams returns the default history parameters.
func DefaultParams() Params {
	return Params{
		ReplayWindow:    7 * 24 * time.Hour,
		MaxSnapshots:    5,
		MinMessages:     10,
		SnapshotEvery:   10,
		BackendPageSize: 50,
		BackendMaxPages: 4,
	}
}
