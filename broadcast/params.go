////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package broadcast

import "time"

// Params configures a [Manager].
type Params struct {
	// MessageLogging prints every message sent to or received from another
	// tab at DEBUG.
	MessageLogging bool `json:"messageLogging"`

	// ResponseTimeout bounds Request when no timeout is given.
	ResponseTimeout time.Duration `json:"responseTimeout"`
}

// DefaultParams returns the Params used by the engine.
func DefaultParams() Params {
	return Params{ResponseTimeout: 5 * time.Second}
}
