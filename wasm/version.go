////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

//go:build js && wasm

package wasm

import (
	"syscall/js"

	"gitlab.com/kinship/web3chat/storage"
)

// GetVersion returns the semantic version of the messaging engine.
//
// Returns:
//   - string
func GetVersion(js.Value, []js.Value) any {
	return storage.SEMVER
}

// GetStoredVersion returns the version stored before the last upgrade, or an
// empty string if the engine was not upgraded.
//
// Returns:
//   - string
func GetStoredVersion(js.Value, []js.Value) any {
	return storage.GetOldSemVersion()
}
