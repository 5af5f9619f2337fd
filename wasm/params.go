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

	"gitlab.com/elixxir/wasm-utils/exception"
	"gitlab.com/elixxir/wasm-utils/utils"

	"gitlab.com/kinship/web3chat/messenger"
)

// GetDefaultMessengerParams returns a JSON of the default parameters accepted
// by [NewMessenger].
//
// Returns:
//   - JSON of [messenger.Params] (Uint8Array).
func GetDefaultMessengerParams(js.Value, []js.Value) any {
	return utils.CopyBytesToJS(messenger.GetDefaultParamsJSON())
}

// ValidateMessengerParams checks that the JSON can be used as messenger
// parameters. Missing fields take their default value.
//
// Parameters:
//   - args[0] - JSON of [messenger.Params] (Uint8Array).
//
// Returns:
//   - JSON of the complete parameters (Uint8Array).
//   - Throws an error if the JSON is invalid.
func ValidateMessengerParams(_ js.Value, args []js.Value) any {
	p, err := messenger.ParamsFromJSON(utils.CopyBytesToGo(args[0]))
	if err != nil {
		exception.ThrowTrace(err)
		return nil
	}
	return marshalJS(p)
}
