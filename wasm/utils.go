////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

//go:build js && wasm

package wasm

import (
	"context"
	"encoding/json"
	"syscall/js"

	"github.com/pkg/errors"

	"gitlab.com/elixxir/wasm-utils/exception"
	"gitlab.com/elixxir/wasm-utils/utils"
)

// await blocks until the Javascript promise settles or ctx is done. A
// rejection is returned as an error.
func await(ctx context.Context, promise js.Value) (js.Value, error) {
	type settled struct {
		result []js.Value
		err    []js.Value
	}
	ch := make(chan settled, 1)
	go func() {
		result, err := utils.Await(promise)
		ch <- settled{result, err}
	}()

	select {
	case s := <-ch:
		if s.err != nil {
			return js.Undefined(), jsError(s.err)
		} else if len(s.result) == 0 {
			return js.Undefined(), nil
		}
		return s.result[0], nil
	case <-ctx.Done():
		return js.Undefined(), ctx.Err()
	}
}

// jsError converts the arguments of a promise rejection into a Go error.
func jsError(args []js.Value) error {
	if len(args) == 0 {
		return errors.New("promise rejected")
	}
	return errors.New(js.Global().Get("String").Invoke(args[0]).String())
}

// resolveJSON resolves the promise with the JSON of v as a Uint8Array.
func resolveJSON(resolve, reject func(args ...any) js.Value, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		reject(exception.NewTrace(err))
		return
	}
	resolve(utils.CopyBytesToJS(data))
}

// marshalJS returns the JSON of v as a Uint8Array. Throws on failure.
func marshalJS(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		exception.ThrowTrace(err)
		return nil
	}
	return utils.CopyBytesToJS(data)
}
