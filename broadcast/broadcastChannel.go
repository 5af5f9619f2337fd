////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

//go:build js && wasm

package broadcast

import (
	"context"
	"syscall/js"

	"github.com/hack-pad/safejs"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/wasm-utils/utils"
)

// BroadcastChannel wraps a Javascript BroadcastChannel object.
//
// Doc: https://developer.mozilla.org/en-US/docs/Web/API/BroadcastChannel
type BroadcastChannel struct {
	safejs.Value
}

// NewBroadcastChannel opens the named BroadcastChannel.
func NewBroadcastChannel(name string) (*BroadcastChannel, error) {
	constructor, err := safejs.Global().Get("BroadcastChannel")
	if err != nil {
		return nil, err
	} else if constructor.Type() != safejs.TypeFunction {
		return nil, errors.New("BroadcastChannel is not supported")
	}

	v, err := constructor.New(name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open BroadcastChannel %q", name)
	}
	return &BroadcastChannel{v}, nil
}

// Post sends the bytes to every other BroadcastChannel of the same name.
func (bc *BroadcastChannel) Post(data []byte) error {
	_, err := bc.Call("postMessage", utils.CopyBytesToJS(data))
	return err
}

// Listen registers listeners on the BroadcastChannel and returns all received
// posts on the returned channel.
func (bc *BroadcastChannel) Listen(
	ctx context.Context) (_ <-chan []byte, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		if err != nil {
			cancel()
		}
	}()

	events := make(chan []byte, hubBufferSize)
	messageHandler, err := nonBlocking(func(args []safejs.Value) {
		data, err := args[0].Get("data")
		if err != nil {
			jww.ERROR.Printf("[BCAST] Failed to get message data: %+v", err)
			return
		}
		v := safejs.Unsafe(data)
		if v.Type() != js.TypeObject || !v.Get("constructor").Equal(utils.Uint8Array) {
			jww.ERROR.Printf("[BCAST] Cannot handle data of type %q: %s",
				v.Type(), utils.JsToJson(v))
			return
		}
		select {
		case events <- utils.CopyBytesToGo(v):
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, err
	}
	errorHandler, err := nonBlocking(func(args []safejs.Value) {
		jww.ERROR.Printf("[BCAST] BroadcastChannel message error: %s",
			utils.JsToJson(safejs.Unsafe(args[0])))
	})
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_, err := bc.Call("removeEventListener", "message", messageHandler)
		if err == nil {
			messageHandler.Release()
		}
		_, err = bc.Call("removeEventListener", "messageerror", errorHandler)
		if err == nil {
			errorHandler.Release()
		}
	}()
	_, err = bc.Call("addEventListener", "message", messageHandler)
	if err != nil {
		return nil, err
	}
	_, err = bc.Call("addEventListener", "messageerror", errorHandler)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Close closes the BroadcastChannel.
func (bc *BroadcastChannel) Close() error {
	_, err := bc.Call("close")
	return err
}

func nonBlocking(fn func(args []safejs.Value)) (safejs.Func, error) {
	return safejs.FuncOf(func(_ safejs.Value, args []safejs.Value) any {
		go fn(args)
		return nil
	})
}
