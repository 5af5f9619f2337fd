////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

//go:build js && wasm

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"syscall/js"

	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/kinship/web3chat/logging"
	"gitlab.com/kinship/web3chat/storage"
	"gitlab.com/kinship/web3chat/wasm"
)

func main() {
	// Send all logs to the browser console until the page picks a level
	if err := logging.EnableConsole(jww.LevelInfo); err != nil {
		fmt.Printf("Failed to enable console logging: %+v\n", err)
	}
	jww.INFO.Printf("Starting web3chat WASM engine v%s", storage.SEMVER)

	setGlobals()

	// Wait until the user terminates the program
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	os.Exit(0)
}

// setGlobals registers every binding on the Javascript global object.
func setGlobals() {
	// wasm/messenger.go
	js.Global().Set("NewMessenger", js.FuncOf(wasm.NewMessenger))
	js.Global().Set("PurgeStorage", js.FuncOf(wasm.PurgeStorage))

	// wasm/params.go
	js.Global().Set("GetDefaultMessengerParams",
		js.FuncOf(wasm.GetDefaultMessengerParams))
	js.Global().Set("ValidateMessengerParams",
		js.FuncOf(wasm.ValidateMessengerParams))

	// wasm/logging.go
	js.Global().Set("LogLevel", js.FuncOf(wasm.LogLevel))
	js.Global().Set("EnableLogFile", js.FuncOf(wasm.EnableLogFile))
	js.Global().Set("GetLogFile", js.FuncOf(wasm.GetLogFile))
	js.Global().Set("DisableLogFile", js.FuncOf(wasm.DisableLogFile))

	// wasm/version.go
	js.Global().Set("GetVersion", js.FuncOf(wasm.GetVersion))
	js.Global().Set("GetStoredVersion", js.FuncOf(wasm.GetStoredVersion))
}
