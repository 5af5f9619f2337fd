////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

//go:build js && wasm

package logging

import (
	"io"
	"syscall/js"

	jww "github.com/spf13/jwalterweatherman"
)

// consoleMethods maps each log level to the browser console method used to
// print it.
//
// Doc: https://developer.mozilla.org/en-US/docs/Web/API/console
var consoleMethods = map[jww.Threshold]string{
	jww.LevelTrace:    "debug",
	jww.LevelDebug:    "log",
	jww.LevelInfo:     "info",
	jww.LevelWarn:     "warn",
	jww.LevelError:    "error",
	jww.LevelCritical: "error",
	jww.LevelFatal:    "error",
}

// consoleWriter writes every log line with a single console method.
type consoleWriter struct {
	method  string
	console js.Value
}

func (c *consoleWriter) Write(p []byte) (n int, err error) {
	c.console.Call(c.method, string(p))
	return len(p), nil
}

// ConsoleLogListener redirects log output to the Javascript console.
type ConsoleLogListener struct {
	threshold jww.Threshold
	writers   map[jww.Threshold]*consoleWriter
	def       *consoleWriter
}

// NewConsoleLogListener returns a listener that prints all logs at or above
// the threshold to the Javascript console.
func NewConsoleLogListener(threshold jww.Threshold) *ConsoleLogListener {
	console := js.Global().Get("console")
	ll := &ConsoleLogListener{
		threshold: threshold,
		writers:   make(map[jww.Threshold]*consoleWriter, len(consoleMethods)),
		def:       &consoleWriter{"log", console},
	}
	for t, method := range consoleMethods {
		ll.writers[t] = &consoleWriter{method, console}
	}
	return ll
}

// Listen adheres to the [jwalterweatherman.LogListener] type.
func (ll *ConsoleLogListener) Listen(t jww.Threshold) io.Writer {
	if t < ll.threshold {
		return nil
	}
	if w, exists := ll.writers[t]; exists {
		return w
	}
	return ll.def
}

// EnableConsole sets the log level and redirects all logs at or above it to
// the Javascript console instead of stdout.
func EnableConsole(threshold jww.Threshold) error {
	if err := LogLevel(threshold); err != nil {
		return err
	}
	AddLogListener(NewConsoleLogListener(threshold).Listen)
	jww.SetStdoutThreshold(stoppedThreshold)
	return nil
}
