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

	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/wasm-utils/exception"

	"gitlab.com/kinship/web3chat/logging"
)

// LogLevel sets level of logging and sends all logs at or above it to the
// Javascript console.
//
// Log level options:
//
//	TRACE    - 0
//	DEBUG    - 1
//	INFO     - 2
//	WARN     - 3
//	ERROR    - 4
//	CRITICAL - 5
//	FATAL    - 6
//
// The default log level without updates is INFO.
//
// Parameters:
//   - args[0] - Log level (int).
//
// Returns:
//   - Throws an error if the log level is invalid.
func LogLevel(_ js.Value, args []js.Value) any {
	if err := logging.EnableConsole(jww.Threshold(args[0].Int())); err != nil {
		exception.ThrowTrace(err)
	}
	return nil
}

// EnableLogFile starts recording logs to an in-memory circular log file that
// can be downloaded. Any previously enabled log file is replaced.
//
// Parameters:
//   - args[0] - Log level (int).
//   - args[1] - Log file name (string).
//   - args[2] - Max log file size, in bytes (int).
//
// Returns:
//   - A Javascript representation of the [LogFile] object.
//   - Throws an error if the log level or size is invalid.
func EnableLogFile(_ js.Value, args []js.Value) any {
	lf, err := logging.EnableLogging(
		args[1].String(), jww.Threshold(args[0].Int()), args[2].Int())
	if err != nil {
		exception.ThrowTrace(err)
		return nil
	}
	return newLogFileJS(lf)
}

// GetLogFile returns the log file enabled with [EnableLogFile].
//
// Returns:
//   - A Javascript representation of the [LogFile] object or null.
func GetLogFile(js.Value, []js.Value) any {
	lf := logging.GetLogFile()
	if lf == nil {
		return js.Null()
	}
	return newLogFileJS(lf)
}

// DisableLogFile stops recording logs to the log file.
func DisableLogFile(js.Value, []js.Value) any {
	logging.DisableLogging()
	return nil
}

// LogFile wraps [logging.LogFile] so its methods can be called from
// Javascript.
type LogFile struct {
	lf *logging.LogFile
}

func newLogFileJS(lf *logging.LogFile) map[string]any {
	l := LogFile{lf}
	return map[string]any{
		"Name":        js.FuncOf(l.Name),
		"Threshold":   js.FuncOf(l.Threshold),
		"GetFile":     js.FuncOf(l.GetFile),
		"MaxSize":     js.FuncOf(l.MaxSize),
		"Size":        js.FuncOf(l.Size),
		"StopLogging": js.FuncOf(l.StopLogging),
	}
}

// Name returns the name of the log file.
//
// Returns:
//   - File name (string).
func (l *LogFile) Name(js.Value, []js.Value) any {
	return l.lf.Name()
}

// Threshold returns the log level threshold used in the file.
//
// Returns:
//   - Log level (string).
func (l *LogFile) Threshold(js.Value, []js.Value) any {
	return l.lf.Threshold().String()
}

// GetFile returns the entire log file.
//
// Returns:
//   - Log file contents (string).
func (l *LogFile) GetFile(js.Value, []js.Value) any {
	return string(l.lf.GetFile())
}

// MaxSize returns the max size, in bytes, that the log file is allowed to be.
//
// Returns:
//   - Max file size (int).
func (l *LogFile) MaxSize(js.Value, []js.Value) any {
	return l.lf.MaxSize()
}

// Size returns the current size, in bytes, written to the log file.
//
// Returns:
//   - Current file size (int).
func (l *LogFile) Size(js.Value, []js.Value) any {
	return l.lf.Size()
}

// StopLogging stops writing to the log file.
func (l *LogFile) StopLogging(js.Value, []js.Value) any {
	l.lf.StopLogging()
	return nil
}
