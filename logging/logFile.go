////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package logging routes jwalterweatherman output to the places the engine
// needs it: the stdout/browser console and an in-memory log file that the
// user can download for bug reports.
package logging

import (
	"io"
	"sync"

	"github.com/armon/circbuf"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// stoppedThreshold is above every real level so nothing is written once a log
// file is stopped.
const stoppedThreshold = jww.LevelFatal + 1

// logFile is the active log file, if one has been enabled.
var logFile struct {
	lf *LogFile
	sync.Mutex
}

// LogFile is a virtual log file kept in memory. It is a circular buffer, so
// once full the oldest logs are overwritten.
type LogFile struct {
	name       string
	threshold  jww.Threshold
	maxSize    int
	listenerID uint64
	cb         *circbuf.Buffer
	mux        sync.Mutex
}

// NewLogFile creates a LogFile of the given maximum size that records every
// log at or above the threshold. It is not registered with jwalterweatherman;
// use EnableLogging for that.
func NewLogFile(
	name string, threshold jww.Threshold, maxSize int) (*LogFile, error) {
	if err := checkThreshold(threshold); err != nil {
		return nil, err
	}
	cb, err := circbuf.NewBuffer(int64(maxSize))
	if err != nil {
		return nil, errors.Wrap(err, "could not create new circular buffer")
	}
	return &LogFile{
		name: name, threshold: threshold, maxSize: maxSize, cb: cb}, nil
}

// EnableLogging starts recording logs to an in-memory log file. Any
// previously enabled log file is stopped and replaced.
func EnableLogging(
	name string, threshold jww.Threshold, maxSize int) (*LogFile, error) {
	lf, err := NewLogFile(name, threshold, maxSize)
	if err != nil {
		return nil, err
	}

	logFile.Lock()
	if logFile.lf != nil {
		logFile.lf.StopLogging()
	}
	logFile.lf = lf
	logFile.Unlock()

	lf.listenerID = AddLogListener(lf.Listen)
	printAtLevel(threshold, "[LOG] Outputting log to file %s of max size %d "+
		"at level %s", name, maxSize, threshold)
	return lf, nil
}

// DisableLogging stops the active log file, if any.
func DisableLogging() {
	logFile.Lock()
	defer logFile.Unlock()
	if logFile.lf != nil {
		logFile.lf.StopLogging()
		logFile.lf = nil
	}
}

// GetLogFile returns the log file enabled with EnableLogging or nil if there
// is none.
func GetLogFile() *LogFile {
	logFile.Lock()
	defer logFile.Unlock()
	return logFile.lf
}

// Write adheres to the io.Writer interface and writes log entries to the
// buffer.
func (lf *LogFile) Write(p []byte) (n int, err error) {
	lf.mux.Lock()
	defer lf.mux.Unlock()
	return lf.cb.Write(p)
}

// Listen adheres to the [jwalterweatherman.LogListener] type and returns the
// log writer when the threshold is within the set threshold limit.
func (lf *LogFile) Listen(t jww.Threshold) io.Writer {
	if t < lf.Threshold() {
		return nil
	}
	return lf
}

// StopLogging stops log message writes and unregisters the listener. Once
// logging is stopped, it cannot be resumed.
func (lf *LogFile) StopLogging() {
	RemoveLogListener(lf.listenerID)
	lf.mux.Lock()
	lf.threshold = stoppedThreshold
	lf.mux.Unlock()
}

// GetFile returns a copy of the entire log file.
func (lf *LogFile) GetFile() []byte {
	lf.mux.Lock()
	defer lf.mux.Unlock()
	b := lf.cb.Bytes()
	file := make([]byte, len(b))
	copy(file, b)
	return file
}

// Name returns the name of the log file.
func (lf *LogFile) Name() string {
	return lf.name
}

// Threshold returns the log level threshold used in the file.
func (lf *LogFile) Threshold() jww.Threshold {
	lf.mux.Lock()
	defer lf.mux.Unlock()
	return lf.threshold
}

// MaxSize returns the max size, in bytes, that the log file is allowed to be.
func (lf *LogFile) MaxSize() int {
	return lf.maxSize
}

// Size returns the current size, in bytes, written to the log file.
func (lf *LogFile) Size() int {
	lf.mux.Lock()
	defer lf.mux.Unlock()
	return len(lf.cb.Bytes())
}
