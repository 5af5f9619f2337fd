////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package logging

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	jww "github.com/spf13/jwalterweatherman"
)

// Tests that LogFile.Write writes the expected data to the buffer and that
// when the max file size is reached, old data is replaced.
func TestLogFile_Write(t *testing.T) {
	rng := rand.New(rand.NewSource(3424))
	lf, err := NewLogFile("test.log", jww.LevelError, 512)
	if err != nil {
		t.Fatalf("Failed to make new LogFile: %+v", err)
	}

	expected := make([]byte, lf.MaxSize())
	rng.Read(expected)
	n, err := lf.Write(expected)
	if err != nil {
		t.Fatalf("Failed to write: %+v", err)
	} else if n != len(expected) {
		t.Fatalf("Did not write expected length.\nexpected: %d\nreceived: %d",
			len(expected), n)
	}
	if !bytes.Equal(lf.GetFile(), expected) {
		t.Fatalf("Incorrect bytes in buffer.\nexpected: %v\nreceived: %v",
			expected, lf.GetFile())
	}

	// Check that the data is overwritten
	rng.Read(expected)
	if _, err = lf.Write(expected); err != nil {
		t.Fatalf("Failed to write: %+v", err)
	}
	if !bytes.Equal(lf.GetFile(), expected) {
		t.Fatalf("Incorrect bytes in buffer.\nexpected: %v\nreceived: %v",
			expected, lf.GetFile())
	}
	if lf.Size() != lf.MaxSize() {
		t.Errorf("Unexpected size.\nexpected: %d\nreceived: %d",
			lf.MaxSize(), lf.Size())
	}
}

// Tests that LogFile.Listen only returns a writer at or above the threshold.
func TestLogFile_Listen(t *testing.T) {
	lf, err := NewLogFile("test.log", jww.LevelWarn, 64)
	if err != nil {
		t.Fatalf("Failed to make new LogFile: %+v", err)
	}

	if w := lf.Listen(jww.LevelInfo); w != nil {
		t.Errorf("Received writer for level below threshold.")
	}
	if w := lf.Listen(jww.LevelError); w == nil {
		t.Errorf("Did not receive writer for level above threshold.")
	}
}

// Tests that EnableLogging records jwalterweatherman output and that nothing
// is recorded after LogFile.StopLogging.
func TestEnableLogging(t *testing.T) {
	lf, err := EnableLogging("test.log", jww.LevelInfo, 4096)
	if err != nil {
		t.Fatalf("Failed to enable log file: %+v", err)
	}
	if GetLogFile() != lf {
		t.Errorf("GetLogFile did not return the enabled file.")
	}

	jww.WARN.Print("recorded line")
	if !strings.Contains(string(lf.GetFile()), "recorded line") {
		t.Errorf("Log line not recorded: %q", lf.GetFile())
	}

	DisableLogging()
	jww.WARN.Print("dropped line")
	if strings.Contains(string(lf.GetFile()), "dropped line") {
		t.Errorf("Log line recorded after stop: %q", lf.GetFile())
	}
	if GetLogFile() != nil {
		t.Errorf("Log file still active after DisableLogging.")
	}
}

// Tests that invalid thresholds are rejected.
func TestLogLevel_Invalid(t *testing.T) {
	if err := LogLevel(jww.LevelFatal + 1); err == nil {
		t.Errorf("Expected error for invalid threshold.")
	}
	if _, err := NewLogFile("test.log", -1, 64); err == nil {
		t.Errorf("Expected error for invalid threshold.")
	}
}
