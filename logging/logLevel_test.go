////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package logging

import (
	"io"
	"testing"

	jww "github.com/spf13/jwalterweatherman"
)

// Tests that ParseThreshold accepts names in any case and numbers.
func TestParseThreshold(t *testing.T) {
	tests := map[string]jww.Threshold{
		"trace":  jww.LevelTrace,
		"DEBUG":  jww.LevelDebug,
		" info ": jww.LevelInfo,
		"Warn":   jww.LevelWarn,
		"4":      jww.LevelError,
		"5":      jww.LevelCritical,
		"fatal":  jww.LevelFatal,
	}
	for s, expected := range tests {
		threshold, err := ParseThreshold(s)
		if err != nil {
			t.Errorf("Failed to parse %q: %+v", s, err)
		} else if threshold != expected {
			t.Errorf("Unexpected threshold for %q.\nexpected: %s\nreceived: %s",
				s, expected, threshold)
		}
	}
}

// Error path: tests that ParseThreshold rejects unknown names and numbers out
// of range.
func TestParseThreshold_Invalid(t *testing.T) {
	for _, s := range []string{"", "verbose", "-1", "7"} {
		if _, err := ParseThreshold(s); err == nil {
			t.Errorf("Parsed invalid log level %q", s)
		}
	}
}

// Tests that LogLevel applies a valid threshold and rejects an invalid one.
func TestLogLevel(t *testing.T) {
	defer jww.SetLogThreshold(jww.LevelInfo)
	defer jww.SetStdoutThreshold(jww.LevelInfo)

	if err := LogLevel(jww.LevelWarn); err != nil {
		t.Fatalf("Failed to set log level: %+v", err)
	}
	if jww.LogThreshold() != jww.LevelWarn ||
		jww.StdoutThreshold() != jww.LevelWarn {
		t.Errorf("Threshold not applied: log %s, stdout %s",
			jww.LogThreshold(), jww.StdoutThreshold())
	}

	if err := LogLevel(jww.Threshold(42)); err == nil {
		t.Errorf("Set invalid log level")
	} else if jww.LogThreshold() != jww.LevelWarn {
		t.Errorf("Invalid log level changed the threshold to %s",
			jww.LogThreshold())
	}
}

// Tests that removed listeners are no longer tracked and that unknown IDs are
// ignored.
func TestAddLogListener_Remove(t *testing.T) {
	ll := func(jww.Threshold) io.Writer { return io.Discard }
	before := len(listeners.entries)
	id1 := AddLogListener(ll)
	id2 := AddLogListener(ll)
	if id1 == id2 {
		t.Fatalf("Listeners share the ID %d", id1)
	} else if len(listeners.entries) != before+2 {
		t.Fatalf("Expected %d listeners, found %d",
			before+2, len(listeners.entries))
	}

	RemoveLogListener(id1)
	RemoveLogListener(id1)
	if len(listeners.entries) != before+1 ||
		listeners.entries[before].id != id2 {
		t.Fatalf("Wrong listeners after removal: %v", listeners.entries)
	}

	RemoveLogListener(id2)
	if len(listeners.entries) != before {
		t.Errorf("Expected %d listeners, found %d",
			before, len(listeners.entries))
	}
}
