////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package logging

import (
	"log"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// thresholdNames are the names accepted by ParseThreshold.
var thresholdNames = map[string]jww.Threshold{
	"trace":    jww.LevelTrace,
	"debug":    jww.LevelDebug,
	"info":     jww.LevelInfo,
	"warn":     jww.LevelWarn,
	"error":    jww.LevelError,
	"critical": jww.LevelCritical,
	"fatal":    jww.LevelFatal,
}

// ParseThreshold parses a log level given either by name ("debug") or by its
// number (1).
func ParseThreshold(s string) (jww.Threshold, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if t, exists := thresholdNames[s]; exists {
		return t, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Errorf("unknown log level %q", s)
	}
	t := jww.Threshold(n)
	return t, checkThreshold(t)
}

// LogLevel sets the threshold of both the log and stdout loggers. Messages
// below it are dropped. The initial threshold is INFO.
func LogLevel(threshold jww.Threshold) error {
	if err := checkThreshold(threshold); err != nil {
		return err
	}

	jww.SetLogThreshold(threshold)
	jww.SetStdoutThreshold(threshold)
	jww.SetFlags(log.LstdFlags | log.Lmicroseconds)

	printAtLevel(threshold, "[LOG] Log level set to %s", threshold)
	return nil
}

func checkThreshold(threshold jww.Threshold) error {
	if threshold < jww.LevelTrace || threshold > jww.LevelFatal {
		return errors.Errorf("invalid log level %d", threshold)
	}
	return nil
}

// printAtLevel prints the message with the notepad of the threshold, raised to
// INFO, so that it is not filtered out by the threshold it announces.
func printAtLevel(threshold jww.Threshold, format string, a ...any) {
	notepads := []*log.Logger{jww.INFO, jww.INFO, jww.INFO, jww.WARN,
		jww.ERROR, jww.CRITICAL, jww.FATAL}
	if int(threshold) >= len(notepads) || threshold < 0 {
		return
	}
	notepads[threshold].Printf(format, a...)
}
