// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package log implements the leveled logging singleton used by every other
// package. It wraps seelog so the rest of the agent never imports it directly.
package log

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	mu     sync.RWMutex
	logger seelog.LoggerInterface
	level  seelog.LogLevel = seelog.InfoLvl
)

const logConfigTemplate = `
<seelog minlevel="%s">
    <outputs formatid="common">
        <console />
    </outputs>
    <formats>
        <format id="common" format="%%Date(2006-01-02 15:04:05 MST) | %%LEVEL | (%%ShortFilePath:%%Line) | %%Msg%%n"/>
    </formats>
</seelog>`

// SetupLogger builds the seelog backend for the given minimum level and
// installs it as the process-wide logger. Unknown levels fall back to "info".
func SetupLogger(minLevel string) error {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(minLevel))
	if !ok {
		lvl = seelog.InfoLvl
	}

	inner, err := seelog.LoggerFromConfigAsString(fmt.Sprintf(logConfigTemplate, lvl.String()))
	if err != nil {
		return fmt.Errorf("cannot setup logger: %w", err)
	}
	inner.SetAdditionalStackDepth(2) //nolint:errcheck

	mu.Lock()
	defer mu.Unlock()
	if logger != nil {
		logger.Flush()
	}
	logger = inner
	level = lvl
	return nil
}

// ChangeLogLevel adjusts the minimum level of the installed logger.
func ChangeLogLevel(minLevel string) error {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(minLevel))
	if !ok {
		return errors.New("bad log level")
	}
	mu.Lock()
	level = lvl
	mu.Unlock()
	return nil
}

// GetLogLevel returns the current minimum level as a string.
func GetLogLevel() string {
	mu.RLock()
	defer mu.RUnlock()
	return level.String()
}

// Flush flushes any buffered log output.
func Flush() {
	mu.RLock()
	defer mu.RUnlock()
	if logger != nil {
		logger.Flush()
	}
}

func shouldLog(lvl seelog.LogLevel) (seelog.LoggerInterface, bool) {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil || lvl < level {
		return nil, false
	}
	return logger, true
}

// Tracef formats message according to format specifier and logs it with trace
// severity.
func Tracef(format string, params ...interface{}) {
	if l, ok := shouldLog(seelog.TraceLvl); ok {
		l.Tracef(format, params...)
	}
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	if l, ok := shouldLog(seelog.DebugLvl); ok {
		l.Debug(v...)
	}
}

// Debugf formats message according to format specifier and logs it with debug
// severity.
func Debugf(format string, params ...interface{}) {
	if l, ok := shouldLog(seelog.DebugLvl); ok {
		l.Debugf(format, params...)
	}
}

// Info logs at the info level.
func Info(v ...interface{}) {
	if l, ok := shouldLog(seelog.InfoLvl); ok {
		l.Info(v...)
	}
}

// Infof formats message according to format specifier and logs it with info
// severity.
func Infof(format string, params ...interface{}) {
	if l, ok := shouldLog(seelog.InfoLvl); ok {
		l.Infof(format, params...)
	}
}

// Warn logs at the warn level and returns an error containing the formatted
// log message so callers can both log and propagate.
func Warn(v ...interface{}) error {
	err := errors.New(fmt.Sprint(v...))
	if l, ok := shouldLog(seelog.WarnLvl); ok {
		l.Warn(err.Error()) //nolint:errcheck
	}
	return err
}

// Warnf formats message according to format specifier, logs it with warn
// severity and returns it as an error.
func Warnf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if l, ok := shouldLog(seelog.WarnLvl); ok {
		l.Warn(err.Error()) //nolint:errcheck
	}
	return err
}

// Error logs at the error level and returns an error containing the formatted
// log message.
func Error(v ...interface{}) error {
	err := errors.New(fmt.Sprint(v...))
	if l, ok := shouldLog(seelog.ErrorLvl); ok {
		l.Error(err.Error()) //nolint:errcheck
	}
	return err
}

// Errorf formats message according to format specifier, logs it with error
// severity and returns it as an error.
func Errorf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if l, ok := shouldLog(seelog.ErrorLvl); ok {
		l.Error(err.Error()) //nolint:errcheck
	}
	return err
}
