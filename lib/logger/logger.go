// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package logger provides the leveled, optionally colored logger used by
// every layer of the stack. The process-wide default is configured from the
// environment: NSSTACK_LOGLEVEL selects the level (trace, debug, info,
// warning, error, fatal) and a non-empty NSSTACK_NOCOLOR disables color.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/jokerwyt/NS-Stack/lib/color"
)

// LogLevel controls the minimum severity that is emitted.
type LogLevel int

const (
	NoLogLevel LogLevel = iota
	FatalLevel
	ErrorLevel
	WarningLevel
	InfoLevel
	DebugLevel
	TraceLevel
)

// String implements flag.Value.
func (l *LogLevel) String() string {
	switch *l {
	case NoLogLevel:
		return "no"
	case FatalLevel:
		return "fatal"
	case ErrorLevel:
		return "error"
	case WarningLevel:
		return "warning"
	case InfoLevel:
		return "info"
	case DebugLevel:
		return "debug"
	case TraceLevel:
		return "trace"
	}
	return ""
}

// Set implements flag.Value.
func (l *LogLevel) Set(s string) error {
	switch strings.ToLower(s) {
	case "fatal":
		*l = FatalLevel
	case "err", "error":
		*l = ErrorLevel
	case "warn", "warning":
		*l = WarningLevel
	case "info":
		*l = InfoLevel
	case "debug":
		*l = DebugLevel
	case "trace":
		*l = TraceLevel
	default:
		return fmt.Errorf("%s is not a valid level", s)
	}
	return nil
}

const (
	Ldate         = log.Ldate
	Ltime         = log.Ltime
	Lmicroseconds = log.Lmicroseconds
	Lshortfile    = log.Lshortfile
)

// Logger splits output by severity: warnings and above go to the error
// writer, the rest to the standard writer.
type Logger struct {
	LoggerLevel   LogLevel
	goLogger      *log.Logger
	goErrorLogger *log.Logger
	color         color.Color
	prefix        string
}

// NewLogger creates a Logger writing to out and err (nil means the standard
// streams) with the given minimum level, color policy, and line prefix.
func NewLogger(level LogLevel, c color.Color, out, err *os.File, prefix string) *Logger {
	if out == nil {
		out = os.Stdout
	}
	if err == nil {
		err = os.Stderr
	}
	flags := Ldate | Lmicroseconds
	return &Logger{
		LoggerLevel:   level,
		goLogger:      log.New(out, "", flags),
		goErrorLogger: log.New(err, "", flags),
		color:         c,
		prefix:        prefix,
	}
}

// NewFromEnv creates a Logger configured from NSSTACK_LOGLEVEL and
// NSSTACK_NOCOLOR.
func NewFromEnv() *Logger {
	level := InfoLevel
	if s := os.Getenv("NSSTACK_LOGLEVEL"); s != "" {
		if err := level.Set(s); err != nil {
			fmt.Fprintf(os.Stderr, "NSSTACK_LOGLEVEL: %v\n", err)
		}
	}
	ec := color.ColorAuto
	if os.Getenv("NSSTACK_NOCOLOR") != "" {
		ec = color.ColorNever
	}
	return NewLogger(level, color.NewColor(ec), nil, nil, "")
}

// SetFlags sets the stdlib log flags on both underlying loggers.
func (l *Logger) SetFlags(flags int) {
	l.goLogger.SetFlags(flags)
	l.goErrorLogger.SetFlags(flags)
}

func (l *Logger) log(prefix, format string, a ...interface{}) {
	l.goLogger.Printf("%s%s%s", l.prefix, prefix, fmt.Sprintf(format, a...))
}

func (l *Logger) logErr(prefix, format string, a ...interface{}) {
	l.goErrorLogger.Printf("%s%s%s", l.prefix, prefix, fmt.Sprintf(format, a...))
}

// Tracef logs at TraceLevel.
func (l *Logger) Tracef(format string, a ...interface{}) {
	if l.LoggerLevel >= TraceLevel {
		l.log(l.color.Cyan("TRACE: "), format, a...)
	}
}

// Debugf logs at DebugLevel.
func (l *Logger) Debugf(format string, a ...interface{}) {
	if l.LoggerLevel >= DebugLevel {
		l.log(l.color.Magenta("DEBUG: "), format, a...)
	}
}

// Infof logs at InfoLevel.
func (l *Logger) Infof(format string, a ...interface{}) {
	if l.LoggerLevel >= InfoLevel {
		l.log("", format, a...)
	}
}

// Warningf logs at WarningLevel.
func (l *Logger) Warningf(format string, a ...interface{}) {
	if l.LoggerLevel >= WarningLevel {
		l.logErr(l.color.Yellow("WARN: "), format, a...)
	}
}

// Errorf logs at ErrorLevel.
func (l *Logger) Errorf(format string, a ...interface{}) {
	if l.LoggerLevel >= ErrorLevel {
		l.logErr(l.color.Red("ERROR: "), format, a...)
	}
}

// Fatalf logs at FatalLevel and exits the process.
func (l *Logger) Fatalf(format string, a ...interface{}) {
	l.logErr(l.color.Red("FATAL: "), format, a...)
	os.Exit(1)
}

var defaultLogger = NewFromEnv()

// Default returns the process-wide logger.
func Default() *Logger { return defaultLogger }

// SetDefault replaces the process-wide logger. Intended for tests and for
// CLI front-ends that re-parse their own flags.
func SetDefault(l *Logger) { defaultLogger = l }

// Package-level helpers on the default logger.

func Tracef(format string, a ...interface{})   { defaultLogger.Tracef(format, a...) }
func Debugf(format string, a ...interface{})   { defaultLogger.Debugf(format, a...) }
func Infof(format string, a ...interface{})    { defaultLogger.Infof(format, a...) }
func Warningf(format string, a ...interface{}) { defaultLogger.Warningf(format, a...) }
func Errorf(format string, a ...interface{})   { defaultLogger.Errorf(format, a...) }
func Fatalf(format string, a ...interface{})   { defaultLogger.Fatalf(format, a...) }
