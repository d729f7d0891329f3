// Package logging provides the gateway's leveled logger and a size- and
// day-rotating file sink.
package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a leveled wrapper over the standard logger. Lines are printf
// style with key=value pairs, matching the rest of the gateway's output.
type Logger struct {
	std   *log.Logger
	level Level
}

// New builds a logger writing to w.
func New(w io.Writer, level Level) *Logger {
	return &Logger{
		std:   log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		level: level,
	}
}

// NewStderr builds a logger on stderr, used before config is loaded.
func NewStderr() *Logger { return New(os.Stderr, LevelInfo) }

// Std exposes the underlying standard logger for components that take one.
func (l *Logger) Std() *log.Logger { return l.std }

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...any) {
	if l.level <= LevelDebug {
		l.std.Printf("[debug] "+format, args...)
	}
}

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...any) {
	if l.level <= LevelInfo {
		l.std.Printf(format, args...)
	}
}

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, args ...any) {
	if l.level <= LevelWarn {
		l.std.Printf("[warn] "+format, args...)
	}
}

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...any) {
	if l.level <= LevelError {
		l.std.Printf("[error] "+format, args...)
	}
}

// DebugEnabled reports whether debug lines will be emitted.
func (l *Logger) DebugEnabled() bool { return l.level <= LevelDebug }
