// Package logging is a small leveled logger that emits one JSON object
// per line, suitable for both the socktap controller and the
// interception core, where log output must never interleave with the
// traffic of the process being observed.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLevel maps a level name to a Level. Unknown names get LevelInfo
// plus an error so callers can warn and keep going.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level: %s", s)
	}
}

type entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component,omitempty"`
	Message   string `json:"message"`
}

// Logger writes leveled JSON lines. The zero value is not usable; use
// New. Loggers sharing an output also share its mutex, so derived
// loggers never interleave lines.
type Logger struct {
	level     Level
	component string
	out       *output
}

type output struct {
	mu sync.Mutex
	w  io.Writer
}

func New(level Level, w io.Writer) *Logger {
	return &Logger{level: level, out: &output{w: w}}
}

// WithComponent returns a logger that tags every entry with the given
// component name. The underlying writer and level are shared.
func (l *Logger) WithComponent(name string) *Logger {
	ll := *l
	ll.component = name
	return &ll
}

func (l *Logger) Level() Level { return l.level }

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if l == nil || level > l.level {
		return
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level.String(),
		Component: l.component,
		Message:   fmt.Sprintf(format, args...),
	}

	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	l.out.mu.Lock()
	fmt.Fprintf(l.out.w, "%s\n", data)
	l.out.mu.Unlock()
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

var std = New(LevelInfo, os.Stderr)

// Default returns the fallback logger: info level to standard error.
// Components that are handed a nil logger use this so that warnings
// remain visible even in a misconfigured process.
func Default() *Logger { return std }

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger { return New(LevelError, io.Discard) }
