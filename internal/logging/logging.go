// Package logging provides leveled, component-scoped loggers over the
// standard library log package.
package logging

import (
	"fmt"
	"io"
	"log"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level. Unknown strings mean info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func levelString(l Level) string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes "<RFC3339> <LEVEL> <component>: <message>" lines, dropping
// anything below its minimum level.
type Logger struct {
	out       *log.Logger
	min       Level
	component string
}

func New(out *log.Logger, min Level, component string) *Logger {
	if out == nil {
		out = log.New(io.Discard, "", 0)
	}
	return &Logger{out: out, min: min, component: component}
}

// Nop returns a logger that discards all output.
func Nop() *Logger {
	return New(log.New(io.Discard, "", 0), LevelError, "nop")
}

// WithComponent returns a logger sharing output and level under a new
// component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{out: l.out, min: l.min, component: component}
}

func (l *Logger) Debug(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.min {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), levelString(level), l.component, msg)
}
