// Package logger wraps hclog into the small leveled API the rest of
// socksentry uses, so call sites don't depend on hclog directly.
package logger

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

type Logger struct {
	hc hclog.Logger
}

var Default = New()

func New() *Logger {
	return &Logger{hc: hclog.New(&hclog.LoggerOptions{
		Name:            "socksentry",
		Level:           hclog.Info,
		Output:          os.Stderr,
		IncludeLocation: false,
	})}
}

// Named returns a child logger tagged with subsystem, the way each
// component (acl, pool, qos, session, server) gets its own name.
func (l *Logger) Named(subsystem string) *Logger {
	return &Logger{hc: l.hc.Named(subsystem)}
}

func (l *Logger) Info(msg string, args ...any) {
	l.hc.Info(msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.hc.Error(msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.hc.Warn(msg, args...)
}

func (l *Logger) Debug(msg string, args ...any) {
	l.hc.Debug(msg, args...)
}

func (l *Logger) SetLevel(level string) {
	l.hc.SetLevel(hclog.LevelFromString(level))
}

func Named(subsystem string) *Logger {
	return Default.Named(subsystem)
}

func Info(msg string, args ...any) {
	Default.Info(msg, args...)
}

func Error(msg string, args ...any) {
	Default.Error(msg, args...)
}

func Warn(msg string, args ...any) {
	Default.Warn(msg, args...)
}

func Debug(msg string, args ...any) {
	Default.Debug(msg, args...)
}
