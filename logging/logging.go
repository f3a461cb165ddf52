// Package logging provides the printf-style leveled logger used across the
// library. It is a thin facade over zap so callers never deal with structured
// fields directly.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbose gates DebugMethod output. Debug level output additionally requires
// the logger level to allow it.
var Verbose bool

var (
	mu     sync.RWMutex
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger = newDefaultLogger()
)

func newDefaultLogger() *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	cfg.DisableStacktrace = true
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap's development config only fails on bad user options; fall back
		// to a no-op logger rather than panicking inside a library.
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// SetLogger replaces the backend logger. Passing nil restores the default.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		logger = newDefaultLogger()
		return
	}
	logger = l.Sugar()
}

// SetVerbose toggles verbose mode and lowers the level to debug when enabled.
func SetVerbose(v bool) {
	Verbose = v
	if v {
		level.SetLevel(zapcore.DebugLevel)
	} else {
		level.SetLevel(zapcore.InfoLevel)
	}
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug logs a debug-level message.
func Debug(format string, args ...interface{}) {
	get().Debugf(format, args...)
}

// DebugMethod logs a debug message tagged with the originating module and
// method. Suppressed entirely unless Verbose is set.
func DebugMethod(module, method, format string, args ...interface{}) {
	if !Verbose {
		return
	}
	get().Debugf(fmt.Sprintf("[%s.%s] %s", module, method, format), args...)
}

// Info logs an info-level message.
func Info(format string, args ...interface{}) {
	get().Infof(format, args...)
}

// Warn logs a warning-level message.
func Warn(format string, args ...interface{}) {
	get().Warnf(format, args...)
}

// Error logs an error-level message.
func Error(format string, args ...interface{}) {
	get().Errorf(format, args...)
}
