// Package-level structured logging configuration.
//
// This mirrors the teacher pack's approach to cross-cutting logging
// concerns: a swappable package-level logger (default: silent). The bundled
// backend, NewSlogLogger, writes through github.com/joeycumines/logiface and
// log/slog; any other backend is plugged in by implementing Logger.
package actionctl

import (
	"log/slog"
	"sync"

	"github.com/joeycumines/logiface"
	logifaceslog "github.com/joeycumines/logiface-slog"
)

// Logger is the structured logging interface consulted by the Registry,
// Receiver, and Controller. Implementations must be safe for
// concurrent use.
type Logger interface {
	Debug(action string, msg string)
	Info(action string, msg string)
	Warn(action string, msg string)
	Error(action string, err error, msg string)
}

var globalLogger struct {
	sync.RWMutex
	logger Logger
}

// SetLogger installs the package-level Logger. Passing nil disables logging.
func SetLogger(l Logger) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = l
}

func getLogger() Logger {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	return globalLogger.logger
}

// logifaceLogger adapts a *logiface.Logger[*logifaceslog.Event] (i.e. a
// logiface logger backed by log/slog) to the Logger interface.
type logifaceLogger struct {
	log *logiface.Logger[*logifaceslog.Event]
}

// NewSlogLogger builds a Logger that writes structured events through
// log/slog via logiface-slog, the same stack the teacher pack uses for its
// own logiface/slog integration tests.
func NewSlogLogger(handler slog.Handler) Logger {
	return &logifaceLogger{
		log: logiface.New[*logifaceslog.Event](logifaceslog.NewLogger(handler)),
	}
}

func (l *logifaceLogger) Debug(action, msg string) {
	l.log.Debug().Str("action", action).Log(msg)
}

func (l *logifaceLogger) Info(action, msg string) {
	l.log.Info().Str("action", action).Log(msg)
}

func (l *logifaceLogger) Warn(action, msg string) {
	l.log.Warning().Str("action", action).Log(msg)
}

func (l *logifaceLogger) Error(action string, err error, msg string) {
	l.log.Err().Str("action", action).Err(err).Log(msg)
}
