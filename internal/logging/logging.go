// Package logging holds the process-wide logger used by the agent.
//
// The default logger writes nothing (zerolog.Nop). Applications that want
// tunnel lifecycle logs install their own logger once at startup:
//
//	logging.SetLogger(zerolog.New(os.Stderr).With().Timestamp().Logger())
package logging

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

var logger atomic.Pointer[zerolog.Logger]

func init() {
	nop := zerolog.Nop()
	logger.Store(&nop)
}

// SetLogger replaces the package logger. Safe for concurrent use.
func SetLogger(l zerolog.Logger) {
	logger.Store(&l)
}

// Debug starts a debug-level event.
func Debug() *zerolog.Event { return logger.Load().Debug() }

// Info starts an info-level event.
func Info() *zerolog.Event { return logger.Load().Info() }

// Warn starts a warn-level event.
func Warn() *zerolog.Event { return logger.Load().Warn() }

// Error starts an error-level event.
func Error() *zerolog.Event { return logger.Load().Error() }
