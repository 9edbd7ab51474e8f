// Package logger provides structured logging for the collaborative editing
// core, backed by zerolog. The call shape (Init/Debug/Info/Error,
// printf-style) matches the teacher's hand-rolled logger so call sites
// elsewhere in the tree read the same; the difference is what backs them.
package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

func init() {
	Init()
}

// Init configures the global logger from the LOG_LEVEL environment
// variable (debug|info|warn|error, default info).
func Init() {
	level := zerolog.InfoLevel
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	log = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

// Debug logs a debug-level message.
func Debug(format string, v ...interface{}) {
	log.Debug().Msgf(format, v...)
}

// Info logs an info-level message.
func Info(format string, v ...interface{}) {
	log.Info().Msgf(format, v...)
}

// Error logs an error-level message.
func Error(format string, v ...interface{}) {
	log.Error().Msgf(format, v...)
}

// Fields is a set of structured fields to attach to a log line, e.g.
// room/document/participant ids the hand-rolled teacher logger couldn't
// carry.
type Fields map[string]interface{}

// WithFields logs a message at level with structured fields attached.
func WithFields(level zerolog.Level, fields Fields, format string, v ...interface{}) {
	evt := log.WithLevel(level)
	for k, val := range fields {
		evt = evt.Interface(k, val)
	}
	evt.Msgf(format, v...)
}
