// SPDX-License-Identifier: AGPL-3.0-only

// Package log centralises construction of the charmbracelet/log loggers
// used across the engine, following the one-logger-per-component,
// WithPrefix-per-subsystem convention in client2/connection.go and
// client2/arq.go.
package log

import (
	"io"
	"os"

	charm "github.com/charmbracelet/log"
)

// Level mirrors the subset of charmbracelet/log levels the engine exposes
// through configuration.
type Level = charm.Level

const (
	LevelDebug = charm.DebugLevel
	LevelInfo  = charm.InfoLevel
	LevelWarn  = charm.WarnLevel
	LevelError = charm.ErrorLevel
)

// New builds the root logger for a session. Every subsystem derives its own
// logger from it via WithPrefix, so a single root controls level/output for
// an entire swarm.
func New(w io.Writer, level Level) *charm.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := charm.NewWithOptions(w, charm.Options{
		ReportTimestamp: true,
		Level:           level,
	})
	return l
}

// Nop returns a logger that discards everything, for tests and library
// callers that don't want engine log output.
func Nop() *charm.Logger {
	return New(io.Discard, LevelError)
}
