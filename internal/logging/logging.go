// Package logging constructs the structured loggers used across dockerit.
package logging

import (
	"io"

	"github.com/charmbracelet/log"
)

// New returns a logger writing to w with the given prefix. verbose lowers
// the level to debug, which surfaces build and pull stream lines.
func New(w io.Writer, prefix string, verbose bool) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{
		Prefix: prefix,
	})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// ParseLevel maps a level name ("debug", "info", "warn", "error") to a
// log.Level. Unknown names are an error.
func ParseLevel(name string) (log.Level, error) {
	return log.ParseLevel(name)
}

// OrDiscard returns l, or a logger that drops everything when l is nil.
func OrDiscard(l *log.Logger) *log.Logger {
	if l != nil {
		return l
	}
	return log.New(io.Discard)
}
