// Package logx wraps the standard log package with a per-run correlation
// id and humanized byte counts, the way pkg/fpm/master and pkg/fpm/pool
// use plain log.Printf but tagged with enough context to follow one
// engine run's lines in a shared log stream.
package logx

import (
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Logger prefixes every line with a component name and a short run id.
type Logger struct {
	component string
	runID     string
	std       *log.Logger
}

// New creates a Logger writing to stderr with a fresh run id.
func New(component string) *Logger {
	return &Logger{
		component: component,
		runID:     uuid.NewString()[:8],
		std:       log.New(os.Stderr, "", log.LstdFlags),
	}
}

// Printf logs a formatted line tagged with the component and run id.
func (l *Logger) Printf(format string, args ...any) {
	l.std.Printf("%s[%s] %s", l.component, l.runID, fmt.Sprintf(format, args...))
}

// RunID returns this logger's correlation id.
func (l *Logger) RunID() string { return l.runID }

// Bytes formats a byte count for human-readable log lines, e.g. "12 MB".
func Bytes(n uint64) string {
	return humanize.Bytes(n)
}
