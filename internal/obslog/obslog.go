// Package obslog provides the structured logger shared by every OMC component.
// It wraps zerolog the way the upstream trading bots in this codebase's
// lineage wrapped their logging libraries: a small set of package-level
// helpers plus per-component child loggers, rather than threading
// *zerolog.Logger through every call site by hand.
package obslog

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	base zerolog.Logger
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	Configure(os.Stdout, zerolog.InfoLevel)
}

// Configure replaces the base logger. Call once at process start; cmd/ordercore
// does this before wiring any component so every child logger picks it up.
func Configure(w io.Writer, level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	base = zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Component returns a child logger tagged with the owning component name,
// e.g. obslog.Component("watcher"), obslog.Component("command_service").
func Component(name string) zerolog.Logger {
	return current().With().Str("component", name).Logger()
}

// Package-level helpers for callers that don't hold a component logger
// (main wiring, one-off scripts).
func Infof(format string, args ...interface{})  { current().Info().Msgf(format, args...) }
func Warnf(format string, args ...interface{})  { current().Warn().Msgf(format, args...) }
func Errorf(format string, args ...interface{}) { current().Error().Msgf(format, args...) }
func Debugf(format string, args ...interface{}) { current().Debug().Msgf(format, args...) }
