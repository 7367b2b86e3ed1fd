// Package logging provides the shared zerolog configuration used across
// every orbitmail package.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once sync.Once
	base zerolog.Logger
)

// Debug enables console-pretty, debug-level logging. Set before the first
// call to WithComponent; later calls are no-ops.
var Debug = os.Getenv("ORBITMAIL_DEBUG") == "1"

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

func setup() {
	level := zerolog.InfoLevel
	var writer = os.Stderr
	var output zerolog.ConsoleWriter

	if Debug {
		level = zerolog.DebugLevel
		output = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}
		base = zerolog.New(output).With().Timestamp().Logger().Level(level)
		return
	}

	base = zerolog.New(writer).With().Timestamp().Logger().Level(level)
}

// WithComponent returns a logger tagged with the given component name.
// Every package in this module obtains its logger through this function
// rather than constructing a zerolog.Logger directly.
func WithComponent(component string) zerolog.Logger {
	once.Do(setup)
	return base.With().Str("component", component).Logger()
}
