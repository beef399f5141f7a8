package config

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the process-wide structured logger. Verbosity and sink
// follow the two environment knobs named in §6: EnvDebug raises the level,
// EnvTestRunner routes output to stderr instead of stdout.
func NewLogger(component string) zerolog.Logger {
	level := zerolog.InfoLevel
	if DebugEnabled() {
		level = zerolog.DebugLevel
	}

	sink := os.Stdout
	if TestRunnerMode() {
		sink = os.Stderr
	}

	return zerolog.New(sink).Level(level).With().
		Timestamp().
		Str("component", component).
		Logger()
}
