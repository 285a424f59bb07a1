// Package logging builds the zerolog loggers used across the service.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns the root logger. Pretty enables the human console writer
// for local runs; production output stays structured JSON.
func New(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out = zerolog.New(os.Stdout)
	if pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return out.Level(lvl).With().Timestamp().Str("service", "replichat").Logger()
}

// ForReplica scopes a logger to one replica id.
func ForReplica(base zerolog.Logger, id int) zerolog.Logger {
	return base.With().Int("replica", id).Logger()
}
