// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupWriter installs the global logger writing to w. Format is "console"
// or "json".
func SetupWriter(w io.Writer, level, format string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(lvl)

	switch format {
	case "json":
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	case "console", "":
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// Component returns the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
