package cliconfig

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/bft-labs/starpool/pkg/log"
)

var logger zerolog.Logger

func init() {
	logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// Logger returns the CLI logger at the given level.
func Logger(level string) zerolog.Logger {
	return logger.Level(log.ParseLevel(level)).With().Timestamp().Logger()
}
