package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New builds a logger writing to w. Unknown levels fall back to info.
func New(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Init replaces the global logger and returns it
func Init(level, format string) zerolog.Logger {
	log.Logger = New(os.Stdout, level, format)
	zerolog.SetGlobalLevel(log.Logger.GetLevel())
	return log.Logger
}

// Get returns the global logger
func Get() zerolog.Logger {
	return log.Logger
}
