// Package logger builds the zerolog loggers shared by every zfit component.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level  string    // trace, debug, info, warn, error or disabled
	Pretty bool      // console output instead of JSON
	Out    io.Writer // Defaults to stderr so fit output on stdout stays clean
}

// ParseLevel maps a configuration string to a zerolog level. Empty or
// unrecognised strings give info.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// New sets the global level and returns a logger writing to cfg.Out. Caller
// locations are only recorded at debug and below.
func New(cfg Config) zerolog.Logger {
	level := ParseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if level <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// WithRank tags a logger with the worker rank of a distributed run, and the
// host so ranks on different machines can be told apart.
func WithRank(l zerolog.Logger, rank, size int) zerolog.Logger {
	ctx := l.With().Int("rank", rank).Int("size", size)
	if host, err := os.Hostname(); err == nil {
		ctx = ctx.Str("host", host)
	}
	return ctx.Logger()
}

// SetGlobalLogger replaces the logger behind github.com/rs/zerolog/log.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
