// Package logging builds the zerolog loggers used across xgimage.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options selects level, encoding and destination.
type Options struct {
	Level  string // trace, debug, info, warn, error; default info
	Format string // json or console; default json
	Out    io.Writer
}

// New constructs a logger with a timestamp field.
func New(opts Options) (zerolog.Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logging: %w", err)
		}
		level = parsed
	}
	switch strings.ToLower(opts.Format) {
	case "", "json":
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("logging: unknown format %q", opts.Format)
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}
