// Package logger holds the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var log = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Options configures Init.
type Options struct {
	Level  string // debug, info, warn, error; anything else means info
	File   string // optional, appended to
	Format string // "json" or "console" (default)
}

// Init replaces the global logger. Output always goes to stdout and, when
// File is set, to that file as well.
func Init(opts Options) error {
	var stdout io.Writer = os.Stdout
	if !strings.EqualFold(opts.Format, "json") {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	writers := []io.Writer{stdout}

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	log = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().
		Timestamp().
		Caller().
		Logger()
	return nil
}

// SetOutput swaps in a plain JSON logger writing to w. Used by tests.
func SetOutput(w io.Writer) {
	log = zerolog.New(w).With().Timestamp().Logger()
}

func Debug() *zerolog.Event { return log.Debug() }
func Info() *zerolog.Event  { return log.Info() }
func Warn() *zerolog.Event  { return log.Warn() }
func Error() *zerolog.Event { return log.Error() }

// Fatal logs and exits the process once the event is sent.
func Fatal() *zerolog.Event { return log.Fatal() }

// ForRepository returns a child logger tagged with a repository full name.
func ForRepository(fullName string) zerolog.Logger {
	return log.With().Str("repo", fullName).Logger()
}

// ForDelivery returns a child logger tagged with a GitHub delivery id.
func ForDelivery(id string) zerolog.Logger {
	return log.With().Str("delivery", id).Logger()
}

// ForIssue returns a child logger tagged with a Linear issue identifier.
func ForIssue(identifier string) zerolog.Logger {
	return log.With().Str("issue", identifier).Logger()
}
