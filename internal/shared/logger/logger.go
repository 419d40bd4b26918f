package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"socks_sentinel/internal/shared/types"
)

// Init configures the global zerolog logger from the [log] section.
func Init(cfg types.LogConf) error {
	return InitWithWriter(cfg, os.Stderr)
}

// InitWithWriter is Init with an explicit destination, used by tests and by
// the CLI when --json output is requested.
func InitWithWriter(cfg types.LogConf, out io.Writer) error {
	levelStr := strings.ToLower(cfg.Level)
	if levelStr == "" {
		levelStr = "info"
	}
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
		fmt.Fprintf(os.Stderr, "Unknown log level '%s', defaulting to 'info'\n", levelStr)
	}

	// Force all timestamps to be in UTC.
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	var w io.Writer = out
	if !cfg.JSON {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "2006-01-02 15:04:05",
		}
	}

	log.Logger = zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Debug().Str("level", level.String()).Msg("Logger initialized.")
	return nil
}

// WithComponent returns a child logger tagged with the component name, so
// output from the fetcher, prober and scheduler can be told apart.
func WithComponent(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

// Debug starts a new message with debug level.
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info starts a new message with info level.
func Info() *zerolog.Event {
	return log.Info()
}

// Warn starts a new message with warning level.
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error starts a new message with error level.
func Error() *zerolog.Event {
	return log.Error()
}

// Fatal starts a new message with fatal level. The program will exit.
func Fatal() *zerolog.Event {
	return log.Fatal()
}
