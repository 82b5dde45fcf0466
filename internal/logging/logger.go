// Package logging configures the process-wide zerolog logger.
//
// Call Init once from main; components derive child loggers with For and
// attach their own fields:
//
//	log := logging.For("dispatcher")
//	log.Info().Str("channel", "slack").Msg("delivered")
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Format string
	Output io.Writer
}

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Init replaces the global logger. Safe to call more than once.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	mu.Lock()
	logger = zerolog.New(out).With().Timestamp().Logger()
	mu.Unlock()
}

// Logger returns the global logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// For returns a child logger tagged with component.
func For(component string) zerolog.Logger {
	l := Logger()
	return l.With().Str("component", component).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
