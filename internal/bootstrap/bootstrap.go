// Package bootstrap wires a process-level zerolog.Logger the way the
// indexer's internal/util.InitLogger does: pretty console output when
// stdout is a terminal, structured JSON otherwise, with the level driven
// by config rather than hardcoded.
package bootstrap

import (
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/anash28/linux-agent/pkg/config"
)

// serviceName tags every JSON log line emitted by this daemon; the
// terminal console writer does not add it.
const serviceName = "linux-agentd"

// NewLogger builds the process logger per cfg.Logging.Level, auto-detecting
// terminal output for a human-readable console writer.
func NewLogger(cfg config.Logging) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	if isTerminal() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Logger()
	}

	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func isTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
