package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// stdout is swapped in tests.
var stdout io.Writer = os.Stdout

// InitLogger initializes the zerolog logger with JSON output to stdout.
// It sets the log level based on the provided string (e.g., "info", "debug", "error").
// When logFile is set, every event is also appended to that file.
func InitLogger(logLevel, logFile string) error {
	var out io.Writer = stdout
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0750); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(stdout, f)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(ParseLevel(logLevel))

	log.Info().Msgf("Logger initialized with level: %s", zerolog.GlobalLevel().String())
	return nil
}

// ParseLevel maps a configured level name to a zerolog level, defaulting to info.
func ParseLevel(logLevel string) zerolog.Level {
	switch logLevel {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel // Default to info if invalid
	}
}

// Component returns a child of the global logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

// SetOutput redirects console output for later InitLogger calls. Commands
// printing results on stdout send logs to stderr.
func SetOutput(w io.Writer) {
	stdout = w
}
