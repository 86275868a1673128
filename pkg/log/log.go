package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// InitFromEnv initializes the logger from VIGIL_LOG_LEVEL and
// VIGIL_JSON_LOG.
func InitFromEnv() {
	json := os.Getenv("VIGIL_JSON_LOG") == "1" || os.Getenv("VIGIL_JSON_LOG") == "true"
	Init(Config{
		Level:      Level(os.Getenv("VIGIL_LOG_LEVEL")),
		JSONOutput: json,
	})
}

// WithComponent creates a child logger with component field. A pointer
// is returned so level methods chain directly off the call.
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithServiceID creates a child logger with service_id field.
func WithServiceID(serviceID string) *zerolog.Logger {
	l := Logger.With().Str("service_id", serviceID).Logger()
	return &l
}
