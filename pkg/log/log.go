package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, set by Init.
var Logger zerolog.Logger

// Level represents a configured log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init builds the global logger from cfg: JSONOutput picks a bare JSON
// writer, otherwise a timestamped console writer, matching whichever format
// an operator is piping the process's stderr into.
func Init(cfg Config) {
	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// tagged builds a child of the global logger through a single zerolog.Context
// mutation, so every With* helper below is one line regardless of field type.
func tagged(apply func(zerolog.Context) zerolog.Context) zerolog.Logger {
	return apply(Logger.With()).Logger()
}

// WithComponent tags a child logger with a subsystem name, e.g. "transport",
// "muxer", "alloc", "job".
func WithComponent(component string) zerolog.Logger {
	return tagged(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithJobID tags a child logger with a tracked job id.
func WithJobID(jobID string) zerolog.Logger {
	return tagged(func(c zerolog.Context) zerolog.Context { return c.Str("job_id", jobID) })
}

// WithAllocationID tags a child logger with an allocation id.
func WithAllocationID(allocationID string) zerolog.Logger {
	return tagged(func(c zerolog.Context) zerolog.Context { return c.Str("allocation_id", allocationID) })
}

// WithChannelID tags a child logger with a multiplexer channel id.
func WithChannelID(channelID int) zerolog.Logger {
	return tagged(func(c zerolog.Context) zerolog.Context { return c.Int("channel_id", channelID) })
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}
