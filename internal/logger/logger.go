// Package logger provides structured logging with console and file output.
package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	zerolog.Logger
}

// Options configures a logger.
type Options struct {
	Level  string // zerolog level name, defaults to info
	File   string // optional log file, appended to
	JSON   bool   // write json to stdout instead of the console format
	Output io.Writer
}

// New creates a new logger with the specified level and optional file output.
func New(opts Options) (*Logger, error) {
	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var writers []io.Writer
	if opts.JSON {
		writers = append(writers, out)
	} else {
		writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"})
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	return &Logger{zl}, nil
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{l.With().Str("component", name).Logger()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zerolog.Nop()}
}

// Global is the global logger instance for convenience.
var Global *Logger

// Init initializes the global logger.
func Init(opts Options) error {
	l, err := New(opts)
	if err != nil {
		return err
	}
	Global = l
	return nil
}

// Get returns the global logger.
// Returns a no-op logger if not initialized.
func Get() *Logger {
	if Global == nil {
		return Nop()
	}
	return Global
}

// For returns a component logger derived from the global one.
func For(component string) *Logger {
	return Get().Component(component)
}
