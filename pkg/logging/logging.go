// Package logging sets up the supervisor's structured logger: a
// size-rotated JSON log file under the configured log directory, in the
// same slog.NewJSONHandler shape cmd/sand's own logger setup uses,
// generalized from truncate-on-start to size-based rotation so a
// long-running supervisor doesn't lose its own history on every
// restart.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level names accepted in configuration, matching the teacher's own
// "debug|info|warn|error" set.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Options controls where and how verbosely the supervisor logs.
type Options struct {
	// Dir is the log directory (spec.md §6's log_dir); the log file is
	// created as "nstard.log" inside it.
	Dir string

	// Level is one of the Level* constants; an unrecognized value falls
	// back to LevelInfo, matching the teacher's own default-on-invalid
	// behavior.
	Level string

	// MaxSizeMB is the size at which the active log file is rotated.
	MaxSizeMB int
	// MaxBackups is how many rotated files are retained.
	MaxBackups int
	// MaxAgeDays is how long a rotated file is kept before deletion.
	MaxAgeDays int
}

func (o Options) withDefaults() Options {
	if o.MaxSizeMB <= 0 {
		o.MaxSizeMB = 100
	}
	if o.MaxBackups <= 0 {
		o.MaxBackups = 5
	}
	if o.MaxAgeDays <= 0 {
		o.MaxAgeDays = 28
	}
	return o
}

func parseLevel(name string) slog.Level {
	switch name {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the supervisor's logger and installs it as slog's default,
// returning the rotating writer so the caller can close it on shutdown.
func New(opts Options) (*lumberjack.Logger, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("logging: create log dir %s: %w", opts.Dir, err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, "nstard.log"),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: parseLevel(opts.Level)})
	slog.SetDefault(slog.New(handler))
	return writer, nil
}
