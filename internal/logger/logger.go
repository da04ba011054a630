// Package logger builds the slog loggers used by iplreg
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Options configures logger construction
type Options struct {
	// Verbose is 0 for warnings only, 1 for progress, 2 and above for
	// every external command
	Verbose int

	// File, when set, receives JSON records instead of the terminal
	File string

	// Writer is the terminal destination; defaults to stderr
	Writer io.Writer
}

// Level maps a verbosity count to a slog level
func Level(verbose int) slog.Level {
	switch {
	case verbose >= 2:
		return slog.LevelDebug
	case verbose == 1:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// New creates a logger. The returned function closes the log file, if any.
func New(opts Options) (*slog.Logger, func(), error) {
	hopts := &slog.HandlerOptions{Level: Level(opts.Verbose)}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, err
		}
		return slog.New(slog.NewJSONHandler(f, hopts)), func() { f.Close() }, nil
	}

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, hopts)), func() {}, nil
}
