package util

import (
	"io"
	"log/slog"
	"os"
)

var logger *slog.Logger

// InitLogger initializes the global slog logger. Logs go to stderr so that
// stdout can carry the exported file.
func InitLogger(verbose bool) {
	initLogger(os.Stderr, verbose)
}

func initLogger(w io.Writer, verbose bool) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	logger = slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	if logger == nil {
		InitLogger(verboseFromArgs(os.Args[1:]))
	}
	return logger
}

// verboseFromArgs reports whether args enable --verbose. GetLogger uses it
// when logging starts before cobra parsed the flags.
func verboseFromArgs(args []string) bool {
	for _, arg := range args {
		switch arg {
		case "--verbose", "--verbose=true", "--verbose=1":
			return true
		case "--":
			return false
		}
	}
	return false
}
