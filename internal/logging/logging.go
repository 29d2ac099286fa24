// Package logging sets up the process-wide structured logger.
//
// Output always goes to stdout. When LOG_FILE_PATH is set the same stream is
// mirrored to that file, and LOG_LEVEL (DEBUG, INFO, WARN, ERROR) selects the
// minimum level. Both variables are read here so every binary behaves the
// same way.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	envLogFilePath = "LOG_FILE_PATH"
	envLogLevel    = "LOG_LEVEL"
)

// Init builds the logger from the environment and installs it as the slog
// default. The returned closer flushes and closes the log file, if any.
func Init() (*slog.Logger, func() error, error) {
	var w io.Writer = os.Stdout
	closer := func() error { return nil }

	if path := os.Getenv(envLogFilePath); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		w = io.MultiWriter(os.Stdout, f)
		closer = f.Close
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv(envLogLevel)),
	}))
	slog.SetDefault(logger)

	return logger, closer, nil
}

// parseLevel maps LOG_LEVEL values (DEBUG, INFO, WARN, ERROR, any case) to
// slog levels. Unknown values fall back to info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
