// Package logging configures the process-wide slog logger.
//
// LOG_LEVEL selects verbosity (debug|info|warn|error, default info).
// LOG_FORMAT selects output (json|text); when unset, text is used on a TTY
// and JSON otherwise, so local runs stay readable and deployed logs stay
// machine-parseable.
package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Setup builds the root logger from the environment and installs it as the
// slog default. Callers derive component loggers with logger.With("component", ...).
func Setup() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Trim source paths to dir/file.go so log lines stay short.
			if a.Key == slog.SourceKey {
				if src, ok := a.Value.Any().(*slog.Source); ok {
					src.File = filepath.Join(filepath.Base(filepath.Dir(src.File)), filepath.Base(src.File))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if useJSON() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func useJSON() bool {
	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "json":
		return true
	case "text":
		return false
	}
	fi, err := os.Stdout.Stat()
	if err != nil {
		return true
	}
	return fi.Mode()&os.ModeCharDevice == 0
}
