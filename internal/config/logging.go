package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger builds the process-wide logger: human-readable text on stderr,
// and when LogFile is set, JSON lines appended to that file as well. The
// returned closer is nil when no file sink is open.
func SetupLogger(cfg Config) (*slog.Logger, func() error) {
	if cfg.LogFile == "" {
		return newLogger(cfg.LogLevel, os.Stderr, nil), nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := newLogger(cfg.LogLevel, os.Stderr, nil)
		logger.Warn("log file unavailable, logging to stderr only", "path", cfg.LogFile, "error", err)
		return logger, nil
	}
	return newLogger(cfg.LogLevel, os.Stderr, f), f.Close
}

func newLogger(level slog.Level, console io.Writer, file io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	handlers := []slog.Handler{slog.NewTextHandler(console, opts)}
	if file != nil {
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}
	return slog.New(slogmulti.Fanout(handlers...))
}
