package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/gray-logic-ebus/internal/infrastructure/config"
)

// ServiceName is the service field attached to every log entry.
const ServiceName = "ebusbridge"

// Logger is a slog.Logger carrying the service and version fields. Its
// Debug/Info/Warn/Error methods satisfy the Logger interfaces of the
// bridge packages. Safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds the logger described by the logging section of the config.
// Unknown formats fall back to JSON and unknown outputs to stdout.
//
// Parameters:
//   - cfg: Logging configuration from the config file
//   - version: Build version attached to every entry
//
// Returns:
//   - *Logger: Configured logger
func New(cfg config.LoggingConfig, version string) *Logger {
	return newWithWriter(cfg, version, outputFor(cfg.Output))
}

func outputFor(name string) io.Writer {
	if strings.EqualFold(name, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

func newWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}

	return &Logger{slog.New(h).With("service", ServiceName, "version", version)}
}

// parseLevel accepts slog's level names in any case, plus "warning".
// Anything else is info.
func parseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if s == "" || lvl.UnmarshalText([]byte(s)) != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Component returns a child logger tagged with component=name.
//
//	linkLog := log.Component("ebus")
//	linkLog.Info("link opened") // component=ebus
func (l *Logger) Component(name string) *Logger {
	return &Logger{l.Logger.With("component", name)}
}

// Default is the JSON, info-level stdout logger used until the config
// file has been read.
func Default() *Logger {
	return New(config.LoggingConfig{}, "dev")
}
