package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/fingerprint-core/internal/infrastructure/config"
)

const serviceName = "fingerprint"

// Logger is a *slog.Logger whose derived loggers stay *Logger. Safe for
// concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds a logger for cfg, writing to stderr when cfg.Output says so
// and to stdout otherwise.
func New(cfg config.LoggingConfig, version string) *Logger {
	if strings.EqualFold(cfg.Output, "stderr") {
		return NewWithWriter(cfg, version, os.Stderr)
	}
	return NewWithWriter(cfg, version, os.Stdout)
}

// NewWithWriter ignores cfg.Output and writes to w. The interactive
// console passes its line editor here so log lines do not corrupt the
// prompt.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}

	base := slog.New(h).With("service", serviceName, "version", version)
	return &Logger{Logger: base}
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// parseLevel maps a configured level name to slog. Unknown names log at
// info.
func parseLevel(name string) slog.Level {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(name))]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// With returns a child logger carrying args on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component tags the child logger with component=name.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is the JSON info logger used until the configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
