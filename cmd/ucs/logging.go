package main

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/sagarc03/ucs/config"
)

// setupLogging installs the default slog logger and routes the standard
// library logger through it. Logs go to stderr so command output on stdout
// stays machine readable.
func setupLogging(cfg *config.Config) {
	h := newLogHandler(os.Stderr, cfg.IsProd(), logLevel(cfg))
	slog.SetDefault(slog.New(h))

	log.SetFlags(0)
	log.SetOutput(slog.NewLogLogger(h, slog.LevelInfo).Writer())
}

// newLogHandler returns JSON with a UTC "ts" field in production and
// colored tint output otherwise.
func newLogHandler(w io.Writer, prod bool, level slog.Level) slog.Handler {
	if !prod {
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  true,
			TimeFormat: "15:04:05.000",
		})
	}

	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.String("ts", a.Value.Time().UTC().Format(time.RFC3339Nano))
			}
			return a
		},
	})
}

// logLevel defaults to info in production and debug elsewhere.
func logLevel(cfg *config.Config) slog.Level {
	if cfg.Log.Level != "" {
		return parseLevel(cfg.Log.Level)
	}
	if cfg.IsProd() {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
