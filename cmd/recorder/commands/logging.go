package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/skypro1111/pcm-recorder/internal/config"
)

// parseLevel maps a validated logging.level value to a slog level
func parseLevel(s string) slog.Level {
	switch s {
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

// initLogger creates and configures the structured logger based on configuration.
// The level is held in level so a configuration reload can change it.
func initLogger(cfg config.LoggingConfig, level *slog.LevelVar) *slog.Logger {
	level.Set(parseLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level.Level() == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "console":
		handler = tint.NewHandler(output, &tint.Options{
			Level:      level,
			AddSource:  opts.AddSource,
			TimeFormat: time.TimeOnly,
		})
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
