package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/pcm-recorder/internal/config"
	"github.com/skypro1111/pcm-recorder/internal/server"
)

var serveAutostart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP recording service",
	Long: `Run the recorder as a service. Recordings are started and stopped through
the HTTP API, or streamed in over /capture/ws. The configuration file is
watched and reloaded on change.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveAutostart, "autostart", false, "start recording with the configured backend immediately")
}

func runServe(cmd *cobra.Command, args []string) error {
	holder, logger, level, err := setup(cmd)
	if err != nil {
		return err
	}
	cfg := holder.Get()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", holder.Path()),
	)

	if !cfg.HTTP.Enabled && !serveAutostart {
		return fmt.Errorf("http is disabled and --autostart is not set, nothing to serve")
	}

	a, err := newApp(holder, logger)
	if err != nil {
		return err
	}
	a.controller.OnResult(a.dispatcher.Handle)

	logger.Info("Configuration loaded",
		slog.String("capture_backend", cfg.Capture.Backend),
		slog.Uint64("sample_rate", uint64(cfg.Audio.SampleRate)),
		slog.Int("channels", cfg.Audio.Channels),
		slog.Int("bit_depth", cfg.Audio.BitDepth),
		slog.Bool("levels", cfg.Levels.Enabled),
		slog.Int("retention", cfg.Recordings.Retention),
		slog.Any("sinks", sinkNames(a.sinks)),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	holder.OnChange(func(next *config.Config) {
		if logLevel == "" {
			level.Set(parseLevel(next.Logging.Level))
		}
		logger.Info("New recordings use the reloaded configuration; sinks, levels and retention apply after restart",
			slog.String("capture_backend", next.Capture.Backend),
		)
	})
	if holder.Path() != "" {
		go func() {
			if err := holder.Watch(ctx, logger); err != nil {
				logger.Error("Configuration watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	go a.store.Run(ctx, time.Minute)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, server.Deps{
			Config:     holder,
			Controller: a.controller,
			Store:      a.store,
			Devices:    a.newDevice,
			Sinks:      a.sinks,
			Metrics:    a.metrics,
			Gatherer:   a.registry,
		})
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	if serveAutostart {
		if err := autostart(ctx, a, cfg); err != nil {
			logger.Error("Failed to start recording", slog.String("error", err.Error()))
		}
	}

	logger.Info("Service started successfully, waiting for signals...")

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		cancel()
	}

	// Hand off the active recording before sinks are closed
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.GetStopTimeoutDuration())
	if err := a.controller.Shutdown(stopCtx); err != nil {
		logger.Error("Error stopping recording", slog.String("error", err.Error()))
	}
	cancel()

	deliverCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := a.dispatcher.Close(deliverCtx); err != nil {
		logger.Error("Pending deliveries abandoned", slog.String("error", err.Error()))
	}
	cancel()

	logger.Info("Service stopped", slog.Int("recordings_kept", a.store.Len()))
	return nil
}

func autostart(ctx context.Context, a *app, cfg *config.Config) error {
	dev, err := a.newDevice(cfg)
	if err != nil {
		return err
	}

	openCtx, cancel := context.WithTimeout(ctx, cfg.Capture.GetOpenTimeoutDuration())
	defer cancel()

	_, err = a.controller.Start(openCtx, cfg.Audio.Options(), dev)
	return err
}
